package swap

import (
	"context"
	"fmt"

	"github.com/moneroswap/swapd/internal/htlc"
)

// RefundSwap builds and broadcasts the refund transaction for a swap
// whose cancel timelock has elapsed. destAddress may be empty, in
// which case a fresh wallet address is used. Returns the refund
// transaction id.
func (e *Executor) RefundSwap(ctx context.Context, swapID, destAddress string, feeRate uint64) (string, error) {
	state, err := e.store.Load(swapID)
	if err != nil {
		return "", err
	}
	return e.refund(ctx, state, destAddress, feeRate)
}

func (e *Executor) refund(ctx context.Context, state *SwapState, destAddress string, feeRate uint64) (string, error) {
	if state.LockTxID == "" || len(state.HTLCScript) == 0 {
		return "", fmt.Errorf("%w: lock transaction or HTLC script", ErrMissingField)
	}

	tip, err := e.backend.GetTipHeight(ctx)
	if err != nil {
		return "", err
	}
	if !state.CanRefund(tip) {
		return "", fmt.Errorf("%w: phase %s, height %d, cancel timelock %d",
			ErrCannotRefund, state.Phase, tip, state.CancelTimelock)
	}

	if state.Phase != PhaseRefundTimelockExpired {
		state, err = e.transition(state, PhaseRefundTimelockExpired, fmt.Sprintf("height %d", tip))
		if err != nil {
			return "", err
		}
	}

	refundKey, err := e.keys.PrivateKeyAt(state.RefundKeyIndex)
	if err != nil {
		return "", err
	}
	if destAddress == "" {
		destAddress, _, err = e.keys.NextDepositAddress()
		if err != nil {
			return "", err
		}
	}
	if feeRate == 0 {
		estimates, err := e.backend.GetFeeEstimates(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to fetch fee rate: %w", err)
		}
		feeRate = estimates.HalfHourFee
	}

	tx, err := htlc.BuildRefundTx(&htlc.SpendTxParams{
		Network:       state.Network,
		LockTxID:      state.LockTxID,
		LockVout:      state.LockVout,
		LockAmountSat: state.BTCAmount,
		Script:        state.HTLCScript,
		DestAddress:   destAddress,
		FeeRate:       feeRate,
	}, uint32(state.CancelTimelock), refundKey)
	if err != nil {
		return "", err
	}
	rawTx, err := htlc.SerializeTx(tx)
	if err != nil {
		return "", err
	}

	txID, err := e.backend.BroadcastTransaction(ctx, rawTx)
	if err != nil {
		if _, rerr := e.store.RecordError(state, err); rerr != nil {
			e.log.Error("failed to record broadcast error", "id", state.ID, "err", rerr)
		}
		return "", err
	}

	state, err = e.store.Update(state, func(s *SwapState) {
		s.RefundTxID = txID
	})
	if err != nil {
		return "", err
	}
	state, err = e.transition(state, PhaseBTCRefunded, txID)
	if err != nil {
		return "", err
	}
	if _, err = e.transition(state, PhaseRefunded, ""); err != nil {
		return "", err
	}

	e.log.Info("swap refunded", "id", state.ID, "txid", txID)
	return txID, nil
}
