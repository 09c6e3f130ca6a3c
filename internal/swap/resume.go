package swap

import (
	"context"
	"fmt"
)

// ResumeSwap re-enters a persisted swap at the point matching its
// phase, making the engine restart-safe. The returned state reflects
// any synchronous work done here; longer waits continue in the
// background as usual.
func (e *Executor) ResumeSwap(ctx context.Context, swapID string) (*SwapState, error) {
	state, err := e.store.Load(swapID)
	if err != nil {
		return nil, err
	}
	if state.Phase.Terminal() {
		return state, nil
	}

	e.log.Info("resuming swap", "id", state.ID, "phase", state.Phase)

	switch state.Phase {
	case PhaseInitiated:
		// no lock transaction was ever built; nothing on-chain to
		// recover, so the swap cannot make progress
		return e.transition(state, PhaseFailed, "no lock transaction built before restart")

	case PhaseLockTxCreated:
		if state.LockTxHex == "" {
			return nil, fmt.Errorf("%w: stored lock transaction", ErrMissingField)
		}
		state, err = e.broadcastLockTx(ctx, state)
		if err != nil {
			return state, err
		}
		e.spawnContinuation(state)
		return state, nil

	case PhaseLockTxBroadcast, PhaseLockTxConfirmed, PhaseXMRLockSeen,
		PhaseXMRLockConfirmed, PhaseEncryptedSigSent:
		if refunded, rstate := e.tryExpiredRefund(ctx, state); refunded {
			return rstate, nil
		}
		e.spawnContinuation(state)
		return state, nil

	case PhaseBTCRedeemed, PhaseXMRRedeemable, PhaseXMRRedeemed:
		e.spawnContinuation(state)
		return state, nil

	case PhaseRefundTimelockExpired, PhaseBTCRefunded:
		if state.Phase == PhaseBTCRefunded {
			// refund already on-chain; just finish the bookkeeping
			return e.transition(state, PhaseRefunded, "")
		}
		if _, err := e.refund(ctx, state, "", 0); err != nil {
			return state, err
		}
		return e.store.Load(swapID)

	default:
		return nil, fmt.Errorf("%w: %s", ErrNotResumable, state.Phase)
	}
}

// ResumeAll resumes every non-terminal swap found in the store,
// typically at process startup. Failures are scoped per swap.
func (e *Executor) ResumeAll(ctx context.Context) error {
	states, err := e.store.ListAll()
	if err != nil {
		return err
	}
	for _, state := range states {
		if state.Phase.Terminal() {
			continue
		}
		if _, err := e.ResumeSwap(ctx, state.ID); err != nil {
			e.log.Error("failed to resume swap", "id", state.ID, "err", err)
			if e.callbacks.OnError != nil {
				e.callbacks.OnError(state.ID, err)
			}
		}
	}
	return nil
}

// tryExpiredRefund refunds the swap if its cancel timelock has already
// elapsed. Returns false when the timelock is still running or the
// refund is not possible; the caller then resumes monitoring instead.
func (e *Executor) tryExpiredRefund(ctx context.Context, state *SwapState) (bool, *SwapState) {
	tip, err := e.backend.GetTipHeight(ctx)
	if err != nil || !state.CanRefund(tip) {
		return false, state
	}
	if _, err := e.refund(ctx, state, "", 0); err != nil {
		e.log.Warn("refund of expired swap failed, resuming monitor", "id", state.ID, "err", err)
		return false, state
	}
	refunded, err := e.store.Load(state.ID)
	if err != nil {
		return false, state
	}
	return true, refunded
}
