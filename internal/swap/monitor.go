package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moneroswap/swapd/internal/backend"
	"github.com/moneroswap/swapd/internal/htlc"
	"github.com/moneroswap/swapd/internal/node"
)

// spawnContinuation starts the asynchronous tail of a swap. At most
// one continuation runs per swap id; a duplicate request is a no-op.
func (e *Executor) spawnContinuation(state *SwapState) {
	e.mu.Lock()
	if _, running := e.active[state.ID]; running {
		e.mu.Unlock()
		return
	}
	e.active[state.ID] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, state.ID)
			e.mu.Unlock()
		}()
		e.runContinuation(state)
	}()
}

func (e *Executor) runContinuation(state *SwapState) {
	final, err := e.continueSwap(e.ctx, state)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// executor shutdown; state is consistent, resume picks it up
			return
		}
		e.log.Error("swap continuation failed", "id", state.ID, "err", err)
		if final != nil {
			if recorded, rerr := e.store.RecordError(final, err); rerr == nil {
				final = recorded
			}
		}
		if e.callbacks.OnError != nil {
			e.callbacks.OnError(state.ID, err)
		}
		return
	}
	if final.Phase == PhaseCompleted && e.callbacks.OnComplete != nil {
		e.callbacks.OnComplete(final)
	}
}

// continueSwap dispatches over the phase enumeration, performing one
// step per iteration and persisting after every observed change. The
// same loop serves fresh swaps and resumed ones: it picks up wherever
// the persisted phase left off.
func (e *Executor) continueSwap(ctx context.Context, state *SwapState) (*SwapState, error) {
	var err error
	for {
		switch state.Phase {
		case PhaseLockTxBroadcast:
			state, err = e.waitLockConfirmations(ctx, state)
		case PhaseLockTxConfirmed:
			state, err = e.waitTransferProof(ctx, state)
		case PhaseXMRLockSeen:
			state, err = e.waitXMRConfirmations(ctx, state)
		case PhaseXMRLockConfirmed:
			state, err = e.sendEncryptedSignature(ctx, state)
		case PhaseEncryptedSigSent:
			state, err = e.watchRedemption(ctx, state)
		case PhaseBTCRedeemed:
			state, err = e.transition(state, PhaseXMRRedeemable, "")
		case PhaseXMRRedeemable:
			// claiming the XMR with the revealed secret is the Monero
			// wallet collaborator's job; the engine's work is done
			state, err = e.transition(state, PhaseCompleted, "")
		case PhaseXMRRedeemed:
			state, err = e.transition(state, PhaseCompleted, "")
		case PhaseCompleted, PhaseRefunded, PhasePunished, PhaseFailed:
			return state, nil
		default:
			return state, fmt.Errorf("%w: %s", ErrNotResumable, state.Phase)
		}
		if err != nil {
			return state, err
		}
	}
}

// waitLockConfirmations polls the chain until the lock transaction has
// the negotiated confirmation depth.
func (e *Executor) waitLockConfirmations(ctx context.Context, state *SwapState) (*SwapState, error) {
	required := int64(state.MinBTCConfirmations)
	if required == 0 {
		required = 1
	}
	e.log.Info("waiting for lock confirmations", "id", state.ID, "txid", state.LockTxID, "required", required)

	for {
		confs, err := e.backend.GetConfirmations(ctx, state.LockTxID)
		if err == nil && confs >= required {
			return e.transition(state, PhaseLockTxConfirmed, fmt.Sprintf("%d confirmations", confs))
		}
		if err != nil && !errors.Is(err, backend.ErrTxNotFound) {
			e.log.Debug("confirmation poll failed", "id", state.ID, "err", err)
		}
		if err := e.sleep(ctx); err != nil {
			return state, err
		}
	}
}

// waitTransferProof blocks on the peer's transfer-proof push for this
// swap id. The protocol client bounds the wait.
func (e *Executor) waitTransferProof(ctx context.Context, state *SwapState) (*SwapState, error) {
	proof, err := e.peers.WaitTransferProof(ctx, state.ID)
	if err != nil {
		return state, err
	}
	state, err = e.store.Update(state, func(s *SwapState) {
		s.XMRLockTxID = proof.TxRef
	})
	if err != nil {
		return state, err
	}
	return e.transition(state, PhaseXMRLockSeen, proof.TxRef)
}

func (e *Executor) waitXMRConfirmations(ctx context.Context, state *SwapState) (*SwapState, error) {
	if state.XMRLockTxID == "" {
		return state, fmt.Errorf("%w: XMR lock transaction reference", ErrMissingField)
	}
	confs := state.MinXMRConfirmations
	if confs == 0 {
		confs = 10
	}
	e.log.Info("waiting for XMR lock confirmations", "id", state.ID, "confirmations", confs)
	if err := e.xmr.WaitForConfirmations(ctx, state.XMRLockTxID, confs); err != nil {
		return state, err
	}
	return e.transition(state, PhaseXMRLockConfirmed, "")
}

// sendEncryptedSignature delivers the value that lets the peer redeem
// the BTC lock. The ciphertext binds the secret so that completing the
// redemption reveals it on-chain.
//
// The cipher is an ECDH construction standing in for a two-party
// adaptor-signature protocol; see htlc.ECDHSignatureCipher.
func (e *Executor) sendEncryptedSignature(ctx context.Context, state *SwapState) (*SwapState, error) {
	refundKey, err := e.keys.PrivateKeyAt(state.RefundKeyIndex)
	if err != nil {
		return state, err
	}
	peerPub, err := secp256k1.ParsePubKey(state.RedeemPubKey)
	if err != nil {
		return state, fmt.Errorf("stored redeem pubkey is invalid: %w", err)
	}
	sec, err := e.secrets.GetSecret(state.ID)
	if err != nil {
		return state, err
	}
	secret, err := hex.DecodeString(sec.Secret)
	if err != nil {
		return state, fmt.Errorf("corrupt stored secret: %w", err)
	}

	sig := ecdsa.Sign(refundKey, state.SecretHash).Serialize()
	cipher := htlc.NewSignatureCipher(refundKey, peerPub)
	ciphertext, err := cipher.Seal(sig, secret)
	if err != nil {
		return state, err
	}

	peerID, err := peer.Decode(state.PeerID)
	if err != nil {
		return state, fmt.Errorf("stored peer id is invalid: %w", err)
	}
	err = e.peers.SendEncryptedSignature(ctx, peerID, &node.EncryptedSignature{
		SwapID:     state.ID,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return state, err
	}
	return e.transition(state, PhaseEncryptedSigSent, "")
}

// watchRedemption polls for a transaction spending the lock output and
// extracts the revealed secret from its witness. A spend whose witness
// does not carry a preimage matching the committed hash cannot be the
// real redemption, so it is skipped and the watch continues. On
// timeout the swap stays open for a caller-driven refund.
func (e *Executor) watchRedemption(ctx context.Context, state *SwapState) (*SwapState, error) {
	e.log.Info("watching for lock output spend", "id", state.ID, "txid", state.LockTxID)

	watchCtx, cancel := context.WithTimeout(ctx, e.redeemTimeout)
	defer cancel()

	for {
		spend, err := e.backend.GetSpendingTransaction(watchCtx, state.LockTxID, state.LockVout)
		switch {
		case err == nil:
			secret, ok := htlc.ExtractSecret(spend.Witness, state.SecretHash)
			if !ok {
				e.log.Warn("spend of lock output carries no valid preimage",
					"id", state.ID, "spender", spend.TxID)
				break
			}
			state, err = e.store.Update(state, func(s *SwapState) {
				s.Secret = secret
				s.RedeemTxID = spend.TxID
			})
			if err != nil {
				return state, err
			}
			return e.transition(state, PhaseBTCRedeemed, spend.TxID)
		case errors.Is(err, backend.ErrNotSpent):
			// keep polling
		default:
			e.log.Debug("spend poll failed", "id", state.ID, "err", err)
		}

		if err := e.sleep(watchCtx); err != nil {
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
			return state, ErrRedeemWaitTimeout
		}
	}
}

// sleep waits one poll interval, returning early on cancellation.
func (e *Executor) sleep(ctx context.Context) error {
	timer := time.NewTimer(e.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
