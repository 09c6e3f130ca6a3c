// Package swap implements the atomic-swap engine: the per-swap state
// machine with persisted, append-only phase history, and the executor
// that drives a swap from quote through completion or refund. It builds
// on the htlc, backend, wallet and node packages; everything here is
// scoped to a single swap id.
package swap

import (
	"errors"
	"time"

	"github.com/moneroswap/swapd/internal/chain"
)

// Common errors
var (
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrTerminalState     = errors.New("swap is in a terminal phase")
	ErrUnknownPhase      = errors.New("unknown swap phase")
	ErrSwapNotFound      = errors.New("swap not found")
	ErrCannotRefund      = errors.New("refund conditions not met")
	ErrMissingField      = errors.New("swap state missing required field")
)

// Phase is one step in a swap's lifecycle. The set is closed: resume
// logic switches over it exhaustively, and unknown values loaded from
// storage are rejected rather than guessed at.
type Phase string

const (
	PhaseInitiated             Phase = "INITIATED"
	PhaseLockTxCreated         Phase = "LOCK_TX_CREATED"
	PhaseLockTxBroadcast       Phase = "LOCK_TX_BROADCAST"
	PhaseLockTxConfirmed       Phase = "LOCK_TX_CONFIRMED"
	PhaseXMRLockSeen           Phase = "XMR_LOCK_SEEN"
	PhaseXMRLockConfirmed      Phase = "XMR_LOCK_CONFIRMED"
	PhaseEncryptedSigSent      Phase = "ENCRYPTED_SIG_SENT"
	PhaseBTCRedeemed           Phase = "BTC_REDEEMED"
	PhaseXMRRedeemable         Phase = "XMR_REDEEMABLE"
	PhaseXMRRedeemed           Phase = "XMR_REDEEMED"
	PhaseCompleted             Phase = "COMPLETED"
	PhaseRefundTimelockExpired Phase = "REFUND_TIMELOCK_EXPIRED"
	PhaseBTCRefunded           Phase = "BTC_REFUNDED"
	PhaseRefunded              Phase = "REFUNDED"
	PhasePunished              Phase = "PUNISHED"
	PhaseFailed                Phase = "FAILED"
)

// allPhases is the closed phase set, in lifecycle order.
var allPhases = []Phase{
	PhaseInitiated,
	PhaseLockTxCreated,
	PhaseLockTxBroadcast,
	PhaseLockTxConfirmed,
	PhaseXMRLockSeen,
	PhaseXMRLockConfirmed,
	PhaseEncryptedSigSent,
	PhaseBTCRedeemed,
	PhaseXMRRedeemable,
	PhaseXMRRedeemed,
	PhaseCompleted,
	PhaseRefundTimelockExpired,
	PhaseBTCRefunded,
	PhaseRefunded,
	PhasePunished,
	PhaseFailed,
}

// transitions maps each phase to the phases it may advance to. FAILED
// is reachable from every non-terminal phase and handled separately.
var transitions = map[Phase][]Phase{
	PhaseInitiated:        {PhaseLockTxCreated},
	PhaseLockTxCreated:    {PhaseLockTxBroadcast},
	PhaseLockTxBroadcast:  {PhaseLockTxConfirmed, PhaseRefundTimelockExpired},
	PhaseLockTxConfirmed:  {PhaseXMRLockSeen, PhaseRefundTimelockExpired},
	PhaseXMRLockSeen:      {PhaseXMRLockConfirmed, PhaseRefundTimelockExpired},
	PhaseXMRLockConfirmed: {PhaseEncryptedSigSent, PhaseRefundTimelockExpired},
	PhaseEncryptedSigSent: {PhaseBTCRedeemed, PhaseRefundTimelockExpired},
	PhaseBTCRedeemed:      {PhaseXMRRedeemable},
	PhaseXMRRedeemable:    {PhaseXMRRedeemed, PhaseCompleted},
	PhaseXMRRedeemed:      {PhaseCompleted},

	PhaseRefundTimelockExpired: {PhaseBTCRefunded, PhasePunished},
	PhaseBTCRefunded:           {PhaseRefunded},

	PhaseCompleted: nil,
	PhaseRefunded:  nil,
	PhasePunished:  nil,
	PhaseFailed:    nil,
}

// Valid reports whether p belongs to the closed phase set.
func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

// Terminal reports whether p has no outgoing transitions.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseRefunded, PhasePunished, PhaseFailed:
		return true
	}
	return false
}

// CanTransition reports whether the machine allows p → next. Any
// non-terminal phase may transition to FAILED.
func (p Phase) CanTransition(next Phase) bool {
	if !p.Valid() || !next.Valid() {
		return false
	}
	if p.Terminal() {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PhaseChange is one entry in a swap's append-only history.
type PhaseChange struct {
	Phase  Phase     `json:"phase"`
	Time   time.Time `json:"time"`
	Detail string    `json:"detail,omitempty"`
}

// SwapState is one swap's full persisted record. Amounts are integer
// base units (satoshis, piconero); only public key material is stored.
// A state value is a snapshot: store operations return fresh copies and
// never mutate their input.
type SwapState struct {
	ID      string        `json:"id"`
	PeerID  string        `json:"peer_id"`
	Network chain.Network `json:"network"`

	BTCAmount    uint64 `json:"btc_amount"` // satoshis
	XMRAmount    uint64 `json:"xmr_amount"` // piconero
	ExchangeRate string `json:"exchange_rate"`

	MinBTCConfirmations uint64 `json:"min_btc_confirmations"`
	MinXMRConfirmations uint64 `json:"min_xmr_confirmations"`
	CancelTimelock      int64  `json:"cancel_timelock"` // absolute BTC height
	PunishTimelock      int64  `json:"punish_timelock"` // absolute BTC height

	SecretHash     []byte `json:"secret_hash"`
	Secret         []byte `json:"secret,omitempty"` // set only once revealed on-chain
	RefundPubKey   []byte `json:"refund_pub_key"`
	RedeemPubKey   []byte `json:"redeem_pub_key"`
	RefundKeyIndex uint32 `json:"refund_key_index"` // wallet derivation index

	XMRAddress     string `json:"xmr_address"`
	XMRLockAddress string `json:"xmr_lock_address,omitempty"`

	HTLCScript  []byte `json:"htlc_script"`
	LockAddress string `json:"lock_address"`
	LockTxHex   string `json:"lock_tx_hex,omitempty"` // signed tx, kept until broadcast
	LockTxID    string `json:"lock_tx_id,omitempty"`
	LockVout    uint32 `json:"lock_vout"`
	RedeemTxID  string `json:"redeem_tx_id,omitempty"`
	RefundTxID  string `json:"refund_tx_id,omitempty"`
	XMRLockTxID string `json:"xmr_lock_tx_id,omitempty"`

	Phase        Phase         `json:"phase"`
	PhaseHistory []PhaseChange `json:"phase_history"`

	LastError  string `json:"last_error,omitempty"`
	ErrorCount int    `json:"error_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a deep copy so that snapshots stay independent.
func (s *SwapState) clone() *SwapState {
	c := *s
	c.SecretHash = append([]byte(nil), s.SecretHash...)
	c.Secret = append([]byte(nil), s.Secret...)
	c.RefundPubKey = append([]byte(nil), s.RefundPubKey...)
	c.RedeemPubKey = append([]byte(nil), s.RedeemPubKey...)
	c.HTLCScript = append([]byte(nil), s.HTLCScript...)
	c.PhaseHistory = append([]PhaseChange(nil), s.PhaseHistory...)
	return &c
}

// CanRefund reports whether the refund path may be taken at the given
// chain height. Refunding after the counterparty has redeemed would
// expose the initiator to the punish path, so redeemed and completed
// swaps are excluded regardless of height.
func (s *SwapState) CanRefund(currentHeight int64) bool {
	switch s.Phase {
	case PhaseBTCRedeemed, PhaseXMRRedeemed, PhaseCompleted:
		return false
	}
	if s.LockTxID == "" {
		return false
	}
	return currentHeight >= s.CancelTimelock
}
