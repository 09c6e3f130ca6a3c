package swap

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/moneroswap/swapd/internal/chain"
	"github.com/moneroswap/swapd/internal/storage"
	"github.com/moneroswap/swapd/pkg/logging"
)

const swapKeyPrefix = "swap/"

// Store persists swap records through the KV abstraction, one record
// per swap id. Every mutation goes through a method that returns a new
// snapshot; the input state is never modified.
type Store struct {
	kv  storage.KV
	log *logging.Logger
}

// NewStore creates a swap store over a KV backend.
func NewStore(kv storage.KV) *Store {
	return &Store{
		kv:  kv,
		log: logging.GetDefault().Component("swapstore"),
	}
}

// newSwapID returns a collision-resistant id: a millisecond timestamp
// for natural ordering plus a random suffix.
func newSwapID(now time.Time) string {
	return fmt.Sprintf("swap-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// NewSwapParams are the fields known at swap creation.
type NewSwapParams struct {
	ID                  string // assigned if empty
	PeerID              string
	Network             chain.Network
	BTCAmount           uint64
	XMRAmount           uint64
	ExchangeRate        string
	MinBTCConfirmations uint64
	MinXMRConfirmations uint64
	CancelTimelock      int64
	PunishTimelock      int64
	SecretHash          []byte
	RefundPubKey        []byte
	RedeemPubKey        []byte
	RefundKeyIndex      uint32
	XMRAddress          string
	XMRLockAddress      string
}

// Create assigns a fresh id, sets the initial phase and persists the
// new record.
func (st *Store) Create(params *NewSwapParams) (*SwapState, error) {
	now := time.Now().UTC()
	id := params.ID
	if id == "" {
		id = newSwapID(now)
	}
	state := &SwapState{
		ID:                  id,
		PeerID:              params.PeerID,
		Network:             params.Network,
		BTCAmount:           params.BTCAmount,
		XMRAmount:           params.XMRAmount,
		ExchangeRate:        params.ExchangeRate,
		MinBTCConfirmations: params.MinBTCConfirmations,
		MinXMRConfirmations: params.MinXMRConfirmations,
		CancelTimelock:      params.CancelTimelock,
		PunishTimelock:      params.PunishTimelock,
		SecretHash:          append([]byte(nil), params.SecretHash...),
		RefundPubKey:        append([]byte(nil), params.RefundPubKey...),
		RedeemPubKey:        append([]byte(nil), params.RedeemPubKey...),
		RefundKeyIndex:      params.RefundKeyIndex,
		XMRAddress:          params.XMRAddress,
		XMRLockAddress:      params.XMRLockAddress,
		Phase:               PhaseInitiated,
		PhaseHistory:        []PhaseChange{{Phase: PhaseInitiated, Time: now}},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := st.Save(state); err != nil {
		return nil, err
	}
	st.log.Info("created swap", "id", state.ID, "peer", state.PeerID,
		"btc", state.BTCAmount, "xmr", state.XMRAmount)
	return state, nil
}

// TransitionPhase validates the transition, appends to the phase
// history and persists. Returns the new snapshot.
func (st *Store) TransitionPhase(state *SwapState, next Phase, detail string) (*SwapState, error) {
	if state.Phase.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminalState, state.Phase)
	}
	if !state.Phase.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state.Phase, next)
	}

	now := time.Now().UTC()
	updated := state.clone()
	updated.Phase = next
	updated.PhaseHistory = append(updated.PhaseHistory, PhaseChange{
		Phase:  next,
		Time:   now,
		Detail: detail,
	})
	updated.UpdatedAt = now

	if err := st.Save(updated); err != nil {
		return nil, err
	}
	st.log.Info("phase transition", "id", state.ID, "from", state.Phase, "to", next)
	return updated, nil
}

// Update applies a field mutation to a copy of the state and persists
// it. The id, creation time and phase history survive regardless of
// what the mutation does to them.
func (st *Store) Update(state *SwapState, apply func(*SwapState)) (*SwapState, error) {
	updated := state.clone()
	apply(updated)

	updated.ID = state.ID
	updated.CreatedAt = state.CreatedAt
	updated.Phase = state.Phase
	updated.PhaseHistory = append([]PhaseChange(nil), state.PhaseHistory...)
	updated.UpdatedAt = time.Now().UTC()

	if err := st.Save(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// RecordError notes a failure on the swap without advancing its phase.
func (st *Store) RecordError(state *SwapState, swapErr error) (*SwapState, error) {
	updated := state.clone()
	updated.LastError = swapErr.Error()
	updated.ErrorCount++
	updated.UpdatedAt = time.Now().UTC()

	if err := st.Save(updated); err != nil {
		return nil, err
	}
	st.log.Warn("swap error recorded", "id", state.ID, "count", updated.ErrorCount, "err", swapErr)
	return updated, nil
}

// Save writes the record under its swap id.
func (st *Store) Save(state *SwapState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode swap state: %w", err)
	}
	return st.kv.Set(swapKeyPrefix+state.ID, raw)
}

// Load reads one swap by id.
func (st *Store) Load(id string) (*SwapState, error) {
	raw, err := st.kv.Get(swapKeyPrefix + id)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var state SwapState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("corrupt swap record %s: %w", id, err)
	}
	if !state.Phase.Valid() {
		return nil, fmt.Errorf("%w: %q in record %s", ErrUnknownPhase, state.Phase, id)
	}
	return &state, nil
}

// Delete removes one swap record. Deletion is an explicit user action;
// the engine never deletes automatically.
func (st *Store) Delete(id string) error {
	return st.kv.Delete(swapKeyPrefix + id)
}

// ListAll returns every known swap, newest first.
func (st *Store) ListAll() ([]*SwapState, error) {
	keys, err := st.kv.ListKeys(swapKeyPrefix)
	if err != nil {
		return nil, err
	}

	states := make([]*SwapState, 0, len(keys))
	for _, key := range keys {
		state, err := st.Load(key[len(swapKeyPrefix):])
		if err != nil {
			st.log.Warn("skipping unreadable swap record", "key", key, "err", err)
			continue
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.After(states[j].CreatedAt)
	})
	return states, nil
}
