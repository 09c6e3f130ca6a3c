package swap

import (
	"errors"
	"math"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/moneroswap/swapd/internal/chain"
	"github.com/moneroswap/swapd/internal/storage"
)

// memKV is an in-memory KV store for tests.
type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return v, nil
}

func (m *memKV) Set(key string, value []byte) error {
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Delete(key string) error {
	delete(m.data, key)
	return nil
}

func (m *memKV) ListKeys(prefix string) ([]string, error) {
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func testParams() *NewSwapParams {
	return &NewSwapParams{
		PeerID:              "12D3KooWtest",
		Network:             chain.Testnet,
		BTCAmount:           1_000_000,
		XMRAmount:           1_600_000_000_000,
		ExchangeRate:        "160",
		MinBTCConfirmations: 2,
		MinXMRConfirmations: 10,
		CancelTimelock:      850_144,
		PunishTimelock:      850_288,
		SecretHash:          make([]byte, 32),
		RefundPubKey:        make([]byte, 33),
		RedeemPubKey:        make([]byte, 33),
		XMRAddress:          "payout",
	}
}

func TestCreateAssignsID(t *testing.T) {
	st := NewStore(newMemKV())

	a, err := st.Create(testParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	b, err := st.Create(testParams())
	if err != nil {
		t.Fatal(err)
	}

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids must be unique and non-empty, got %q and %q", a.ID, b.ID)
	}
	if !strings.HasPrefix(a.ID, "swap-") {
		t.Errorf("id %q missing prefix", a.ID)
	}
	if a.Phase != PhaseInitiated {
		t.Errorf("initial phase = %s, want INITIATED", a.Phase)
	}
	if len(a.PhaseHistory) != 1 || a.PhaseHistory[0].Phase != PhaseInitiated {
		t.Error("phase history must start with INITIATED")
	}
}

func TestTransitionPhaseSnapshot(t *testing.T) {
	st := NewStore(newMemKV())
	state, err := st.Create(testParams())
	if err != nil {
		t.Fatal(err)
	}

	next, err := st.TransitionPhase(state, PhaseLockTxCreated, "built")
	if err != nil {
		t.Fatalf("TransitionPhase() error = %v", err)
	}

	// the input snapshot must be untouched
	if state.Phase != PhaseInitiated || len(state.PhaseHistory) != 1 {
		t.Error("TransitionPhase mutated its input")
	}
	if next.Phase != PhaseLockTxCreated {
		t.Errorf("phase = %s, want LOCK_TX_CREATED", next.Phase)
	}
	if len(next.PhaseHistory) != 2 || next.PhaseHistory[1].Detail != "built" {
		t.Error("history entry not appended")
	}
	if !next.UpdatedAt.After(state.UpdatedAt) && !next.UpdatedAt.Equal(state.UpdatedAt) {
		t.Error("updatedAt went backwards")
	}
}

func TestTransitionPhaseRejectsInvalid(t *testing.T) {
	st := NewStore(newMemKV())
	state, err := st.Create(testParams())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := st.TransitionPhase(state, PhaseBTCRedeemed, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}

	// walk into a terminal phase, then verify nothing leaves it
	state, err = st.TransitionPhase(state, PhaseFailed, "gave up")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.TransitionPhase(state, PhaseLockTxCreated, ""); !errors.Is(err, ErrTerminalState) {
		t.Errorf("error = %v, want ErrTerminalState", err)
	}
}

func TestUpdatePreservesIdentity(t *testing.T) {
	st := NewStore(newMemKV())
	state, err := st.Create(testParams())
	if err != nil {
		t.Fatal(err)
	}

	updated, err := st.Update(state, func(s *SwapState) {
		s.LockTxID = "aa01"
		s.ID = "hijacked"
		s.CreatedAt = time.Time{}
		s.PhaseHistory = nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if updated.LockTxID != "aa01" {
		t.Error("field update lost")
	}
	if updated.ID != state.ID {
		t.Errorf("id changed to %q", updated.ID)
	}
	if !updated.CreatedAt.Equal(state.CreatedAt) {
		t.Error("createdAt changed")
	}
	if len(updated.PhaseHistory) != len(state.PhaseHistory) {
		t.Error("phase history changed by Update")
	}
}

func TestRecordError(t *testing.T) {
	st := NewStore(newMemKV())
	state, err := st.Create(testParams())
	if err != nil {
		t.Fatal(err)
	}

	state, err = st.RecordError(state, errors.New("broadcast rejected"))
	if err != nil {
		t.Fatal(err)
	}
	state, err = st.RecordError(state, errors.New("still rejected"))
	if err != nil {
		t.Fatal(err)
	}

	if state.ErrorCount != 2 {
		t.Errorf("errorCount = %d, want 2", state.ErrorCount)
	}
	if state.LastError != "still rejected" {
		t.Errorf("lastError = %q", state.LastError)
	}
	if state.Phase != PhaseInitiated {
		t.Error("RecordError must not advance the phase")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	st := NewStore(newMemKV())
	params := testParams()
	params.BTCAmount = math.MaxUint64 // amounts must survive persistence losslessly
	params.XMRAmount = math.MaxUint64 - 1

	state, err := st.Create(params)
	if err != nil {
		t.Fatal(err)
	}
	state, err = st.TransitionPhase(state, PhaseLockTxCreated, "")
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := st.Load(state.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.BTCAmount != params.BTCAmount || loaded.XMRAmount != params.XMRAmount {
		t.Error("amounts did not round-trip losslessly")
	}
	if loaded.Phase != PhaseLockTxCreated || len(loaded.PhaseHistory) != 2 {
		t.Error("phase state did not round-trip")
	}
	if loaded.CancelTimelock != 850_144 {
		t.Error("timelock did not round-trip")
	}
}

func TestLoadRejectsUnknownPhase(t *testing.T) {
	kv := newMemKV()
	st := NewStore(kv)
	state, err := st.Create(testParams())
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := kv.Get(swapKeyPrefix + state.ID)
	corrupted := strings.Replace(string(raw), `"INITIATED"`, `"SOMETHING_NEW"`, 1)
	kv.Set(swapKeyPrefix+state.ID, []byte(corrupted))

	if _, err := st.Load(state.ID); !errors.Is(err, ErrUnknownPhase) {
		t.Errorf("error = %v, want ErrUnknownPhase", err)
	}
}

func TestLoadMissing(t *testing.T) {
	st := NewStore(newMemKV())
	if _, err := st.Load("swap-nope"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("error = %v, want ErrSwapNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	st := NewStore(newMemKV())
	state, err := st.Create(testParams())
	if err != nil {
		t.Fatal(err)
	}

	if err := st.Delete(state.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := st.Load(state.ID); !errors.Is(err, ErrSwapNotFound) {
		t.Error("record still present after Delete")
	}
}

func TestListAll(t *testing.T) {
	st := NewStore(newMemKV())
	for i := 0; i < 3; i++ {
		if _, err := st.Create(testParams()); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond) // distinct createdAt for ordering
	}

	states, err := st.ListAll()
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("got %d swaps, want 3", len(states))
	}
	for i := 0; i < len(states)-1; i++ {
		if states[i].CreatedAt.Before(states[i+1].CreatedAt) {
			t.Error("ListAll must order newest first")
		}
	}
}
