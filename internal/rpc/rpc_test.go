package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/moneroswap/swapd/internal/chain"
	"github.com/moneroswap/swapd/internal/storage"
	"github.com/moneroswap/swapd/internal/swap"
)

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
	return keys, nil
}

// testServer builds a server over an in-memory store. Node, discovery,
// wallet and backend are nil; tests only call methods that avoid them.
func testServer(t *testing.T) (*Server, *swap.Store) {
	t.Helper()
	store := swap.NewStore(newMemKV())
	executor := swap.NewExecutor(&swap.ExecutorConfig{
		Store:   store,
		Network: chain.Testnet,
	})
	t.Cleanup(executor.Close)
	return NewServer(&ServerConfig{Executor: executor}), store
}

func callRPC(t *testing.T, s *Server, body string) *Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.handleRPC(w, req)

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &resp
}

func TestHandleRPCParseError(t *testing.T) {
	s, _ := testServer(t)
	resp := callRPC(t, s, `{not json`)
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
}

func TestHandleRPCInvalidVersion(t *testing.T) {
	s, _ := testServer(t)
	resp := callRPC(t, s, `{"jsonrpc":"1.0","method":"node_info","id":1}`)
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp.Error)
	}
}

func TestHandleRPCMethodNotFound(t *testing.T) {
	s, _ := testServer(t)
	resp := callRPC(t, s, `{"jsonrpc":"2.0","method":"no_such_method","id":1}`)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}

func TestSwapListAndGet(t *testing.T) {
	s, store := testServer(t)

	state, err := store.Create(&swap.NewSwapParams{
		PeerID:         "12D3KooWQYhTNQdmr3ArTeUHRYzFg94BKyTkoWBDWez9kSCVe2Xo",
		Network:        chain.Testnet,
		BTCAmount:      1_000_000,
		XMRAmount:      1_600_000_000_000,
		ExchangeRate:   "160",
		CancelTimelock: 850_144,
		PunishTimelock: 850_288,
		SecretHash:     make([]byte, 32),
		RefundPubKey:   make([]byte, 33),
		RedeemPubKey:   make([]byte, 33),
		XMRAddress:     "stagenet-addr",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp := callRPC(t, s, `{"jsonrpc":"2.0","method":"swap_list","id":1}`)
	if resp.Error != nil {
		t.Fatalf("swap_list error: %+v", resp.Error)
	}
	list, ok := resp.Result.([]interface{})
	if !ok || len(list) != 1 {
		t.Fatalf("swap_list result = %#v, want 1 swap", resp.Result)
	}

	resp = callRPC(t, s, `{"jsonrpc":"2.0","method":"swap_get","id":2,"params":{"swap_id":"`+state.ID+`"}}`)
	if resp.Error != nil {
		t.Fatalf("swap_get error: %+v", resp.Error)
	}
	info, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("swap_get result = %#v", resp.Result)
	}
	if info["id"] != state.ID {
		t.Errorf("id = %v, want %s", info["id"], state.ID)
	}
	if info["phase"] != string(swap.PhaseInitiated) {
		t.Errorf("phase = %v, want %s", info["phase"], swap.PhaseInitiated)
	}
}

func TestSwapGetUnknown(t *testing.T) {
	s, _ := testServer(t)
	resp := callRPC(t, s, `{"jsonrpc":"2.0","method":"swap_get","id":1,"params":{"swap_id":"swap-0-missing"}}`)
	if resp.Error == nil || resp.Error.Code != InternalError {
		t.Fatalf("expected internal error, got %+v", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "not found") {
		t.Errorf("message = %q, want swap-not-found", resp.Error.Message)
	}
}

func TestSwapDeleteRejectsRunning(t *testing.T) {
	s, store := testServer(t)

	state, err := store.Create(&swap.NewSwapParams{
		PeerID:         "peer",
		Network:        chain.Testnet,
		BTCAmount:      1,
		XMRAmount:      1,
		ExchangeRate:   "1",
		CancelTimelock: 1,
		PunishTimelock: 2,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp := callRPC(t, s, `{"jsonrpc":"2.0","method":"swap_delete","id":1,"params":{"swap_id":"`+state.ID+`"}}`)
	if resp.Error == nil {
		t.Fatal("expected error deleting a running swap")
	}

	// Terminal swaps can be deleted.
	if _, err := store.TransitionPhase(state, swap.PhaseFailed, "test"); err != nil {
		t.Fatalf("TransitionPhase: %v", err)
	}
	resp = callRPC(t, s, `{"jsonrpc":"2.0","method":"swap_delete","id":2,"params":{"swap_id":"`+state.ID+`"}}`)
	if resp.Error != nil {
		t.Fatalf("swap_delete error: %+v", resp.Error)
	}
	if _, err := store.Load(state.ID); err == nil {
		t.Error("swap still present after delete")
	}
}

func TestWebSocketHub(t *testing.T) {
	hub := NewWSHub()
	if hub.ClientCount() != 0 {
		t.Errorf("initial ClientCount = %d, want 0", hub.ClientCount())
	}

	// Broadcast without a running hub must not block.
	for i := 0; i < 10; i++ {
		hub.Broadcast(EventSwapPhase, map[string]string{"swap_id": "x"})
	}
}

func TestSwapCallbacksBroadcast(t *testing.T) {
	hub := NewWSHub()
	cb := SwapCallbacks(hub)

	state := &swap.SwapState{ID: "swap-1", Phase: swap.PhaseLockTxBroadcast}
	cb.OnPhaseChange(state)

	select {
	case ev := <-hub.broadcast:
		if ev.Type != EventSwapPhase {
			t.Errorf("Type = %s, want %s", ev.Type, EventSwapPhase)
		}
		info, ok := ev.Data.(*SwapInfo)
		if !ok {
			t.Fatalf("Data = %#v, want *SwapInfo", ev.Data)
		}
		if info.ID != "swap-1" {
			t.Errorf("ID = %s, want swap-1", info.ID)
		}
	default:
		t.Fatal("no event queued")
	}

	cb.OnError("swap-1", errSwapStillRunning)
	select {
	case ev := <-hub.broadcast:
		if ev.Type != EventSwapError {
			t.Errorf("Type = %s, want %s", ev.Type, EventSwapError)
		}
	default:
		t.Fatal("no error event queued")
	}
}
