package wallet

import (
	"sort"
	"strings"
	"testing"

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

func newTestService(t *testing.T, kv storage.KV) *Service {
	t.Helper()
	w, err := NewFromMnemonic(testMnemonic, "", chain.Testnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	return NewService(w, kv)
}

func TestNextKeysMonotonic(t *testing.T) {
	kv := newMemKV()
	svc := newTestService(t, kv)

	for want := uint32(0); want < 3; want++ {
		index, priv, err := svc.NextKeys()
		if err != nil {
			t.Fatalf("NextKeys() error = %v", err)
		}
		if index != want {
			t.Errorf("index = %d, want %d", index, want)
		}
		if priv == nil {
			t.Fatal("NextKeys() returned nil key")
		}
	}
}

func TestNextKeysSurvivesRestart(t *testing.T) {
	kv := newMemKV()

	svc := newTestService(t, kv)
	if _, _, err := svc.NextKeys(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.NextKeys(); err != nil {
		t.Fatal(err)
	}

	// A new service over the same store must not reuse indices.
	svc2 := newTestService(t, kv)
	index, _, err := svc2.NextKeys()
	if err != nil {
		t.Fatal(err)
	}
	if index != 2 {
		t.Errorf("index after restart = %d, want 2", index)
	}
}

func TestNextDepositKeys(t *testing.T) {
	svc := newTestService(t, newMemKV())

	keys, err := svc.NextDepositKeys()
	if err != nil {
		t.Fatalf("NextDepositKeys() error = %v", err)
	}
	if keys.DepositIndex != 0 || keys.RefundIndex != 1 {
		t.Errorf("indices = %d/%d, want 0/1", keys.DepositIndex, keys.RefundIndex)
	}
	if keys.DepositKey.Key.Equals(&keys.RefundKey.Key) {
		t.Error("deposit and refund keys must differ")
	}

	keys2, err := svc.NextDepositKeys()
	if err != nil {
		t.Fatal(err)
	}
	if keys2.DepositIndex != 2 || keys2.RefundIndex != 3 {
		t.Errorf("second reservation indices = %d/%d, want 2/3", keys2.DepositIndex, keys2.RefundIndex)
	}
}

func TestPrivateKeyAtMatchesNextKeys(t *testing.T) {
	svc := newTestService(t, newMemKV())

	index, priv, err := svc.NextKeys()
	if err != nil {
		t.Fatal(err)
	}

	again, err := svc.PrivateKeyAt(index)
	if err != nil {
		t.Fatal(err)
	}
	if !priv.Key.Equals(&again.Key) {
		t.Error("PrivateKeyAt should re-derive the reserved key")
	}
}

func TestNextDepositAddress(t *testing.T) {
	svc := newTestService(t, newMemKV())

	a1, i1, err := svc.NextDepositAddress()
	if err != nil {
		t.Fatalf("NextDepositAddress() error = %v", err)
	}
	a2, i2, err := svc.NextDepositAddress()
	if err != nil {
		t.Fatal(err)
	}

	if i1 != 0 || i2 != 1 {
		t.Errorf("indices = %d, %d, want 0, 1", i1, i2)
	}
	if a1 == a2 {
		t.Error("consecutive deposit addresses should differ")
	}
	if !strings.HasPrefix(a1, "tb1q") {
		t.Errorf("address %s should be testnet bech32", a1)
	}
}

func TestAddressesUpTo(t *testing.T) {
	svc := newTestService(t, newMemKV())

	addrs, err := svc.AddressesUpTo()
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 0 {
		t.Errorf("fresh wallet should have no addresses, got %d", len(addrs))
	}

	a1, _, err := svc.NextDepositAddress()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.NextKeys(); err != nil {
		t.Fatal(err)
	}

	addrs, err = svc.AddressesUpTo()
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 {
		t.Fatalf("got %d addresses, want 2", len(addrs))
	}
	if addrs[0] != a1 {
		t.Error("first address should match the first reserved deposit address")
	}
}

func TestChangeAddressSeparateCounter(t *testing.T) {
	svc := newTestService(t, newMemKV())

	if _, _, err := svc.NextDepositAddress(); err != nil {
		t.Fatal(err)
	}

	_, changeIndex, err := svc.NextChangeAddress()
	if err != nil {
		t.Fatalf("NextChangeAddress() error = %v", err)
	}
	if changeIndex != 0 {
		t.Errorf("change index = %d, want 0 (independent counter)", changeIndex)
	}
}
