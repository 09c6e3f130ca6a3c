package storage

import (
	"bytes"
	"errors"
	"os"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "swapd-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKVRoundTrip(t *testing.T) {
	store := newTestStorage(t)

	value := []byte(`{"id":"swap-1","btc_amount":1000000}`)
	if err := store.Set("swap/swap-1", value); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get("swap/swap-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Get() = %s, want %s", got, value)
	}

	// Overwrite
	value2 := []byte(`{"id":"swap-1","btc_amount":2000000}`)
	if err := store.Set("swap/swap-1", value2); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	got, err = store.Get("swap/swap-1")
	if err != nil {
		t.Fatalf("Get() after overwrite error = %v", err)
	}
	if !bytes.Equal(got, value2) {
		t.Errorf("Get() after overwrite = %s, want %s", got, value2)
	}
}

func TestKVGetMissing(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.Get("no-such-key")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() error = %v, want ErrKeyNotFound", err)
	}
}

func TestKVDelete(t *testing.T) {
	store := newTestStorage(t)

	if err := store.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Delete("k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get("k"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrKeyNotFound", err)
	}

	// Deleting a missing key is fine
	if err := store.Delete("k"); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func TestKVListKeys(t *testing.T) {
	store := newTestStorage(t)

	keys := []string{"swap/a", "swap/b", "swap/c", "provider/x"}
	for _, k := range keys {
		if err := store.Set(k, []byte("v")); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}

	got, err := store.ListKeys("swap/")
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	want := []string{"swap/a", "swap/b", "swap/c"}
	if len(got) != len(want) {
		t.Fatalf("ListKeys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListKeys()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// LIKE wildcards in the prefix must match literally
	got, err = store.ListKeys("swap%")
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListKeys(%q) = %v, want empty", "swap%", got)
	}
}

func TestSecretCRUD(t *testing.T) {
	store := newTestStorage(t)

	sec := &SwapSecret{
		SwapID:     "swap-1",
		SecretHash: "aa11",
		Secret:     "bb22",
	}
	if err := store.SaveSecret(sec); err != nil {
		t.Fatalf("SaveSecret() error = %v", err)
	}

	// Duplicate save is rejected
	if err := store.SaveSecret(sec); !errors.Is(err, ErrSecretExists) {
		t.Errorf("duplicate SaveSecret() error = %v, want ErrSecretExists", err)
	}

	got, err := store.GetSecret("swap-1")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if got.Secret != sec.Secret || got.SecretHash != sec.SecretHash {
		t.Errorf("GetSecret() = %+v, want %+v", got, sec)
	}

	if err := store.DeleteSecret("swap-1"); err != nil {
		t.Fatalf("DeleteSecret() error = %v", err)
	}
	if _, err := store.GetSecret("swap-1"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("GetSecret() after delete error = %v, want ErrSecretNotFound", err)
	}
}
