package node

import (
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moneroswap/swapd/pkg/logging"
)

func TestLoadOrCreateIdentity(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys", "node.key")
	log := logging.GetDefault().Component("test")

	key1, err := loadOrCreateIdentity(keyPath, log)
	if err != nil {
		t.Fatalf("loadOrCreateIdentity() error = %v", err)
	}

	// A second load must return the same identity, not a new one.
	key2, err := loadOrCreateIdentity(keyPath, log)
	if err != nil {
		t.Fatalf("second loadOrCreateIdentity() error = %v", err)
	}
	if !key1.Equals(key2) {
		t.Error("identity key should persist across loads")
	}
}

func TestShortID(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "node.key")
	key, err := loadOrCreateIdentity(keyPath, logging.GetDefault().Component("test"))
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if got := shortID(id); len(got) != 12 {
		t.Errorf("shortID length = %d, want 12", len(got))
	}
}
