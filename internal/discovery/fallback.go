package discovery

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moneroswap/swapd/internal/chain"
)

// Hardcoded fallback providers, served when both live discovery and
// the persisted last-known set are unavailable. Peer IDs and addresses
// of long-running community ASBs.
var (
	mainnetFallback = []fallbackEntry{
		{
			id:    "12D3KooWQYhTNQdmr3ArTeUHRYzFg94BKyTkoWBDWez9kSCVe2Xo",
			addrs: []string{"/dns4/swap.sethforprivacy.com/tcp/9939"},
		},
		{
			id:    "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN",
			addrs: []string{"/dns4/asb.unstoppableswap.net/tcp/9939"},
		},
	}

	testnetFallback = []fallbackEntry{
		{
			id:    "QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
			addrs: []string{"/dns4/testnet.unstoppableswap.net/tcp/9939"},
		},
	}
)

type fallbackEntry struct {
	id    string
	addrs []string
}

// FallbackProviders returns the hardcoded provider set for a network.
// Entries with unparseable peer IDs are skipped.
func FallbackProviders(network chain.Network) []Provider {
	entries := mainnetFallback
	if network == chain.Testnet {
		entries = testnetFallback
	}

	providers := make([]Provider, 0, len(entries))
	for _, e := range entries {
		id, err := peer.Decode(e.id)
		if err != nil {
			continue
		}
		providers = append(providers, Provider{
			PeerID:   id,
			Addrs:    e.addrs,
			LastSeen: time.Time{},
			Online:   false,
		})
	}
	return providers
}
