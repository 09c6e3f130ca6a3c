package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	corediscovery "github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moneroswap/swapd/internal/chain"
	"github.com/moneroswap/swapd/internal/node"
	"github.com/moneroswap/swapd/internal/storage"
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
	sort.Strings(keys)
	return keys, nil
}

type fakeFinder struct {
	calls int
	peers []peer.AddrInfo
	err   error
}

func (f *fakeFinder) FindPeers(ctx context.Context, ns string, opts ...corediscovery.Option) (<-chan peer.AddrInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan peer.AddrInfo, len(f.peers))
	for _, p := range f.peers {
		ch <- p
	}
	close(ch)
	return ch, nil
}

type fakeQuoteClient struct {
	calls int
	resp  *node.QuoteResponse
	err   error
}

func (f *fakeQuoteClient) RequestQuote(ctx context.Context, peerID peer.ID, btcAmount uint64) (*node.QuoteResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("failed to create host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestCheckBounds(t *testing.T) {
	tests := []struct {
		name    string
		amount  uint64
		min     uint64
		max     uint64
		wantErr bool
	}{
		{"within bounds", 50_000, 10_000, 100_000, false},
		{"at minimum", 10_000, 10_000, 100_000, false},
		{"at maximum", 100_000, 10_000, 100_000, false},
		{"below minimum", 9_999, 10_000, 100_000, true},
		{"above maximum", 100_001, 10_000, 100_000, true},
		{"no bounds advertised", 5, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkBounds(tt.amount, tt.min, tt.max)
			if tt.wantErr && !errors.Is(err, ErrAmountOutOfBounds) {
				t.Errorf("error = %v, want ErrAmountOutOfBounds", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error = %v", err)
			}
		})
	}
}

func TestDiscoverProvidersCachesResults(t *testing.T) {
	h := newTestHost(t)
	other := newTestHost(t)

	finder := &fakeFinder{peers: []peer.AddrInfo{{ID: other.ID(), Addrs: other.Addrs()}}}
	d := New(h, finder, nil, &fakeQuoteClient{}, newMemKV(), "test-ns", chain.Testnet)

	first, err := d.DiscoverProviders(context.Background())
	if err != nil {
		t.Fatalf("DiscoverProviders() error = %v", err)
	}
	if len(first) != 1 || first[0].PeerID != other.ID() {
		t.Fatalf("unexpected provider set: %+v", first)
	}
	if !first[0].Online {
		t.Error("freshly discovered provider should be online")
	}

	// A second call within the TTL must serve the cache.
	if _, err := d.DiscoverProviders(context.Background()); err != nil {
		t.Fatal(err)
	}
	if finder.calls != 1 {
		t.Errorf("finder called %d times, want 1 (cache hit)", finder.calls)
	}
}

func TestDiscoverProvidersFiltersSelf(t *testing.T) {
	h := newTestHost(t)

	finder := &fakeFinder{peers: []peer.AddrInfo{{ID: h.ID(), Addrs: h.Addrs()}}}
	d := New(h, finder, nil, &fakeQuoteClient{}, newMemKV(), "test-ns", chain.Mainnet)

	providers, err := d.DiscoverProviders(context.Background())
	if err != nil {
		t.Fatalf("DiscoverProviders() error = %v", err)
	}
	// Self is filtered, so the lookup comes back empty and the
	// hardcoded fallback is served instead.
	for _, p := range providers {
		if p.PeerID == h.ID() {
			t.Error("own peer ID should never appear as a provider")
		}
	}
}

func TestDiscoverProvidersFallbackOnFailure(t *testing.T) {
	h := newTestHost(t)

	finder := &fakeFinder{err: errors.New("dht offline")}
	d := New(h, finder, nil, &fakeQuoteClient{}, newMemKV(), "test-ns", chain.Mainnet)

	providers, err := d.DiscoverProviders(context.Background())
	if err != nil {
		t.Fatalf("DiscoverProviders() should degrade, got error = %v", err)
	}
	if len(providers) == 0 {
		t.Fatal("fallback set should not be empty")
	}
	for _, p := range providers {
		if p.Online {
			t.Error("fallback providers should be marked offline")
		}
	}
}

func TestDiscoverProvidersServesLastKnown(t *testing.T) {
	h := newTestHost(t)
	other := newTestHost(t)

	kv := newMemKV()
	known := []Provider{{PeerID: other.ID(), Addrs: []string{"/ip4/10.1.1.1/tcp/9939"}, Online: true}}
	data, err := json.Marshal(known)
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(kvProvidersKey, data); err != nil {
		t.Fatal(err)
	}

	finder := &fakeFinder{err: errors.New("dht offline")}
	d := New(h, finder, nil, &fakeQuoteClient{}, kv, "test-ns", chain.Mainnet)

	providers, err := d.DiscoverProviders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != 1 || providers[0].PeerID != other.ID() {
		t.Fatalf("expected last-known provider, got %+v", providers)
	}
	if providers[0].Online {
		t.Error("last-known provider should be marked offline")
	}
}

func TestDiscoverProvidersPersistsResults(t *testing.T) {
	h := newTestHost(t)
	other := newTestHost(t)

	kv := newMemKV()
	finder := &fakeFinder{peers: []peer.AddrInfo{{ID: other.ID(), Addrs: other.Addrs()}}}
	d := New(h, finder, nil, &fakeQuoteClient{}, kv, "test-ns", chain.Testnet)

	if _, err := d.DiscoverProviders(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Get(kvProvidersKey); err != nil {
		t.Error("successful discovery should persist the provider set")
	}
}

func TestGetQuoteBoundsViolationSkipsPeer(t *testing.T) {
	h := newTestHost(t)
	client := &fakeQuoteClient{}
	d := New(h, nil, nil, client, newMemKV(), "test-ns", chain.Mainnet)

	provider := &Provider{PeerID: h.ID(), MinBTC: 10_000, MaxBTC: 100_000}

	_, err := d.GetQuote(context.Background(), provider, 500)
	if !errors.Is(err, ErrAmountOutOfBounds) {
		t.Fatalf("error = %v, want ErrAmountOutOfBounds", err)
	}
	if client.calls != 0 {
		t.Error("out-of-bounds amount must not contact the peer")
	}
}

func TestGetQuote(t *testing.T) {
	h := newTestHost(t)
	provider := newTestHost(t)

	client := &fakeQuoteClient{resp: &node.QuoteResponse{
		Price:     "0.00625",
		XMRAmount: 1_600_000_000_000,
		MinBTC:    10_000,
		MaxBTC:    10_000_000,
	}}
	d := New(h, nil, nil, client, newMemKV(), "test-ns", chain.Testnet)

	addrs := make([]string, 0, len(provider.Addrs()))
	for _, a := range provider.Addrs() {
		addrs = append(addrs, a.String())
	}
	p := &Provider{PeerID: provider.ID(), Addrs: addrs}

	quote, err := d.GetQuote(context.Background(), p, 1_000_000)
	if err != nil {
		t.Fatalf("GetQuote() error = %v", err)
	}
	if quote.Rate != "160" {
		t.Errorf("rate = %s, want 160", quote.Rate)
	}
	if quote.XMRAmount != 1_600_000_000_000 {
		t.Errorf("xmr amount = %d", quote.XMRAmount)
	}
	if quote.Expired() {
		t.Error("fresh quote should not be expired")
	}
	if until := time.Until(quote.ExpiresAt); until > QuoteExpiry || until < QuoteExpiry-time.Minute {
		t.Errorf("quote expiry %v not near %v", until, QuoteExpiry)
	}
}

func TestGetQuoteResponseBoundsChecked(t *testing.T) {
	h := newTestHost(t)
	provider := newTestHost(t)

	// The provider's response tightens its bounds above the requested
	// amount; the quote must be rejected.
	client := &fakeQuoteClient{resp: &node.QuoteResponse{
		Price:     "0.00625",
		XMRAmount: 1,
		MinBTC:    2_000_000,
		MaxBTC:    10_000_000,
	}}
	d := New(h, nil, nil, client, newMemKV(), "test-ns", chain.Testnet)

	addrs := make([]string, 0, len(provider.Addrs()))
	for _, a := range provider.Addrs() {
		addrs = append(addrs, a.String())
	}
	p := &Provider{PeerID: provider.ID(), Addrs: addrs}

	if _, err := d.GetQuote(context.Background(), p, 1_000_000); !errors.Is(err, ErrAmountOutOfBounds) {
		t.Errorf("error = %v, want ErrAmountOutOfBounds", err)
	}
}

func TestQuoteExpired(t *testing.T) {
	q := &Quote{ExpiresAt: time.Now().Add(-time.Second)}
	if !q.Expired() {
		t.Error("past expiry should report expired")
	}
}

func TestFallbackProviders(t *testing.T) {
	for _, network := range []chain.Network{chain.Mainnet, chain.Testnet} {
		providers := FallbackProviders(network)
		if len(providers) == 0 {
			t.Errorf("fallback set for %s should not be empty", network)
		}
		for _, p := range providers {
			if p.PeerID == "" {
				t.Errorf("fallback provider for %s has empty peer ID", network)
			}
			if len(p.Addrs) == 0 {
				t.Errorf("fallback provider for %s has no addresses", network)
			}
		}
	}
}
