// Package discovery resolves candidate ASB providers. Live lookups go
// through the DHT rendezvous namespace and a gossipsub announcement
// topic; results are cached with a TTL and persisted so a failed lookup
// degrades to the last-known or hardcoded set instead of blocking.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	corediscovery "github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"

	"github.com/moneroswap/swapd/internal/chain"
	"github.com/moneroswap/swapd/internal/node"
	"github.com/moneroswap/swapd/internal/storage"
	"github.com/moneroswap/swapd/pkg/helpers"
	"github.com/moneroswap/swapd/pkg/logging"
)

// CacheTTL is how long a discovery result stays fresh.
const CacheTTL = 5 * time.Minute

// QuoteExpiry is how long a returned quote remains usable.
const QuoteExpiry = 5 * time.Minute

const (
	lookupTimeout  = 20 * time.Second
	connectTimeout = 15 * time.Second

	// kvProvidersKey persists the last-known provider set.
	kvProvidersKey = "discovery/providers"
)

var (
	ErrAmountOutOfBounds = errors.New("amount outside provider bounds")
	ErrNoProviders       = errors.New("no providers available")
)

// Provider is a known ASB counterparty.
type Provider struct {
	PeerID   peer.ID   `json:"peer_id"`
	Addrs    []string  `json:"addrs"`
	Price    string    `json:"price,omitempty"` // BTC per XMR, decimal string
	MinBTC   uint64    `json:"min_btc,omitempty"`
	MaxBTC   uint64    `json:"max_btc,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
}

// Quote is a transient, expiring price commitment from one provider.
type Quote struct {
	PeerID    peer.ID
	BTCAmount uint64 // satoshis
	XMRAmount uint64 // piconero
	Rate      string // XMR per BTC, decimal string
	MinBTC    uint64
	MaxBTC    uint64
	ExpiresAt time.Time
}

// Expired reports whether the quote is no longer usable.
func (q *Quote) Expired() bool {
	return time.Now().After(q.ExpiresAt)
}

// QuoteClient is the slice of the peer protocol client discovery needs.
type QuoteClient interface {
	RequestQuote(ctx context.Context, peerID peer.ID, btcAmount uint64) (*node.QuoteResponse, error)
}

// Discovery finds and quotes ASB providers.
type Discovery struct {
	host      host.Host
	finder    corediscovery.Discoverer // nil when the DHT is disabled
	pubsub    *pubsub.PubSub           // nil disables announcements
	client    QuoteClient
	store     storage.KV
	namespace string
	network   chain.Network
	log       *logging.Logger

	mu       sync.Mutex
	cache    []Provider
	cachedAt time.Time

	// announced holds price/bounds learned from the announcement
	// topic, keyed by peer.
	announced map[peer.ID]*announcement

	cancel context.CancelFunc
}

// announcement is what a provider publishes on the announce topic.
type announcement struct {
	PeerID    string   `json:"peer_id"`
	Addrs     []string `json:"addrs"`
	Price     string   `json:"price"`
	MinBTC    uint64   `json:"min_btc"`
	MaxBTC    uint64   `json:"max_btc"`
	Timestamp int64    `json:"timestamp"`
}

// New creates a Discovery. finder and ps may be nil; lookups then rely
// on the persisted and fallback sets alone.
func New(h host.Host, finder corediscovery.Discoverer, ps *pubsub.PubSub, client QuoteClient, store storage.KV, namespace string, network chain.Network) *Discovery {
	return &Discovery{
		host:      h,
		finder:    finder,
		pubsub:    ps,
		client:    client,
		store:     store,
		namespace: namespace,
		network:   network,
		log:       logging.GetDefault().Component("discovery"),
		announced: make(map[peer.ID]*announcement),
	}
}

// Start subscribes to the provider announcement topic.
func (d *Discovery) Start(ctx context.Context) error {
	if d.pubsub == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	topic, err := d.pubsub.Join(d.namespace + "/providers")
	if err != nil {
		cancel()
		return fmt.Errorf("failed to join announcement topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to announcement topic: %w", err)
	}

	go d.consumeAnnouncements(ctx, sub)
	return nil
}

// Stop cancels the announcement consumer.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Discovery) consumeAnnouncements(ctx context.Context, sub *pubsub.Subscription) {
	defer sub.Cancel()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}

		var ann announcement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			continue
		}
		id, err := peer.Decode(ann.PeerID)
		if err != nil {
			continue
		}

		d.mu.Lock()
		d.announced[id] = &ann
		d.mu.Unlock()
		d.log.Debug("Provider announcement", "peer", id, "price", ann.Price)
	}
}

// DiscoverProviders returns candidate providers. A fresh cache is
// served as-is; otherwise a live rendezvous lookup runs, and on any
// failure the last-known or hardcoded set is returned instead of an
// empty result.
func (d *Discovery) DiscoverProviders(ctx context.Context) ([]Provider, error) {
	d.mu.Lock()
	if len(d.cache) > 0 && time.Since(d.cachedAt) < CacheTTL {
		out := append([]Provider(nil), d.cache...)
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()

	providers, err := d.lookup(ctx)
	if err != nil || len(providers) == 0 {
		if err != nil {
			d.log.Warn("Live discovery failed, serving stale set", "error", err)
		}
		return d.staleProviders()
	}

	d.mu.Lock()
	d.cache = providers
	d.cachedAt = time.Now()
	d.mu.Unlock()

	d.persist(providers)
	return append([]Provider(nil), providers...), nil
}

// lookup performs one rendezvous round.
func (d *Discovery) lookup(ctx context.Context) ([]Provider, error) {
	if d.finder == nil {
		return nil, errors.New("rendezvous lookup disabled")
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	ch, err := d.finder.FindPeers(ctx, d.namespace)
	if err != nil {
		return nil, fmt.Errorf("rendezvous lookup failed: %w", err)
	}

	var providers []Provider
	for pi := range ch {
		if pi.ID == "" || pi.ID == d.host.ID() {
			continue
		}
		providers = append(providers, d.buildProvider(pi))
	}
	return providers, nil
}

func (d *Discovery) buildProvider(pi peer.AddrInfo) Provider {
	p := Provider{
		PeerID:   pi.ID,
		LastSeen: time.Now(),
		Online:   true,
	}
	for _, a := range pi.Addrs {
		p.Addrs = append(p.Addrs, a.String())
	}

	d.mu.Lock()
	if ann, ok := d.announced[pi.ID]; ok {
		p.Price = ann.Price
		p.MinBTC = ann.MinBTC
		p.MaxBTC = ann.MaxBTC
	}
	d.mu.Unlock()
	return p
}

// staleProviders serves the last-known persisted set, then the
// hardcoded fallback. Entries are marked offline since freshness is
// unknown.
func (d *Discovery) staleProviders() ([]Provider, error) {
	if raw, err := d.store.Get(kvProvidersKey); err == nil {
		var providers []Provider
		if err := json.Unmarshal(raw, &providers); err == nil && len(providers) > 0 {
			for i := range providers {
				providers[i].Online = false
			}
			return providers, nil
		}
	}

	fallback := FallbackProviders(d.network)
	if len(fallback) == 0 {
		return nil, ErrNoProviders
	}
	return fallback, nil
}

func (d *Discovery) persist(providers []Provider) {
	data, err := json.Marshal(providers)
	if err != nil {
		return
	}
	if err := d.store.Set(kvProvidersKey, data); err != nil {
		d.log.Warn("Failed to persist provider set", "error", err)
	}
}

// GetQuote asks one provider to price btcAmount. Advertised bounds are
// checked before the peer is contacted; the response bounds are checked
// again afterwards.
func (d *Discovery) GetQuote(ctx context.Context, provider *Provider, btcAmount uint64) (*Quote, error) {
	if err := checkBounds(btcAmount, provider.MinBTC, provider.MaxBTC); err != nil {
		return nil, err
	}

	if err := d.connect(ctx, provider); err != nil {
		return nil, err
	}

	resp, err := d.client.RequestQuote(ctx, provider.PeerID, btcAmount)
	if err != nil {
		return nil, err
	}
	if err := checkBounds(btcAmount, resp.MinBTC, resp.MaxBTC); err != nil {
		return nil, err
	}

	return &Quote{
		PeerID:    provider.PeerID,
		BTCAmount: btcAmount,
		XMRAmount: resp.XMRAmount,
		Rate:      helpers.ExchangeRate(btcAmount, resp.XMRAmount),
		MinBTC:    resp.MinBTC,
		MaxBTC:    resp.MaxBTC,
		ExpiresAt: time.Now().Add(QuoteExpiry),
	}, nil
}

// connect dials the provider using its known addresses.
func (d *Discovery) connect(ctx context.Context, provider *Provider) error {
	pi := peer.AddrInfo{ID: provider.PeerID}
	for _, a := range provider.Addrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			continue
		}
		pi.Addrs = append(pi.Addrs, ma)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := d.host.Connect(ctx, pi); err != nil {
		return fmt.Errorf("failed to connect to provider %s: %w", provider.PeerID, err)
	}
	return nil
}

// checkBounds validates an amount against advertised limits. Zero
// limits mean the provider did not advertise them.
func checkBounds(amount, min, max uint64) error {
	if min > 0 && amount < min {
		return fmt.Errorf("%w: %d sat below minimum %d", ErrAmountOutOfBounds, amount, min)
	}
	if max > 0 && amount > max {
		return fmt.Errorf("%w: %d sat above maximum %d", ErrAmountOutOfBounds, amount, max)
	}
	return nil
}
