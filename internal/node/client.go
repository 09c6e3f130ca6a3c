package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/moneroswap/swapd/pkg/logging"
)

// DefaultTransferProofTimeout bounds how long WaitTransferProof blocks.
const DefaultTransferProofTimeout = 10 * time.Minute

const (
	requestTimeout = 30 * time.Second
	streamDeadline = 60 * time.Second
)

var (
	ErrPeerUnreachable      = errors.New("peer unreachable")
	ErrMalformedResponse    = errors.New("malformed response from peer")
	ErrQuoteRejected        = errors.New("provider rejected quote request")
	ErrSwapRejected         = errors.New("provider rejected swap request")
	ErrTransferProofTimeout = errors.New("timed out waiting for transfer proof")
)

// Client speaks the four swap protocols to ASB peers. Request/response
// calls always fail rather than hang: every stream carries deadlines
// and every call honors its context.
type Client struct {
	host host.Host
	log  *logging.Logger

	// transferProofTimeout is a field so tests can shorten it.
	transferProofTimeout time.Duration

	mu      sync.Mutex
	waiters map[string]chan *TransferProof
	pending map[string]*TransferProof
}

// NewClient creates a protocol client and registers the inbound
// transfer-proof handler on the host.
func NewClient(h host.Host) *Client {
	c := &Client{
		host:                 h,
		log:                  logging.GetDefault().Component("peer-client"),
		transferProofTimeout: DefaultTransferProofTimeout,
		waiters:              make(map[string]chan *TransferProof),
		pending:              make(map[string]*TransferProof),
	}
	h.SetStreamHandler(ProtocolTransferProof, c.handleTransferProof)
	return c
}

// Close unregisters the inbound handlers.
func (c *Client) Close() {
	c.host.RemoveStreamHandler(ProtocolTransferProof)
}

// RequestQuote asks a peer to price btcAmount satoshis.
func (c *Client) RequestQuote(ctx context.Context, peerID peer.ID, btcAmount uint64) (*QuoteResponse, error) {
	var resp QuoteResponse
	if err := c.roundTrip(ctx, peerID, ProtocolQuote, &QuoteRequest{BTCAmount: btcAmount}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrQuoteRejected, resp.Error)
	}
	if resp.XMRAmount == 0 || resp.Price == "" {
		return nil, fmt.Errorf("%w: empty quote", ErrMalformedResponse)
	}
	return &resp, nil
}

// InitiateSwap sends the HTLC parameters for a new swap and returns the
// provider's side of the contract.
func (c *Client) InitiateSwap(ctx context.Context, peerID peer.ID, req *SwapRequest) (*SwapResponse, error) {
	var resp SwapResponse
	if err := c.roundTrip(ctx, peerID, ProtocolSwap, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Accepted {
		return nil, fmt.Errorf("%w: %s", ErrSwapRejected, resp.Error)
	}
	if len(resp.RedeemPubKey) != 33 {
		return nil, fmt.Errorf("%w: bad redeem pubkey length %d", ErrMalformedResponse, len(resp.RedeemPubKey))
	}
	if resp.CancelTimelock <= 0 || resp.PunishTimelock <= resp.CancelTimelock {
		return nil, fmt.Errorf("%w: bad timelocks cancel=%d punish=%d",
			ErrMalformedResponse, resp.CancelTimelock, resp.PunishTimelock)
	}
	return &resp, nil
}

// SendEncryptedSignature pushes the encrypted signature for a swap.
// No response is expected.
func (c *Client) SendEncryptedSignature(ctx context.Context, peerID peer.ID, msg *EncryptedSignature) error {
	stream, err := c.openStream(ctx, peerID, ProtocolEncryptedSig)
	if err != nil {
		return err
	}
	defer stream.Close()

	stream.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := writeJSONFrame(stream, msg); err != nil {
		return fmt.Errorf("failed to send encrypted signature: %w", err)
	}

	c.log.Debug("Sent encrypted signature", "swap_id", msg.SwapID, "peer", shortID(peerID))
	return nil
}

// WaitTransferProof blocks until the provider pushes a transfer proof
// for swapID, the timeout elapses, or ctx is cancelled. A proof that
// arrived before the call is returned immediately.
func (c *Client) WaitTransferProof(ctx context.Context, swapID string) (*TransferProof, error) {
	c.mu.Lock()
	if proof, ok := c.pending[swapID]; ok {
		delete(c.pending, swapID)
		c.mu.Unlock()
		return proof, nil
	}
	ch := make(chan *TransferProof, 1)
	c.waiters[swapID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, swapID)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.transferProofTimeout)
	defer timer.Stop()

	select {
	case proof := <-ch:
		return proof, nil
	case <-timer.C:
		return nil, ErrTransferProofTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleTransferProof receives a provider-initiated transfer proof and
// routes it to the matching waiter. Proofs with no waiter yet are held
// so a resumed swap can still pick them up.
func (c *Client) handleTransferProof(s network.Stream) {
	defer s.Close()

	s.SetReadDeadline(time.Now().Add(streamDeadline))

	var proof TransferProof
	if err := readJSONFrame(s, &proof); err != nil {
		c.log.Warn("Failed to read transfer proof", "peer", shortID(s.Conn().RemotePeer()), "error", err)
		return
	}
	if proof.SwapID == "" || proof.TxRef == "" {
		c.log.Warn("Discarding malformed transfer proof", "peer", shortID(s.Conn().RemotePeer()))
		return
	}

	c.log.Info("Received transfer proof", "swap_id", proof.SwapID, "peer", shortID(s.Conn().RemotePeer()))

	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.waiters[proof.SwapID]; ok {
		delete(c.waiters, proof.SwapID)
		ch <- &proof
		return
	}
	c.pending[proof.SwapID] = &proof
}

// roundTrip opens a stream, sends req as one frame and decodes one
// response frame into resp.
func (c *Client) roundTrip(ctx context.Context, peerID peer.ID, proto protocol.ID, req, resp interface{}) error {
	stream, err := c.openStream(ctx, peerID, proto)
	if err != nil {
		return err
	}
	defer stream.Close()

	stream.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := writeJSONFrame(stream, req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	stream.SetReadDeadline(time.Now().Add(requestTimeout))
	if err := readJSONFrame(stream, resp); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) openStream(ctx context.Context, peerID peer.ID, proto protocol.ID) (network.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	stream, err := c.host.NewStream(ctx, peerID, proto)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return stream, nil
}
