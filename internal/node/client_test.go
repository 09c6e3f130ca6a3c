package node

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// newTestPair creates two connected in-process hosts.
func newTestPair(t *testing.T) (host.Host, host.Host) {
	t.Helper()

	newHost := func() host.Host {
		h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
		if err != nil {
			t.Fatalf("failed to create host: %v", err)
		}
		t.Cleanup(func() { h.Close() })
		return h
	}

	ha, hb := newHost(), newHost()
	err := ha.Connect(context.Background(), peer.AddrInfo{ID: hb.ID(), Addrs: hb.Addrs()})
	if err != nil {
		t.Fatalf("failed to connect hosts: %v", err)
	}
	return ha, hb
}

func TestRequestQuote(t *testing.T) {
	ha, hb := newTestPair(t)

	hb.SetStreamHandler(ProtocolQuote, func(s network.Stream) {
		defer s.Close()
		var req QuoteRequest
		if err := readJSONFrame(s, &req); err != nil {
			t.Errorf("provider failed to read request: %v", err)
			return
		}
		writeJSONFrame(s, &QuoteResponse{
			Price:     "0.00625",
			XMRAmount: req.BTCAmount * 160,
			MinBTC:    10_000,
			MaxBTC:    10_000_000,
		})
	})

	client := NewClient(ha)
	defer client.Close()

	quote, err := client.RequestQuote(context.Background(), hb.ID(), 1_000_000)
	if err != nil {
		t.Fatalf("RequestQuote() error = %v", err)
	}
	if quote.Price != "0.00625" {
		t.Errorf("price = %s, want 0.00625", quote.Price)
	}
	if quote.XMRAmount != 160_000_000 {
		t.Errorf("xmr amount = %d, want 160000000", quote.XMRAmount)
	}
}

func TestRequestQuoteRejected(t *testing.T) {
	ha, hb := newTestPair(t)

	hb.SetStreamHandler(ProtocolQuote, func(s network.Stream) {
		defer s.Close()
		var req QuoteRequest
		readJSONFrame(s, &req)
		writeJSONFrame(s, &QuoteResponse{Error: "amount out of range"})
	})

	client := NewClient(ha)
	defer client.Close()

	_, err := client.RequestQuote(context.Background(), hb.ID(), 1)
	if !errors.Is(err, ErrQuoteRejected) {
		t.Errorf("error = %v, want ErrQuoteRejected", err)
	}
}

func TestRequestQuoteUnreachablePeer(t *testing.T) {
	ha, _ := newTestPair(t)

	client := NewClient(ha)
	defer client.Close()

	// A peer ID nobody is listening on.
	other, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatal(err)
	}
	unknownID := other.ID()
	other.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.RequestQuote(ctx, unknownID, 1_000_000); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("error = %v, want ErrPeerUnreachable", err)
	}
}

func TestInitiateSwap(t *testing.T) {
	ha, hb := newTestPair(t)

	redeemKey := bytes.Repeat([]byte{0x03}, 33)
	hb.SetStreamHandler(ProtocolSwap, func(s network.Stream) {
		defer s.Close()
		var req SwapRequest
		if err := readJSONFrame(s, &req); err != nil {
			return
		}
		if len(req.SecretHash) != 32 {
			writeJSONFrame(s, &SwapResponse{Error: "bad secret hash"})
			return
		}
		writeJSONFrame(s, &SwapResponse{
			Accepted:            true,
			RedeemPubKey:        redeemKey,
			CancelTimelock:      850_144,
			PunishTimelock:      850_288,
			MinBTCConfirmations: 2,
			MinXMRConfirmations: 10,
		})
	})

	client := NewClient(ha)
	defer client.Close()

	resp, err := client.InitiateSwap(context.Background(), hb.ID(), &SwapRequest{
		SwapID:       "swap-1",
		BTCAmount:    1_000_000,
		SecretHash:   bytes.Repeat([]byte{0xaa}, 32),
		RefundPubKey: bytes.Repeat([]byte{0x02}, 33),
		XMRAddress:   "addr",
	})
	if err != nil {
		t.Fatalf("InitiateSwap() error = %v", err)
	}
	if !bytes.Equal(resp.RedeemPubKey, redeemKey) {
		t.Error("redeem pubkey mismatch")
	}
	if resp.CancelTimelock != 850_144 || resp.PunishTimelock != 850_288 {
		t.Errorf("timelocks = %d/%d, want 850144/850288", resp.CancelTimelock, resp.PunishTimelock)
	}
}

func TestInitiateSwapBadTimelocks(t *testing.T) {
	ha, hb := newTestPair(t)

	hb.SetStreamHandler(ProtocolSwap, func(s network.Stream) {
		defer s.Close()
		var req SwapRequest
		readJSONFrame(s, &req)
		writeJSONFrame(s, &SwapResponse{
			Accepted:       true,
			RedeemPubKey:   bytes.Repeat([]byte{0x03}, 33),
			CancelTimelock: 850_144,
			PunishTimelock: 850_000, // punish before cancel
		})
	})

	client := NewClient(ha)
	defer client.Close()

	_, err := client.InitiateSwap(context.Background(), hb.ID(), &SwapRequest{SwapID: "swap-1"})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("error = %v, want ErrMalformedResponse", err)
	}
}

func TestInitiateSwapRejected(t *testing.T) {
	ha, hb := newTestPair(t)

	hb.SetStreamHandler(ProtocolSwap, func(s network.Stream) {
		defer s.Close()
		var req SwapRequest
		readJSONFrame(s, &req)
		writeJSONFrame(s, &SwapResponse{Accepted: false, Error: "not trading"})
	})

	client := NewClient(ha)
	defer client.Close()

	_, err := client.InitiateSwap(context.Background(), hb.ID(), &SwapRequest{SwapID: "swap-1"})
	if !errors.Is(err, ErrSwapRejected) {
		t.Errorf("error = %v, want ErrSwapRejected", err)
	}
}

func TestWaitTransferProof(t *testing.T) {
	ha, hb := newTestPair(t)

	client := NewClient(ha)
	defer client.Close()

	// Provider pushes the proof shortly after the wait begins.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s, err := hb.NewStream(context.Background(), ha.ID(), ProtocolTransferProof)
		if err != nil {
			t.Errorf("provider failed to open stream: %v", err)
			return
		}
		defer s.Close()
		writeJSONFrame(s, &TransferProof{SwapID: "swap-1", TxRef: "xmrtx", Proof: "txkey"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	proof, err := client.WaitTransferProof(ctx, "swap-1")
	if err != nil {
		t.Fatalf("WaitTransferProof() error = %v", err)
	}
	if proof.TxRef != "xmrtx" {
		t.Errorf("tx ref = %s, want xmrtx", proof.TxRef)
	}
}

func TestWaitTransferProofAlreadyArrived(t *testing.T) {
	ha, hb := newTestPair(t)

	client := NewClient(ha)
	defer client.Close()

	s, err := hb.NewStream(context.Background(), ha.ID(), ProtocolTransferProof)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeJSONFrame(s, &TransferProof{SwapID: "swap-2", TxRef: "early"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Give the handler a moment to buffer the proof.
	deadline := time.Now().Add(3 * time.Second)
	for {
		client.mu.Lock()
		_, buffered := client.pending["swap-2"]
		client.mu.Unlock()
		if buffered || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	proof, err := client.WaitTransferProof(ctx, "swap-2")
	if err != nil {
		t.Fatalf("WaitTransferProof() error = %v", err)
	}
	if proof.TxRef != "early" {
		t.Errorf("tx ref = %s, want early", proof.TxRef)
	}
}

func TestWaitTransferProofTimeout(t *testing.T) {
	ha, _ := newTestPair(t)

	client := NewClient(ha)
	defer client.Close()
	client.transferProofTimeout = 50 * time.Millisecond

	_, err := client.WaitTransferProof(context.Background(), "never")
	if !errors.Is(err, ErrTransferProofTimeout) {
		t.Errorf("error = %v, want ErrTransferProofTimeout", err)
	}
}

func TestSendEncryptedSignature(t *testing.T) {
	ha, hb := newTestPair(t)

	received := make(chan *EncryptedSignature, 1)
	hb.SetStreamHandler(ProtocolEncryptedSig, func(s network.Stream) {
		defer s.Close()
		var msg EncryptedSignature
		if err := readJSONFrame(s, &msg); err != nil {
			return
		}
		received <- &msg
	})

	client := NewClient(ha)
	defer client.Close()

	err := client.SendEncryptedSignature(context.Background(), hb.ID(), &EncryptedSignature{
		SwapID:     "swap-3",
		Ciphertext: []byte{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("SendEncryptedSignature() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg.SwapID != "swap-3" {
			t.Errorf("swap id = %s, want swap-3", msg.SwapID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("provider never received the encrypted signature")
	}
}
