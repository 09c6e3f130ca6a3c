package node

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// Protocol IDs for the four swap protocols an ASB speaks.
const (
	ProtocolQuote         protocol.ID = "/xmrbtc/quote/1.0.0"
	ProtocolSwap          protocol.ID = "/xmrbtc/swap/1.0.0"
	ProtocolTransferProof protocol.ID = "/xmrbtc/transfer-proof/1.0.0"
	ProtocolEncryptedSig  protocol.ID = "/xmrbtc/encrypted-signature/1.0.0"
)

// QuoteRequest asks a provider to price a BTC amount.
type QuoteRequest struct {
	BTCAmount uint64 `json:"btc_amount"` // satoshis
}

// QuoteResponse is a provider's answer to a QuoteRequest.
type QuoteResponse struct {
	// Price is BTC per XMR as a decimal string.
	Price string `json:"price"`
	// XMRAmount is the piconero the provider will lock for BTCAmount.
	XMRAmount uint64 `json:"xmr_amount"`
	MinBTC    uint64 `json:"min_btc"`
	MaxBTC    uint64 `json:"max_btc"`
	Error     string `json:"error,omitempty"`
}

// SwapRequest initiates a swap after a quote was accepted.
type SwapRequest struct {
	SwapID       string `json:"swap_id"`
	BTCAmount    uint64 `json:"btc_amount"`
	XMRAmount    uint64 `json:"xmr_amount"`
	SecretHash   []byte `json:"secret_hash"`
	RefundPubKey []byte `json:"refund_pub_key"` // initiator's compressed pubkey
	XMRAddress   string `json:"xmr_address"`    // initiator's payout address
}

// SwapResponse carries the provider's side of the HTLC parameters: its
// redeem key, the negotiated timelocks and confirmation thresholds.
type SwapResponse struct {
	Accepted            bool   `json:"accepted"`
	RedeemPubKey        []byte `json:"redeem_pub_key"` // provider's compressed pubkey
	CancelTimelock      int64  `json:"cancel_timelock"` // absolute BTC block height
	PunishTimelock      int64  `json:"punish_timelock"` // absolute BTC block height
	MinBTCConfirmations uint64 `json:"min_btc_confirmations"`
	MinXMRConfirmations uint64 `json:"min_xmr_confirmations"`
	XMRLockAddress      string `json:"xmr_lock_address,omitempty"`
	Error               string `json:"error,omitempty"`
}

// TransferProof is pushed by the provider once its XMR lock
// transaction exists.
type TransferProof struct {
	SwapID string `json:"swap_id"`
	// TxRef identifies the XMR lock transaction.
	TxRef string `json:"tx_ref"`
	// Proof is the provider's tx-key proof for the lock.
	Proof string `json:"proof,omitempty"`
}

// EncryptedSignature delivers the ciphertext that lets the provider
// redeem the BTC lock.
type EncryptedSignature struct {
	SwapID     string `json:"swap_id"`
	Ciphertext []byte `json:"ciphertext"`
}

// maxFrameSize bounds a single protocol message.
const maxFrameSize = 1024 * 1024

// readFrame reads a length-prefixed message from the reader.
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return data, nil
}

// writeFrame writes a length-prefixed message to the writer.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// writeJSONFrame marshals v and writes it as one frame.
func writeJSONFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return writeFrame(w, data)
}

// readJSONFrame reads one frame and unmarshals it into v.
func readJSONFrame(r io.Reader, v interface{}) error {
	data, err := readFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}
	return nil
}
