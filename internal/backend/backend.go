// Package backend provides the Bitcoin chain-query and broadcast capability
// over REST-style chain explorers (mempool.space, Esplora). It is read-only
// for private keys; all signing happens in the htlc and wallet packages.
package backend

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrAddressNotFound = errors.New("address not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
	ErrNotSpent        = errors.New("output not spent")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`        // in satoshis
	ScriptPubKey  string `json:"scriptpubkey"` // hex encoded
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction represents a transaction.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string   `json:"txid"`
	Vout     uint32   `json:"vout"`
	Witness  []string `json:"witness,omitempty"` // hex-encoded stack elements
	Sequence uint32   `json:"sequence"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// SpendingTx describes the transaction spending a watched outpoint,
// including the witness stack of the input doing the spend. The witness is
// where an HTLC redemption reveals the preimage.
type SpendingTx struct {
	TxID    string
	Witness [][]byte
}

// FeeEstimate contains fee estimation for different confirmation targets,
// in sat/vB.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// Backend defines the chain capability the swap engine consumes.
type Backend interface {
	// Type returns the backend type.
	Type() Type

	// Connect establishes connection to the backend.
	Connect(ctx context.Context) error

	// Close closes the connection.
	Close() error

	// Address operations
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)

	// Transaction operations
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetConfirmations(ctx context.Context, txID string) (int64, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	// GetSpendingTransaction returns the transaction spending the given
	// outpoint, or ErrNotSpent if it is still unspent.
	GetSpendingTransaction(ctx context.Context, txID string, vout uint32) (*SpendingTx, error)

	// Block operations
	GetTipHeight(ctx context.Context) (int64, error)

	// Fee estimation
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`

	// Optional settings
	Timeout int `yaml:"timeout,omitempty"` // seconds, default 30
}

// DefaultConfig returns the default Bitcoin backend configuration.
func DefaultConfig() *Config {
	return &Config{
		Type:       TypeMempool,
		MainnetURL: "https://mempool.space/api",
		TestnetURL: "https://mempool.space/testnet4/api",
	}
}

// NewFromConfig creates a backend from a config and base URL.
func NewFromConfig(cfg *Config, baseURL string) Backend {
	switch cfg.Type {
	case TypeEsplora:
		return NewEsploraBackend(baseURL)
	default:
		return NewMempoolBackend(baseURL)
	}
}
