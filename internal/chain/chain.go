// Package chain defines network parameters for the two chains a swap
// touches: Bitcoin (where the HTLC lives) and Monero (where the
// counterparty locks funds). All chain-specific values are hardcoded here.
package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet or testnet.
// For Monero, Testnet maps to stagenet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Valid reports whether n is a known network.
func (n Network) Valid() bool {
	return n == Mainnet || n == Testnet
}

// BTCParams returns the btcd chaincfg params for the given network.
func BTCParams(network Network) (*chaincfg.Params, error) {
	switch network {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	default:
		return nil, fmt.Errorf("unknown network: %s", network)
	}
}

// Smallest-unit scale factors.
const (
	SatoshisPerBTC  uint64 = 100_000_000
	PiconeroPerXMR  uint64 = 1_000_000_000_000
	BTCDustLimitSat uint64 = 546 // standard dust threshold for P2WSH-adjacent outputs
)

// BIP44 coin types used for key derivation.
const (
	BTCCoinTypeMainnet uint32 = 0
	BTCCoinTypeTestnet uint32 = 1
)

// BTCCoinType returns the BIP44 coin type for the network.
func BTCCoinType(network Network) uint32 {
	if network == Testnet {
		return BTCCoinTypeTestnet
	}
	return BTCCoinTypeMainnet
}
