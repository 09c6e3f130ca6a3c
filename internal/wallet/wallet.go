// Package wallet derives the Bitcoin keys a swap needs from a BIP39
// mnemonic. Derivation follows BIP84 (m/84'/coin'/0'/change/index) so
// every address is native segwit. Private keys are derived on demand
// and never persisted; swap state stores derivation indices only.
package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/moneroswap/swapd/internal/chain"
)

// Branches under the account node.
const (
	BranchExternal uint32 = 0 // deposit and refund keys
	BranchChange   uint32 = 1 // change outputs
)

const bip84Purpose uint32 = 84

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// Wallet holds the HD master key for one network.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network
	params    *chaincfg.Params

	mu    sync.Mutex
	cache map[[2]uint32]*hdkeychain.ExtendedKey
}

// GenerateMnemonic returns a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional.
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	params, err := chain.BTCParams(network)
	if err != nil {
		return nil, err
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		params:    params,
		cache:     make(map[[2]uint32]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// ChainParams returns the btcd network parameters for this wallet.
func (w *Wallet) ChainParams() *chaincfg.Params {
	return w.params
}

// deriveKey walks m/84'/coin'/0'/branch/index.
func (w *Wallet) deriveKey(branch, index uint32) (*hdkeychain.ExtendedKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cacheKey := [2]uint32{branch, index}
	if key, ok := w.cache[cacheKey]; ok {
		return key, nil
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + bip84Purpose,
		hdkeychain.HardenedKeyStart + chain.BTCCoinType(w.network),
		hdkeychain.HardenedKeyStart, // account 0'
		branch,
		index,
	}

	key := w.masterKey
	var err error
	for _, step := range path {
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derivation failed at step %d: %w", step, err)
		}
	}

	w.cache[cacheKey] = key
	return key, nil
}

// PrivateKeyAt returns the private key at the external branch index.
func (w *Wallet) PrivateKeyAt(index uint32) (*btcec.PrivateKey, error) {
	key, err := w.deriveKey(BranchExternal, index)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv, nil
}

// PublicKeyAt returns the public key at the external branch index.
func (w *Wallet) PublicKeyAt(index uint32) (*btcec.PublicKey, error) {
	key, err := w.deriveKey(BranchExternal, index)
	if err != nil {
		return nil, err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	return pub, nil
}

// AddressAt returns the P2WPKH address at the external branch index.
func (w *Wallet) AddressAt(index uint32) (string, error) {
	return w.addressAt(BranchExternal, index)
}

// ChangeAddressAt returns the P2WPKH address at the change branch index.
func (w *Wallet) ChangeAddressAt(index uint32) (string, error) {
	return w.addressAt(BranchChange, index)
}

func (w *Wallet) addressAt(branch, index uint32) (string, error) {
	key, err := w.deriveKey(branch, index)
	if err != nil {
		return "", err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), w.params)
	if err != nil {
		return "", fmt.Errorf("failed to build address: %w", err)
	}
	return addr.EncodeAddress(), nil
}
