// Package moneroaddr decodes and validates Monero destination addresses.
//
// A Monero address is block-base58 over a varint network tag, a 32-byte
// public spend key, a 32-byte public view key, an optional 8-byte payment
// ID (integrated addresses) and a 4-byte keccak-256 checksum. Both keys
// must be valid points on the ed25519 curve.
package moneroaddr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

var (
	ErrBadChecksum   = errors.New("address checksum mismatch")
	ErrBadLength     = errors.New("address payload has wrong length")
	ErrUnknownPrefix = errors.New("unknown address prefix")
	ErrNotOnCurve    = errors.New("address key is not a valid curve point")
	ErrWrongNetwork  = errors.New("address is for a different network")
	ErrPaymentIDSize = errors.New("payment ID must be 8 bytes")
)

// Network identifies a Monero network.
type Network string

const (
	Mainnet  Network = "mainnet"
	Stagenet Network = "stagenet"
	Testnet  Network = "testnet"
)

// Kind identifies the address variant.
type Kind int

const (
	KindStandard Kind = iota
	KindIntegrated
	KindSubaddress
)

func (k Kind) String() string {
	switch k {
	case KindStandard:
		return "standard"
	case KindIntegrated:
		return "integrated"
	case KindSubaddress:
		return "subaddress"
	default:
		return "unknown"
	}
}

const (
	keySize       = 32
	checksumSize  = 4
	paymentIDSize = 8
)

type prefixInfo struct {
	network Network
	kind    Kind
}

var prefixes = map[uint64]prefixInfo{
	18: {Mainnet, KindStandard},
	19: {Mainnet, KindIntegrated},
	42: {Mainnet, KindSubaddress},
	24: {Stagenet, KindStandard},
	25: {Stagenet, KindIntegrated},
	36: {Stagenet, KindSubaddress},
	53: {Testnet, KindStandard},
	54: {Testnet, KindIntegrated},
	63: {Testnet, KindSubaddress},
}

func prefixFor(network Network, kind Kind) (uint64, bool) {
	for tag, info := range prefixes {
		if info.network == network && info.kind == kind {
			return tag, true
		}
	}
	return 0, false
}

// Address is a decoded Monero address.
type Address struct {
	Network   Network
	Kind      Kind
	SpendKey  [keySize]byte
	ViewKey   [keySize]byte
	PaymentID []byte // 8 bytes for integrated addresses, nil otherwise

	encoded string
}

// String returns the base58 form of the address.
func (a *Address) String() string {
	return a.encoded
}

func checksum(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)[:checksumSize]
}

// Decode parses and fully validates a Monero address: base58 form,
// checksum, known prefix, payload length and curve membership of both
// keys.
func Decode(s string) (*Address, error) {
	raw, err := decodeBase58(s)
	if err != nil {
		return nil, err
	}
	if len(raw) < 1+2*keySize+checksumSize {
		return nil, ErrBadLength
	}

	body := raw[:len(raw)-checksumSize]
	if !bytes.Equal(checksum(body), raw[len(raw)-checksumSize:]) {
		return nil, ErrBadChecksum
	}

	tag, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, ErrUnknownPrefix
	}
	info, ok := prefixes[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPrefix, tag)
	}

	rest := body[n:]
	wantLen := 2 * keySize
	if info.kind == KindIntegrated {
		wantLen += paymentIDSize
	}
	if len(rest) != wantLen {
		return nil, fmt.Errorf("%w: got %d key bytes, want %d", ErrBadLength, len(rest), wantLen)
	}

	addr := &Address{
		Network: info.network,
		Kind:    info.kind,
		encoded: s,
	}
	copy(addr.SpendKey[:], rest[:keySize])
	copy(addr.ViewKey[:], rest[keySize:2*keySize])
	if info.kind == KindIntegrated {
		addr.PaymentID = append([]byte(nil), rest[2*keySize:]...)
	}

	if _, err := new(edwards25519.Point).SetBytes(addr.SpendKey[:]); err != nil {
		return nil, fmt.Errorf("%w: spend key", ErrNotOnCurve)
	}
	if _, err := new(edwards25519.Point).SetBytes(addr.ViewKey[:]); err != nil {
		return nil, fmt.Errorf("%w: view key", ErrNotOnCurve)
	}

	return addr, nil
}

// Validate checks that s is a well-formed Monero address on the given
// network.
func Validate(s string, network Network) error {
	addr, err := Decode(s)
	if err != nil {
		return err
	}
	if addr.Network != network {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongNetwork, addr.Network, network)
	}
	return nil
}

// Encode builds the base58 address for the given keys. The keys are not
// checked for curve membership; Decode performs that on the way back in.
func Encode(network Network, kind Kind, spendKey, viewKey [keySize]byte, paymentID []byte) (string, error) {
	tag, ok := prefixFor(network, kind)
	if !ok {
		return "", ErrUnknownPrefix
	}
	if kind == KindIntegrated {
		if len(paymentID) != paymentIDSize {
			return "", ErrPaymentIDSize
		}
	} else if len(paymentID) != 0 {
		return "", ErrPaymentIDSize
	}

	var tagBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tagBuf[:], tag)

	body := make([]byte, 0, n+2*keySize+paymentIDSize+checksumSize)
	body = append(body, tagBuf[:n]...)
	body = append(body, spendKey[:]...)
	body = append(body, viewKey[:]...)
	body = append(body, paymentID...)
	body = append(body, checksum(body)...)

	return encodeBase58(body), nil
}
