// Package htlc - encrypted signature construction.
//
// The value sent to the counterparty lets them finalize the BTC redemption
// while the accompanying ciphertext binds the swap secret, so completing
// the redemption puts the preimage on-chain where we observe it.
//
// This is an interim construction, not a two-party adaptor-signature
// protocol: the signature and secret are sealed with an ECDH-derived
// keystream rather than encrypted "inside" the signature algebra. The
// SignatureCipher interface exists so a genuine adaptor scheme can replace
// it without touching the executor.
package htlc

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Encrypted signature errors
var (
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrCiphertextGarbled  = errors.New("ciphertext length inconsistent")
)

// SignatureCipher seals and opens (signature, secret) pairs between two
// fixed peers.
type SignatureCipher interface {
	Seal(signature, secret []byte) ([]byte, error)
	Open(ciphertext []byte) (signature, secret []byte, err error)
}

// ECDHSignatureCipher implements SignatureCipher over a static ECDH shared
// secret between our key and the peer's key.
type ECDHSignatureCipher struct {
	shared []byte
}

// NewSignatureCipher derives the pairwise cipher for ourKey and peerPub.
func NewSignatureCipher(ourKey *secp256k1.PrivateKey, peerPub *secp256k1.PublicKey) *ECDHSignatureCipher {
	shared := secp256k1.GenerateSharedSecret(ourKey, peerPub)
	return &ECDHSignatureCipher{shared: shared}
}

// Seal encrypts signature||secret under the pairwise keystream.
// Layout before encryption: uint16 sig length, signature, 32-byte secret.
func (c *ECDHSignatureCipher) Seal(signature, secret []byte) ([]byte, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	if len(signature) == 0 || len(signature) > 0xFFFF {
		return nil, fmt.Errorf("invalid signature length %d", len(signature))
	}

	plaintext := make([]byte, 2+len(signature)+SecretSize)
	binary.BigEndian.PutUint16(plaintext[0:2], uint16(len(signature)))
	copy(plaintext[2:], signature)
	copy(plaintext[2+len(signature):], secret)

	ciphertext := make([]byte, len(plaintext))
	c.applyKeystream(ciphertext, plaintext)
	return ciphertext, nil
}

// Open decrypts a sealed value produced by the peer's cipher.
func (c *ECDHSignatureCipher) Open(ciphertext []byte) ([]byte, []byte, error) {
	if len(ciphertext) < 2+SecretSize {
		return nil, nil, ErrCiphertextTooShort
	}

	plaintext := make([]byte, len(ciphertext))
	c.applyKeystream(plaintext, ciphertext)

	sigLen := int(binary.BigEndian.Uint16(plaintext[0:2]))
	if 2+sigLen+SecretSize != len(plaintext) {
		return nil, nil, ErrCiphertextGarbled
	}

	signature := plaintext[2 : 2+sigLen]
	secret := plaintext[2+sigLen:]
	return signature, secret, nil
}

// applyKeystream XORs src into dst with SHA256-counter-expanded key blocks.
func (c *ECDHSignatureCipher) applyKeystream(dst, src []byte) {
	var counter uint32
	var block [36]byte
	copy(block[:32], c.shared)

	for off := 0; off < len(src); off += sha256.Size {
		binary.BigEndian.PutUint32(block[32:], counter)
		ks := sha256.Sum256(block[:])
		for i := 0; i < sha256.Size && off+i < len(src); i++ {
			dst[off+i] = src[off+i] ^ ks[i]
		}
		counter++
	}
}
