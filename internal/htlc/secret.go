package htlc

import (
	"crypto/sha256"
	"fmt"

	"github.com/moneroswap/swapd/pkg/helpers"
)

// SecretSize is the preimage length the HTLC script enforces.
const SecretSize = 32

// GenerateSecret generates a cryptographically secure 32-byte secret
// and returns both the secret and its SHA256 hash.
func GenerateSecret() (secret, hash []byte, err error) {
	secret, err = helpers.GenerateSecureRandom(SecretSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	hashArray := sha256.Sum256(secret)
	return secret, hashArray[:], nil
}

// HashSecret returns SHA256(secret).
func HashSecret(secret []byte) []byte {
	hash := sha256.Sum256(secret)
	return hash[:]
}

// VerifySecret checks in constant time whether a preimage matches the
// committed hash.
func VerifySecret(secret, expectedHash []byte) bool {
	if len(secret) != SecretSize || len(expectedHash) != SecretSize {
		return false
	}
	actual := sha256.Sum256(secret)
	return helpers.ConstantTimeCompare(actual[:], expectedHash)
}

// ExtractSecret inspects the witness of a transaction spending the HTLC
// output and, if it matches the redeem branch layout, returns the revealed
// preimage. A witness that does not hash to secretHash is ignored: a
// malformed spend cannot be the real redemption.
func ExtractSecret(witness [][]byte, secretHash []byte) ([]byte, bool) {
	// Redeem witness: <signature> <secret> <1> <script>
	if len(witness) != 4 {
		return nil, false
	}
	secret := witness[1]
	if len(secret) != SecretSize {
		return nil, false
	}
	if len(witness[2]) != 1 || witness[2][0] != 0x01 {
		return nil, false
	}
	if !VerifySecret(secret, secretHash) {
		return nil, false
	}
	return secret, true
}
