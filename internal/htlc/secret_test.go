package htlc

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func TestGenerateSecret(t *testing.T) {
	secret, hash, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if len(secret) != SecretSize {
		t.Errorf("secret length = %d, want %d", len(secret), SecretSize)
	}

	expected := sha256.Sum256(secret)
	if !bytes.Equal(hash, expected[:]) {
		t.Error("hash should be SHA256 of secret")
	}

	secret2, _, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if bytes.Equal(secret, secret2) {
		t.Error("two generated secrets should differ")
	}
}

func TestVerifySecret(t *testing.T) {
	secret, hash, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}

	if !VerifySecret(secret, hash) {
		t.Error("correct secret should verify")
	}

	wrong := make([]byte, SecretSize)
	copy(wrong, secret)
	wrong[0] ^= 0xFF
	if VerifySecret(wrong, hash) {
		t.Error("modified secret should not verify")
	}

	if VerifySecret(secret[:31], hash) {
		t.Error("31-byte secret should not verify")
	}
	if VerifySecret(secret, hash[:31]) {
		t.Error("truncated hash should not verify")
	}
}

func TestExtractSecret(t *testing.T) {
	secret, hash, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	sig := []byte{0x30, 0x44, 0x02, 0x20}
	script := []byte{0x63, 0x82}

	tests := []struct {
		name    string
		witness [][]byte
		wantOK  bool
	}{
		{
			name:    "valid redeem witness",
			witness: [][]byte{sig, secret, {0x01}, script},
			wantOK:  true,
		},
		{
			name:    "refund witness",
			witness: [][]byte{sig, {}, script},
			wantOK:  false,
		},
		{
			name:    "31-byte second element",
			witness: [][]byte{sig, secret[:31], {0x01}, script},
			wantOK:  false,
		},
		{
			name: "wrong preimage",
			witness: func() [][]byte {
				bad := make([]byte, SecretSize)
				return [][]byte{sig, bad, {0x01}, script}
			}(),
			wantOK: false,
		},
		{
			name:    "wrong branch selector",
			witness: [][]byte{sig, secret, {0x00}, script},
			wantOK:  false,
		},
		{
			name:    "too few elements",
			witness: [][]byte{sig, secret},
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractSecret(tt.witness, hash)
			if ok != tt.wantOK {
				t.Fatalf("ExtractSecret() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !bytes.Equal(got, secret) {
				t.Error("extracted secret mismatch")
			}
		})
	}
}
