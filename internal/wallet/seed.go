package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the at-rest mnemonic file.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 32
)

const minPasswordLen = 8

var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrWrongPassword    = errors.New("decryption failed, wrong password or corrupt file")
)

// SeedFile is the on-disk form of an encrypted mnemonic.
type SeedFile struct {
	Version    int    `json:"version"`
	Ciphertext []byte `json:"ciphertext"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Time       uint32 `json:"time"`
	Memory     uint32 `json:"memory"`
	Threads    uint8  `json:"threads"`
}

// EncryptMnemonic seals a mnemonic with Argon2id + AES-256-GCM.
func EncryptMnemonic(mnemonic, password string) (*SeedFile, error) {
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrPasswordTooShort, minPasswordLen)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &SeedFile{
		Version:    1,
		Ciphertext: gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:       salt,
		Nonce:      nonce,
		Time:       argonTime,
		Memory:     argonMemory,
		Threads:    argonThreads,
	}, nil
}

// DecryptMnemonic opens a sealed mnemonic.
func DecryptMnemonic(sf *SeedFile, password string) (string, error) {
	key := argon2.IDKey([]byte(password), sf.Salt, sf.Time, sf.Memory, sf.Threads, argonKeyLen)
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, sf.Nonce, sf.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer zero(plaintext)

	return string(plaintext), nil
}

// SaveSeedFile writes an encrypted seed to disk with owner-only
// permissions.
func SaveSeedFile(sf *SeedFile, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.Marshal(sf)
	if err != nil {
		return fmt.Errorf("failed to marshal seed file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return nil
}

// LoadSeedFile reads an encrypted seed from disk.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var sf SeedFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &sf, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
