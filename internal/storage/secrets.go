// Package storage - HTLC secret persistence.
// The preimage we commit to is stored separately from swap state so the
// state records never carry it before the on-chain reveal.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Secret errors
var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrSecretExists   = errors.New("secret already exists for this swap")
)

// SwapSecret is the locally generated HTLC preimage for one swap.
type SwapSecret struct {
	SwapID     string
	SecretHash string // hex-encoded SHA256 of the secret
	Secret     string // hex-encoded 32-byte preimage
	CreatedAt  time.Time
}

// SaveSecret stores the preimage for a swap. Each swap gets exactly one.
func (s *Storage) SaveSecret(sec *SwapSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO secrets (swap_id, secret_hash, secret, created_at)
		VALUES (?, ?, ?, ?)
	`, sec.SwapID, sec.SecretHash, sec.Secret, sec.CreatedAt.Unix())
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrSecretExists, sec.SwapID)
		}
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// GetSecret loads the preimage for a swap.
func (s *Storage) GetSecret(swapID string) (*SwapSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sec SwapSecret
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT swap_id, secret_hash, secret, created_at
		FROM secrets WHERE swap_id = ?
	`, swapID).Scan(&sec.SwapID, &sec.SecretHash, &sec.Secret, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, swapID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	sec.CreatedAt = time.Unix(createdAt, 0)
	return &sec, nil
}

// DeleteSecret removes the preimage for a swap. Called only when the swap
// record itself is deleted by explicit user action.
func (s *Storage) DeleteSecret(swapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM secrets WHERE swap_id = ?`, swapID); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

// isUniqueConstraintError reports whether err is a sqlite unique violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
