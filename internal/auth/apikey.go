package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
)

// APIKeyVerifier checks emitter API keys against bcrypt hashes. Several
// hashes may be configured so keys can be rotated without downtime.
type APIKeyVerifier struct {
	hashes [][]byte
}

// NewAPIKeyVerifier creates a verifier for the given bcrypt hashes.
func NewAPIKeyVerifier(hashes []string) (*APIKeyVerifier, error) {
	v := &APIKeyVerifier{hashes: make([][]byte, 0, len(hashes))}
	for i, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api key hash %d: %w", i, err)
		}
		v.hashes = append(v.hashes, []byte(h))
	}
	return v, nil
}

// Enabled reports whether any key is configured
func (v *APIKeyVerifier) Enabled() bool {
	return len(v.hashes) > 0
}

// Verify returns nil when key matches one of the configured hashes.
func (v *APIKeyVerifier) Verify(key string) error {
	if key == "" {
		return apperrors.ErrInvalidAPIKey
	}
	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return nil
		}
	}
	return apperrors.ErrInvalidAPIKey
}

// HashAPIKey returns the bcrypt hash to put in configuration for key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}
