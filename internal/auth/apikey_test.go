package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lorrc/farmlink-realtime/internal/core/errors"
)

func TestAPIKeyVerifier(t *testing.T) {
	oldHash, err := HashAPIKey("old-key")
	require.NoError(t, err)
	newHash, err := HashAPIKey("new-key")
	require.NoError(t, err)

	v, err := NewAPIKeyVerifier([]string{oldHash, newHash})
	require.NoError(t, err)
	assert.True(t, v.Enabled())

	assert.NoError(t, v.Verify("old-key"))
	assert.NoError(t, v.Verify("new-key"))
	assert.ErrorIs(t, v.Verify("wrong"), apperrors.ErrInvalidAPIKey)
	assert.ErrorIs(t, v.Verify(""), apperrors.ErrInvalidAPIKey)
}

func TestAPIKeyVerifier_RejectsMalformedHash(t *testing.T) {
	_, err := NewAPIKeyVerifier([]string{"plaintext-key"})
	assert.Error(t, err)
}

func TestAPIKeyVerifier_Empty(t *testing.T) {
	v, err := NewAPIKeyVerifier(nil)
	require.NoError(t, err)
	assert.False(t, v.Enabled())
	assert.ErrorIs(t, v.Verify("anything"), apperrors.ErrInvalidAPIKey)
}
