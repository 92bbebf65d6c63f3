package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_RoundTrip(t *testing.T) {
	v, err := NewValidator("s3cret", "polystore")
	require.NoError(t, err)

	token, err := v.Sign("alice", []string{"reader"}, time.Minute)
	require.NoError(t, err)
	claims, err := v.ValidateToken("Bearer " + token)

	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"reader"}, claims.Roles)
}

func TestValidator_Rejections(t *testing.T) {
	v, err := NewValidator("s3cret", "polystore")
	require.NoError(t, err)
	other, err := NewValidator("other", "polystore")
	require.NoError(t, err)
	foreign, err := NewValidator("s3cret", "someone-else")
	require.NoError(t, err)

	expired, err := v.Sign("alice", nil, -time.Minute)
	require.NoError(t, err)
	forged, err := other.Sign("alice", nil, time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := foreign.Sign("alice", nil, time.Minute)
	require.NoError(t, err)
	anonymous, err := v.Sign("", nil, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"missing", "", ErrMissingToken},
		{"expired", expired, ErrExpiredToken},
		{"bad signature", forged, ErrInvalidSignature},
		{"wrong issuer", wrongIssuer, ErrInvalidClaims},
		{"no subject", anonymous, ErrInvalidClaims},
		{"garbage", "not.a.token", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewValidator_NeedsSecret(t *testing.T) {
	_, err := NewValidator("", "")
	assert.Error(t, err)
}
