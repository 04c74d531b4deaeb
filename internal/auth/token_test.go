package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier(t *testing.T) {
	t.Run("should verify a token it issued", func(t *testing.T) {
		v := NewVerifier("secret")
		token, err := v.Issue("operator", time.Hour, ScopeRead, ScopeWrite)
		require.NoError(t, err)

		claims, err := v.Verify("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "operator", claims.Subject)
		assert.True(t, claims.Allows(ScopeWrite))
		assert.NotEmpty(t, claims.ID)
	})

	t.Run("should reject a token signed with another secret", func(t *testing.T) {
		token, err := NewVerifier("other").Issue("operator", time.Hour)
		require.NoError(t, err)

		_, err = NewVerifier("secret").Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		v := NewVerifier("secret")
		issued := time.Date(2024, 3, 12, 14, 30, 0, 0, time.UTC)
		v.now = func() time.Time { return issued }
		token, err := v.Issue("operator", time.Minute)
		require.NoError(t, err)

		v.now = func() time.Time { return issued.Add(time.Hour) }
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("should reject unsigned tokens", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = NewVerifier("secret").Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		_, err := NewVerifier("secret").Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
