package server

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier(t *testing.T) {
	v := JWTVerifier{Secret: testSecret}
	ctx := context.Background()

	sign := func(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
		t.Helper()
		tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return tok
	}

	t.Run("valid token yields the subject", func(t *testing.T) {
		tok, err := NewToken(testSecret, "alice", time.Minute)
		require.NoError(t, err)

		userID, err := v.Verify(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "alice", userID)
	})

	t.Run("token without expiry is accepted", func(t *testing.T) {
		tok, err := NewToken(testSecret, "alice", 0)
		require.NoError(t, err)

		userID, err := v.Verify(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "alice", userID)
	})

	for _, tc := range []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"empty", func(*testing.T) string { return "" }},
		{"malformed", func(*testing.T) string { return "a.b.c" }},
		{"expired", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			})
		}},
		{"missing subject", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{})
		}},
		{"other hmac algorithm", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS512, testSecret, jwt.RegisteredClaims{Subject: "alice"})
		}},
		{"unsigned", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.RegisteredClaims{Subject: "alice"})
		}},
	} {
		t.Run("rejects "+tc.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tc.token(t))
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}
