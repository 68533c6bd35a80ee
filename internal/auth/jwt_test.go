package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("user-1", "s3cret", time.Minute)
	require.NoError(t, err)

	sub, err := ParseJWT(tok, "s3cret")
	require.NoError(t, err)
	require.Equal(t, "user-1", sub)
}

func TestParse_Rejects(t *testing.T) {
	good, err := SignJWT("user-1", "s3cret", time.Minute)
	require.NoError(t, err)
	expired, err := SignJWT("user-1", "s3cret", -time.Minute)
	require.NoError(t, err)
	noSub, err := SignJWT("", "s3cret", time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tc := range map[string]struct{ tok, secret string }{
		"wrong secret": {good, "other"},
		"expired":      {expired, "s3cret"},
		"no subject":   {noSub, "s3cret"},
		"alg none":     {none, "s3cret"},
		"garbage":      {"a.b.c", "s3cret"},
	} {
		_, err := ParseJWT(tc.tok, tc.secret)
		require.ErrorIs(t, err, ErrInvalidToken, name)
	}
}
