package syncclient

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsSetClear(t *testing.T) {
	creds := NewCredentials()
	_, ok := creds.Token()
	assert.False(t, ok)

	creds.Set("  token-abc  ")
	token, ok := creds.Token()
	require.True(t, ok)
	assert.Equal(t, "token-abc", token)

	creds.Clear()
	_, ok = creds.Token()
	assert.False(t, ok)
}

func TestCredentialsExpiresAtFromJWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "clinician-1",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	creds := NewCredentials()
	creds.Set(signed)
	got, ok := creds.ExpiresAt()
	require.True(t, ok)
	assert.True(t, got.Equal(exp), "expected exp %s, got %s", exp, got)
}

func TestCredentialsExpiresAtOpaqueToken(t *testing.T) {
	creds := NewCredentials()
	creds.Set("opaque-bearer-token")
	_, ok := creds.ExpiresAt()
	assert.False(t, ok)
}
