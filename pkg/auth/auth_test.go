package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAndVerify(t *testing.T) {
	key, hash, err := GenerateKey()
	require.NoError(t, err)
	require.NotEmpty(t, key)
	assert.NotContains(t, hash, key)

	ks, err := ParseKeyStore([]string{"ops:" + hash})
	require.NoError(t, err)
	assert.Equal(t, 1, ks.Len())

	name, err := ks.Verify(key)
	require.NoError(t, err)
	assert.Equal(t, "ops", name)

	// served from the cache the second time
	name, err = ks.Verify(key)
	require.NoError(t, err)
	assert.Equal(t, "ops", name)

	_, err = ks.Verify("wrong")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = ks.Verify("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestParseKeyStore(t *testing.T) {
	h, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	ks, err := ParseKeyStore([]string{string(h)})
	require.NoError(t, err)
	name, err := ks.Verify("secret")
	require.NoError(t, err)
	assert.Equal(t, "key1", name)

	tests := []struct {
		name  string
		entry string
	}{
		{"no hash", "ops"},
		{"empty name", ":" + string(h)},
		{"not bcrypt", "ops:plaintext"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKeyStore([]string{tt.entry})
			assert.ErrorIs(t, err, ErrMalformedKey)
		})
	}
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "ab"))
}
