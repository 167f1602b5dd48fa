package pii

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestSealOpen(t *testing.T) {
	c, err := New(testKey)
	require.NoError(t, err)

	a, err := c.Encrypt("bob@example.com")
	require.NoError(t, err)
	b, err := c.Encrypt("bob@example.com")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "nonce must differ per call")

	plain, err := c.Decrypt(a)
	require.NoError(t, err)
	require.Equal(t, "bob@example.com", plain)
}

func TestBase64Key(t *testing.T) {
	_, err := New(base64.StdEncoding.EncodeToString([]byte(testKey)))
	require.NoError(t, err)
	_, err = New("short")
	require.Error(t, err)
}

func TestTamperDetected(t *testing.T) {
	c, err := New(testKey)
	require.NoError(t, err)
	sealed, err := c.Encrypt("100")
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	_, err = c.Decrypt(base64.StdEncoding.EncodeToString(raw))
	require.ErrorIs(t, err, ErrCiphertext)

	_, err = c.Decrypt("!!" + strings.Repeat("a", 10))
	require.ErrorIs(t, err, ErrCiphertext)

	other, err := New(strings.Repeat("z", 32))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	require.ErrorIs(t, err, ErrCiphertext)
}
