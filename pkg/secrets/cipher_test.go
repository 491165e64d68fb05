package secrets

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestNewCipherKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33} {
		_, err := NewCipher(make([]byte, n))
		require.Error(t, err, "key of %d bytes must be rejected", n)
		assert.Contains(t, err.Error(), "32 bytes")
	}

	c, err := NewCipher(testKey)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	for _, plaintext := range []string{
		"",
		"sk-ant-FAKEFAKEFAKEFAKE",
		"pässwörd with ünïcode",
		string(make([]byte, 4096)),
	} {
		sealed, err := c.Encrypt(plaintext)
		require.NoError(t, err)

		opened, err := c.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}

	sealed, err := c.Encrypt("sk-ant-FAKEFAKEFAKEFAKE")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-ant", "ciphertext must not leak the plaintext")
}

func TestEncryptFreshNoncePerCall(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	first, err := c.Encrypt("same secret")
	require.NoError(t, err)
	second, err := c.Encrypt("same secret")
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "repeated encryption must not reveal plaintext equality")

	for _, sealed := range []string{first, second} {
		opened, err := c.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "same secret", opened)
	}
}

func TestDecryptRejectsTamper(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	sealed, err := c.Encrypt("api key material")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypting")
}

func TestDecryptRejectsForeignKey(t *testing.T) {
	a, err := NewCipher(testKey)
	require.NoError(t, err)
	b, err := NewCipher([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	sealed, err := a.Encrypt("api key material")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	require.Error(t, err)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	_, err = c.Decrypt("not base64!!!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding ciphertext")

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte("tiny")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ciphertext too short")
}

func TestKeyHint(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{key: "", want: ""},
		{key: "ab", want: "**"},
		{key: "abcd", want: "****"},
		{key: "abcde", want: "****bcde"},
		{key: "sk-ant-FAKE12345678", want: "****5678"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KeyHint(tt.key))
	}
}
