package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := New(key)
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := testCodec(t)

	for _, pt := range [][]byte{
		[]byte("Hunter2!"),
		{},
		[]byte("a"),
		bytes.Repeat([]byte{0xff}, 4096),
	} {
		token, err := c.Encrypt(pt)
		require.NoError(t, err)

		// nonce (12) + tag (16) overhead
		raw, err := base64.StdEncoding.DecodeString(token)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(raw), len(pt)+28)

		got, err := c.Decrypt(token)
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}
}

func TestTamperedCiphertextFailsClosed(t *testing.T) {
	c := testCodec(t)

	token, err := c.EncryptString("Hunter2!")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)

	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		pt, err := c.Decrypt(base64.StdEncoding.EncodeToString(mutated))
		assert.Error(t, err, "byte %d", i)
		assert.Nil(t, pt)
	}
}

func TestFreshNoncePerCall(t *testing.T) {
	c := testCodec(t)

	a, err := c.EncryptString("same plaintext")
	require.NoError(t, err)
	b, err := c.EncryptString("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestBadInputs(t *testing.T) {
	c := testCodec(t)

	_, err := c.Decrypt("not base64 !!!")
	assert.Error(t, err)

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)

	_, err = New([]byte("too short"))
	assert.Error(t, err)
}
