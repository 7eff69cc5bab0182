package secure

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDeriveKey(t *testing.T) {
	k1, err := DeriveKey("correct horse")
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)

	k2, err := DeriveKey("correct horse")
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "derivation must be deterministic")

	k3, err := DeriveKey("battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = DeriveKey("")
	assert.ErrorIs(t, err, ErrEmptyPassphrase)
}

func TestNewChannelWithKeyInvalidSize(t *testing.T) {
	_, err := NewChannelWithKey(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestChannelEncryptDecrypt(t *testing.T) {
	ch, err := NewChannel("shared")
	require.NoError(t, err)

	plaintext := []byte("hello channel")
	sealed, err := ch.Encrypt(plaintext)
	require.NoError(t, err)
	assert.Len(t, sealed, NonceSize+len(plaintext)+TagSize)
	assert.False(t, bytes.Contains(sealed, plaintext))

	again, err := ch.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ between calls")

	opened, err := ch.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestChannelDecryptErrors(t *testing.T) {
	ch, err := NewChannel("shared")
	require.NoError(t, err)
	other, err := NewChannel("different")
	require.NoError(t, err)

	t.Run("too short", func(t *testing.T) {
		_, err := ch.Decrypt(make([]byte, NonceSize+TagSize-1))
		assert.ErrorIs(t, err, ErrInvalidCiphertext)
	})

	t.Run("wrong key", func(t *testing.T) {
		sealed, err := other.Encrypt([]byte("secret"))
		require.NoError(t, err)
		_, err = ch.Decrypt(sealed)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("tampered", func(t *testing.T) {
		sealed, err := ch.Encrypt([]byte("secret"))
		require.NoError(t, err)
		sealed[NonceSize] ^= 0xFF
		_, err = ch.Decrypt(sealed)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})
}

func TestNew(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	assert.IsType(t, Plain{}, c)

	out, err := c.Encrypt([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)

	c, err = New("key")
	require.NoError(t, err)
	assert.IsType(t, &Channel{}, c)
}

func TestChannelRoundTripRapid(t *testing.T) {
	ch, err := NewChannel("property")
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "plaintext")
		sealed, err := ch.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		opened, err := ch.Decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if !bytes.Equal(plaintext, opened) {
			t.Fatalf("plaintext mismatch")
		}
	})
}
