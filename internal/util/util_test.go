package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCM(t *testing.T) {
	key, err := NewAESKey()
	require.NoError(t, err)
	plainText := []byte("hello world")
	aad := []byte("context")

	cipherText, err := EncryptAESWithAAD(plainText, key, aad)
	require.NoError(t, err)

	decrypted, err := DecryptAESWithAAD(cipherText, key, aad)
	require.NoError(t, err)
	assert.Equal(t, plainText, decrypted)

	t.Run("TamperAAD", func(t *testing.T) {
		_, err := DecryptAESWithAAD(cipherText, key, []byte("wrong"))
		assert.Error(t, err)
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := EncryptAESWithAAD(plainText, []byte("too short"), aad)
		assert.Error(t, err)
	})
}

func TestArgon2id(t *testing.T) {
	params := Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}
	k1, err := DeriveArgon2idKey("store passphrase", []byte("0123456789abcdef"), params)
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	params.KeyLen = 16
	_, err = DeriveArgon2idKey("store passphrase", []byte("0123456789abcdef"), params)
	assert.Error(t, err)
}

func TestEncodingHelpers(t *testing.T) {
	assert.Equal(t, "alice@example.org", FoldEmail("  Alice@Example.ORG "))

	raw := []byte{0xfa, 0x01, 0x02, 0x03}
	enc := UnpaddedBase64(raw)
	assert.NotContains(t, enc, "=")
	dec, err := DecodeBase64(enc + "==")
	require.NoError(t, err)
	assert.Equal(t, raw, dec)
}
