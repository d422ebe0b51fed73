package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crossguard/storage"
)

func testEnvelope(b byte) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte{b, b, b},
	}
}

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, repo.Put("session", "CREDENTIAL", "user_id", testEnvelope(1)))

		got, err := repo.Get("session", "CREDENTIAL", "user_id")
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 1, 1}, got.Ciphertext)

		got.Ciphertext[0] = 9
		again, _ := repo.Get("session", "CREDENTIAL", "user_id")
		assert.Equal(t, byte(1), again.Ciphertext[0], "repository must hand out clones")
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get("nope", "CREDENTIAL", "user_id")
		assert.ErrorIs(t, err, storage.ErrNamespaceNotFound)
		assert.True(t, storage.IsMissing(err))

		_, err = repo.Get("session", "CREDENTIAL", "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListByType", func(t *testing.T) {
		require.NoError(t, repo.Put("session", "CREDENTIAL", "device_id", testEnvelope(2)))
		require.NoError(t, repo.Put("session", "SSSS_KEY", "abc", testEnvelope(3)))

		ids, err := repo.List("session", "CREDENTIAL")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user_id", "device_id"}, ids)

		ids, err = repo.List("nope", "CREDENTIAL")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete("session", "SSSS_KEY", "abc"))
		assert.ErrorIs(t, repo.Delete("session", "SSSS_KEY", "abc"), storage.ErrNotFound)
	})
}

func TestMemoryRepository_BatchIsAtomic(t *testing.T) {
	repo := NewRepository()
	require.NoError(t, repo.Put("session", "CREDENTIAL", "user_id", testEnvelope(1)))

	boom := errors.New("boom")
	err := repo.Batch("session", func(tx storage.BatchTx) error {
		if err := tx.Put("CREDENTIAL", "access_token", testEnvelope(2)); err != nil {
			return err
		}
		if err := tx.Delete("CREDENTIAL", "user_id"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.Get("session", "CREDENTIAL", "access_token")
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed batch must not leak writes")
	_, err = repo.Get("session", "CREDENTIAL", "user_id")
	assert.NoError(t, err, "failed batch must not leak deletes")

	err = repo.Batch("session", func(tx storage.BatchTx) error {
		return tx.Put("CREDENTIAL", "access_token", testEnvelope(2))
	})
	require.NoError(t, err)
	_, err = repo.Get("session", "CREDENTIAL", "access_token")
	assert.NoError(t, err)
}
