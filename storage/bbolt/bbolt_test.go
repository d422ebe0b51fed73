package bbolt

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crossguard/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "session.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBBoltStorage(t *testing.T) {
	s := newTestStore(t)
	env := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("cipher")}

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, s.Put("session", "CREDENTIAL", "user_id", env))
		got, err := s.Get("session", "CREDENTIAL", "user_id")
		require.NoError(t, err)
		assert.Equal(t, env.Ciphertext, got.Ciphertext)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get("other", "CREDENTIAL", "user_id")
		assert.ErrorIs(t, err, storage.ErrNamespaceNotFound)
		_, err = s.Get("session", "CREDENTIAL", "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, s.Put("session", "CREDENTIAL", "device_id", env))
		require.NoError(t, s.Put("session", "SSSS_KEY", "k1", env))
		ids, err := s.List("session", "CREDENTIAL")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user_id", "device_id"}, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete("session", "SSSS_KEY", "k1"))
		assert.ErrorIs(t, s.Delete("session", "SSSS_KEY", "k1"), storage.ErrNotFound)
		assert.ErrorIs(t, s.Delete("other", "SSSS_KEY", "k1"), storage.ErrNamespaceNotFound)
	})
}

func TestBBoltStorage_BatchRollsBack(t *testing.T) {
	s := newTestStore(t)
	env := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("x")}

	boom := errors.New("boom")
	err := s.Batch("session", func(tx storage.BatchTx) error {
		require.NoError(t, tx.Put("CREDENTIAL", "access_token", env))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get("session", "CREDENTIAL", "access_token")
	assert.True(t, storage.IsMissing(err))

	err = s.Batch("session", func(tx storage.BatchTx) error {
		if err := tx.Put("CREDENTIAL", "access_token", env); err != nil {
			return err
		}
		return tx.Put("CREDENTIAL", "user_id", env)
	})
	require.NoError(t, err)
	ids, err := s.List("session", "CREDENTIAL")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}
