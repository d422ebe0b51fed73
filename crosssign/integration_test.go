package crosssign

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/crypto/ssss"

	"github.com/jmcleod/crossguard/e2ee"
	"github.com/jmcleod/crossguard/internal/matrixtest"
	"github.com/jmcleod/crossguard/matrix"
	"github.com/jmcleod/crossguard/session"
)

func TestBootstrapThenRestore(t *testing.T) {
	ctx := context.Background()
	srv := matrixtest.New(t)
	srv.Passwords["alice"] = "setup-pass"
	userID := matrixtest.UserID("alice")
	client, err := matrix.New(srv.URL, matrix.WithUserID(userID), matrix.WithAccessToken(srv.IssueToken("alice")))
	require.NoError(t, err)

	newEngine := func(st *session.State) *e2ee.Engine {
		return e2ee.New(client, userID, st)
	}

	first := newState(t)
	require.NoError(t, NewManager(newEngine(first), first.Secrets).Bootstrap(ctx, "setup-pass", "recovery-pass"))
	require.Len(t, srv.SigningUploads(), 1)

	backups := srv.Backups()
	require.Len(t, backups, 1)
	backupKey := depositedBackupKey(t, srv, first)
	enc, err := backup.EncryptSessionData(backupKey, backup.MegolmSessionData{SessionKey: "AQID"})
	require.NoError(t, err)
	srv.PutSession(string(backups[0].Version), "!room:example.org", "sess1", enc)

	t.Run("RecoveryPassphrase", func(t *testing.T) {
		second := newState(t)
		result, err := NewManager(newEngine(second), second.Secrets).Restore(ctx, "recovery-pass")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Imported)

		got, err := second.RoomKeys.Get(session.RoomKeyID{RoomID: "!room:example.org", SessionID: "sess1"})
		require.NoError(t, err)
		var sess backup.MegolmSessionData
		require.NoError(t, json.Unmarshal(got, &sess))
		assert.Equal(t, "AQID", sess.SessionKey)
	})

	t.Run("WrongPassphrase", func(t *testing.T) {
		third := newState(t)
		m := NewManager(newEngine(third), third.Secrets)
		_, err := m.Restore(ctx, "not-the-passphrase")
		assert.True(t, matrix.IsRejected(err, matrix.ErrCodeBadBackupKey))

		ids, err := third.Secrets.KeyIDs()
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

// depositedBackupKey opens the backup secret with the storage key cached in
// st, the way another device of the account would.
func depositedBackupKey(t *testing.T, srv *matrixtest.Server, st *session.State) *backup.MegolmBackupKey {
	t.Helper()
	ids, err := st.Secrets.KeyIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	raw, err := st.Secrets.Get(ids[0])
	require.NoError(t, err)
	key := &ssss.Key{ID: ids[0], Key: raw}

	content, ok := srv.AccountData(matrixtest.UserID("alice"), e2ee.SecretMegolmBackup)
	require.True(t, ok)
	var secret struct {
		Encrypted map[string]ssss.EncryptedKeyData `json:"encrypted"`
	}
	require.NoError(t, json.Unmarshal(content, &secret))
	plaintext, err := key.Decrypt(e2ee.SecretMegolmBackup, secret.Encrypted[key.ID])
	require.NoError(t, err)
	backupKey, err := backup.MegolmBackupKeyFromBytes(plaintext)
	require.NoError(t, err)
	return backupKey
}
