package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/crypto/backup"

	"github.com/jmcleod/crossguard/internal/util"
	"github.com/jmcleod/crossguard/matrix"
	"github.com/jmcleod/crossguard/session"
)

// RestoreResult summarizes a key-backup restore.
type RestoreResult struct {
	Total    int
	Imported int
}

func badKey(format string, args ...any) error {
	return matrix.NewRejection(matrix.ErrCodeBadBackupKey, fmt.Sprintf(format, args...))
}

// RestoreKeyBackupWithSecretStorage restores backup info using the backup
// key held in secret storage, which is opened with the cached default
// storage key. A storage key or backup key that does not match is reported
// as a RESTORE_BACKUP_ERROR_BAD_KEY rejection.
func (e *Engine) RestoreKeyBackupWithSecretStorage(ctx context.Context, info *matrix.KeyBackupVersion) (*RestoreResult, error) {
	if info == nil {
		return nil, fmt.Errorf("no key backup version")
	}
	if string(info.Algorithm) != matrix.BackupAlgorithmCurve25519 {
		return nil, fmt.Errorf("unsupported backup algorithm %q", info.Algorithm)
	}

	key, err := e.storageKey(ctx)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key.Key)

	raw, err := e.loadSecret(ctx, key, SecretMegolmBackup)
	if errors.Is(err, ErrSecretUndecryptable) {
		return nil, badKey("backup secret does not decrypt with key %s", key.ID)
	}
	if err != nil {
		return nil, err
	}
	backupKey, err := backup.MegolmBackupKeyFromBytes(raw)
	util.WipeBytes(raw)
	if err != nil {
		return nil, badKey("backup key is malformed: %v", err)
	}
	if err := checkBackupPublicKey(backupKey, info); err != nil {
		return nil, err
	}

	keys, err := e.client.RoomKeys(ctx, string(info.Version))
	if err != nil {
		return nil, fmt.Errorf("downloading room keys: %w", err)
	}
	result := &RestoreResult{}
	for roomID, room := range keys.Rooms {
		for sessionID, data := range room.Sessions {
			result.Total++
			sess, err := data.SessionData.Decrypt(backupKey)
			if err != nil {
				e.logger.Warn("skipping undecryptable backed-up session",
					"room_id", roomID, "session_id", sessionID, "error", err)
				continue
			}
			plaintext, err := json.Marshal(sess)
			if err != nil {
				return result, fmt.Errorf("encoding room key: %w", err)
			}
			err = e.state.RoomKeys.Import(session.RoomKeyID{RoomID: string(roomID), SessionID: string(sessionID)}, plaintext)
			util.WipeBytes(plaintext)
			if err != nil {
				return result, fmt.Errorf("importing room key: %w", err)
			}
			result.Imported++
		}
	}
	e.logger.Info("key backup restored", "version", info.Version, "total", result.Total, "imported", result.Imported)
	return result, nil
}

func checkBackupPublicKey(backupKey *backup.MegolmBackupKey, info *matrix.KeyBackupVersion) error {
	pub := util.UnpaddedBase64(backupKey.PublicKey().Bytes())
	if pub != string(info.AuthData.PublicKey) {
		return badKey("backup key does not match backup version %s", info.Version)
	}
	return nil
}
