package e2ee

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/crypto/ssss"
	"maunium.net/go/mautrix/id"

	"github.com/jmcleod/crossguard/internal/util"
)

// ErrNoStorageKey is returned when new secret storage is requested without
// a key.
var ErrNoStorageKey = errors.New("new secret storage requires a storage key")

// SecretStorageOptions controls BootstrapSecretStorage.
type SecretStorageOptions struct {
	// Key becomes the new default storage key when SetupNewSecretStorage is
	// set. The caller keeps ownership of Key.Key.
	Key                   *ssss.Key
	SetupNewSecretStorage bool
	SetupNewKeyBackup     bool
}

// BootstrapSecretStorage creates secret storage and, optionally, a new key
// backup whose private key is stored as a secret. Without
// SetupNewSecretStorage the existing default key is reused.
func (e *Engine) BootstrapSecretStorage(ctx context.Context, opts SecretStorageOptions) error {
	var key *ssss.Key
	if opts.SetupNewSecretStorage {
		if opts.Key == nil || len(opts.Key.Key) == 0 || opts.Key.Metadata == nil {
			return ErrNoStorageKey
		}
		key = opts.Key
		if err := e.createStorageKey(ctx, key); err != nil {
			return err
		}
	} else {
		cached, err := e.storageKey(ctx)
		if err != nil {
			return err
		}
		defer util.WipeBytes(cached.Key)
		key = cached
	}

	if opts.SetupNewKeyBackup {
		if err := e.createKeyBackup(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) createStorageKey(ctx context.Context, key *ssss.Key) error {
	if err := e.client.SetAccountData(ctx, KeyEventTypePrefix+key.ID, key.Metadata); err != nil {
		return fmt.Errorf("uploading key descriptor: %w", err)
	}
	// Cache before the key becomes the default so no reader can see a
	// default key this device cannot open.
	if err := e.state.Secrets.Set(key.ID, key.Key); err != nil {
		return err
	}
	if err := e.client.SetAccountData(ctx, DefaultKeyEventType, defaultKeyContent{Key: key.ID}); err != nil {
		return fmt.Errorf("setting default key: %w", err)
	}
	e.logger.Info("secret storage created", "key_id", key.ID)
	return nil
}

func (e *Engine) createKeyBackup(ctx context.Context, key *ssss.Key) error {
	backupKey, err := backup.NewMegolmBackupKey()
	if err != nil {
		return fmt.Errorf("generating backup key: %w", err)
	}
	version, err := e.client.CreateKeyBackupVersion(ctx, backup.MegolmAuthData{
		PublicKey: id.Ed25519(util.UnpaddedBase64(backupKey.PublicKey().Bytes())),
	})
	if err != nil {
		return fmt.Errorf("creating key backup: %w", err)
	}
	priv := backupKey.Bytes()
	defer util.WipeBytes(priv)
	if err := e.storeSecret(ctx, key, SecretMegolmBackup, priv); err != nil {
		return err
	}
	e.logger.Info("key backup created", "version", version)
	return nil
}
