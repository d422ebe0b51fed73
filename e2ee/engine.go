// Package e2ee is the encryption engine bound to one authenticated session:
// it creates recovery keys, sets up secret storage and cross-signing on the
// homeserver, and restores the megolm key backup into the local room-key
// store.
package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/crypto/ssss"

	"github.com/jmcleod/crossguard/matrix"
	"github.com/jmcleod/crossguard/session"
)

// Account-data event types of secret storage and the secrets kept in it.
const (
	DefaultKeyEventType = "m.secret_storage.default_key"
	KeyEventTypePrefix  = "m.secret_storage.key."

	SecretCrossSigningMaster      = "m.cross_signing.master"
	SecretCrossSigningSelfSigning = "m.cross_signing.self_signing"
	SecretCrossSigningUserSigning = "m.cross_signing.user_signing"
	SecretMegolmBackup            = "m.megolm_backup.v1"
)

var (
	// ErrNoDefaultKey is returned when the account has no default secret-storage key.
	ErrNoDefaultKey = errors.New("no default secret storage key")
	// ErrNotEncryptedForKey is returned when a stored secret has no
	// ciphertext for the storage key in use.
	ErrNotEncryptedForKey = errors.New("secret not encrypted for storage key")
	// ErrSecretUndecryptable is returned when a stored secret fails to
	// authenticate under the storage key.
	ErrSecretUndecryptable = errors.New("secret does not decrypt with storage key")
	// ErrEmptyPassphrase is returned when a recovery passphrase is empty.
	ErrEmptyPassphrase = errors.New("empty recovery passphrase")
)

type defaultKeyContent struct {
	Key string `json:"key"`
}

type secretContent struct {
	Encrypted map[string]ssss.EncryptedKeyData `json:"encrypted"`
}

// Engine performs encryption setup for one user against one homeserver.
type Engine struct {
	client *matrix.Client
	userID string
	state  *session.State
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an Engine. client must carry the user's id and access token.
func New(client *matrix.Client, userID string, state *session.State, opts ...Option) *Engine {
	e := &Engine{
		client: client,
		userID: userID,
		state:  state,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("user_id", userID)
	return e
}

// UserID returns the user the engine acts for.
func (e *Engine) UserID() string {
	return e.userID
}

// CreateRecoveryKeyFromPassphrase derives a new secret-storage key with a
// fresh salt and key id. Its Metadata carries the passphrase parameters.
func (e *Engine) CreateRecoveryKeyFromPassphrase(passphrase string) (*ssss.Key, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	key, err := ssss.NewKey(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating recovery key: %w", err)
	}
	return key, nil
}

// DefaultKeyID returns the id of the account's default secret-storage key.
func (e *Engine) DefaultKeyID(ctx context.Context) (string, error) {
	var content defaultKeyContent
	err := e.client.AccountData(ctx, DefaultKeyEventType, &content)
	if matrix.IsNotFound(err) || (err == nil && content.Key == "") {
		return "", ErrNoDefaultKey
	}
	if err != nil {
		return "", fmt.Errorf("reading default key: %w", err)
	}
	return content.Key, nil
}

// KeyInfo returns the metadata of secret-storage key keyID.
func (e *Engine) KeyInfo(ctx context.Context, keyID string) (*ssss.KeyMetadata, error) {
	var meta ssss.KeyMetadata
	if err := e.client.AccountData(ctx, KeyEventTypePrefix+keyID, &meta); err != nil {
		return nil, fmt.Errorf("reading key descriptor %s: %w", keyID, err)
	}
	return &meta, nil
}

// GetKeyBackupVersion returns the current key-backup version.
func (e *Engine) GetKeyBackupVersion(ctx context.Context) (*matrix.KeyBackupVersion, error) {
	return e.client.KeyBackupVersion(ctx)
}

// storageKey resolves the default secret-storage key and its cached private
// half. The caller wipes key.Key.
func (e *Engine) storageKey(ctx context.Context) (*ssss.Key, error) {
	keyID, err := e.DefaultKeyID(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := e.state.Secrets.Get(keyID)
	if err != nil {
		return nil, err
	}
	return &ssss.Key{ID: keyID, Key: raw}, nil
}

// storeSecret encrypts plaintext under key and writes it to account data.
func (e *Engine) storeSecret(ctx context.Context, key *ssss.Key, name string, plaintext []byte) error {
	content := secretContent{Encrypted: map[string]ssss.EncryptedKeyData{
		key.ID: key.Encrypt(name, plaintext),
	}}
	if err := e.client.SetAccountData(ctx, name, content); err != nil {
		return fmt.Errorf("storing %s: %w", name, err)
	}
	return nil
}

// loadSecret reads secret name from account data and decrypts it with key.
func (e *Engine) loadSecret(ctx context.Context, key *ssss.Key, name string) ([]byte, error) {
	var content secretContent
	if err := e.client.AccountData(ctx, name, &content); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	enc, ok := content.Encrypted[key.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotEncryptedForKey, name)
	}
	plaintext, err := key.Decrypt(name, enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSecretUndecryptable, name, err)
	}
	return plaintext, nil
}
