// Package crosssign bootstraps cross-signing for a fresh account and
// restores an existing account's key backup from a recovery key.
package crosssign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/crypto/ssss"
	"maunium.net/go/mautrix/crypto/utils"

	"github.com/jmcleod/crossguard/e2ee"
	"github.com/jmcleod/crossguard/internal/telemetry"
	"github.com/jmcleod/crossguard/internal/util"
	"github.com/jmcleod/crossguard/matrix"
	"github.com/jmcleod/crossguard/session"
)

// ErrInvalidRecoveryKey is returned when a recovery key for a key without a
// passphrase is not a valid base58 recovery key.
var ErrInvalidRecoveryKey = errors.New("invalid recovery key")

// Engine is the encryption engine the Manager drives. *e2ee.Engine
// satisfies it.
type Engine interface {
	UserID() string
	CreateRecoveryKeyFromPassphrase(passphrase string) (*ssss.Key, error)
	BootstrapSecretStorage(ctx context.Context, opts e2ee.SecretStorageOptions) error
	BootstrapCrossSigning(ctx context.Context, opts e2ee.CrossSigningOptions) error
	DefaultKeyID(ctx context.Context) (string, error)
	KeyInfo(ctx context.Context, keyID string) (*ssss.KeyMetadata, error)
	GetKeyBackupVersion(ctx context.Context) (*matrix.KeyBackupVersion, error)
	RestoreKeyBackupWithSecretStorage(ctx context.Context, info *matrix.KeyBackupVersion) (*e2ee.RestoreResult, error)
}

var _ Engine = (*e2ee.Engine)(nil)

// Notifier is told when cross-signing setup has completed.
type Notifier interface {
	CrossSigningComplete(ctx context.Context) error
}

// KeyDeriver turns a user-supplied recovery key into the private key of
// secret-storage key desc.
type KeyDeriver interface {
	DeriveKey(recoveryKey string, desc *ssss.KeyMetadata) ([]byte, error)
}

// KeyDeriverFunc adapts a function to KeyDeriver.
type KeyDeriverFunc func(recoveryKey string, desc *ssss.KeyMetadata) ([]byte, error)

// DeriveKey calls f.
func (f KeyDeriverFunc) DeriveKey(recoveryKey string, desc *ssss.KeyMetadata) ([]byte, error) {
	return f(recoveryKey, desc)
}

// DescriptorDeriver derives with the descriptor's passphrase recipe. A
// descriptor without one takes recoveryKey as an encoded recovery key.
var DescriptorDeriver KeyDeriver = KeyDeriverFunc(func(recoveryKey string, desc *ssss.KeyMetadata) ([]byte, error) {
	if desc.Passphrase == nil {
		key := utils.DecodeBase58RecoveryKey(recoveryKey)
		if key == nil {
			return nil, ErrInvalidRecoveryKey
		}
		return key, nil
	}
	return desc.Passphrase.GetKey(recoveryKey)
})

// PasswordReauth answers the interactive-auth challenge on signing-key
// upload by replaying a password grant for UserID.
type PasswordReauth struct {
	UserID   string
	Password string
}

// Authenticate implements matrix.AuthStrategy.
func (p PasswordReauth) Authenticate(_ context.Context, _ *matrix.UIAResponse) (map[string]any, error) {
	return map[string]any{
		"type":     matrix.LoginTypePassword,
		"password": p.Password,
		"identifier": map[string]any{
			"type": matrix.IdentifierTypeUser,
			"user": p.UserID,
		},
	}, nil
}

// Manager runs cross-signing bootstrap and restoration for one session.
type Manager struct {
	engine   Engine
	secrets  *session.SecretStore
	notifier Notifier
	deriver  KeyDeriver
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets who is told that bootstrap completed.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithKeyDeriver replaces DescriptorDeriver.
func WithKeyDeriver(d KeyDeriver) Option {
	return func(m *Manager) {
		m.deriver = d
	}
}

// WithMetrics records flow outcomes and cache evictions in metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager. secrets caches secret-storage private keys
// by key id.
func NewManager(engine Engine, secrets *session.SecretStore, opts ...Option) *Manager {
	m := &Manager{
		engine:  engine,
		secrets: secrets,
		deriver: DescriptorDeriver,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bootstrap sets up new secret storage, a new key backup and new
// cross-signing keys. The storage key is derived from recoveryPassphrase;
// setupPassphrase is the account password replayed to authorize the key
// upload. Every cached private key is discarded before the first remote
// call. Any failure aborts the bootstrap; a failed companion notification
// does not.
func (m *Manager) Bootstrap(ctx context.Context, setupPassphrase, recoveryPassphrase string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "cross_signing.bootstrap", telemetry.UserID(m.engine.UserID()))
	defer func() {
		telemetry.End(span, err)
		m.metrics.RecordResult(telemetry.FlowBootstrap, err)
	}()

	recoveryKey, err := m.engine.CreateRecoveryKeyFromPassphrase(recoveryPassphrase)
	if err != nil {
		return fmt.Errorf("creating recovery key: %w", err)
	}
	defer util.WipeBytes(recoveryKey.Key)

	if err := m.secrets.Clear(); err != nil {
		return fmt.Errorf("clearing cached keys: %w", err)
	}

	err = m.engine.BootstrapSecretStorage(ctx, e2ee.SecretStorageOptions{
		Key:                   recoveryKey,
		SetupNewSecretStorage: true,
		SetupNewKeyBackup:     true,
	})
	if err != nil {
		return fmt.Errorf("bootstrapping secret storage: %w", err)
	}

	err = m.engine.BootstrapCrossSigning(ctx, e2ee.CrossSigningOptions{
		AuthStrategy:         PasswordReauth{UserID: m.engine.UserID(), Password: setupPassphrase},
		SetupNewCrossSigning: true,
	})
	if err != nil {
		return fmt.Errorf("bootstrapping cross-signing: %w", err)
	}
	m.logger.Info("cross-signing bootstrapped", "user_id", m.engine.UserID())

	if m.notifier != nil {
		if err := m.notifier.CrossSigningComplete(ctx); err != nil {
			m.metrics.RecordFlow(telemetry.FlowCompanion, telemetry.OutcomeFailure)
			m.logger.Warn("companion notification failed", "error", err)
		} else {
			m.metrics.RecordFlow(telemetry.FlowCompanion, telemetry.OutcomeSuccess)
		}
	}
	return nil
}

// Restore restores the key backup with recoveryKey. The private key of the
// default secret-storage key is taken from the cache or, failing that,
// derived once and cached. A RESTORE_BACKUP_ERROR_BAD_KEY rejection evicts
// the cached key before it is returned; other failures leave the cache as
// it was.
func (m *Manager) Restore(ctx context.Context, recoveryKey string) (result *e2ee.RestoreResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "cross_signing.restore", telemetry.UserID(m.engine.UserID()))
	defer func() {
		telemetry.End(span, err)
		m.metrics.RecordResult(telemetry.FlowRestore, err)
	}()

	keyID, err := m.engine.DefaultKeyID(ctx)
	if err != nil {
		return nil, err
	}
	telemetry.AddEvent(ctx, "default key resolved", telemetry.KeyID(keyID))

	if err := m.ensureCached(ctx, keyID, recoveryKey); err != nil {
		return nil, err
	}

	info, err := m.engine.GetKeyBackupVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching key backup version: %w", err)
	}

	result, err = m.engine.RestoreKeyBackupWithSecretStorage(ctx, info)
	if matrix.IsRejected(err, matrix.ErrCodeBadBackupKey) {
		if delErr := m.secrets.Delete(keyID); delErr != nil {
			return nil, errors.Join(err, fmt.Errorf("evicting key %s: %w", keyID, delErr))
		}
		m.metrics.RecordEviction()
		m.logger.Warn("recovery key rejected, cached key evicted", "key_id", keyID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if result.Imported < result.Total {
		m.metrics.RecordFlow(telemetry.FlowRestoreKeys, telemetry.OutcomePartial)
	} else {
		m.metrics.RecordFlow(telemetry.FlowRestoreKeys, telemetry.OutcomeSuccess)
	}
	return result, nil
}

func (m *Manager) ensureCached(ctx context.Context, keyID, recoveryKey string) error {
	cached, err := m.secrets.Has(keyID)
	if err != nil {
		return err
	}
	if cached {
		m.logger.Debug("using cached secret storage key", "key_id", keyID)
		return nil
	}

	desc, err := m.engine.KeyInfo(ctx, keyID)
	if err != nil {
		return err
	}
	key, err := m.deriver.DeriveKey(recoveryKey, desc)
	if err != nil {
		return fmt.Errorf("deriving key %s: %w", keyID, err)
	}
	defer util.WipeBytes(key)
	if err := m.secrets.Set(keyID, key); err != nil {
		return fmt.Errorf("caching key %s: %w", keyID, err)
	}
	return nil
}
