package crosssign

import (
	"context"
	"crypto/sha512"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
	"maunium.net/go/mautrix/crypto/ssss"
	"maunium.net/go/mautrix/crypto/utils"
	"maunium.net/go/mautrix/id"

	"github.com/jmcleod/crossguard/e2ee"
	"github.com/jmcleod/crossguard/internal/telemetry"
	"github.com/jmcleod/crossguard/internal/util"
	"github.com/jmcleod/crossguard/matrix"
	"github.com/jmcleod/crossguard/session"
	"github.com/jmcleod/crossguard/storage/memory"
)

var testKDF = util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}

func newState(t *testing.T) *session.State {
	t.Helper()
	st, err := session.Open(memory.NewRepository(), "store", session.WithKDFParams(testKDF))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

// fakeEngine records the calls the Manager makes. Hooks run inside the
// matching call so tests can observe the cache at that moment.
type fakeEngine struct {
	calls []string

	secretStorageOpts e2ee.SecretStorageOptions
	crossSigningOpts  e2ee.CrossSigningOptions
	restoredInfo      *matrix.KeyBackupVersion

	defaultKeyID string
	desc         *ssss.KeyMetadata
	backup       *matrix.KeyBackupVersion

	secretStorageErr error
	crossSigningErr  error
	restoreErr       error

	onSecretStorage func()
	onRestore       func()
}

func (f *fakeEngine) UserID() string { return "@alice:example.org" }

func (f *fakeEngine) CreateRecoveryKeyFromPassphrase(passphrase string) (*ssss.Key, error) {
	f.calls = append(f.calls, "create_recovery_key")
	return &ssss.Key{ID: "NEWKEY", Key: []byte("recovery:" + passphrase), Metadata: &ssss.KeyMetadata{}}, nil
}

func (f *fakeEngine) BootstrapSecretStorage(_ context.Context, opts e2ee.SecretStorageOptions) error {
	f.calls = append(f.calls, "bootstrap_secret_storage")
	f.secretStorageOpts = opts
	if f.onSecretStorage != nil {
		f.onSecretStorage()
	}
	return f.secretStorageErr
}

func (f *fakeEngine) BootstrapCrossSigning(_ context.Context, opts e2ee.CrossSigningOptions) error {
	f.calls = append(f.calls, "bootstrap_cross_signing")
	f.crossSigningOpts = opts
	return f.crossSigningErr
}

func (f *fakeEngine) DefaultKeyID(context.Context) (string, error) {
	f.calls = append(f.calls, "default_key_id")
	return f.defaultKeyID, nil
}

func (f *fakeEngine) KeyInfo(_ context.Context, keyID string) (*ssss.KeyMetadata, error) {
	f.calls = append(f.calls, "key_info")
	return f.desc, nil
}

func (f *fakeEngine) GetKeyBackupVersion(context.Context) (*matrix.KeyBackupVersion, error) {
	f.calls = append(f.calls, "get_key_backup_version")
	return f.backup, nil
}

func (f *fakeEngine) RestoreKeyBackupWithSecretStorage(_ context.Context, info *matrix.KeyBackupVersion) (*e2ee.RestoreResult, error) {
	f.calls = append(f.calls, "restore")
	f.restoredInfo = info
	if f.onRestore != nil {
		f.onRestore()
	}
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return &e2ee.RestoreResult{Total: 2, Imported: 2}, nil
}

type fakeNotifier struct {
	calls int
	err   error
}

func (n *fakeNotifier) CrossSigningComplete(context.Context) error {
	n.calls++
	return n.err
}

type countingDeriver struct {
	calls int
	key   []byte
}

func (d *countingDeriver) DeriveKey(string, *ssss.KeyMetadata) ([]byte, error) {
	d.calls++
	return util.CopyBytes(d.key), nil
}

func TestBootstrap(t *testing.T) {
	for _, tt := range []struct {
		name   string
		cached []string
	}{
		{"WithCachedKeys", []string{"old1", "old2"}},
		{"EmptyCache", nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			st := newState(t)
			for _, id := range tt.cached {
				require.NoError(t, st.Secrets.Set(id, []byte("stale")))
			}
			engine := &fakeEngine{}
			var cachedAtBootstrap []string
			engine.onSecretStorage = func() {
				ids, err := st.Secrets.KeyIDs()
				require.NoError(t, err)
				cachedAtBootstrap = ids
			}
			notifier := &fakeNotifier{}

			m := NewManager(engine, st.Secrets, WithNotifier(notifier))
			require.NoError(t, m.Bootstrap(context.Background(), "setup-pass", "recovery-pass"))

			assert.Equal(t, []string{"create_recovery_key", "bootstrap_secret_storage", "bootstrap_cross_signing"}, engine.calls)
			assert.Empty(t, cachedAtBootstrap)

			ss := engine.secretStorageOpts
			assert.True(t, ss.SetupNewSecretStorage)
			assert.True(t, ss.SetupNewKeyBackup)
			require.NotNil(t, ss.Key)

			cs := engine.crossSigningOpts
			assert.True(t, cs.SetupNewCrossSigning)
			assert.Equal(t, PasswordReauth{UserID: "@alice:example.org", Password: "setup-pass"}, cs.AuthStrategy)
			assert.Equal(t, 1, notifier.calls)
		})
	}
}

func TestBootstrapFailureIsFatal(t *testing.T) {
	st := newState(t)
	boom := errors.New("boom")
	engine := &fakeEngine{secretStorageErr: boom}
	notifier := &fakeNotifier{}

	err := NewManager(engine, st.Secrets, WithNotifier(notifier)).Bootstrap(context.Background(), "setup", "recovery")
	assert.ErrorIs(t, err, boom)
	assert.NotContains(t, engine.calls, "bootstrap_cross_signing")
	assert.Zero(t, notifier.calls)

	engine = &fakeEngine{crossSigningErr: matrix.NewRejection(matrix.ErrCodeForbidden, "Invalid password")}
	err = NewManager(engine, st.Secrets, WithNotifier(notifier)).Bootstrap(context.Background(), "setup", "recovery")
	assert.True(t, matrix.IsRejected(err, matrix.ErrCodeForbidden))
	assert.Zero(t, notifier.calls)
}

func TestBootstrapNotifierFailureIsIgnored(t *testing.T) {
	st := newState(t)
	reg := prometheus.NewRegistry()
	notifier := &fakeNotifier{err: errors.New("unreachable")}

	m := NewManager(&fakeEngine{}, st.Secrets, WithNotifier(notifier), WithMetrics(telemetry.NewMetrics(reg)))
	require.NoError(t, m.Bootstrap(context.Background(), "setup", "recovery"))
	assert.Equal(t, 1, notifier.calls)
}

func TestPasswordReauth(t *testing.T) {
	auth, err := PasswordReauth{UserID: "@alice:example.org", Password: "pw"}.Authenticate(context.Background(), &matrix.UIAResponse{Session: "s"})
	require.NoError(t, err)
	assert.Equal(t, matrix.LoginTypePassword, auth["type"])
	assert.Equal(t, "pw", auth["password"])
	assert.Equal(t, map[string]any{"type": matrix.IdentifierTypeUser, "user": "@alice:example.org"}, auth["identifier"])
}

func newRestoreEngine() *fakeEngine {
	return &fakeEngine{
		defaultKeyID: "KEY1",
		desc:         &ssss.KeyMetadata{Passphrase: &ssss.PassphraseMetadata{Salt: "salt", Iterations: 10, Bits: 256}},
		backup:       &matrix.KeyBackupVersion{Version: "3", Algorithm: id.KeyBackupAlgorithmMegolmBackupV1},
	}
}

func TestRestoreUsesCachedKey(t *testing.T) {
	st := newState(t)
	require.NoError(t, st.Secrets.Set("KEY1", []byte("cached")))
	engine := newRestoreEngine()
	deriver := &countingDeriver{key: []byte("derived")}

	result, err := NewManager(engine, st.Secrets, WithKeyDeriver(deriver)).Restore(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Zero(t, deriver.calls)
	assert.NotContains(t, engine.calls, "key_info")
	assert.Equal(t, engine.backup, engine.restoredInfo)

	key, err := st.Secrets.Get("KEY1")
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), key)
}

func TestRestoreDerivesOnceAndCaches(t *testing.T) {
	st := newState(t)
	engine := newRestoreEngine()
	deriver := &countingDeriver{key: []byte("derived")}
	var cachedAtRestore []byte
	engine.onRestore = func() {
		key, err := st.Secrets.Get("KEY1")
		require.NoError(t, err)
		cachedAtRestore = key
	}
	m := NewManager(engine, st.Secrets, WithKeyDeriver(deriver))

	_, err := m.Restore(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, 1, deriver.calls)
	assert.Equal(t, []byte("derived"), cachedAtRestore)

	_, err = m.Restore(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, 1, deriver.calls)
}

func TestRestoreBadKeyEvicts(t *testing.T) {
	st := newState(t)
	require.NoError(t, st.Secrets.Set("KEY1", []byte("wrong")))
	require.NoError(t, st.Secrets.Set("OTHER", []byte("keep")))
	engine := newRestoreEngine()
	engine.restoreErr = matrix.NewRejection(matrix.ErrCodeBadBackupKey, "bad key")
	reg := prometheus.NewRegistry()

	_, err := NewManager(engine, st.Secrets, WithMetrics(telemetry.NewMetrics(reg))).Restore(context.Background(), "R1")
	assert.True(t, matrix.IsRejected(err, matrix.ErrCodeBadBackupKey))

	has, err := st.Secrets.Has("KEY1")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = st.Secrets.Has("OTHER")
	require.NoError(t, err)
	assert.True(t, has)

	families, err := reg.Gather()
	require.NoError(t, err)
	var evictions float64
	for _, mf := range families {
		if mf.GetName() == "crossguard_secret_evictions_total" {
			evictions = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, evictions)
}

func TestRestoreOtherFailureKeepsCache(t *testing.T) {
	for _, restoreErr := range []error{
		matrix.NewRejection(matrix.ErrCodeForbidden, "nope"),
		matrix.ErrNetwork,
	} {
		st := newState(t)
		require.NoError(t, st.Secrets.Set("KEY1", []byte("cached")))
		engine := newRestoreEngine()
		engine.restoreErr = restoreErr

		_, err := NewManager(engine, st.Secrets).Restore(context.Background(), "R1")
		assert.ErrorIs(t, err, restoreErr)

		key, err := st.Secrets.Get("KEY1")
		require.NoError(t, err)
		assert.Equal(t, []byte("cached"), key)
	}
}

func TestDescriptorDeriver(t *testing.T) {
	meta := &ssss.KeyMetadata{Passphrase: &ssss.PassphraseMetadata{
		Algorithm:  ssss.PassphraseAlgorithmPBKDF2,
		Salt:       "salt",
		Iterations: 10,
		Bits:       256,
	}}
	got, err := DescriptorDeriver.DeriveKey("passphrase", meta)
	require.NoError(t, err)
	assert.Equal(t, pbkdf2.Key([]byte("passphrase"), []byte("salt"), 10, 32, sha512.New), got)

	raw := make([]byte, 32)
	raw[0] = 7
	got, err = DescriptorDeriver.DeriveKey(utils.EncodeBase58RecoveryKey(raw), &ssss.KeyMetadata{})
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = DescriptorDeriver.DeriveKey("not a recovery key", &ssss.KeyMetadata{})
	assert.ErrorIs(t, err, ErrInvalidRecoveryKey)
}
