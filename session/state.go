// Package session holds the process-wide session context: the credential
// store, the cache of secret-storage private keys and the imported room
// keys. Every record is sealed with a per-store record key before it reaches
// the storage backend.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/crossguard/internal/crypto"
	"github.com/jmcleod/crossguard/internal/util"
	"github.com/jmcleod/crossguard/storage"
)

const (
	// DefaultNamespace is the storage namespace used when none is configured.
	DefaultNamespace = "default"

	storeRecordType = "STORE"
	storeKeyID      = "record_key"
	storeSaltID     = "salt"
	storeSaltLength = 16
)

// State is the explicit session context handed to every component that
// reads or mutates session data. It is created once at startup with Open
// and cleared on logout.
type State struct {
	Credentials *CredentialStore
	Secrets     *SecretStore
	RoomKeys    *RoomKeyStore

	namespace string
	logger    *slog.Logger
	sealer    *sealer
}

// Option configures Open.
type Option func(*options)

type options struct {
	namespace string
	kdfParams util.Argon2idParams
	logger    *slog.Logger
}

// WithNamespace selects the storage namespace, which lets several sessions
// share one backend.
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithKDFParams sets the Argon2id parameters used to turn the store
// passphrase into the wrapping key. They only take effect when the store is
// first created; later opens must pass the same values.
func WithKDFParams(params util.Argon2idParams) Option {
	return func(o *options) {
		o.kdfParams = params
	}
}

// WithLogger sets the logger used by the stores.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Open loads the session context from repo, unwrapping the record key with a
// key derived from passphrase. A fresh repository gets a new random record
// key.
func Open(repo storage.Repository, passphrase string, opts ...Option) (*State, error) {
	o := options{
		namespace: DefaultNamespace,
		kdfParams: util.DefaultArgon2idParams(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.namespace == "" {
		return nil, fmt.Errorf("namespace must not be empty")
	}

	recordKey, err := loadOrCreateRecordKey(repo, o.namespace, passphrase, o.kdfParams)
	if err != nil {
		return nil, err
	}
	s := &sealer{
		repo:      repo,
		namespace: o.namespace,
		key:       memguard.NewEnclave(recordKey),
	}
	logger := o.logger.With("namespace", o.namespace)
	return &State{
		Credentials: &CredentialStore{sealer: s, logger: logger},
		Secrets:     &SecretStore{sealer: s, logger: logger, cache: make(map[string]*memguard.Enclave)},
		RoomKeys:    &RoomKeyStore{sealer: s},
		namespace:   o.namespace,
		logger:      logger,
		sealer:      s,
	}, nil
}

// Namespace returns the storage namespace of the state.
func (s *State) Namespace() string {
	return s.namespace
}

// Clear removes the credentials, the external token, every cached private
// key and every imported room key.
func (s *State) Clear() error {
	var errs []error
	if err := s.Credentials.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("clearing credentials: %w", err))
	}
	if err := s.Secrets.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("clearing secrets: %w", err))
	}
	if err := s.RoomKeys.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("clearing room keys: %w", err))
	}
	return errors.Join(errs...)
}

// Close destroys in-memory key material. The State must not be used afterwards.
func (s *State) Close() {
	s.Secrets.purge()
	s.sealer.close()
}

// sealer seals and opens the records of one namespace under the record key.
type sealer struct {
	repo      storage.Repository
	namespace string

	mu  sync.RWMutex
	key *memguard.Enclave
}

func (s *sealer) seal(plaintext, aad []byte) (*storage.Envelope, error) {
	key, err := s.openKey()
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	return storage.SealRecord(key.Bytes(), plaintext, aad)
}

func (s *sealer) open(env *storage.Envelope, aad []byte) ([]byte, error) {
	key, err := s.openKey()
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	return storage.OpenRecord(key.Bytes(), env, aad)
}

func (s *sealer) openKey() (*memguard.LockedBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrClosed
	}
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening record key enclave: %w", err)
	}
	return buf, nil
}

func (s *sealer) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = nil
}

// list returns the ids of every record of recordType, treating a namespace
// that was never written as empty.
func (s *sealer) list(recordType string) ([]string, error) {
	ids, err := s.repo.List(s.namespace, recordType)
	if storage.IsMissing(err) {
		return nil, nil
	}
	return ids, err
}

// loadOrCreateRecordKey unwraps the namespace's record key with a wrapping
// key derived from passphrase. If the namespace has no record key yet, a
// random one is generated and persisted together with the KDF salt in a
// single batch.
func loadOrCreateRecordKey(repo storage.Repository, namespace, passphrase string, params util.Argon2idParams) ([]byte, error) {
	aad := icrypto.AADStoreKey(namespace)

	saltEnv, err := repo.Get(namespace, storeRecordType, storeSaltID)
	switch {
	case err == nil:
		salt, err := storage.OpenRaw(saltEnv)
		if err != nil {
			return nil, fmt.Errorf("reading store salt: %w", err)
		}
		keyEnv, err := repo.Get(namespace, storeRecordType, storeKeyID)
		if err != nil {
			return nil, fmt.Errorf("reading record key: %w", err)
		}
		wrappingKey, err := util.DeriveArgon2idKey(passphrase, salt, params)
		if err != nil {
			return nil, err
		}
		defer util.WipeBytes(wrappingKey)
		key, err := storage.OpenRecord(wrappingKey, keyEnv, aad)
		if err != nil {
			return nil, ErrWrongPassphrase
		}
		return key, nil
	case !storage.IsMissing(err):
		return nil, fmt.Errorf("reading store salt: %w", err)
	}

	salt, err := util.RandomBytes(storeSaltLength)
	if err != nil {
		return nil, err
	}
	wrappingKey, err := util.DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrappingKey)

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new record key: %w", err)
	}
	err = repo.Batch(namespace, func(tx storage.BatchTx) error {
		if err := tx.Put(storeRecordType, storeSaltID, storage.RawRecord(salt)); err != nil {
			return err
		}
		return tx.Put(storeRecordType, storeKeyID, sealed)
	})
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("persisting record key: %w", err)
	}
	return key, nil
}
