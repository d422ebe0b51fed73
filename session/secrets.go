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

const secretRecordType = "SSSS_KEY"

// SecretStore caches secret-storage private keys by key id. Keys are held in
// memguard enclaves while in memory and sealed at rest. The cache is
// populated lazily from storage on first access.
type SecretStore struct {
	sealer *sealer
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*memguard.Enclave
}

// Get returns a copy of the private key cached for keyID. The caller should
// wipe it after use. It returns ErrNoSecret if nothing is cached.
func (s *SecretStore) Get(keyID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enclave, err := s.lookupLocked(keyID)
	if err != nil {
		return nil, err
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening secret enclave: %w", err)
	}
	defer buf.Destroy()
	return util.CopyBytes(buf.Bytes()), nil
}

// Has reports whether a private key is cached for keyID.
func (s *SecretStore) Has(keyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.lookupLocked(keyID)
	if errors.Is(err, ErrNoSecret) {
		return false, nil
	}
	return err == nil, err
}

// Set caches key under keyID, persisting it before it becomes visible.
func (s *SecretStore) Set(keyID string, key []byte) error {
	if keyID == "" {
		return fmt.Errorf("key id must not be empty")
	}
	env, err := s.sealer.seal(key, icrypto.AADSecretKey(s.sealer.namespace, keyID))
	if err != nil {
		return fmt.Errorf("sealing secret %s: %w", keyID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sealer.repo.Put(s.sealer.namespace, secretRecordType, keyID, env); err != nil {
		return fmt.Errorf("persisting secret %s: %w", keyID, err)
	}
	s.cache[keyID] = memguard.NewEnclave(util.CopyBytes(key))
	s.logger.Debug("secret storage key cached", "key_id", keyID)
	return nil
}

// Delete evicts the key cached for keyID. Deleting an absent key is not an error.
func (s *SecretStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, keyID)
	err := s.sealer.repo.Delete(s.sealer.namespace, secretRecordType, keyID)
	if err != nil && !storage.IsMissing(err) {
		return fmt.Errorf("deleting secret %s: %w", keyID, err)
	}
	s.logger.Debug("secret storage key evicted", "key_id", keyID)
	return nil
}

// Clear evicts every cached key.
func (s *SecretStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*memguard.Enclave)

	ids, err := s.sealer.list(secretRecordType)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return s.sealer.repo.Batch(s.sealer.namespace, func(tx storage.BatchTx) error {
		for _, id := range ids {
			if err := tx.Delete(secretRecordType, id); err != nil && !storage.IsMissing(err) {
				return err
			}
		}
		return nil
	})
}

// KeyIDs returns the ids of every persisted key.
func (s *SecretStore) KeyIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealer.list(secretRecordType)
}

func (s *SecretStore) lookupLocked(keyID string) (*memguard.Enclave, error) {
	if enclave, ok := s.cache[keyID]; ok {
		return enclave, nil
	}
	env, err := s.sealer.repo.Get(s.sealer.namespace, secretRecordType, keyID)
	if storage.IsMissing(err) {
		return nil, fmt.Errorf("%s: %w", keyID, ErrNoSecret)
	}
	if err != nil {
		return nil, err
	}
	data, err := s.sealer.open(env, icrypto.AADSecretKey(s.sealer.namespace, keyID))
	if err != nil {
		return nil, fmt.Errorf("opening secret %s: %w", keyID, err)
	}
	enclave := memguard.NewEnclave(data)
	s.cache[keyID] = enclave
	return enclave, nil
}

func (s *SecretStore) purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*memguard.Enclave)
}
