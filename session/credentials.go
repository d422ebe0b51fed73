package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	icrypto "github.com/jmcleod/crossguard/internal/crypto"
	"github.com/jmcleod/crossguard/internal/util"
	"github.com/jmcleod/crossguard/storage"
)

const (
	credentialRecordType = "CREDENTIAL"

	fieldAccessToken    = "access_token"
	fieldDeviceID       = "device_id"
	fieldUserID         = "user_id"
	fieldBaseURL        = "base_url"
	fieldExternalToken  = "external_token"
	fieldPendingBaseURL = "pending_base_url"
)

var credentialFields = []string{fieldAccessToken, fieldDeviceID, fieldUserID, fieldBaseURL}

// Credentials are the four values that make up an authenticated session.
type Credentials struct {
	AccessToken string
	DeviceID    string
	UserID      string
	BaseURL     string
}

// Complete reports whether every field is set.
func (c Credentials) Complete() bool {
	return c.AccessToken != "" && c.DeviceID != "" && c.UserID != "" && c.BaseURL != ""
}

func (c Credentials) fields() map[string]string {
	return map[string]string{
		fieldAccessToken: c.AccessToken,
		fieldDeviceID:    c.DeviceID,
		fieldUserID:      c.UserID,
		fieldBaseURL:     c.BaseURL,
	}
}

// CredentialStore persists the session credentials. The four fields are
// always written together in one batch, and readers hold the read lock
// across all four reads, so a reader sees one complete set or none.
type CredentialStore struct {
	sealer *sealer
	logger *slog.Logger

	// mu serializes writers and excludes them while a reader collects fields.
	mu sync.RWMutex
}

// SaveOption configures Save.
type SaveOption func(*saveOptions)

type saveOptions struct {
	externalToken string
}

// WithExternalToken stores the externally-issued token in the same batch as
// the credentials.
func WithExternalToken(token string) SaveOption {
	return func(o *saveOptions) {
		o.externalToken = token
	}
}

// Save writes the credentials atomically. Any pending federated-login base
// URL is dropped since the session now has a definitive one.
func (s *CredentialStore) Save(creds Credentials, opts ...SaveOption) error {
	if !creds.Complete() {
		return ErrIncompleteCredentials
	}
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}

	values := creds.fields()
	if o.externalToken != "" {
		values[fieldExternalToken] = o.externalToken
	}
	sealed := make(map[string]*storage.Envelope, len(values))
	for field, value := range values {
		env, err := s.sealer.seal([]byte(value), icrypto.AADCredential(s.sealer.namespace, field))
		if err != nil {
			return fmt.Errorf("sealing %s: %w", field, err)
		}
		sealed[field] = env
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.sealer.repo.Batch(s.sealer.namespace, func(tx storage.BatchTx) error {
		for field, env := range sealed {
			if err := tx.Put(credentialRecordType, field, env); err != nil {
				return err
			}
		}
		if err := tx.Delete(credentialRecordType, fieldPendingBaseURL); err != nil && !storage.IsMissing(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	s.logger.Debug("session credentials saved", "user_id", creds.UserID, "base_url", creds.BaseURL)
	return nil
}

// Load returns the stored credentials, or ErrNoSession if no complete set
// exists.
func (s *CredentialStore) Load() (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked()
}

func (s *CredentialStore) loadLocked() (Credentials, error) {
	values := make(map[string]string, len(credentialFields))
	for _, field := range credentialFields {
		v, err := s.get(field)
		if err != nil {
			return Credentials{}, err
		}
		if v == "" {
			return Credentials{}, ErrNoSession
		}
		values[field] = v
	}
	return Credentials{
		AccessToken: values[fieldAccessToken],
		DeviceID:    values[fieldDeviceID],
		UserID:      values[fieldUserID],
		BaseURL:     values[fieldBaseURL],
	}, nil
}

// SetPendingBaseURL records the base URL chosen for a federated login that
// will complete on a later process start.
func (s *CredentialStore) SetPendingBaseURL(baseURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(fieldPendingBaseURL, baseURL)
}

// BaseURL returns the session's base URL, falling back to a pending
// federated-login base URL. It returns "" when neither is known.
func (s *CredentialStore) BaseURL() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, err := s.loadLocked()
	if err == nil {
		return creds.BaseURL, nil
	}
	if !errors.Is(err, ErrNoSession) {
		return "", err
	}
	return s.get(fieldPendingBaseURL)
}

// ExternalToken returns the persisted externally-issued token, or "" if
// none is stored.
func (s *CredentialStore) ExternalToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(fieldExternalToken)
}

// Clear removes the credentials, the external token and any pending base URL.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := append([]string{fieldExternalToken, fieldPendingBaseURL}, credentialFields...)
	err := s.sealer.repo.Batch(s.sealer.namespace, func(tx storage.BatchTx) error {
		for _, field := range fields {
			if err := tx.Delete(credentialRecordType, field); err != nil && !storage.IsMissing(err) {
				return err
			}
		}
		return nil
	})
	if err != nil && !storage.IsMissing(err) {
		return err
	}
	return nil
}

func (s *CredentialStore) put(field, value string) error {
	env, err := s.sealer.seal([]byte(value), icrypto.AADCredential(s.sealer.namespace, field))
	if err != nil {
		return err
	}
	return s.sealer.repo.Put(s.sealer.namespace, credentialRecordType, field, env)
}

// get returns "" for a missing field.
func (s *CredentialStore) get(field string) (string, error) {
	env, err := s.sealer.repo.Get(s.sealer.namespace, credentialRecordType, field)
	if storage.IsMissing(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	data, err := s.sealer.open(env, icrypto.AADCredential(s.sealer.namespace, field))
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", field, err)
	}
	defer util.WipeBytes(data)
	return string(data), nil
}
