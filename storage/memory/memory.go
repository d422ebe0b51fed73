// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jmcleod/crossguard/storage"
)

// Repository keeps sealed records in process memory. Nothing survives a
// restart, which makes it the backend for tests and throwaway sessions.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func recordKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(r.data, namespace, recordType, recordID, envelope)
	return nil
}

func (r *Repository) putLocked(data map[string]map[string]*storage.Envelope, namespace, recordType, recordID string, envelope *storage.Envelope) {
	if _, ok := data[namespace]; !ok {
		data[namespace] = make(map[string]*storage.Envelope)
	}
	data[namespace][recordKey(recordType, recordID)] = envelope.Clone()
}

func (r *Repository) Get(namespace, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records, ok := r.data[namespace]
	if !ok {
		return nil, fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	env, ok := records[recordKey(recordType, recordID)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return env.Clone(), nil
}

func (r *Repository) List(namespace, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[namespace] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) Delete(namespace, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deleteLocked(r.data, namespace, recordType, recordID)
}

func deleteLocked(data map[string]map[string]*storage.Envelope, namespace, recordType, recordID string) error {
	records, ok := data[namespace]
	if !ok {
		return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	k := recordKey(recordType, recordID)
	if _, ok := records[k]; !ok {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	delete(records, k)
	return nil
}

// Batch runs fn against a private copy of the namespace and swaps it in only
// if fn succeeds, so a failing batch leaves no trace.
func (r *Repository) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := map[string]map[string]*storage.Envelope{
		namespace: make(map[string]*storage.Envelope, len(r.data[namespace])),
	}
	for k, v := range r.data[namespace] {
		staged[namespace][k] = v
	}

	tx := &memoryBatchTx{repo: r, staged: staged, namespace: namespace}
	if err := fn(tx); err != nil {
		return err
	}
	r.data[namespace] = staged[namespace]
	return nil
}

type memoryBatchTx struct {
	repo      *Repository
	staged    map[string]map[string]*storage.Envelope
	namespace string
}

func (tx *memoryBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	tx.repo.putLocked(tx.staged, tx.namespace, recordType, recordID, envelope)
	return nil
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return deleteLocked(tx.staged, tx.namespace, recordType, recordID)
}
