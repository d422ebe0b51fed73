// Package storage provides the durable record layer behind the session and
// secret stores. Every value is written as a sealed Envelope; backends never
// see plaintext.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when no record has ever been written
	// under the namespace.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// BatchTx writes within an atomic transaction scoped to one namespace.
// Either every write in the batch becomes visible or none does.
type BatchTx interface {
	Put(recordType string, recordID string, envelope *Envelope) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for sealed record storage.
type Repository interface {
	Put(namespace string, recordType string, recordID string, envelope *Envelope) error
	Get(namespace string, recordType string, recordID string) (*Envelope, error)
	List(namespace string, recordType string) ([]string, error)
	Delete(namespace string, recordType string, recordID string) error
	Batch(namespace string, fn func(tx BatchTx) error) error
}

// IsMissing reports whether err means the record (or its whole namespace)
// is absent.
func IsMissing(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNamespaceNotFound)
}
