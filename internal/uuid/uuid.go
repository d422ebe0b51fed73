// Package uuid wraps github.com/google/uuid for the identifiers this module mints.
package uuid

import "github.com/google/uuid"

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}
