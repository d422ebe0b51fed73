package session

import "errors"

var (
	// ErrNoSession indicates no complete set of session credentials is stored.
	ErrNoSession = errors.New("no session")
	// ErrIncompleteCredentials indicates an attempt to save credentials with
	// one or more of the four fields empty.
	ErrIncompleteCredentials = errors.New("incomplete credentials")
	// ErrNoSecret indicates no private key is cached for a secret-storage key id.
	ErrNoSecret = errors.New("no cached secret")
	// ErrWrongPassphrase indicates the store passphrase does not unwrap the
	// persisted record key.
	ErrWrongPassphrase = errors.New("store passphrase does not match")
	// ErrClosed indicates the state has been closed and its key material destroyed.
	ErrClosed = errors.New("session state closed")
)
