package auth

import "errors"

var (
	// ErrInvalidInput indicates the caller supplied neither a username nor
	// an email address, or an unknown identifier kind.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoNavigator indicates a federated login was started without a way
	// to send the user agent to the identity provider.
	ErrNoNavigator = errors.New("no navigator configured")
)
