package engine

import "errors"

var (
	// ErrNonceMismatch is returned when a signed request does not carry the
	// signer's next expected nonce.
	ErrNonceMismatch = errors.New("lending: nonce mismatch")
	// ErrInvalidRequest is returned for requests the executor cannot route.
	ErrInvalidRequest = errors.New("lending: invalid request")
	// ErrNotFound is returned when a queried record does not exist.
	ErrNotFound = errors.New("lending: not found")
)
