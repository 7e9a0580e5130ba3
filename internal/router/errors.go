package router

import "errors"

var (
	// ErrTooManyMalformed tells the transport to close the connection.
	ErrTooManyMalformed = errors.New("too many malformed frames")
	ErrUnknownType      = errors.New("unknown message type")
	ErrMissingType      = errors.New("missing message type")
)
