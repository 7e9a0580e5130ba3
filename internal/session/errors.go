package session

import "errors"

var (
	ErrRegistryClosed = errors.New("registry is closed")
	ErrNilTransport   = errors.New("transport cannot be nil")
)
