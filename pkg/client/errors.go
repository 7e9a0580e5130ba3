package client

import "errors"

var (
	ErrNotConnected   = errors.New("client not connected")
	ErrClosed         = errors.New("client closed")
	ErrGaveUp         = errors.New("reconnect attempts exhausted")
	ErrInvalidOptions = errors.New("invalid client options")
)
