package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrQueueFull         = errors.New("session queue is full")
	ErrNoTranscriber     = errors.New("no transcriber configured")
)
