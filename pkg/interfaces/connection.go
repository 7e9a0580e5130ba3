package interfaces

// Connection is the write side of a client transport.
// Implementations must be safe for concurrent use; the relay writes from the
// router, the fan-out workers and the liveness supervisor at the same time.
type Connection interface {
	// WriteJSON queues v for delivery. It must not block indefinitely.
	WriteJSON(v interface{}) error

	// Close tears down the transport. Calling it more than once is a no-op.
	Close() error
}
