package interfaces

import "context"

// FrameHandler consumes raw inbound frames for one connection.
// A non-nil error means the transport must close the connection.
type FrameHandler interface {
	HandleFrame(ctx context.Context, connectionID string, data []byte) error
}
