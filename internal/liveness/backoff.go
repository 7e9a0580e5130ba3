package liveness

import (
	"time"

	"lectern/pkg/types"
)

// Backoff is the client reconnection schedule. It holds no timer state; the
// caller tracks the attempt number.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        500 * time.Millisecond,
		Max:         10 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before reconnect attempt n (1-based). ok is false
// once the attempt budget is spent.
func (b Backoff) Delay(attempt int) (delay time.Duration, ok bool) {
	if attempt < 1 || (b.MaxAttempts > 0 && attempt > b.MaxAttempts) {
		return 0, false
	}
	delay = b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max, true
		}
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay, true
}

// Policy is the wire form advertised in connection-ack.
func (b Backoff) Policy() types.ReconnectPolicy {
	return types.ReconnectPolicy{
		MaxAttempts: b.MaxAttempts,
		BaseDelayMs: b.Base.Milliseconds(),
		MaxDelayMs:  b.Max.Milliseconds(),
	}
}

// BackoffFromPolicy rebuilds a schedule from a server advertisement.
func BackoffFromPolicy(p types.ReconnectPolicy) Backoff {
	return Backoff{
		Base:        time.Duration(p.BaseDelayMs) * time.Millisecond,
		Max:         time.Duration(p.MaxDelayMs) * time.Millisecond,
		MaxAttempts: p.MaxAttempts,
	}
}
