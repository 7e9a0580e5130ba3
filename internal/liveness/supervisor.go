// Package liveness probes connections and evicts the silent ones. It also
// defines the reconnection schedule clients follow.
package liveness

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"lectern/internal/metrics"
	"lectern/pkg/types"
)

// Target is the slice of a connection the supervisor needs.
type Target interface {
	ID() string
	WriteJSON(v interface{}) error
	Close() error
	LastLivenessAt() time.Time
}

// Options configure probing. Defaults: probe every 5s, evict after 3 misses.
type Options struct {
	Interval     time.Duration
	MissedProbes int
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{Interval: 5 * time.Second, MissedProbes: 3}
}

// GraceWindow is how long a connection may stay silent before eviction.
func (o Options) GraceWindow() time.Duration {
	return o.Interval * time.Duration(o.MissedProbes)
}

// Supervisor runs one watch goroutine per connection so a stalled socket
// cannot delay probes to any other.
type Supervisor struct {
	opts   Options
	evict  func(connectionID string)
	logger *log.Logger
}

// NewSupervisor creates a supervisor. evict is called after the transport is
// closed and must detach the connection from its session.
func NewSupervisor(opts Options, evict func(connectionID string), logger *log.Logger) *Supervisor {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MissedProbes <= 0 {
		opts.MissedProbes = def.MissedProbes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{opts: opts, evict: evict, logger: logger.WithPrefix("liveness")}
}

func (s *Supervisor) Options() Options { return s.opts }

// Watch probes t until ctx ends or t is evicted. It blocks; run it in its own goroutine.
// It returns true when the connection was evicted.
func (s *Supervisor) Watch(ctx context.Context, t Target) bool {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	grace := s.opts.GraceWindow()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			silent := s.opts.Now().Sub(t.LastLivenessAt())
			if silent > grace {
				s.logger.Info("evicting unresponsive connection", "conn", t.ID(), "silent", silent)
				metrics.LivenessEvictions.Inc()
				_ = t.Close()
				if s.evict != nil {
					s.evict(t.ID())
				}
				return true
			}
			if err := t.WriteJSON(types.Frame{Type: types.MessageTypePing}); err != nil {
				s.logger.Debug("probe write failed", "conn", t.ID(), "err", err)
			}
		}
	}
}
