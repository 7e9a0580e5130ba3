// Package router dispatches inbound frames. Every decision reads the sender's
// role from the session registry; nothing the client claims about itself is
// trusted.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"lectern/internal/history"
	"lectern/internal/hub"
	"lectern/internal/metrics"
	"lectern/internal/session"
	"lectern/pkg/types"
)

// Dispatcher accepts teacher events for per-session processing.
type Dispatcher interface {
	Submit(job hub.Job) error
}

// Options tunes the router.
type Options struct {
	// MalformedThreshold is how many malformed frames a connection may send
	// before it is closed.
	MalformedThreshold int
	// ControlRateLimit caps control frames per ControlRateWindow per connection.
	ControlRateLimit  int
	ControlRateWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		MalformedThreshold: 5,
		ControlRateLimit:   100,
		ControlRateWindow:  time.Minute,
	}
}

// Router implements interfaces.FrameHandler.
type Router struct {
	registry    *session.Registry
	dispatcher  Dispatcher
	history     *history.Store
	rateLimiter *RateLimiter
	opts        Options
	logger      *log.Logger

	mu        sync.Mutex
	malformed map[string]int
}

// NewRouter creates a router. history may be nil, in which case history
// requests are answered with an empty list.
func NewRouter(registry *session.Registry, dispatcher Dispatcher, store *history.Store, opts Options, logger *log.Logger) *Router {
	def := DefaultOptions()
	if opts.MalformedThreshold <= 0 {
		opts.MalformedThreshold = def.MalformedThreshold
	}
	if opts.ControlRateLimit <= 0 {
		opts.ControlRateLimit = def.ControlRateLimit
	}
	if opts.ControlRateWindow <= 0 {
		opts.ControlRateWindow = def.ControlRateWindow
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		registry:    registry,
		dispatcher:  dispatcher,
		history:     store,
		rateLimiter: NewRateLimiter(opts.ControlRateLimit, opts.ControlRateWindow),
		opts:        opts,
		logger:      logger.WithPrefix("router"),
		malformed:   make(map[string]int),
	}
}

// HandleFrame processes one inbound frame. Errors meant for the client are
// written to the connection; a non-nil return means the transport must close.
func (r *Router) HandleFrame(ctx context.Context, connectionID string, data []byte) error {
	conn, err := r.registry.Connection(connectionID)
	if err != nil {
		return err
	}
	// any inbound frame proves liveness
	r.registry.Touch(connectionID)

	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return r.rejectMalformed(conn, fmt.Errorf("%w: %w", types.ErrMalformedMessage, err))
	}
	if env.Type == "" {
		return r.rejectMalformed(conn, fmt.Errorf("%w: %w", types.ErrMalformedMessage, ErrMissingType))
	}

	switch env.Type {
	case types.MessageTypeRegister, types.MessageTypeLockRole, types.MessageTypeSettings,
		types.MessageTypeHistoryRequest:
		metrics.FramesReceived.WithLabelValues(env.Type).Inc()
		if !r.rateLimiter.Allow(connectionID) {
			r.reject(conn, types.ErrRateLimited, "")
			return nil
		}
	case types.MessageTypeAudio, types.MessageTypeTranscription, types.MessageTypePing, types.MessageTypePong:
		metrics.FramesReceived.WithLabelValues(env.Type).Inc()
	default:
		metrics.FramesReceived.WithLabelValues("unknown").Inc()
		return r.rejectMalformed(conn, fmt.Errorf("%w: %w %q", types.ErrMalformedMessage, ErrUnknownType, env.Type))
	}

	switch env.Type {
	case types.MessageTypeRegister:
		return r.handleRegister(conn, env.Payload)
	case types.MessageTypeLockRole:
		return r.handleLockRole(conn, env.Payload)
	case types.MessageTypeSettings:
		return r.handleSettings(conn, env.Payload)
	case types.MessageTypeAudio:
		return r.handleAudio(conn, env.Payload)
	case types.MessageTypeTranscription:
		return r.handleTranscription(conn, env.Payload)
	case types.MessageTypeHistoryRequest:
		return r.handleHistory(conn, env.Payload)
	case types.MessageTypePing:
		r.send(conn, types.Frame{Type: types.MessageTypePong})
	}
	return nil
}

// Forget drops per-connection router state. The transport calls it on disconnect.
func (r *Router) Forget(connectionID string) {
	r.mu.Lock()
	delete(r.malformed, connectionID)
	r.mu.Unlock()
	r.rateLimiter.Forget(connectionID)
}

func (r *Router) handleRegister(conn *session.Connection, raw json.RawMessage) error {
	var p types.RegisterPayload
	if err := decode(raw, &p); err != nil {
		return r.rejectMalformed(conn, err)
	}
	if err := p.Validate(); err != nil {
		r.reject(conn, err, "")
		return nil
	}

	changed, err := r.registry.AssignRole(conn.ID(), p.Role, p.LanguageCode)
	if err != nil {
		r.reject(conn, err, "")
		return nil
	}
	if changed {
		r.send(conn, types.Frame{
			Type:    types.MessageTypeRegisterAck,
			Payload: types.RegisterAckPayload{Role: p.Role, LanguageCode: p.LanguageCode},
		})
	}
	return nil
}

func (r *Router) handleLockRole(conn *session.Connection, raw json.RawMessage) error {
	var p types.LockRolePayload
	if err := decode(raw, &p); err != nil {
		return r.rejectMalformed(conn, err)
	}
	if err := p.Validate(); err != nil {
		r.reject(conn, err, "")
		return nil
	}

	role, err := r.registry.LockRole(conn.ID(), p.Role)
	if err != nil {
		r.reject(conn, err, "")
		return nil
	}
	r.send(conn, types.Frame{Type: types.MessageTypeLockAck, Payload: types.LockAckPayload{Role: role}})
	return nil
}

func (r *Router) handleSettings(conn *session.Connection, raw json.RawMessage) error {
	var p types.Settings
	if err := decode(raw, &p); err != nil {
		return r.rejectMalformed(conn, err)
	}

	merged, err := r.registry.UpdateSettings(conn.ID(), p)
	if err != nil {
		r.reject(conn, err, "")
		return nil
	}
	r.send(conn, types.Frame{Type: types.MessageTypeSettingsAck, Payload: types.SettingsAckPayload{Settings: merged}})
	return nil
}

func (r *Router) handleAudio(conn *session.Connection, raw json.RawMessage) error {
	if !conn.IsActiveTeacher() {
		r.reject(conn, types.ErrRoleViolation, "")
		return nil
	}
	var p types.AudioPayload
	if err := decode(raw, &p); err != nil {
		return r.rejectMalformed(conn, err)
	}
	if err := p.Validate(); err != nil {
		r.reject(conn, err, "")
		return nil
	}

	lang := p.Language
	if lang == "" {
		lang = conn.State().LanguageCode
	}
	r.submit(conn, hub.Job{
		Kind:           hub.JobAudio,
		SessionID:      conn.SessionID(),
		ConnectionID:   conn.ID(),
		ReceivedAt:     time.Now(),
		SourceLanguage: lang,
		Audio:          p.Data,
		MimeType:       p.MimeType,
	})
	return nil
}

func (r *Router) handleTranscription(conn *session.Connection, raw json.RawMessage) error {
	if !conn.IsActiveTeacher() {
		r.reject(conn, types.ErrRoleViolation, "")
		return nil
	}
	var p types.TranscriptionPayload
	if err := decode(raw, &p); err != nil {
		return r.rejectMalformed(conn, err)
	}
	if err := p.Validate(); err != nil {
		r.reject(conn, err, "")
		return nil
	}
	// interim results are display-only on the teacher side
	if !p.IsFinal || strings.TrimSpace(p.Text) == "" {
		return nil
	}

	lang := p.SourceLanguage
	if lang == "" {
		lang = conn.State().LanguageCode
	}
	r.submit(conn, hub.Job{
		Kind:           hub.JobTranscription,
		SessionID:      conn.SessionID(),
		ConnectionID:   conn.ID(),
		ReceivedAt:     time.Now(),
		Text:           p.Text,
		IsFinal:        true,
		SourceLanguage: lang,
	})
	return nil
}

func (r *Router) handleHistory(conn *session.Connection, raw json.RawMessage) error {
	if conn.Role() != types.RoleStudent {
		r.reject(conn, types.ErrRoleViolation, "")
		return nil
	}
	var p types.HistoryRequestPayload
	if err := decode(raw, &p); err != nil {
		return r.rejectMalformed(conn, err)
	}
	if err := p.Validate(); err != nil {
		r.reject(conn, err, "")
		return nil
	}

	units := []types.TranslationUnit{}
	if r.history != nil {
		units = r.history.Recent(conn.SessionID(), p.LanguageCode)
	}
	r.send(conn, types.Frame{
		Type:    types.MessageTypeHistory,
		Payload: types.HistoryPayload{LanguageCode: p.LanguageCode, Units: units},
	})
	return nil
}

func (r *Router) submit(conn *session.Connection, job hub.Job) {
	if r.dispatcher == nil {
		return
	}
	if err := r.dispatcher.Submit(job); err != nil {
		r.logger.Warn("job rejected", "session", job.SessionID, "kind", job.Kind, "err", err)
		r.reject(conn, err, "")
	}
}

// rejectMalformed reports a malformed frame and returns ErrTooManyMalformed
// once the connection exceeds its allowance.
func (r *Router) rejectMalformed(conn *session.Connection, cause error) error {
	r.mu.Lock()
	r.malformed[conn.ID()]++
	count := r.malformed[conn.ID()]
	r.mu.Unlock()

	r.reject(conn, cause, "")
	if count > r.opts.MalformedThreshold {
		r.logger.Info("closing connection after malformed frames", "conn", conn.ID(), "count", count)
		return ErrTooManyMalformed
	}
	return nil
}

func (r *Router) reject(conn *session.Connection, err error, language string) {
	frame := types.ErrorFrame(err, language)
	metrics.FrameErrors.WithLabelValues(types.KindOf(err)).Inc()
	r.send(conn, frame)
}

func (r *Router) send(conn *session.Connection, frame types.Frame) {
	if err := conn.WriteJSON(frame); err != nil {
		r.logger.Debug("write failed", "conn", conn.ID(), "type", frame.Type, "err", err)
	}
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing payload", types.ErrMalformedMessage)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", types.ErrMalformedMessage, err)
	}
	return nil
}
