// Package client is a reconnecting WebSocket client for the relay. It
// remembers its registration and locked role and replays both after every
// reconnect.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"lectern/internal/liveness"
	"lectern/pkg/types"
)

type Options struct {
	// ServerURL is the relay base URL (http, https, ws or wss).
	ServerURL string
	ClassCode string
	// Backoff is used until the server advertises its own policy.
	Backoff      liveness.Backoff
	Dialer       *websocket.Dialer
	FrameBuffer  int
	WriteTimeout time.Duration
	Logger       *log.Logger
}

// Client maintains one logical connection across transport reconnects.
type Client struct {
	opts   Options
	url    string
	frames chan types.Envelope
	logger *log.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	backoff  liveness.Backoff
	register *types.RegisterPayload
	locked   types.Role
	settings types.Settings
	closed   bool
	ack      types.ConnectionAckPayload

	writeMu sync.Mutex
}

func New(opts Options) (*Client, error) {
	if !types.IsValidClassCode(opts.ClassCode) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, types.ErrInvalidClassCode)
	}
	u, err := url.Parse(opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid server URL: %w", ErrInvalidOptions, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOptions, u.Scheme)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("class", opts.ClassCode)
	u.RawQuery = q.Encode()

	if opts.Backoff == (liveness.Backoff{}) {
		opts.Backoff = liveness.DefaultBackoff()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = 100
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Client{
		opts:    opts,
		url:     u.String(),
		frames:  make(chan types.Envelope, opts.FrameBuffer),
		logger:  opts.Logger.WithPrefix("client"),
		backoff: opts.Backoff,
	}, nil
}

// Frames delivers every inbound frame except pings. It is closed when Run returns.
func (c *Client) Frames() <-chan types.Envelope {
	return c.frames
}

// Register remembers the registration and sends it if connected.
func (c *Client) Register(role types.Role, languageCode string) error {
	p := types.RegisterPayload{Role: role, LanguageCode: languageCode}
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.register = &p
	c.mu.Unlock()
	return c.sendIfConnected(types.Frame{Type: types.MessageTypeRegister, Payload: p})
}

// LockRole remembers the role lock and sends it if connected.
func (c *Client) LockRole(role types.Role) error {
	p := types.LockRolePayload{Role: role}
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.locked = role
	c.mu.Unlock()
	return c.sendIfConnected(types.Frame{Type: types.MessageTypeLockRole, Payload: p})
}

// UpdateSettings remembers the merged settings and sends the change if connected.
func (c *Client) UpdateSettings(s types.Settings) error {
	c.mu.Lock()
	if c.settings == nil {
		c.settings = types.Settings{}
	}
	for k, v := range s {
		if v == nil || v == "" {
			delete(c.settings, k)
			continue
		}
		c.settings[k] = v
	}
	c.mu.Unlock()
	return c.sendIfConnected(types.Frame{Type: types.MessageTypeSettings, Payload: s})
}

// Send writes a frame on the current connection.
func (c *Client) Send(frame types.Frame) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, frame)
}

func (c *Client) sendIfConnected(frame types.Frame) error {
	err := c.Send(frame)
	if err == ErrNotConnected {
		// replayed on connect
		return nil
	}
	return err
}

func (c *Client) write(conn *websocket.Conn, frame types.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteJSON(frame)
}

// Ack returns the most recent connection-ack.
func (c *Client) Ack() types.ConnectionAckPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ack
}

// Close ends the current connection and stops Run from reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// Run connects and keeps reconnecting until ctx ends, Close is called, or the
// backoff schedule is exhausted.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.frames)

	attempt := 0
	for {
		connected, err := c.session(ctx)
		if c.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}

		attempt++
		c.mu.Lock()
		backoff := c.backoff
		c.mu.Unlock()
		delay, ok := backoff.Delay(attempt)
		if !ok {
			return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, attempt-1, err)
		}
		c.logger.Info("reconnecting", "attempt", attempt, "delay", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one transport lifetime. connected reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return true, ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	reclaim := &reclaimer{}
	defer func() {
		stop()
		reclaim.stop()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var env types.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		switch env.Type {
		case types.MessageTypePing:
			if err := c.write(conn, types.Frame{Type: types.MessageTypePong}); err != nil {
				return true, fmt.Errorf("pong: %w", err)
			}
			continue
		case types.MessageTypeConnectionAck:
			if err := c.adopt(env.Payload); err != nil {
				c.logger.Warn("bad connection-ack", "err", err)
			}
			if err := c.replay(conn); err != nil {
				return true, fmt.Errorf("replay: %w", err)
			}
		case types.MessageTypeRegisterAck:
			reclaim.reset()
		case types.MessageTypeError:
			if c.isTeacherConflict(env.Payload) {
				c.scheduleReclaim(conn, reclaim)
			}
		}

		select {
		case c.frames <- env:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// adopt records the ack and switches to the server's reconnect policy.
func (c *Client) adopt(raw json.RawMessage) error {
	var ack types.ConnectionAckPayload
	if err := json.Unmarshal(raw, &ack); err != nil {
		return err
	}
	c.mu.Lock()
	c.ack = ack
	if ack.Reconnect.BaseDelayMs > 0 {
		c.backoff = liveness.BackoffFromPolicy(ack.Reconnect)
	}
	c.mu.Unlock()
	return nil
}

// reclaimer tracks register retries on one connection after a TeacherConflict.
type reclaimer struct {
	mu       sync.Mutex
	attempts int
	timer    *time.Timer
	stopped  bool
}

func (r *reclaimer) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *reclaimer) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// isTeacherConflict reports whether payload rejects this client's remembered
// teacher registration.
func (c *Client) isTeacherConflict(raw json.RawMessage) bool {
	var p types.ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Kind != types.KindTeacherConflict {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.register != nil && c.register.Role == types.RoleTeacher
}

// scheduleReclaim re-sends the teacher registration on the backoff schedule.
// A previous socket of the same teacher can hold the role until the server
// evicts it, so the first refusal after a reconnect is expected.
func (c *Client) scheduleReclaim(conn *websocket.Conn, r *reclaimer) {
	c.mu.Lock()
	backoff := c.backoff
	c.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.timer != nil {
		return
	}
	r.attempts++
	delay, ok := backoff.Delay(r.attempts)
	if !ok {
		c.logger.Warn("teacher role still held by another connection, giving up", "attempts", r.attempts-1)
		return
	}
	c.logger.Info("teacher role held elsewhere, retrying register", "attempt", r.attempts, "delay", delay)
	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()
		if err := c.replayRole(conn); err != nil {
			c.logger.Debug("register retry failed", "err", err)
		}
	})
}

// replayRole re-sends registration and lock.
func (c *Client) replayRole(conn *websocket.Conn) error {
	c.mu.Lock()
	register := c.register
	locked := c.locked
	c.mu.Unlock()

	if register != nil {
		if err := c.write(conn, types.Frame{Type: types.MessageTypeRegister, Payload: *register}); err != nil {
			return err
		}
	}
	if locked != types.RoleUnset {
		if err := c.write(conn, types.Frame{Type: types.MessageTypeLockRole, Payload: types.LockRolePayload{Role: locked}}); err != nil {
			return err
		}
	}
	return nil
}

// replay re-sends registration, lock and settings in that order.
func (c *Client) replay(conn *websocket.Conn) error {
	c.mu.Lock()
	var settings types.Settings
	if len(c.settings) > 0 {
		settings = make(types.Settings, len(c.settings))
		for k, v := range c.settings {
			settings[k] = v
		}
	}
	c.mu.Unlock()

	if err := c.replayRole(conn); err != nil {
		return err
	}
	if settings != nil {
		if err := c.write(conn, types.Frame{Type: types.MessageTypeSettings, Payload: settings}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
