package session

import (
	"sync/atomic"
	"time"

	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

// Connection is the per-socket state record. Mutable fields are guarded by the
// owning session's mutex; only the registry writes them.
type Connection struct {
	id          string
	seq         uint64
	session     *Session
	transport   interfaces.Connection
	connectedAt time.Time

	// unix nanos, written on every inbound frame without taking the session lock
	lastLiveness atomic.Int64

	role       types.Role
	roleLocked bool
	pinnedRole types.Role // requested by lock-role before register
	language   string
	settings   types.Settings
	removed    bool
}

// State is an immutable copy of a connection's mutable fields.
type State struct {
	ID             string         `json:"id"`
	Role           types.Role     `json:"role"`
	RoleLocked     bool           `json:"roleLocked"`
	LanguageCode   string         `json:"languageCode,omitempty"`
	Settings       types.Settings `json:"settings,omitempty"`
	LastLivenessAt time.Time      `json:"lastLivenessAt"`
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) SessionID() string { return c.session.id }

func (c *Connection) ClassCode() string { return c.session.classCode }

// Session returns the session the connection was attached to at accept time.
func (c *Connection) Session() *Session { return c.session }

// WriteJSON forwards to the transport.
func (c *Connection) WriteJSON(v interface{}) error {
	return c.transport.WriteJSON(v)
}

// Close closes the transport. The transport's reader is responsible for
// calling Registry.RemoveConnection once it observes the close.
func (c *Connection) Close() error {
	return c.transport.Close()
}

// Touch records liveness.
func (c *Connection) Touch(now time.Time) {
	c.lastLiveness.Store(now.UnixNano())
}

func (c *Connection) LastLivenessAt() time.Time {
	return time.Unix(0, c.lastLiveness.Load())
}

// Role reads the server-held role. This is the only role used for authorization.
func (c *Connection) Role() types.Role {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return c.role
}

// IsActiveTeacher reports whether c is its session's current teacher.
func (c *Connection) IsActiveTeacher() bool {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return !c.removed && c.role == types.RoleTeacher && c.session.teacherID == c.id
}

// State returns a snapshot of the connection.
func (c *Connection) State() State {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return c.stateLocked()
}

func (c *Connection) stateLocked() State {
	return State{
		ID:             c.id,
		Role:           c.role,
		RoleLocked:     c.roleLocked,
		LanguageCode:   c.language,
		Settings:       copySettings(c.settings),
		LastLivenessAt: c.LastLivenessAt(),
	}
}

func copySettings(s types.Settings) types.Settings {
	if len(s) == 0 {
		return types.Settings{}
	}
	out := make(types.Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
