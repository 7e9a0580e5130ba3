package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

// Options tunes registry lifecycle behavior.
type Options struct {
	// IdleTimeout is how long a session with zero connections stays open.
	IdleTimeout time.Duration
	// MinDuration feeds the too_short quality rule.
	MinDuration time.Duration
	// StaleAfter is the liveness grace window. A teacher silent for longer
	// can be displaced by a new teacher connection.
	StaleAfter time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		IdleTimeout: 2 * time.Minute,
		MinDuration: DefaultMinDuration,
		StaleAfter:  15 * time.Second,
	}
}

// Session is one classroom. All mutable fields are guarded by mu.
// ARCHITECTURAL DISCOVERY: one lock per session keeps unrelated classrooms parallel.
type Session struct {
	id        string
	classCode string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	connections    map[string]*Connection
	teacherID      string
	lastActivityAt time.Time
	emptiedAt      time.Time
	peakStudents   int
	utterances     int
	idleTimer      *time.Timer
	idleGen        uint64
	closed         bool
	closedAt       time.Time
	quality        types.Quality
}

func (s *Session) ID() string { return s.id }

func (s *Session) ClassCode() string { return s.classCode }

// Context is cancelled when the session closes. Collaborator calls made on
// behalf of the session derive from it.
func (s *Session) Context() context.Context { return s.ctx }

// Summary returns the session's counters and, once closed, its quality.
func (s *Session) Summary() types.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

func (s *Session) summaryLocked() types.SessionSummary {
	sum := types.SessionSummary{
		SessionID:    s.id,
		ClassCode:    s.classCode,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivityAt,
		PeakStudents: s.peakStudents,
		Utterances:   s.utterances,
		Quality:      s.quality,
	}
	for _, c := range s.connections {
		switch c.role {
		case types.RoleTeacher:
			sum.Teachers++
		case types.RoleStudent:
			sum.Students++
		}
	}
	if !s.emptiedAt.IsZero() {
		t := s.emptiedAt
		sum.EmptiedAt = &t
	}
	if s.closed {
		t := s.closedAt
		sum.ClosedAt = &t
	}
	return sum
}

func (s *Session) studentCountLocked() int {
	n := 0
	for _, c := range s.connections {
		if c.role == types.RoleStudent {
			n++
		}
	}
	return n
}

// Subscriber is a student connection with the settings it held at snapshot time.
type Subscriber struct {
	*Connection
	Settings types.Settings
}

// CloseHook runs once per session after it closes.
type CloseHook func(summary types.SessionSummary)

// Registry maps class codes to sessions and connection IDs to connections.
// Lock order is registry then session.
type Registry struct {
	opts   Options
	logger *log.Logger

	mu      sync.RWMutex
	byCode  map[string]*Session
	byID    map[string]*Session
	conns   map[string]*Connection
	nextSeq uint64
	closed  bool

	hooksMu sync.RWMutex
	hooks   []CloseHook
}

// NewRegistry creates an empty registry. Zero option values fall back to defaults.
func NewRegistry(opts Options, logger *log.Logger) *Registry {
	def := DefaultOptions()
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.MinDuration <= 0 {
		opts.MinDuration = def.MinDuration
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		opts:   opts,
		logger: logger.WithPrefix("registry"),
		byCode: make(map[string]*Session),
		byID:   make(map[string]*Session),
		conns:  make(map[string]*Connection),
	}
}

// Options returns the effective options after defaults were applied.
func (r *Registry) Options() Options {
	return r.opts
}

// OnClose registers a hook invoked after a session closes.
func (r *Registry) OnClose(hook CloseHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// CreateConnection accepts a new transport into the session for classCode,
// creating the session if it does not exist.
func (r *Registry) CreateConnection(classCode string, transport interfaces.Connection) (*Connection, error) {
	if !types.IsValidClassCode(classCode) {
		return nil, types.ErrInvalidClassCode
	}
	if transport == nil {
		return nil, ErrNilTransport
	}

	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	s, ok := r.byCode[classCode]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		s = &Session{
			id:             uuid.NewString(),
			classCode:      classCode,
			startedAt:      now,
			ctx:            ctx,
			cancel:         cancel,
			connections:    make(map[string]*Connection),
			lastActivityAt: now,
			quality:        types.QualityUnknown,
		}
		r.byCode[classCode] = s
		r.byID[s.id] = s
		r.logger.Info("session opened", "session", s.id, "class", classCode)
	}

	r.nextSeq++
	c := &Connection{
		id:          uuid.NewString(),
		seq:         r.nextSeq,
		session:     s,
		transport:   transport,
		connectedAt: now,
		role:        types.RoleUnset,
		settings:    types.Settings{},
	}
	c.Touch(now)

	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
		s.idleGen++
	}
	s.emptiedAt = time.Time{}
	s.connections[c.id] = c
	s.mu.Unlock()

	r.conns[c.id] = c
	return c, nil
}

// Connection looks up a live connection.
func (r *Registry) Connection(connectionID string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connectionID]
	if !ok {
		return nil, types.ErrConnectionNotFound
	}
	return c, nil
}

// Session looks up an open session by ID.
func (r *Registry) Session(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return s, nil
}

// SessionByCode looks up an open session by class code.
func (r *Registry) SessionByCode(classCode string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCode[classCode]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return s, nil
}

// AssignRole sets role and language. changed is false when the request repeats
// the connection's current state, so callers can suppress duplicate acks.
func (r *Registry) AssignRole(connectionID string, role types.Role, language string) (changed bool, err error) {
	if _, err := types.ParseRole(string(role)); err != nil {
		return false, err
	}
	c, err := r.Connection(connectionID)
	if err != nil {
		return false, err
	}
	s := c.session
	now := r.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.removed {
		return false, types.ErrConnectionNotFound
	}
	if c.roleLocked {
		current := c.role
		if current == types.RoleUnset {
			current = c.pinnedRole
		}
		if role != current {
			return false, types.ErrRoleLocked
		}
	}
	if c.role == role && c.language == language {
		return false, nil
	}

	if role == types.RoleTeacher && s.teacherID != c.id {
		if incumbent, ok := s.connections[s.teacherID]; ok {
			if now.Sub(incumbent.LastLivenessAt()) <= r.opts.StaleAfter {
				return false, types.ErrTeacherConflict
			}
			r.demoteLocked(s, incumbent)
		}
		s.teacherID = c.id
	}

	c.role = role
	c.language = language
	c.pinnedRole = types.RoleUnset
	if role == types.RoleTeacher {
		c.roleLocked = true
	}
	if role == types.RoleStudent {
		s.lastActivityAt = now
		if n := s.studentCountLocked(); n > s.peakStudents {
			s.peakStudents = n
		}
	}

	r.logger.Debug("role assigned", "session", s.id, "conn", c.id, "role", role, "language", language)
	return true, nil
}

// demoteLocked strips a stale teacher of its role and closes its transport.
// The transport reader removes it from the registry once the close lands.
func (r *Registry) demoteLocked(s *Session, incumbent *Connection) {
	r.logger.Warn("displacing stale teacher", "session", s.id, "conn", incumbent.id,
		"silent", r.opts.Now().Sub(incumbent.LastLivenessAt()))
	incumbent.role = types.RoleUnset
	incumbent.roleLocked = false
	s.teacherID = ""
	go func() { _ = incumbent.transport.Close() }()
}

// LockRole marks the connection's role as immutable. If the connection has no
// role yet, role is pinned and the next register must match it.
func (r *Registry) LockRole(connectionID string, role types.Role) (types.Role, error) {
	if _, err := types.ParseRole(string(role)); err != nil {
		return types.RoleUnset, err
	}
	c, err := r.Connection(connectionID)
	if err != nil {
		return types.RoleUnset, err
	}
	s := c.session

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.removed {
		return types.RoleUnset, types.ErrConnectionNotFound
	}
	switch {
	case c.role != types.RoleUnset && c.role != role:
		return c.role, types.ErrRoleLocked
	case c.role == types.RoleUnset && c.pinnedRole != types.RoleUnset && c.pinnedRole != role:
		return c.pinnedRole, types.ErrRoleLocked
	}

	c.roleLocked = true
	if c.role == types.RoleUnset {
		c.pinnedRole = role
	}
	return role, nil
}

// UpdateSettings merges settings into the connection. A null or empty string
// value removes a key. Keys other than the well-known ones may hold any JSON value.
func (r *Registry) UpdateSettings(connectionID string, settings types.Settings) (types.Settings, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	c, err := r.Connection(connectionID)
	if err != nil {
		return nil, err
	}
	s := c.session

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range settings {
		if v == nil || v == "" {
			delete(c.settings, k)
			continue
		}
		c.settings[k] = v
	}
	return copySettings(c.settings), nil
}

// Touch records liveness for a connection.
func (r *Registry) Touch(connectionID string) {
	if c, err := r.Connection(connectionID); err == nil {
		c.Touch(r.opts.Now())
	}
}

// RemoveConnection detaches a connection. Removing the last connection of a
// session starts its idle-eviction timer.
func (r *Registry) RemoveConnection(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return types.ErrConnectionNotFound
	}
	delete(r.conns, connectionID)

	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()

	c.removed = true
	delete(s.connections, c.id)
	if s.teacherID == c.id {
		s.teacherID = ""
	}

	if len(s.connections) == 0 && !s.closed {
		s.emptiedAt = r.opts.Now()
		s.idleGen++
		gen := s.idleGen
		s.idleTimer = time.AfterFunc(r.opts.IdleTimeout, func() {
			r.expire(s, gen)
		})
	}
	return nil
}

// expire closes s if it is still empty and no connection arrived since gen was issued.
func (r *Registry) expire(s *Session, gen uint64) {
	r.mu.Lock()
	s.mu.Lock()
	if s.closed || s.idleGen != gen || len(s.connections) > 0 {
		s.mu.Unlock()
		r.mu.Unlock()
		return
	}
	summary := r.closeLocked(s)
	s.mu.Unlock()
	r.mu.Unlock()

	r.finish(s, summary)
}

// closeLocked marks s closed and removes it from the indexes. Both locks must be held.
func (r *Registry) closeLocked(s *Session) types.SessionSummary {
	now := r.opts.Now()
	end := s.emptiedAt
	if end.IsZero() {
		end = now
	}
	s.closed = true
	s.closedAt = now
	s.quality = Classify(end.Sub(s.startedAt), s.peakStudents, s.utterances, r.opts.MinDuration)
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	delete(r.byCode, s.classCode)
	delete(r.byID, s.id)
	return s.summaryLocked()
}

func (r *Registry) finish(s *Session, summary types.SessionSummary) {
	s.cancel()
	r.logger.Info("session closed", "session", s.id, "class", s.classCode,
		"quality", summary.Quality, "peak_students", summary.PeakStudents, "utterances", summary.Utterances)

	r.hooksMu.RLock()
	hooks := append([]CloseHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(summary)
	}
}

// ListStudentsByLanguage groups the session's students by exact language code.
// Each group is ordered by accept time.
func (r *Registry) ListStudentsByLanguage(sessionID string) (map[string][]Subscriber, error) {
	s, err := r.Session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[string][]Subscriber)
	for _, c := range s.connections {
		if c.role != types.RoleStudent || c.language == "" {
			continue
		}
		groups[c.language] = append(groups[c.language], Subscriber{
			Connection: c,
			Settings:   copySettings(c.settings),
		})
	}
	for _, subs := range groups {
		sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	}
	return groups, nil
}

// MarkUtterance records that a final utterance triggered fan-out.
func (r *Registry) MarkUtterance(sessionID string) error {
	s, err := r.Session(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances++
	s.lastActivityAt = r.opts.Now()
	return nil
}

// Snapshot summarizes every open session.
func (r *Registry) Snapshot() []types.SessionSummary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]types.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats returns registry-wide counts for health reporting and metrics.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{
		"sessions":    len(r.byID),
		"connections": len(r.conns),
		"teachers":    0,
		"students":    0,
	}
	for _, s := range r.byID {
		s.mu.Lock()
		for _, c := range s.connections {
			switch c.role {
			case types.RoleTeacher:
				stats["teachers"]++
			case types.RoleStudent:
				stats["students"]++
			}
		}
		s.mu.Unlock()
	}
	return stats
}

// Close closes every open session and transport. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	type closedSession struct {
		s       *Session
		summary types.SessionSummary
	}
	var done []closedSession
	var transports []*Connection
	for _, s := range r.byID {
		s.mu.Lock()
		for _, c := range s.connections {
			transports = append(transports, c)
		}
		if len(s.connections) > 0 {
			s.emptiedAt = r.opts.Now()
		}
		done = append(done, closedSession{s: s, summary: r.closeLocked(s)})
		s.mu.Unlock()
	}
	r.mu.Unlock()

	for _, c := range transports {
		_ = c.transport.Close()
	}
	for _, d := range done {
		r.finish(d.s, d.summary)
	}
}
