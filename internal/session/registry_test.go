package session

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lectern/pkg/types"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []interface{}
	closed atomic.Bool
}

func (f *fakeTransport) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, clock *testClock, idle time.Duration) *Registry {
	t.Helper()
	opts := Options{
		IdleTimeout: idle,
		MinDuration: 3 * time.Minute,
		StaleAfter:  15 * time.Second,
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	r := NewRegistry(opts, log.New(io.Discard))
	t.Cleanup(r.Close)
	return r
}

func connect(t *testing.T, r *Registry, class string) *Connection {
	t.Helper()
	c, err := r.CreateConnection(class, &fakeTransport{})
	require.NoError(t, err)
	return c
}

func TestCreateConnection_ImplicitSession(t *testing.T) {
	r := newTestRegistry(t, nil, time.Minute)

	a := connect(t, r, "BIO101")
	b := connect(t, r, "BIO101")
	c := connect(t, r, "CHEM200")

	assert.Equal(t, a.SessionID(), b.SessionID())
	assert.NotEqual(t, a.SessionID(), c.SessionID())
	assert.Equal(t, types.RoleUnset, a.Role())
	assert.False(t, a.State().RoleLocked)

	s, err := r.SessionByCode("BIO101")
	require.NoError(t, err)
	assert.Equal(t, types.QualityUnknown, s.Summary().Quality)

	_, err = r.CreateConnection("no", &fakeTransport{})
	assert.ErrorIs(t, err, types.ErrInvalidClassCode)
}

func TestAssignRole_TeacherAutoLocks(t *testing.T) {
	r := newTestRegistry(t, nil, time.Minute)
	teacher := connect(t, r, "BIO101")

	changed, err := r.AssignRole(teacher.ID(), types.RoleTeacher, "en-US")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, teacher.State().RoleLocked)
	assert.True(t, teacher.IsActiveTeacher())

	_, err = r.AssignRole(teacher.ID(), types.RoleStudent, "es-ES")
	assert.ErrorIs(t, err, types.ErrRoleLocked)
	assert.Equal(t, types.RoleTeacher, teacher.Role())
}

func TestAssignRole_Idempotent(t *testing.T) {
	r := newTestRegistry(t, nil, time.Minute)
	student := connect(t, r, "BIO101")

	changed, err := r.AssignRole(student.ID(), types.RoleStudent, "es-ES")
	require.NoError(t, err)
	assert.True(t, changed)

	before := student.State()
	changed, err = r.AssignRole(student.ID(), types.RoleStudent, "es-ES")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before, student.State())

	changed, err = r.AssignRole(student.ID(), types.RoleStudent, "fr-FR")
	require.NoError(t, err)
	assert.True(t, changed, "language change is a state change")
}

func TestAssignRole_TeacherConflict(t *testing.T) {
	r := newTestRegistry(t, nil, time.Minute)
	first := connect(t, r, "BIO101")
	second := connect(t, r, "BIO101")

	_, err := r.AssignRole(first.ID(), types.RoleTeacher, "")
	require.NoError(t, err)

	_, err = r.AssignRole(second.ID(), types.RoleTeacher, "")
	assert.ErrorIs(t, err, types.ErrTeacherConflict)

	assert.True(t, first.IsActiveTeacher())
	assert.Equal(t, types.RoleUnset, second.Role())
	assert.Equal(t, 1, r.Stats()["teachers"])
}

func TestAssignRole_StaleTeacherDisplaced(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock, time.Minute)

	staleTransport := &fakeTransport{}
	stale, err := r.CreateConnection("BIO101", staleTransport)
	require.NoError(t, err)
	_, err = r.AssignRole(stale.ID(), types.RoleTeacher, "")
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	fresh := connect(t, r, "BIO101")

	_, err = r.AssignRole(fresh.ID(), types.RoleTeacher, "")
	require.NoError(t, err)

	assert.True(t, fresh.IsActiveTeacher())
	assert.False(t, stale.IsActiveTeacher())
	assert.False(t, stale.State().RoleLocked)
	assert.Eventually(t, staleTransport.closed.Load, time.Second, 5*time.Millisecond)
}

func TestAssignRole_SingleTeacherUnderRace(t *testing.T) {
	r := newTestRegistry(t, nil, time.Minute)

	const contenders = 32
	conns := make([]*Connection, contenders)
	for i := range conns {
		conns[i] = connect(t, r, "RACE01")
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if _, err := r.AssignRole(c.ID(), types.RoleTeacher, ""); err == nil {
				wins.Add(1)
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	locked := 0
	for _, c := range conns {
		st := c.State()
		if st.Role == types.RoleTeacher && st.RoleLocked {
			locked++
		}
	}
	assert.Equal(t, 1, locked)
}

func TestLockRole(t *testing.T) {
	r := newTestRegistry(t, nil, time.Minute)

	t.Run("locks current role", func(t *testing.T) {
		c := connect(t, r, "BIO101")
		_, err := r.AssignRole(c.ID(), types.RoleStudent, "es-ES")
		require.NoError(t, err)

		role, err := r.LockRole(c.ID(), types.RoleStudent)
		require.NoError(t, err)
		assert.Equal(t, types.RoleStudent, role)

		// idempotent
		_, err = r.LockRole(c.ID(), types.RoleStudent)
		require.NoError(t, err)

		_, err = r.AssignRole(c.ID(), types.RoleTeacher, "")
		assert.ErrorIs(t, err, types.ErrRoleLocked)

		// language is not part of the lock
		_, err = r.AssignRole(c.ID(), types.RoleStudent, "fr-FR")
		assert.NoError(t, err)
	})

	t.Run("pins role before register", func(t *testing.T) {
		c := connect(t, r, "BIO101")
		_, err := r.LockRole(c.ID(), types.RoleStudent)
		require.NoError(t, err)
		assert.Equal(t, types.RoleUnset, c.Role())

		_, err = r.AssignRole(c.ID(), types.RoleTeacher, "")
		assert.ErrorIs(t, err, types.ErrRoleLocked)

		_, err = r.AssignRole(c.ID(), types.RoleStudent, "de-DE")
		assert.NoError(t, err)
	})

	t.Run("rejects different role", func(t *testing.T) {
		c := connect(t, r, "BIO101")
		_, err := r.AssignRole(c.ID(), types.RoleStudent, "es-ES")
		require.NoError(t, err)
		_, err = r.LockRole(c.ID(), types.RoleTeacher)
		assert.ErrorIs(t, err, types.ErrRoleLocked)
	})
}

func TestUpdateSettings_Merge(t *testing.T) {
	r := newTestRegistry(t, nil, time.Minute)
	c := connect(t, r, "BIO101")

	got, err := r.UpdateSettings(c.ID(), types.Settings{"ttsBackend": "piper", "voice": "a"})
	require.NoError(t, err)
	assert.Equal(t, types.Settings{"ttsBackend": "piper", "voice": "a"}, got)

	got, err = r.UpdateSettings(c.ID(), types.Settings{"voice": "", "delivery": "audio"})
	require.NoError(t, err)
	assert.Equal(t, types.Settings{"ttsBackend": "piper", "delivery": "audio"}, got)
	assert.Equal(t, types.RoleUnset, c.Role(), "settings never touch role")

	got, err = r.UpdateSettings(c.ID(), types.Settings{"autoplay": true, "ttsBackend": nil})
	require.NoError(t, err)
	assert.Equal(t, types.Settings{"delivery": "audio", "autoplay": true}, got)

	_, err = r.UpdateSettings(c.ID(), types.Settings{"delivery": 1.0})
	assert.ErrorIs(t, err, types.ErrInvalidSetting)
}

func TestListStudentsByLanguage_ExactCodes(t *testing.T) {
	r := newTestRegistry(t, nil, time.Minute)
	teacher := connect(t, r, "BIO101")
	_, err := r.AssignRole(teacher.ID(), types.RoleTeacher, "en-US")
	require.NoError(t, err)

	var spain []*Connection
	for i := 0; i < 3; i++ {
		c := connect(t, r, "BIO101")
		_, err := r.AssignRole(c.ID(), types.RoleStudent, "es-ES")
		require.NoError(t, err)
		spain = append(spain, c)
	}
	mexico := connect(t, r, "BIO101")
	_, err = r.AssignRole(mexico.ID(), types.RoleStudent, "es-MX")
	require.NoError(t, err)
	connect(t, r, "BIO101") // never registers

	groups, err := r.ListStudentsByLanguage(teacher.SessionID())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Len(t, groups["es-ES"], 3)
	require.Len(t, groups["es-MX"], 1)
	for i, sub := range groups["es-ES"] {
		assert.Equal(t, spain[i].ID(), sub.ID(), "group keeps accept order")
	}

	_, err = r.ListStudentsByLanguage("missing")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestRemoveConnection_IdleEviction(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock, 20*time.Millisecond)

	closed := make(chan types.SessionSummary, 1)
	r.OnClose(func(s types.SessionSummary) { closed <- s })

	teacher := connect(t, r, "BIO101")
	student := connect(t, r, "BIO101")
	_, err := r.AssignRole(teacher.ID(), types.RoleTeacher, "en-US")
	require.NoError(t, err)
	_, err = r.AssignRole(student.ID(), types.RoleStudent, "es-ES")
	require.NoError(t, err)
	require.NoError(t, r.MarkUtterance(teacher.SessionID()))
	sess := teacher.Session()

	clock.Advance(10 * time.Minute)
	require.NoError(t, r.RemoveConnection(student.ID()))

	select {
	case <-closed:
		t.Fatal("session closed while teacher remains")
	case <-time.After(60 * time.Millisecond):
	}

	require.NoError(t, r.RemoveConnection(teacher.ID()))
	assert.ErrorIs(t, r.RemoveConnection(teacher.ID()), types.ErrConnectionNotFound)

	select {
	case sum := <-closed:
		assert.Equal(t, types.QualityReal, sum.Quality)
		assert.Equal(t, 1, sum.PeakStudents)
		assert.Equal(t, 1, sum.Utterances)
		require.NotNil(t, sum.ClosedAt)
	case <-time.After(time.Second):
		t.Fatal("idle session was not evicted")
	}

	assert.Error(t, sess.Context().Err(), "session context cancelled on close")
	_, err = r.SessionByCode("BIO101")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestRemoveConnection_ReconnectCancelsEviction(t *testing.T) {
	r := newTestRegistry(t, nil, 50*time.Millisecond)

	closed := make(chan struct{}, 1)
	r.OnClose(func(types.SessionSummary) { closed <- struct{}{} })

	first := connect(t, r, "BIO101")
	sessionID := first.SessionID()
	require.NoError(t, r.RemoveConnection(first.ID()))

	again := connect(t, r, "BIO101")
	assert.Equal(t, sessionID, again.SessionID(), "class code resumes the open session")

	select {
	case <-closed:
		t.Fatal("session closed despite reconnect")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestRegistryClose_ClassifiesOpenSessions(t *testing.T) {
	r := NewRegistry(Options{IdleTimeout: time.Minute}, log.New(io.Discard))

	var summaries []types.SessionSummary
	r.OnClose(func(s types.SessionSummary) { summaries = append(summaries, s) })

	transport := &fakeTransport{}
	_, err := r.CreateConnection("BIO101", transport)
	require.NoError(t, err)

	r.Close()
	r.Close()

	require.Len(t, summaries, 1)
	assert.Equal(t, types.QualityTooShort, summaries[0].Quality)
	assert.True(t, transport.closed.Load())

	_, err = r.CreateConnection("BIO101", &fakeTransport{})
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
