package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lectern/internal/liveness"
	"lectern/internal/router"
	"lectern/internal/session"
	"lectern/pkg/types"
)

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testServer struct {
	registry *session.Registry
	server   *httptest.Server
}

func newTestServer(t *testing.T, probe *liveness.Options, routerOpts router.Options) *testServer {
	t.Helper()
	reg := session.NewRegistry(session.DefaultOptions(), nil)
	rt := router.NewRouter(reg, nil, nil, routerOpts, nil)
	var sup *liveness.Supervisor
	if probe != nil {
		sup = liveness.NewSupervisor(*probe, func(id string) { _ = reg.RemoveConnection(id) }, nil)
	}
	h := NewHandler(reg, rt, sup, HandlerOptions{}, nil)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
	})
	return &testServer{registry: reg, server: srv}
}

func (s *testServer) dial(t *testing.T, class string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?class=" + class
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f inbound
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHandler_RejectsInvalidClassCode(t *testing.T) {
	s := newTestServer(t, nil, router.Options{})

	for _, class := range []string{"", "a", "has%20space", strings.Repeat("x", 33)} {
		resp, err := http.Get(s.server.URL + "/ws?class=" + class)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "class %q", class)
	}
}

func TestHandler_ConnectionAck(t *testing.T) {
	s := newTestServer(t, nil, router.Options{})
	conn := s.dial(t, "BIO101")

	f := readFrame(t, conn)
	require.Equal(t, types.MessageTypeConnectionAck, f.Type)

	var ack types.ConnectionAckPayload
	require.NoError(t, json.Unmarshal(f.Payload, &ack))
	assert.Equal(t, "BIO101", ack.ClassCode)
	assert.NotEmpty(t, ack.SessionID)
	assert.NotEmpty(t, ack.ConnectionID)
	assert.Equal(t, liveness.DefaultBackoff().Policy(), ack.Reconnect)

	sess, err := s.registry.SessionByCode("BIO101")
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), ack.SessionID)
}

func TestHandler_SameClassSharesSession(t *testing.T) {
	s := newTestServer(t, nil, router.Options{})

	var ids []string
	for i := 0; i < 3; i++ {
		var ack types.ConnectionAckPayload
		require.NoError(t, json.Unmarshal(readFrame(t, s.dial(t, "CHEM200")).Payload, &ack))
		ids = append(ids, ack.SessionID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
	assert.Equal(t, 3, s.registry.Stats()["connections"])
}

func TestHandler_RoutesFrames(t *testing.T) {
	s := newTestServer(t, nil, router.Options{})
	conn := s.dial(t, "BIO101")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    "register",
		"payload": map[string]string{"role": "student", "languageCode": "es"},
	}))
	f := readFrame(t, conn)
	assert.Equal(t, types.MessageTypeRegisterAck, f.Type)
	assert.Equal(t, 1, s.registry.Stats()["students"])
}

func TestHandler_DisconnectRemovesConnection(t *testing.T) {
	s := newTestServer(t, nil, router.Options{})
	conn := s.dial(t, "BIO101")
	readFrame(t, conn)
	require.Equal(t, 1, s.registry.Stats()["connections"])

	conn.Close()
	assert.Eventually(t, func() bool {
		return s.registry.Stats()["connections"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_ClosesAfterTooManyMalformed(t *testing.T) {
	s := newTestServer(t, nil, router.Options{MalformedThreshold: 2})
	conn := s.dial(t, "BIO101")
	readFrame(t, conn)

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	errorsSeen := 0
	for {
		var f inbound
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		if f.Type == types.MessageTypeError {
			errorsSeen++
		}
	}
	assert.GreaterOrEqual(t, errorsSeen, 2)
	assert.Eventually(t, func() bool {
		return s.registry.Stats()["connections"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_EvictsSilentConnection(t *testing.T) {
	s := newTestServer(t, &liveness.Options{Interval: 20 * time.Millisecond, MissedProbes: 3}, router.Options{})

	conn := s.dial(t, "BIO101")

	// read without ever answering the probes
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	sawPing := false
	for {
		var f inbound
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		if f.Type == types.MessageTypePing {
			sawPing = true
		}
	}
	assert.True(t, sawPing)
	assert.Eventually(t, func() bool {
		return s.registry.Stats()["connections"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}
