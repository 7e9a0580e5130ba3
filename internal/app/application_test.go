package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lectern/internal/config"
	"lectern/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.DSN = filepath.Join(t.TempDir(), "lectern.db")
	cfg.Translation.WhisperURL = ""
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	a, err := NewApplication(context.Background(), cfg, log.New(io.Discard))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.WebSocket.MissedProbes = 0
	_, err := NewApplication(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestApplication_HealthEndpoint(t *testing.T) {
	a := startApp(t, testConfig(t))

	resp, err := http.Get("http://" + a.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "healthy", body["database"])
}

func TestApplication_AppliesTimeouts(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.ReadTimeout = 7 * time.Second
	cfg.HTTP.WriteTimeout = 9 * time.Second
	cfg.WebSocket.PingInterval = 2 * time.Second
	cfg.WebSocket.MissedProbes = 4
	a := startApp(t, cfg)

	assert.Equal(t, 7*time.Second, a.httpServer.ReadTimeout)
	assert.Equal(t, 9*time.Second, a.httpServer.WriteTimeout)
	assert.Equal(t, 8*time.Second, a.Registry().Options().StaleAfter, "stale teacher window follows the liveness grace window")
}

func TestApplication_WithoutDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Enabled = false
	a := startApp(t, cfg)
	assert.Nil(t, a.Database())

	resp, err := http.Get("http://" + a.Addr() + "/api/sessions/closed")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestApplication_StopPersistsOpenSessions(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewApplication(context.Background(), cfg, log.New(io.Discard))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/ws?class=CS101", nil)
	require.NoError(t, err)
	defer conn.Close()

	var ack types.Envelope
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, types.MessageTypeConnectionAck, ack.Type)
	require.Eventually(t, func() bool { return a.Registry().Stats()["sessions"] == 1 }, time.Second, 10*time.Millisecond)

	db := a.Database()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stop closes the database, so reopen a manager afterwards to read back.
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx), "second stop is a no-op")
	assert.Error(t, db.HealthCheck(ctx))

	reopened, err := NewApplication(context.Background(), cfg, log.New(io.Discard))
	require.NoError(t, err)
	defer func() { _ = reopened.Stop(ctx) }()

	summaries, err := reopened.Database().ListSessionSummaries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "CS101", summaries[0].ClassCode)
	assert.NotNil(t, summaries[0].ClosedAt)
}
