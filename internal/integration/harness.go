// Package integration drives a full relay over real sockets.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"lectern/internal/app"
	"lectern/internal/config"
	"lectern/internal/liveness"
	"lectern/pkg/client"
	"lectern/pkg/types"
)

const frameTimeout = 3 * time.Second

// Translations is a fake LibreTranslate server that counts calls per target
// and fails the targets listed in failing.
type Translations struct {
	server *httptest.Server

	mu      sync.Mutex
	calls   map[string]int
	failing map[string]bool
}

func NewTranslations(t testing.TB) *Translations {
	t.Helper()
	tr := &Translations{calls: make(map[string]int), failing: make(map[string]bool)}
	tr.server = httptest.NewServer(http.HandlerFunc(tr.translate))
	t.Cleanup(tr.server.Close)
	return tr
}

func (tr *Translations) translate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Q      string `json:"q"`
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tr.mu.Lock()
	tr.calls[req.Target]++
	failing := tr.failing[req.Target]
	tr.mu.Unlock()

	if failing {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"translatedText": "[" + req.Target + "] " + req.Q})
}

// Fail makes every call for the primary subtag target return 503.
func (tr *Translations) Fail(target string) {
	tr.mu.Lock()
	tr.failing[target] = true
	tr.mu.Unlock()
}

// Calls returns per-target call counts.
func (tr *Translations) Calls() map[string]int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make(map[string]int, len(tr.calls))
	for k, v := range tr.calls {
		out[k] = v
	}
	return out
}

// Relay is a running application bound to an ephemeral port.
type Relay struct {
	App          *app.Application
	Config       *config.Config
	Translations *Translations
	URL          string
}

// StartRelay runs the full application with LibreTranslate pointed at a fake.
// mutate may adjust the config before start.
func StartRelay(t testing.TB, mutate func(*config.Config)) *Relay {
	t.Helper()
	tr := NewTranslations(t)

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.DSN = filepath.Join(t.TempDir(), "lectern.db")
	cfg.Translation.Engine = "libretranslate"
	cfg.Translation.LibreURL = tr.server.URL
	cfg.Translation.WhisperURL = ""
	cfg.Translation.CallTimeout = 2 * time.Second
	cfg.Reconnect.BaseDelay = 20 * time.Millisecond
	cfg.Reconnect.MaxDelay = 100 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	a, err := app.NewApplication(context.Background(), cfg, log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	r := &Relay{App: a, Config: cfg, Translations: tr, URL: "http://" + a.Addr()}
	t.Cleanup(func() { r.Stop(t) })
	return r
}

// Stop shuts the relay down. Safe to call more than once.
func (r *Relay) Stop(t testing.TB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.App.Stop(ctx); err != nil {
		t.Logf("Stop: %v", err)
	}
}

// Participant is a connected client with its frame stream.
type Participant struct {
	*client.Client
	t      testing.TB
	cancel context.CancelFunc
	done   chan error
}

// Join connects a client to classCode, registers it with role and language
// and waits until the relay has acknowledged the registration.
func (r *Relay) Join(t testing.TB, classCode string, role types.Role, lang string, lock bool) *Participant {
	t.Helper()
	p := r.Dial(t, classCode, role, lang, lock)
	p.Expect(types.MessageTypeRegisterAck)
	if lock {
		p.Expect(types.MessageTypeLockAck)
	}
	return p
}

// Dial connects a client that will register on connect, returning once the
// connection-ack has arrived.
func (r *Relay) Dial(t testing.TB, classCode string, role types.Role, lang string, lock bool) *Participant {
	t.Helper()
	c, err := client.New(client.Options{
		ServerURL: r.URL,
		ClassCode: classCode,
		Backoff:   liveness.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 20},
		Logger:    log.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}
	if err := c.Register(role, lang); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if lock {
		if err := c.LockRole(role); err != nil {
			t.Fatalf("LockRole failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Participant{Client: c, t: t, cancel: cancel, done: make(chan error, 1)}
	go func() { p.done <- c.Run(ctx) }()
	t.Cleanup(p.Leave)

	p.Expect(types.MessageTypeConnectionAck)
	return p
}

// Leave closes the client and waits for its run loop.
func (p *Participant) Leave() {
	_ = p.Close()
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(frameTimeout):
	}
}

// Expect returns the next frame of type typ, skipping others.
func (p *Participant) Expect(typ string) types.Envelope {
	p.t.Helper()
	deadline := time.After(frameTimeout)
	for {
		select {
		case env, ok := <-p.Frames():
			if !ok {
				p.t.Fatalf("frame stream closed while waiting for %s", typ)
			}
			if env.Type == typ {
				return env
			}
		case <-deadline:
			p.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// ExpectNone fails if a frame of type typ arrives within wait.
func (p *Participant) ExpectNone(typ string, wait time.Duration) {
	p.t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case env, ok := <-p.Frames():
			if !ok {
				return
			}
			if env.Type == typ {
				p.t.Fatalf("unexpected %s frame: %s", typ, string(env.Payload))
			}
		case <-deadline:
			return
		}
	}
}

// Say sends a final transcription.
func (p *Participant) Say(text, lang string) {
	p.t.Helper()
	err := p.Send(types.Frame{Type: types.MessageTypeTranscription, Payload: types.TranscriptionPayload{
		Text: text, IsFinal: true, SourceLanguage: lang,
	}})
	if err != nil {
		p.t.Fatalf("Send failed: %v", err)
	}
}

// Translation waits for the next translation unit.
func (p *Participant) Translation() types.TranslationUnit {
	p.t.Helper()
	env := p.Expect(types.MessageTypeTranslation)
	var unit types.TranslationUnit
	if err := json.Unmarshal(env.Payload, &unit); err != nil {
		p.t.Fatalf("bad translation payload: %v", err)
	}
	return unit
}

// Error waits for the next error frame.
func (p *Participant) Error() types.ErrorPayload {
	p.t.Helper()
	env := p.Expect(types.MessageTypeError)
	var payload types.ErrorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.t.Fatalf("bad error payload: %v", err)
	}
	return payload
}

// TrimTag strips the fake engine's "[xx] " prefix.
func TrimTag(s string) string {
	if i := strings.Index(s, "] "); i >= 0 && strings.HasPrefix(s, "[") {
		return s[i+2:]
	}
	return s
}
