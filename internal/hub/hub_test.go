package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lectern/internal/fanout"
	"lectern/internal/session"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

type recordingTransport struct {
	mu     sync.Mutex
	frames []types.Frame
}

func (t *recordingTransport) WriteJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := v.(types.Frame); ok {
		t.frames = append(t.frames, f)
	}
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) errors() []types.ErrorPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.ErrorPayload
	for _, f := range t.frames {
		if p, ok := f.Payload.(types.ErrorPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

// orderedProcessor records utterance texts in processing order and can hold
// the worker on a gate to observe serialization.
type orderedProcessor struct {
	mu      sync.Mutex
	texts   []string
	active  int
	overlap bool
	gate    chan struct{}
	done    chan string
}

func (p *orderedProcessor) Process(ctx context.Context, u *types.Utterance) (*fanout.Result, error) {
	p.mu.Lock()
	p.active++
	if p.active > 1 {
		p.overlap = true
	}
	p.mu.Unlock()

	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
		}
	}

	p.mu.Lock()
	p.active--
	p.texts = append(p.texts, u.Text)
	p.mu.Unlock()
	if p.done != nil {
		p.done <- u.Text
	}
	return &fanout.Result{Failed: map[string]error{}}, nil
}

type stubTranscriber struct {
	result interfaces.Transcript
	err    error
}

func (s stubTranscriber) Transcribe(ctx context.Context, chunk []byte, language string) (interfaces.Transcript, error) {
	return s.result, s.err
}

func newTestSession(t *testing.T) (*session.Registry, *session.Connection, *recordingTransport) {
	t.Helper()
	reg := session.NewRegistry(session.DefaultOptions(), nil)
	t.Cleanup(reg.Close)
	tr := &recordingTransport{}
	conn, err := reg.CreateConnection("BIO101", tr)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return reg, conn, tr
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for processor")
		return ""
	}
}

func TestHub_StartStop(t *testing.T) {
	reg, _, _ := newTestSession(t)
	h := NewHub(reg, &orderedProcessor{}, nil, Options{}, nil)

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Expected no error starting hub, got %v", err)
	}
	if err := h.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := h.Stop(); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
}

func TestHub_SubmitRequiresRunning(t *testing.T) {
	reg, conn, _ := newTestSession(t)
	h := NewHub(reg, &orderedProcessor{}, nil, Options{}, nil)

	err := h.Submit(Job{SessionID: conn.SessionID(), Text: "hi", IsFinal: true})
	if err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
}

func TestHub_UnknownSession(t *testing.T) {
	reg, _, _ := newTestSession(t)
	h := NewHub(reg, &orderedProcessor{}, nil, Options{}, nil)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	err := h.Submit(Job{SessionID: "missing", Text: "hi", IsFinal: true})
	if !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestHub_PreservesOrderWithinSession(t *testing.T) {
	reg, conn, _ := newTestSession(t)
	proc := &orderedProcessor{done: make(chan string, 10)}
	h := NewHub(reg, proc, nil, Options{}, nil)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	want := []string{"one", "two", "three", "four", "five"}
	for _, text := range want {
		if err := h.Submit(Job{SessionID: conn.SessionID(), ConnectionID: conn.ID(), Text: text, IsFinal: true}); err != nil {
			t.Fatalf("submit %q: %v", text, err)
		}
	}
	for range want {
		waitFor(t, proc.done)
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.overlap {
		t.Error("utterances of one session overlapped")
	}
	for i, text := range want {
		if proc.texts[i] != text {
			t.Errorf("position %d: expected %q, got %q", i, text, proc.texts[i])
		}
	}
	if h.Workers() != 1 {
		t.Errorf("Expected 1 worker, got %d", h.Workers())
	}
}

func TestHub_DropsInterimTranscriptions(t *testing.T) {
	reg, conn, _ := newTestSession(t)
	proc := &orderedProcessor{done: make(chan string, 10)}
	h := NewHub(reg, proc, nil, Options{}, nil)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	_ = h.Submit(Job{SessionID: conn.SessionID(), Text: "partial", IsFinal: false})
	_ = h.Submit(Job{SessionID: conn.SessionID(), Text: "   ", IsFinal: true})
	_ = h.Submit(Job{SessionID: conn.SessionID(), Text: "complete", IsFinal: true})

	if got := waitFor(t, proc.done); got != "complete" {
		t.Errorf("Expected only the final utterance, got %q", got)
	}
}

func TestHub_QueueFull(t *testing.T) {
	reg, conn, _ := newTestSession(t)
	proc := &orderedProcessor{gate: make(chan struct{}), done: make(chan string, 10)}
	h := NewHub(reg, proc, nil, Options{QueueSize: 1}, nil)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()
	defer close(proc.gate)

	job := Job{SessionID: conn.SessionID(), Text: "x", IsFinal: true}
	if err := h.Submit(job); err != nil {
		t.Fatal(err)
	}
	// wait until the worker holds the first job so the queue is empty again
	deadline := time.Now().Add(2 * time.Second)
	for {
		proc.mu.Lock()
		active := proc.active
		proc.mu.Unlock()
		if active == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up the job")
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.Submit(job); err != nil {
		t.Fatalf("second job should fit the queue: %v", err)
	}
	if err := h.Submit(job); err != ErrQueueFull {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

func TestHub_AudioIsTranscribedFirst(t *testing.T) {
	reg, conn, _ := newTestSession(t)
	proc := &orderedProcessor{done: make(chan string, 10)}
	tr := stubTranscriber{result: interfaces.Transcript{Text: "bonjour", IsFinal: true, Language: "fr"}}
	h := NewHub(reg, proc, tr, Options{}, nil)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	if err := h.Submit(Job{Kind: JobAudio, SessionID: conn.SessionID(), Audio: []byte{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}
	if got := waitFor(t, proc.done); got != "bonjour" {
		t.Errorf("Expected transcript text, got %q", got)
	}
}

func TestHub_TranscriptionFailureNotifiesTeacher(t *testing.T) {
	reg, conn, transport := newTestSession(t)
	proc := &orderedProcessor{done: make(chan string, 10)}
	h := NewHub(reg, proc, stubTranscriber{err: errors.New("engine down")}, Options{}, nil)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	_ = h.Submit(Job{Kind: JobAudio, SessionID: conn.SessionID(), ConnectionID: conn.ID(), Audio: []byte{1}})

	deadline := time.Now().Add(2 * time.Second)
	for len(transport.errors()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("teacher never received an error frame")
		}
		time.Sleep(time.Millisecond)
	}
	if kind := transport.errors()[0].Kind; kind != types.KindTranscriptionFailed {
		t.Errorf("Expected %s, got %s", types.KindTranscriptionFailed, kind)
	}
	select {
	case text := <-proc.done:
		t.Errorf("failed transcription must not reach fan-out, got %q", text)
	default:
	}
}

func TestHub_WorkerExitsWithSession(t *testing.T) {
	reg := session.NewRegistry(session.Options{IdleTimeout: 10 * time.Millisecond}, nil)
	defer reg.Close()
	conn, err := reg.CreateConnection("BIO101", &recordingTransport{})
	if err != nil {
		t.Fatal(err)
	}

	proc := &orderedProcessor{done: make(chan string, 1)}
	h := NewHub(reg, proc, nil, Options{}, nil)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	_ = h.Submit(Job{SessionID: conn.SessionID(), Text: "hello", IsFinal: true})
	waitFor(t, proc.done)

	if err := reg.RemoveConnection(conn.ID()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.Workers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker outlived its session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
