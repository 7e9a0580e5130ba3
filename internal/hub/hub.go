// Package hub serializes utterance processing per session. Each active session
// gets one worker goroutine draining a bounded FIFO, so utterance N is fully
// fanned out before N+1 starts while sessions proceed independently.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"lectern/internal/fanout"
	"lectern/internal/metrics"
	"lectern/internal/session"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

// JobKind distinguishes raw audio from ready transcriptions.
type JobKind int

const (
	JobTranscription JobKind = iota
	JobAudio
)

func (k JobKind) String() string {
	if k == JobAudio {
		return "audio"
	}
	return "transcription"
}

// Job is one teacher event accepted by the router.
type Job struct {
	Kind         JobKind
	SessionID    string
	ConnectionID string
	ReceivedAt   time.Time

	// transcription
	Text           string
	IsFinal        bool
	SourceLanguage string

	// audio
	Audio    []byte
	MimeType string
}

// Processor runs the fan-out for one final utterance.
type Processor interface {
	Process(ctx context.Context, u *types.Utterance) (*fanout.Result, error)
}

// Options tunes the hub.
type Options struct {
	QueueSize         int
	TranscribeTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{QueueSize: 32, TranscribeTimeout: 15 * time.Second}
}

type worker struct {
	sessionID string
	jobs      chan Job
}

// Hub owns the per-session workers.
type Hub struct {
	registry    *session.Registry
	processor   Processor
	transcriber interfaces.Transcriber
	opts        Options
	logger      *log.Logger

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]*worker
	wg      sync.WaitGroup
}

// NewHub creates a hub. transcriber may be nil, in which case audio jobs are
// answered with a TranscriptionFailed error.
func NewHub(registry *session.Registry, processor Processor, transcriber interfaces.Transcriber, opts Options, logger *log.Logger) *Hub {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.TranscribeTimeout <= 0 {
		opts.TranscribeTimeout = def.TranscribeTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		registry:    registry,
		processor:   processor,
		transcriber: transcriber,
		opts:        opts,
		logger:      logger.WithPrefix("hub"),
		workers:     make(map[string]*worker),
	}
}

// Start enables Submit. Workers stop when ctx ends or Stop is called.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.running = true
	h.logger.Info("hub started")
	return nil
}

// Stop cancels all workers and waits for them to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.cancel()
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("hub stopped")
	return nil
}

// Submit queues job on its session's FIFO, starting the worker on first use.
func (h *Hub) Submit(job Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrHubNotRunning
	}

	w, ok := h.workers[job.SessionID]
	if !ok {
		sess, err := h.registry.Session(job.SessionID)
		if err != nil {
			return err
		}
		w = &worker{sessionID: job.SessionID, jobs: make(chan Job, h.opts.QueueSize)}
		h.workers[job.SessionID] = w
		h.wg.Add(1)
		go h.run(sess, w)
	}

	select {
	case w.jobs <- job:
		return nil
	default:
		metrics.QueueDropped.Inc()
		return ErrQueueFull
	}
}

// Workers reports the number of live session workers.
func (h *Hub) Workers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.workers)
}

func (h *Hub) run(sess *session.Session, w *worker) {
	defer h.wg.Done()
	defer h.remove(w)

	// in-flight collaborator calls end with either the session or the hub
	ctx, cancel := context.WithCancel(sess.Context())
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("worker exiting", "session", w.sessionID, "queued", len(w.jobs))
			return
		case job := <-w.jobs:
			h.handle(ctx, job)
		}
	}
}

func (h *Hub) remove(w *worker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.workers[w.sessionID] == w {
		delete(h.workers, w.sessionID)
	}
}

func (h *Hub) handle(ctx context.Context, job Job) {
	u := &types.Utterance{
		ID:             uuid.New().String(),
		SessionID:      job.SessionID,
		Text:           job.Text,
		SourceLanguage: job.SourceLanguage,
		IsFinal:        job.IsFinal,
		ReceivedAt:     job.ReceivedAt,
	}

	if job.Kind == JobAudio {
		tr, err := h.transcribe(ctx, job)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("transcription failed", "session", job.SessionID, "err", err)
				h.notify(job.ConnectionID, err)
			}
			return
		}
		u.Text = tr.Text
		u.IsFinal = tr.IsFinal
		if tr.Language != "" {
			u.SourceLanguage = tr.Language
		}
	}

	if !u.IsFinal || strings.TrimSpace(u.Text) == "" {
		return
	}

	res, err := h.processor.Process(ctx, u)
	if err != nil {
		if !errors.Is(err, fanout.ErrNotFinal) && !errors.Is(err, fanout.ErrEmptyUtterance) {
			h.logger.Error("fan-out failed", "session", job.SessionID, "utterance", u.ID, "err", err)
		}
		return
	}
	if len(res.Failed) > 0 {
		h.logger.Warn("fan-out partially failed", "session", job.SessionID, "utterance", u.ID,
			"failed", len(res.Failed), "delivered", res.Delivered)
	}
}

func (h *Hub) transcribe(ctx context.Context, job Job) (interfaces.Transcript, error) {
	if h.transcriber == nil {
		return interfaces.Transcript{}, fmt.Errorf("%w: %w", types.ErrTranscription, ErrNoTranscriber)
	}
	cctx, cancel := context.WithTimeout(ctx, h.opts.TranscribeTimeout)
	defer cancel()

	start := time.Now()
	tr, err := h.transcriber.Transcribe(cctx, job.Audio, job.SourceLanguage)
	metrics.StageDuration.WithLabelValues(metrics.StageTranscribe).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CollaboratorCalls.WithLabelValues(metrics.StageTranscribe, metrics.OutcomeError).Inc()
		if !errors.Is(err, types.ErrTranscription) {
			err = fmt.Errorf("%w: %w", types.ErrTranscription, err)
		}
		return interfaces.Transcript{}, err
	}
	metrics.CollaboratorCalls.WithLabelValues(metrics.StageTranscribe, metrics.OutcomeOK).Inc()
	return tr, nil
}

// notify reports a job failure to the teacher that submitted it.
func (h *Hub) notify(connectionID string, err error) {
	conn, lookupErr := h.registry.Connection(connectionID)
	if lookupErr != nil {
		return
	}
	if werr := conn.WriteJSON(types.ErrorFrame(err, "")); werr != nil {
		h.logger.Debug("error delivery failed", "conn", connectionID, "err", werr)
	}
}
