// Package app wires the relay's components and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"lectern/internal/api"
	"lectern/internal/config"
	"lectern/internal/database"
	"lectern/internal/fanout"
	"lectern/internal/history"
	"lectern/internal/hub"
	"lectern/internal/liveness"
	"lectern/internal/metrics"
	"lectern/internal/pipeline"
	"lectern/internal/router"
	"lectern/internal/session"
	"lectern/internal/websocket"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

const (
	recordSessionTimeout = 10 * time.Second
	audioSweepInterval   = time.Minute
)

// Application coordinates all system components.
// Initialization order: database, registry, collaborators, fan-out, hub,
// router, liveness, transport, API.
type Application struct {
	config       *config.Config
	logger       *log.Logger
	dbManager    *database.Manager
	registry     *session.Registry
	history      *history.Store
	audio        *pipeline.AudioStore
	orchestrator *fanout.Orchestrator
	messageHub   *hub.Hub
	router       *router.Router
	supervisor   *liveness.Supervisor
	apiServer    *api.Server
	httpServer   *http.Server
	collector    prometheus.Collector

	listener net.Listener
	cancel   context.CancelFunc
	bg       sync.WaitGroup
	stopOnce sync.Once
}

// NewApplication builds every component from cfg. Nothing listens until Start.
func NewApplication(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	a := &Application{config: cfg, logger: logger.WithPrefix("app")}

	if cfg.Database.Enabled {
		db, err := database.NewManager(ctx, cfg.DatabaseStore(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database manager: %w", err)
		}
		a.dbManager = db
	}

	a.history = history.NewStore(cfg.Session.HistorySize)
	a.registry = session.NewRegistry(session.Options{
		IdleTimeout: cfg.Session.IdleTimeout,
		MinDuration: cfg.Session.MinDuration,
		StaleAfter:  cfg.WebSocket.GraceWindow(),
	}, logger)
	a.registry.OnClose(a.sessionClosed)

	client := pipeline.NewPooledHTTPClient(cfg.Translation.HTTPPoolSize, cfg.Translation.CallTimeout+cfg.Translation.TranscribeTimeout)
	a.audio = pipeline.NewAudioStore(cfg.Translation.AudioTTL, cfg.Translation.AudioCapacity)
	translator, synthesizer, transcriber := buildCollaborators(cfg.Translation, client, a.audio)

	// typed nils must not leak into interface parameters
	var recorder interfaces.UtteranceRecorder
	var archive api.Archive
	if a.dbManager != nil {
		recorder = a.dbManager
		archive = a.dbManager
	}

	orchestrator, err := fanout.New(a.registry, translator, synthesizer, recorder, a.history, fanout.Options{
		CallTimeout:          cfg.Translation.CallTimeout,
		DetailedLogging:      cfg.Translation.DetailedLogging,
		MaxParallelLanguages: cfg.Translation.MaxParallelLanguages,
	}, logger)
	if err != nil {
		a.closeDatabase()
		return nil, fmt.Errorf("failed to initialize fan-out: %w", err)
	}
	a.orchestrator = orchestrator

	a.messageHub = hub.NewHub(a.registry, orchestrator, transcriber, hub.Options{
		QueueSize:         cfg.Session.QueueSize,
		TranscribeTimeout: cfg.Translation.TranscribeTimeout,
	}, logger)

	a.router = router.NewRouter(a.registry, a.messageHub, a.history, router.Options{
		MalformedThreshold: cfg.Session.MalformedThreshold,
		ControlRateLimit:   cfg.Session.ControlRateLimit,
		ControlRateWindow:  time.Minute,
	}, logger)

	a.supervisor = liveness.NewSupervisor(liveness.Options{
		Interval:     cfg.WebSocket.PingInterval,
		MissedProbes: cfg.WebSocket.MissedProbes,
	}, a.evict, logger)

	wsHandler := websocket.NewHandler(a.registry, a.router, a.supervisor, websocket.HandlerOptions{
		Connection: websocket.ConnectionOptions{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		},
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
		Backoff: liveness.Backoff{
			Base:        cfg.Reconnect.BaseDelay,
			Max:         cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
	}, logger)

	a.apiServer = api.NewServer(a.registry, archive, a.audio, http.HandlerFunc(wsHandler.HandleWebSocket), logger)
	a.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           a.apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	a.collector = metrics.NewRegistryCollector(a.registry.Stats)
	if err := prometheus.Register(a.collector); err != nil {
		a.logger.Warn("registry collector not registered", "err", err)
		a.collector = nil
	}

	return a, nil
}

// buildCollaborators registers every backend and returns routers over them.
// transcriber is nil when no whisper endpoint is configured.
func buildCollaborators(cfg config.TranslationConfig, client *http.Client, audio *pipeline.AudioStore) (interfaces.Translator, interfaces.Synthesizer, interfaces.Transcriber) {
	translators := map[string]interfaces.Translator{
		"echo":           pipeline.NewEchoTranslator(),
		"libretranslate": pipeline.NewLibreTranslator(cfg.LibreURL, cfg.LibreAPIKey, client),
		"openai":         pipeline.NewChatTranslator(cfg.OpenAIURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, client),
	}
	speech := map[string]pipeline.SpeechBackend{
		"piper":  pipeline.NewPiperSynthesizer(cfg.PiperURL, cfg.PiperVoice, client),
		"openai": pipeline.NewOpenAISynthesizer(cfg.OpenAIURL, cfg.OpenAIAPIKey, cfg.OpenAITTSModel, cfg.OpenAIVoice, client),
	}

	var transcriber interfaces.Transcriber
	if cfg.WhisperURL != "" {
		transcriber = pipeline.NewWhisperTranscriber(cfg.WhisperURL, client)
	}
	return pipeline.NewTranslateRouter(translators, cfg.Engine, cfg.Fallback),
		pipeline.NewTTSRouter(speech, cfg.TTSFallback, audio),
		transcriber
}

// sessionClosed runs for every closed session.
func (a *Application) sessionClosed(summary types.SessionSummary) {
	metrics.SessionsClosed.WithLabelValues(string(summary.Quality)).Inc()
	a.history.Drop(summary.SessionID)
	if a.dbManager == nil {
		return
	}

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordSessionTimeout)
		defer cancel()
		if err := a.dbManager.RecordSession(ctx, &summary); err != nil {
			a.logger.Error("record session failed", "session", summary.SessionID, "err", err)
		}
	}()
}

// evict detaches a connection the supervisor gave up on.
func (a *Application) evict(connectionID string) {
	if err := a.registry.RemoveConnection(connectionID); err != nil && !errors.Is(err, types.ErrConnectionNotFound) {
		a.logger.Warn("evict failed", "conn", connectionID, "err", err)
	}
	a.router.Forget(connectionID)
}

// Start begins background processing and accepts connections.
func (a *Application) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.messageHub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.audio.Run(runCtx, audioSweepInterval)
	}()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.httpServer.Addr)
	if err != nil {
		_ = a.messageHub.Stop()
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}
	a.listener = ln

	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "err", err)
		}
	}()

	a.logger.Info("lectern started", "addr", ln.Addr().String(),
		"translation", a.config.Translation.Engine, "database", a.config.Database.Enabled)
	return nil
}

// Stop shuts down in reverse order: HTTP, sessions, hub, recorders, database.
func (a *Application) Stop(ctx context.Context) error {
	var stopErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down")

		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP server shutdown error", "err", err)
			stopErr = err
		}

		// closing sessions fires the close hooks, which persist summaries
		a.registry.Close()

		if err := a.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			a.logger.Warn("message hub shutdown error", "err", err)
		}
		a.orchestrator.Drain()

		if a.cancel != nil {
			a.cancel()
		}
		a.bg.Wait()

		a.closeDatabase()
		if a.collector != nil {
			prometheus.Unregister(a.collector)
		}
		a.logger.Info("shutdown complete")
	})
	return stopErr
}

func (a *Application) closeDatabase() {
	if a.dbManager == nil {
		return
	}
	if err := a.dbManager.Close(); err != nil {
		a.logger.Warn("database shutdown error", "err", err)
	}
}

// Addr returns the bound listen address once started, else the configured one.
func (a *Application) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

// Registry exposes the session registry for tooling and tests.
func (a *Application) Registry() *session.Registry {
	return a.registry
}

// Database returns the persistence manager, or nil when disabled.
func (a *Application) Database() *database.Manager {
	return a.dbManager
}
