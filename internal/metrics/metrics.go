package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lectern_connections_accepted_total",
		Help: "WebSocket connections accepted",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_frames_received_total",
		Help: "Inbound frames by message type",
	}, []string{"type"})

	FrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_frame_errors_total",
		Help: "Error frames sent back to clients by kind",
	}, []string{"kind"})

	LivenessEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lectern_liveness_evictions_total",
		Help: "Connections closed after missing liveness probes",
	})

	Utterances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lectern_utterances_total",
		Help: "Final utterances fanned out",
	})

	CollaboratorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_collaborator_calls_total",
		Help: "Transcription, translation and synthesis calls by outcome",
	}, []string{"stage", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lectern_stage_duration_seconds",
		Help:    "Per-stage collaborator latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 8.0},
	}, []string{"stage"})

	FanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lectern_fanout_duration_seconds",
		Help:    "Utterance arrival to last delivery",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0},
	})

	FanoutLanguages = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lectern_fanout_languages",
		Help:    "Distinct target languages per utterance",
		Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 12, 16},
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_deliveries_total",
		Help: "Per-student deliveries by result",
	}, []string{"result"})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_sessions_closed_total",
		Help: "Closed sessions by quality classification",
	}, []string{"quality"})

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_backend_errors_total",
		Help: "Collaborator backend failures by stage, backend and reason",
	}, []string{"stage", "backend", "reason"})

	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lectern_queue_dropped_total",
		Help: "Utterance jobs rejected because a session queue was full",
	})
)

// Stage labels
const (
	StageTranscribe = "transcribe"
	StageTranslate  = "translate"
	StageSynthesize = "synthesize"
)

// Outcome labels
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)
