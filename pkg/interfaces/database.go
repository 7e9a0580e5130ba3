package interfaces

import (
	"context"

	"lectern/pkg/types"
)

// UtteranceRecorder persists fanned-out utterances when detailed logging is enabled.
// audio holds one entry per synthesized voice. Callers treat it as
// fire-and-forget; a failure never affects delivery.
type UtteranceRecorder interface {
	RecordUtterance(ctx context.Context, sessionID string, utterance *types.Utterance,
		units []types.TranslationUnit, audio []types.SynthesizedAudio) error
}

// SessionArchive stores and lists summaries of closed sessions.
type SessionArchive interface {
	RecordSession(ctx context.Context, summary *types.SessionSummary) error
	ListSessionSummaries(ctx context.Context, limit int) ([]*types.SessionSummary, error)
}

// DatabaseManager is the full persistence surface used by the application.
type DatabaseManager interface {
	UtteranceRecorder
	SessionArchive

	// HealthCheck verifies connectivity for the /health endpoint.
	HealthCheck(ctx context.Context) error

	Close() error
}
