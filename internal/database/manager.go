// Package database persists closed-session summaries and, when detailed
// logging is enabled, every fanned-out utterance with its translations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	dbconfig "lectern/pkg/database"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

var _ interfaces.DatabaseManager = (*Manager)(nil)

const writeTimeout = 30 * time.Second

// Manager implements interfaces.DatabaseManager on database/sql.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *log.Logger
	writeChannel chan writeOperation // single writer for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies embedded migrations and starts the
// write loop.
func NewManager(ctx context.Context, config *dbconfig.Config, logger *log.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	db, err := sql.Open(config.Driver, dataSource(config))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if config.Driver == dbconfig.DriverSQLite {
		if err := applySQLiteOptimizations(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
		}
	}

	if err := dbconfig.NewMigrationManager(db, config.Driver).ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger.WithPrefix("db"),
		writeChannel: make(chan writeOperation, config.WriteBuffer),
		shutdown:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeLoop()

	m.logger.Info("database ready", "driver", config.Driver)
	return m, nil
}

func dataSource(config *dbconfig.Config) string {
	if config.Driver != dbconfig.DriverSQLite || strings.Contains(config.DSN, "?") {
		return config.DSN
	}
	return config.DSN + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// writeLoop runs every write on one goroutine. A failed write is retried
// once after RetryDelay.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && m.config.RetryDelay > 0 {
				m.logger.Warn("write failed, retrying", "delay", m.config.RetryDelay, "err", err)
				select {
				case <-time.After(m.config.RetryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
				if err != nil {
					m.logger.Error("write failed after retry", "err", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

func (m *Manager) rebind(query string) string {
	return dbconfig.Rebind(m.config.Driver, query)
}

// RecordUtterance stores an utterance, its translation units and the audio
// synthesized for them atomically.
func (m *Manager) RecordUtterance(ctx context.Context, sessionID string, u *types.Utterance,
	units []types.TranslationUnit, audio []types.SynthesizedAudio) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, m.rebind(`
			INSERT INTO utterances (id, session_id, text, source_language, received_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			u.ID, sessionID, u.Text, u.SourceLanguage, u.ReceivedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert utterance: %w", err)
		}

		for _, unit := range units {
			_, err = tx.ExecContext(ctx, m.rebind(`
				INSERT INTO translations (utterance_id, target_language, translated_text, created_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (utterance_id, target_language) DO NOTHING`),
				u.ID, unit.TargetLanguage, unit.TranslatedText, unit.CreatedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to insert translation %s: %w", unit.TargetLanguage, err)
			}
		}

		for _, a := range audio {
			_, err = tx.ExecContext(ctx, m.rebind(`
				INSERT INTO translation_audio (utterance_id, target_language, backend, voice, audio_ref, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (utterance_id, target_language, backend, voice) DO NOTHING`),
				u.ID, a.TargetLanguage, a.Backend, a.Voice, a.AudioRef, a.CreatedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to insert audio %s/%s: %w", a.TargetLanguage, a.Voice, err)
			}
		}
		return tx.Commit()
	})
}

// AudioRefs returns the stored audio references of one translation, ordered
// by backend and voice.
func (m *Manager) AudioRefs(ctx context.Context, utteranceID, language string) ([]types.SynthesizedAudio, error) {
	rows, err := m.db.QueryContext(ctx, m.rebind(`
		SELECT utterance_id, target_language, backend, voice, audio_ref, created_at
		FROM translation_audio
		WHERE utterance_id = ? AND target_language = ?
		ORDER BY backend, voice`), utteranceID, language)
	if err != nil {
		return nil, fmt.Errorf("failed to query audio: %w", err)
	}
	defer rows.Close()

	var out []types.SynthesizedAudio
	for rows.Next() {
		var a types.SynthesizedAudio
		if err := rows.Scan(&a.UtteranceID, &a.TargetLanguage, &a.Backend, &a.Voice, &a.AudioRef, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audio: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordSession upserts a session summary. Called when a session closes.
func (m *Manager) RecordSession(ctx context.Context, s *types.SessionSummary) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, m.rebind(`
			INSERT INTO sessions (id, class_code, started_at, last_activity_at, emptied_at, closed_at,
				teachers, students, peak_students, utterances, quality)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				last_activity_at = excluded.last_activity_at,
				emptied_at = excluded.emptied_at,
				closed_at = excluded.closed_at,
				teachers = excluded.teachers,
				students = excluded.students,
				peak_students = excluded.peak_students,
				utterances = excluded.utterances,
				quality = excluded.quality`),
			s.SessionID, s.ClassCode, s.StartedAt.UTC(), s.LastActivity.UTC(),
			nullTime(s.EmptiedAt), nullTime(s.ClosedAt),
			s.Teachers, s.Students, s.PeakStudents, s.Utterances, string(s.Quality))
		if err != nil {
			return fmt.Errorf("failed to record session %s: %w", s.SessionID, err)
		}
		return nil
	})
}

// ListSessionSummaries returns up to limit closed sessions, most recently closed first.
func (m *Manager) ListSessionSummaries(ctx context.Context, limit int) ([]*types.SessionSummary, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := m.db.QueryContext(ctx, m.rebind(`
		SELECT id, class_code, started_at, last_activity_at, emptied_at, closed_at,
			teachers, students, peak_students, utterances, quality
		FROM sessions
		WHERE closed_at IS NOT NULL
		ORDER BY closed_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := []*types.SessionSummary{}
	for rows.Next() {
		var (
			s         types.SessionSummary
			emptiedAt sql.NullTime
			closedAt  sql.NullTime
			quality   string
		)
		if err := rows.Scan(&s.SessionID, &s.ClassCode, &s.StartedAt, &s.LastActivity, &emptiedAt, &closedAt,
			&s.Teachers, &s.Students, &s.PeakStudents, &s.Utterances, &quality); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.EmptiedAt = timePtr(emptiedAt)
		s.ClosedAt = timePtr(closedAt)
		s.Quality = types.Quality(quality)
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}

// UtteranceCount reports how many utterances are stored for a session.
func (m *Manager) UtteranceCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, m.rebind("SELECT COUNT(*) FROM utterances WHERE session_id = ?"), sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count utterances: %w", err)
	}
	return n, nil
}

// HealthCheck validates connectivity and that the schema is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the write loop and closes the database. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
