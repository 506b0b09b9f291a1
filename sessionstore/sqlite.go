// Package sessionstore persists agent sessions and their compacted histories
// in SQLite.
package sessionstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/martinemde/agentcore/agentloop"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a session has no stored record or history.
var ErrNotFound = errors.New("session not found")

// History reasons recorded with each stored version.
const (
	ReasonCompaction = "compaction"
	ReasonFinal      = "final"
)

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

// SQLiteStore implements agentloop.SessionStore. Every SaveHistory call
// adds a new history version; SaveSession upserts the session row and
// stores the final history.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

var _ agentloop.SessionStore = (*SQLiteStore)(nil)

// Open opens or creates the database at path and migrates it to the latest
// schema.
func Open(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug().Str("path", path).Msg("session store opened")
	return &SQLiteStore{db: db, logger: logger}, nil
}

func migrate(db *sql.DB, logger zerolog.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose output to zerolog at debug level.
type gooseLogger struct {
	logger zerolog.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug().Msgf(format, v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error().Msgf(format, v...)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveHistory stores history as the next version for sessionID.
func (s *SQLiteStore) SaveHistory(ctx context.Context, sessionID string, history []agentloop.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertHistory(ctx, s.db, sessionID, ReasonCompaction, history)
}

// SaveSession upserts the session record and stores history as its final
// version.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec agentloop.SessionRecord, history []agentloop.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var outcomeErr string
	if rec.Outcome.Err != nil {
		outcomeErr = rec.Outcome.Err.Error()
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO sessions (id, task, model, state, steps, max_steps, token_budget,
		outcome_status, outcome_reason, outcome_content, outcome_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		task = excluded.task,
		model = excluded.model,
		state = excluded.state,
		steps = excluded.steps,
		max_steps = excluded.max_steps,
		token_budget = excluded.token_budget,
		outcome_status = excluded.outcome_status,
		outcome_reason = excluded.outcome_reason,
		outcome_content = excluded.outcome_content,
		outcome_error = excluded.outcome_error,
		updated_at = excluded.updated_at`,
		rec.ID, rec.Task, rec.Model, string(rec.State), rec.Steps, rec.MaxSteps, rec.TokenBudget,
		string(rec.Outcome.Status), string(rec.Outcome.Reason), rec.Outcome.Content, outcomeErr,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}

	if history != nil {
		if err := s.insertHistory(ctx, tx, rec.ID, ReasonFinal, history); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session %s: %w", rec.ID, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) insertHistory(ctx context.Context, db execer, sessionID, reason string, history []agentloop.Message) error {
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM histories WHERE session_id = ?`, sessionID,
	).Scan(&version); err != nil {
		return fmt.Errorf("next history version: %w", err)
	}

	_, err = db.ExecContext(ctx, `
	INSERT INTO histories (session_id, version, reason, message_count, token_estimate, messages_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, version, reason, len(history), agentloop.EstimateHistory(history), string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert history for %s: %w", sessionID, err)
	}
	s.logger.Debug().Str("session_id", sessionID).Int("version", version).Str("reason", reason).
		Int("messages", len(history)).Msg("history stored")
	return nil
}

// LoadSession returns the stored record for id. The outcome error, if any,
// comes back as a plain error carrying the stored message.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (agentloop.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, task, model, state, steps, max_steps, token_budget,
		outcome_status, outcome_reason, outcome_content, outcome_error, created_at, updated_at
	FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return agentloop.SessionRecord{}, ErrNotFound
	}
	return rec, err
}

// ListSessions returns up to limit sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]agentloop.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, task, model, state, steps, max_steps, token_budget,
		outcome_status, outcome_reason, outcome_content, outcome_error, created_at, updated_at
	FROM sessions ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []agentloop.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (agentloop.SessionRecord, error) {
	var (
		rec                   agentloop.SessionRecord
		state, status, reason string
		outcomeErr            string
		createdAt, updatedAt  int64
	)
	err := row.Scan(&rec.ID, &rec.Task, &rec.Model, &state, &rec.Steps, &rec.MaxSteps, &rec.TokenBudget,
		&status, &reason, &rec.Outcome.Content, &outcomeErr, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan session: %w", err)
	}
	rec.State = agentloop.SessionState(state)
	rec.Outcome.Status = agentloop.OutcomeStatus(status)
	rec.Outcome.Reason = agentloop.StopReason(reason)
	rec.Outcome.Steps = rec.Steps
	if outcomeErr != "" {
		rec.Outcome.Err = errors.New(outcomeErr)
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}

// LatestHistory returns the newest stored history of a session.
func (s *SQLiteStore) LatestHistory(ctx context.Context, sessionID string) ([]agentloop.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
	SELECT messages_json FROM histories WHERE session_id = ? ORDER BY version DESC LIMIT 1`, sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", sessionID, err)
	}

	var history []agentloop.Message
	if err := json.Unmarshal([]byte(data), &history); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", sessionID, err)
	}
	return history, nil
}

// HistoryVersions returns how many histories are stored for a session.
func (s *SQLiteStore) HistoryVersions(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM histories WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count histories for %s: %w", sessionID, err)
	}
	return n, nil
}
