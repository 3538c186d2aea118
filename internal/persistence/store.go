// Package persistence keeps the minimal generation state needed to drive
// and recover the lifecycle, backed by SQLite.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/genrunner/internal/generation"
)

// ErrNotFound is returned when a generation does not exist.
var ErrNotFound = errors.New("generation not found")

// Store persists generations.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the generations table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS generations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			app_id TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			mode TEXT NOT NULL,
			state TEXT NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER NOT NULL DEFAULT 0,
			prior_session_id TEXT NOT NULL DEFAULT '',
			cost_usd REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			container_id TEXT NOT NULL DEFAULT '',
			artifact_path TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			ended_at TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_generations_user ON generations(user_id, id);
		CREATE INDEX IF NOT EXISTS idx_generations_state ON generations(state);
	`)
	return err
}

// migrateV2 records how a generation finished: the completion report and
// the outcome of the shutdown sequence.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		ALTER TABLE generations ADD COLUMN completion_json TEXT NOT NULL DEFAULT '';
		ALTER TABLE generations ADD COLUMN stop_json TEXT NOT NULL DEFAULT '';
	`)
	return err
}

const generationColumns = `id, user_id, app_id, prompt, mode, state, iteration, max_iterations,
	prior_session_id, cost_usd, duration_ms, container_id, artifact_path, failure_reason,
	created_at, updated_at, ended_at, completion_json, stop_json`

// CreateGeneration inserts g and assigns its id.
func (s *Store) CreateGeneration(g *generation.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = g.CreatedAt
	}
	if g.State == "" {
		g.State = generation.StateQueued
	}

	completion, stop, err := encodeOutcome(g)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`INSERT INTO generations (user_id, app_id, prompt, mode, state, iteration, max_iterations,
			prior_session_id, cost_usd, duration_ms, container_id, artifact_path, failure_reason,
			created_at, updated_at, ended_at, completion_json, stop_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.UserID, g.AppID, g.Prompt, string(g.Mode), string(g.State), g.Iteration, g.MaxIterations,
		g.PriorSessionID, g.CostUSD, g.Duration.Milliseconds(), g.ContainerID, g.ArtifactPath, g.FailureReason,
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt), formatTimePtr(g.EndedAt), completion, stop,
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert generation id: %w", err)
	}
	g.ID = id
	return nil
}

// SaveGeneration writes every mutable field of g.
func (s *Store) SaveGeneration(g *generation.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	completion, stop, err := encodeOutcome(g)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE generations SET state = ?, iteration = ?, max_iterations = ?, cost_usd = ?,
			duration_ms = ?, container_id = ?, artifact_path = ?, failure_reason = ?,
			updated_at = ?, ended_at = ?, completion_json = ?, stop_json = ?
		WHERE id = ?`,
		string(g.State), g.Iteration, g.MaxIterations, g.CostUSD,
		g.Duration.Milliseconds(), g.ContainerID, g.ArtifactPath, g.FailureReason,
		formatTime(g.UpdatedAt), formatTimePtr(g.EndedAt), completion, stop,
		g.ID,
	)
	if err != nil {
		return fmt.Errorf("update generation %d: %w", g.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update generation %d: %w", g.ID, ErrNotFound)
	}
	return nil
}

// GetGeneration returns one generation.
func (s *Store) GetGeneration(id int64) (*generation.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+generationColumns+" FROM generations WHERE id = ?", id)
	g, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("generation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get generation %d: %w", id, err)
	}
	return g, nil
}

// ListGenerations returns a user's generations, newest first.
func (s *Store) ListGenerations(userID string, limit int) ([]*generation.Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query("list generations",
		"SELECT "+generationColumns+" FROM generations WHERE user_id = ? ORDER BY id DESC LIMIT ?",
		userID, limit)
}

// ListActive returns every generation not in a terminal state.
func (s *Store) ListActive() ([]*generation.Generation, error) {
	placeholders, args := activeStates()
	return s.query("list active generations",
		"SELECT "+generationColumns+" FROM generations WHERE state IN ("+placeholders+") ORDER BY id ASC",
		args...)
}

// FailInterrupted marks every non-terminal generation failed with reason.
// It runs at startup, before any new generation is admitted.
func (s *Store) FailInterrupted(reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now().UTC())
	placeholders, states := activeStates()
	args := append([]any{string(generation.StateFailed), reason, now, now}, states...)
	res, err := s.db.Exec(
		`UPDATE generations SET state = ?, failure_reason = ?, updated_at = ?, ended_at = ?
		WHERE state IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted generations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) query(op, q string, args ...any) ([]*generation.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []*generation.Generation{}
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row scanner) (*generation.Generation, error) {
	var (
		g                        generation.Generation
		mode, state              string
		durationMS               int64
		created, updated, ended  string
		completionJSON, stopJSON string
	)
	err := row.Scan(&g.ID, &g.UserID, &g.AppID, &g.Prompt, &mode, &state, &g.Iteration, &g.MaxIterations,
		&g.PriorSessionID, &g.CostUSD, &durationMS, &g.ContainerID, &g.ArtifactPath, &g.FailureReason,
		&created, &updated, &ended, &completionJSON, &stopJSON)
	if err != nil {
		return nil, err
	}
	g.Mode = generation.Mode(mode)
	g.State = generation.State(state)
	g.Duration = time.Duration(durationMS) * time.Millisecond
	g.CreatedAt = parseTime(created)
	g.UpdatedAt = parseTime(updated)
	if ended != "" {
		t := parseTime(ended)
		g.EndedAt = &t
	}
	if completionJSON != "" {
		g.Completion = &generation.Completion{}
		if err := json.Unmarshal([]byte(completionJSON), g.Completion); err != nil {
			return nil, fmt.Errorf("decode completion: %w", err)
		}
	}
	if stopJSON != "" {
		g.Stop = &generation.StopRecord{}
		if err := json.Unmarshal([]byte(stopJSON), g.Stop); err != nil {
			return nil, fmt.Errorf("decode stop record: %w", err)
		}
	}
	return &g, nil
}

func encodeOutcome(g *generation.Generation) (completion, stop string, err error) {
	if g.Completion != nil {
		data, err := json.Marshal(g.Completion)
		if err != nil {
			return "", "", fmt.Errorf("encode completion: %w", err)
		}
		completion = string(data)
	}
	if g.Stop != nil {
		data, err := json.Marshal(g.Stop)
		if err != nil {
			return "", "", fmt.Errorf("encode stop record: %w", err)
		}
		stop = string(data)
	}
	return completion, stop, nil
}

func activeStates() (string, []any) {
	states := []generation.State{
		generation.StateQueued,
		generation.StateGenerating,
		generation.StatePausedForPrompt,
		generation.StatePausedForCredentials,
		generation.StateCancelling,
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", "), args
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
