package eval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned when a run id or the latest run does not exist.
var ErrRunNotFound = errors.New("run not found")

// Run describes one measurement pass over a record file.
type Run struct {
	ID            string
	Input         string
	CreatedAt     time.Time
	Conversations int
	Rows          int
}

// NewRun creates a run for input with a fresh id.
func NewRun(input string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SQLITE STORE
// ═══════════════════════════════════════════════════════════════════════════════

// SQLiteStore keeps measurement runs and their per-turn rows.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens or creates the results database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		input TEXT NOT NULL,
		created_at TEXT NOT NULL,
		conversations INTEGER NOT NULL,
		row_count INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);

	CREATE TABLE IF NOT EXISTS turn_scores (
		run_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		method TEXT NOT NULL,
		turn INTEGER NOT NULL,
		fidelity REAL NOT NULL,
		is_contradiction INTEGER NOT NULL,
		PRIMARY KEY (run_id, conversation_id, turn),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRun stores run and its rows in one transaction. The run's counts are
// filled from scores.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run, scores []TurnScore) error {
	if run == nil || run.ID == "" {
		return errors.New("run must have an id")
	}

	convs := make(map[string]struct{})
	for _, sc := range scores {
		convs[sc.ConversationID] = struct{}{}
	}
	run.Conversations = len(convs)
	run.Rows = len(scores)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, input, created_at, conversations, row_count) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Input, run.CreatedAt.UTC().Format(timeLayout), run.Conversations, run.Rows,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO turn_scores (run_id, conversation_id, role, method, turn, fidelity, is_contradiction)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare turn insert: %w", err)
	}
	defer stmt.Close()

	for _, sc := range scores {
		if _, err := stmt.ExecContext(ctx, run.ID, sc.ConversationID, sc.Role, sc.Method, sc.Turn, sc.Fidelity, boolToInt(sc.Contradiction)); err != nil {
			return fmt.Errorf("save turn %s/%d: %w", sc.ConversationID, sc.Turn, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, input, created_at, conversations, row_count
	FROM runs
	ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LoadRun returns the run with id, or the newest run when id is empty.
func (s *SQLiteStore) LoadRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, input, created_at, conversations, row_count FROM runs WHERE id = ?`
	args := []any{id}
	if id == "" {
		query = `SELECT id, input, created_at, conversations, row_count FROM runs ORDER BY created_at DESC LIMIT 1`
		args = nil
	}

	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// LoadScores returns the rows of a run ordered by conversation and turn.
func (s *SQLiteStore) LoadScores(ctx context.Context, runID string) ([]TurnScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT conversation_id, role, method, turn, fidelity, is_contradiction
	FROM turn_scores
	WHERE run_id = ?
	ORDER BY conversation_id, turn
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load scores: %w", err)
	}
	defer rows.Close()

	var out []TurnScore
	for rows.Next() {
		var sc TurnScore
		var contradiction int
		if err := rows.Scan(&sc.ConversationID, &sc.Role, &sc.Method, &sc.Turn, &sc.Fidelity, &contradiction); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		sc.Contradiction = contradiction != 0
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var createdAt string
	if err := row.Scan(&run.ID, &run.Input, &createdAt, &run.Conversations, &run.Rows); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	run.CreatedAt = t
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
