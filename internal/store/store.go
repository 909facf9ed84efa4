package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("store: run not found")

// Schema creates the run history tables. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    task             TEXT NOT NULL,
    persona          TEXT NOT NULL,
    success          BOOLEAN NOT NULL,
    reason           TEXT NOT NULL,
    error            TEXT NOT NULL,
    cycles           INTEGER NOT NULL,
    final_screenshot TEXT NOT NULL,
    started_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS run_steps (
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    cycle      INTEGER NOT NULL,
    tier       TEXT NOT NULL,
    action     TEXT NOT NULL,
    success    BOOLEAN NOT NULL,
    code       TEXT NOT NULL,
    message    TEXT NOT NULL,
    screenshot TEXT NOT NULL,
    attempts   JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, seq)
);`

// DBPool abstracts pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RunRecord is one persisted task run.
type RunRecord struct {
	ID              string
	Task            string
	Persona         string
	Success         bool
	Reason          string
	Error           string
	Cycles          int
	FinalScreenshot string
	StartedAt       time.Time
	FinishedAt      time.Time
	Steps           []StepRecord
}

// StepRecord is one executed action of a run. Message holds the failure
// text for failed steps.
type StepRecord struct {
	Seq        int
	Cycle      int
	Tier       string
	Action     string
	Success    bool
	Code       string
	Message    string
	Screenshot string
	Attempts   []string
	CreatedAt  time.Time
}

// Store persists run history in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// Open connects to url and returns a Store and a close func.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const sqlInsertRun = `
INSERT INTO runs (id, task, persona, success, reason, error, cycles, final_screenshot, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

var stepColumns = []string{"run_id", "seq", "cycle", "tier", "action", "success", "code", "message", "screenshot", "attempts", "created_at"}

// SaveRun writes the run row and its steps in one transaction.
func (s *Store) SaveRun(ctx context.Context, run RunRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction.", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlInsertRun,
		run.ID, run.Task, run.Persona, run.Success, run.Reason, run.Error, run.Cycles,
		run.FinalScreenshot, run.StartedAt.UTC(), run.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	if len(run.Steps) > 0 {
		if err := s.copySteps(ctx, tx, run.ID, run.Steps); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Run saved.", zap.String("run_id", run.ID), zap.Int("steps", len(run.Steps)))
	return nil
}

func (s *Store) copySteps(ctx context.Context, tx pgx.Tx, runID string, steps []StepRecord) error {
	rows := make([][]any, len(steps))
	for i, st := range steps {
		attempts := st.Attempts
		if attempts == nil {
			attempts = []string{}
		}
		raw, err := json.Marshal(attempts)
		if err != nil {
			return fmt.Errorf("failed to encode attempts for step %d: %w", st.Seq, err)
		}
		rows[i] = []any{
			runID, st.Seq, st.Cycle, st.Tier, st.Action, st.Success,
			st.Code, st.Message, st.Screenshot, raw, st.CreatedAt.UTC(),
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"run_steps"}, stepColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy steps: %w", err)
	}
	if int(n) != len(steps) {
		return fmt.Errorf("mismatch in copied steps count: expected %d, got %d", len(steps), n)
	}
	return nil
}

const sqlSelectRun = `
SELECT id, task, persona, success, reason, error, cycles, final_screenshot, started_at, finished_at
FROM runs
WHERE id = $1`

const sqlSelectSteps = `
SELECT seq, cycle, tier, action, success, code, message, screenshot, attempts, created_at
FROM run_steps
WHERE run_id = $1
ORDER BY seq ASC`

// GetRun reads a run and its steps.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var r RunRecord
	err := s.pool.QueryRow(ctx, sqlSelectRun, id).Scan(
		&r.ID, &r.Task, &r.Persona, &r.Success, &r.Reason, &r.Error, &r.Cycles,
		&r.FinalScreenshot, &r.StartedAt, &r.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlSelectSteps, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st StepRecord
		var raw []byte
		if err := rows.Scan(&st.Seq, &st.Cycle, &st.Tier, &st.Action, &st.Success,
			&st.Code, &st.Message, &st.Screenshot, &raw, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &st.Attempts); err != nil {
				return nil, fmt.Errorf("failed to decode attempts for step %d: %w", st.Seq, err)
			}
		}
		r.Steps = append(r.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return &r, nil
}

const sqlListRuns = `
SELECT id, task, persona, success, reason, error, cycles, final_screenshot, started_at, finished_at
FROM runs
ORDER BY started_at DESC
LIMIT $1`

// ListRuns returns the most recent runs without their steps.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlListRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Task, &r.Persona, &r.Success, &r.Reason, &r.Error, &r.Cycles,
			&r.FinalScreenshot, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}
