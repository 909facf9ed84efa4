package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flexibleSQLMatcher makes a whitespace-insensitive regex for sql.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func sampleRun() RunRecord {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return RunRecord{
		ID:              uuid.NewString(),
		Task:            "sign up and add a mood",
		Persona:         "novice",
		Success:         true,
		Cycles:          2,
		FinalScreenshot: "screenshots/final.png",
		StartedAt:       start,
		FinishedAt:      start.Add(90 * time.Second),
		Steps: []StepRecord{
			{Seq: 1, Cycle: 1, Tier: "adaptive", Action: "Tap(Create account)", Success: true, CreatedAt: start.Add(time.Second)},
			{
				Seq: 2, Cycle: 1, Tier: "adaptive", Action: "Tap(Save)", Code: "ELEMENT_NOT_FOUND",
				Message: "Element not found", Attempts: []string{"direct", "scroll"}, CreatedAt: start.Add(2 * time.Second),
			},
		},
	}
}

func TestNewStore(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(Schema)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// anyRunArgs matches the ten columns of a run insert.
func anyRunArgs() []any {
	args := make([]any, 10)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestSaveRun(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts run and copies steps in one transaction", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(core))
		run := sampleRun()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(run.ID, run.Task, run.Persona, run.Success, run.Reason, run.Error, run.Cycles,
				run.FinalScreenshot, run.StartedAt, run.FinishedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"run_steps"}, stepColumns).WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveRun(ctx, run))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, logs.All(), "a closed transaction is not a rollback error")
	})

	t.Run("skips copy for a run without steps", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		run := sampleRun()
		run.Steps = nil

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).WithArgs(anyRunArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveRun(ctx, run))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rolls back when the copy fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		copyErr := errors.New("disk full")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).WithArgs(anyRunArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"run_steps"}, stepColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.SaveRun(ctx, sampleRun())
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("reports a short copy", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).WithArgs(anyRunArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"run_steps"}, stepColumns).WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.SaveRun(ctx, sampleRun())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("fails when begin fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectBegin().WillReturnError(errors.New("too many connections"))

		err := s.SaveRun(ctx, sampleRun())
		assert.ErrorContains(t, err, "failed to begin transaction")
	})
}

func TestGetRun(t *testing.T) {
	ctx := context.Background()
	runCols := []string{"id", "task", "persona", "success", "reason", "error", "cycles", "final_screenshot", "started_at", "finished_at"}
	stepCols := []string{"seq", "cycle", "tier", "action", "success", "code", "message", "screenshot", "attempts", "created_at"}

	t.Run("reads run with ordered steps", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		want := sampleRun()

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRun)).WithArgs(want.ID).
			WillReturnRows(pgxmock.NewRows(runCols).AddRow(
				want.ID, want.Task, want.Persona, want.Success, want.Reason, want.Error, want.Cycles,
				want.FinalScreenshot, want.StartedAt, want.FinishedAt))
		steps := pgxmock.NewRows(stepCols)
		for _, st := range want.Steps {
			raw := []byte("[]")
			if len(st.Attempts) > 0 {
				raw = []byte(`["` + strings.Join(st.Attempts, `","`) + `"]`)
			}
			steps.AddRow(st.Seq, st.Cycle, st.Tier, st.Action, st.Success, st.Code, st.Message, st.Screenshot, raw, st.CreatedAt)
		}
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSteps)).WithArgs(want.ID).WillReturnRows(steps)

		got, err := s.GetRun(ctx, want.ID)

		require.NoError(t, err)
		assert.Equal(t, want.Task, got.Task)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, []string{"direct", "scroll"}, got.Steps[1].Attempts)
		assert.Empty(t, got.Steps[0].Attempts)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("unknown id", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRun)).WithArgs("missing").WillReturnError(pgx.ErrNoRows)

		_, err := s.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestListRuns(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	run := sampleRun()
	cols := []string{"id", "task", "persona", "success", "reason", "error", "cycles", "final_screenshot", "started_at", "finished_at"}

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlListRuns)).WithArgs(20).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			run.ID, run.Task, run.Persona, run.Success, run.Reason, run.Error, run.Cycles,
			run.FinalScreenshot, run.StartedAt, run.FinishedAt))

	runs, err := s.ListRuns(context.Background(), 0)

	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Empty(t, runs[0].Steps)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
