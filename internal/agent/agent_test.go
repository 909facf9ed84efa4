package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sightline/internal/action"
	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/mocks"
	"github.com/xkilldash9x/sightline/internal/orchestrator"
	"github.com/xkilldash9x/sightline/internal/planner"
	"github.com/xkilldash9x/sightline/internal/screen"
	"github.com/xkilldash9x/sightline/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memRuns struct {
	mu   sync.Mutex
	runs []store.RunRecord
	err  error
}

func (m *memRuns) SaveRun(_ context.Context, r store.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return m.err
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Monitor.Interval = 20 * time.Millisecond
	cfg.Recovery.PostActionSettle = 10 * time.Millisecond
	cfg.Recovery.SettleDelay = 10 * time.Millisecond
	cfg.Recovery.KeyboardAppear = 50 * time.Millisecond
	cfg.Recovery.KeyboardCheckWait = 10 * time.Millisecond
	cfg.Orchestrator.MaxCycles = 3
	return cfg
}

func TestNewRequiresDeviceAndOCR(t *testing.T) {
	_, err := New(zaptest.NewLogger(t), testConfig(), Deps{OCR: mocks.NewScriptedOCR()})
	assert.Error(t, err)
	_, err = New(zaptest.NewLogger(t), testConfig(), Deps{Device: mocks.NewFakeDevice("home")})
	assert.Error(t, err)
}

func TestRunSignedInSessionCompletesAndPersists(t *testing.T) {
	dev := mocks.NewFakeDevice("history")
	ocr := mocks.NewScriptedOCR()
	ocr.SetScreen("history", "Home", "Mood History", "Sign out")
	runs := &memRuns{}

	a, err := New(zaptest.NewLogger(t), testConfig(), Deps{Device: dev, OCR: ocr, Runs: runs})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	res, err := a.Run(context.Background(),
		orchestrator.Task{Text: "log in", Persona: planner.DefaultPersona},
		CompletionFor("Mood History", ""))

	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Cycles)
	require.Len(t, runs.runs, 1)
	saved := runs.runs[0]
	assert.Equal(t, res.ID, saved.ID)
	assert.Equal(t, "log in", saved.Task)
	assert.Equal(t, "default", saved.Persona)
	assert.Len(t, saved.Steps, len(res.History))
}

func TestRunWithoutSessionFailsCapture(t *testing.T) {
	dev := mocks.NewFakeDevice("home")
	dev.SetSession(false)
	runs := &memRuns{err: errors.New("db down")}

	a, err := New(zaptest.NewLogger(t), testConfig(), Deps{Device: dev, OCR: mocks.NewScriptedOCR(), Runs: runs})
	require.NoError(t, err)
	defer a.Close(context.Background())

	res, err := a.Run(context.Background(), orchestrator.Task{Text: "sign in"}, nil)

	assert.ErrorContains(t, err, "db down")
	assert.False(t, res.Success)
	assert.Equal(t, orchestrator.ReasonCaptureFailed, res.Reason)
}

func TestRecord(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	res := orchestrator.TaskResult{
		ID:        "run-1",
		Task:      orchestrator.Task{Text: "sign up", Persona: planner.Persona{Name: "novice", TechSkill: 2}},
		Reason:    orchestrator.ReasonStagnation,
		Error:     "Test stopped due to repeated failures: x",
		Cycles:    3,
		StartedAt: started,
		History: []orchestrator.ExecutionStep{
			{
				Action: action.Tap{Target: "Login"},
				Result: action.Result{Error: "Element not found", Code: action.ErrCodeElementNotFound, Attempts: []string{"direct", "scroll"},
					Screenshot: screen.Screenshot{Path: "a.png"}},
				Cycle: 1, Tier: planner.TierAdaptive, Timestamp: started,
			},
			{
				Action: action.Verify{Condition: action.Authenticated{}},
				Result: action.Result{Success: true, Message: "Verification passed"},
				Cycle:  2, Tier: planner.TierHeuristic, Timestamp: started.Add(time.Second),
			},
		},
	}

	rec := Record(res)

	assert.Equal(t, "novice", rec.Persona)
	assert.Equal(t, "stagnation", rec.Reason)
	require.Len(t, rec.Steps, 2)
	assert.Equal(t, store.StepRecord{
		Seq: 1, Cycle: 1, Tier: "adaptive", Action: "Tap(Login)", Code: "ELEMENT_NOT_FOUND",
		Message: "Element not found", Screenshot: "a.png", Attempts: []string{"direct", "scroll"}, CreatedAt: started,
	}, rec.Steps[0])
	assert.Equal(t, "Verification passed", rec.Steps[1].Message)
	assert.True(t, rec.Steps[1].Success)
}

func TestCompletionFor(t *testing.T) {
	assert.Equal(t, orchestrator.Authenticated().String(), CompletionFor("", "").String())
	assert.Contains(t, CompletionFor("Mood History", "").String(), "Mood History")
	assert.Contains(t, CompletionFor("", "Settings").String(), "Settings")
}
