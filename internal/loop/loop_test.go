// File: internal/loop/loop_test.go
package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sightline/internal/action"
	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/evaluator"
	"github.com/xkilldash9x/sightline/internal/mocks"
	"github.com/xkilldash9x/sightline/internal/monitor"
	"github.com/xkilldash9x/sightline/internal/screen"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// taggingMonitor records the action tags the loop sets.
type taggingMonitor struct {
	*monitor.Monitor
	mu   sync.Mutex
	tags []string
}

func (m *taggingMonitor) SetCurrentAction(a string) {
	m.mu.Lock()
	m.tags = append(m.tags, a)
	m.mu.Unlock()
	m.Monitor.SetCurrentAction(a)
}

func (m *taggingMonitor) actionTags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tags...)
}

type harness struct {
	dev   *mocks.FakeDevice
	ocr   *mocks.ScriptedOCR
	coord *screen.Coordinator
	mon   *taggingMonitor
	goals *GoalTracker
	loop  *Loop
}

func newHarness(t *testing.T, start string) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dev := mocks.NewFakeDevice(start)
	ocr := mocks.NewScriptedOCR()
	eval := evaluator.New(logger, ocr, nil)
	coord := screen.NewCoordinator(logger)
	mon := &taggingMonitor{Monitor: monitor.New(logger, dev, eval, coord, 10*time.Millisecond)}
	exec := action.NewExecutor(logger, dev, eval,
		action.WithStateSource(coord),
		action.WithPollInterval(10*time.Millisecond))
	kb := action.NewKeyboardDismisser(logger, dev, eval, coord, 50*time.Millisecond)
	goals := NewGoalTracker(logger)
	cfg := config.RecoveryConfig{PostActionSettle: 150 * time.Millisecond, KeyboardAppear: 500 * time.Millisecond}

	t.Cleanup(func() {
		mon.Stop()
		coord.Close()
	})
	return &harness{
		dev:   dev,
		ocr:   ocr,
		coord: coord,
		mon:   mon,
		goals: goals,
		loop:  New(logger, mon, coord, exec, kb, goals, cfg),
	}
}

func (h *harness) addAuthGoal() {
	h.goals.Add(Goal{ID: "authenticate", Description: "Authenticate user (sign up or sign in)", Priority: 10})
}

func TestTapFeedbackAchievesGoal(t *testing.T) {
	h := newHarness(t, "login")
	h.ocr.SetScreen("login", "Sign in", "Email")
	h.ocr.SetScreen("home", "Home", "History")
	h.dev.SetElements("login", "Sign in")
	h.dev.On("login", "tap:Sign in", "home")
	h.addAuthGoal()

	res, fb := h.loop.ExecuteWithFeedback(context.Background(), action.Tap{Target: "Sign in"})

	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, fb.States)
	assert.Equal(t, "Home", fb.States[len(fb.States)-1].ScreenName)
	assert.Equal(t, GoalAchieved, fb.GoalState)
	g, _ := h.goals.Get("authenticate")
	assert.Equal(t, GoalAchieved, g.State)
	assert.True(t, h.mon.IsRunning(), "the loop leaves the monitor running for the next action")
}

func TestErrorsOnScreenBlockGoal(t *testing.T) {
	h := newHarness(t, "login")
	h.ocr.SetScreen("login", "Sign in", "Email")
	h.ocr.SetScreen("rejected", "Sign in", "Invalid email address")
	h.dev.SetElements("login", "Sign in")
	h.dev.On("login", "tap:Sign in", "rejected")
	h.addAuthGoal()

	_, fb := h.loop.ExecuteWithFeedback(context.Background(), action.Tap{Target: "Sign in"})

	assert.Equal(t, GoalBlocked, fb.GoalState)
	assert.Equal(t, []string{"Error detected via text: Invalid email address"}, fb.Errors)
}

func TestMonitorTagsAreClearedAfterAction(t *testing.T) {
	h := newHarness(t, "login")
	h.dev.SetElements("login", "Sign in")

	h.loop.Execute(context.Background(), action.Tap{Target: "Sign in"})

	assert.Equal(t, []string{"Tap(Sign in)", ""}, h.mon.actionTags())
}

func TestFailedActionStillCleansUp(t *testing.T) {
	h := newHarness(t, "login")

	res := h.loop.Execute(context.Background(), action.Tap{Target: "Nowhere"})

	assert.False(t, res.Success)
	assert.Equal(t, []string{"Tap(Nowhere)", ""}, h.mon.actionTags())
}

func TestTypingDismissesKeyboardAfterwards(t *testing.T) {
	h := newHarness(t, "form")
	h.ocr.SetScreen("form", "Email", "Password")
	h.ocr.SetScreen("typing", "Email", "Done", "q w e r t y u i o p")
	h.dev.SetElements("form", "Email")
	h.dev.On("form", "type:Email", "typing")
	h.dev.On("typing", "tap_point", "form")

	res := h.loop.Execute(context.Background(), action.TypeText{Target: "Email", Text: "user@example.com"})

	require.True(t, res.Success, res.Error)
	assert.Contains(t, h.dev.Calls(), "tap_point 200,230", "the Done key is tapped")
	assert.Equal(t, "form", h.dev.CurrentScreen())
}

func TestKeyboardClearedBeforeActing(t *testing.T) {
	h := newHarness(t, "typing")
	h.ocr.SetScreen("typing", "Name", "Done", "z x c v b n m")
	h.ocr.SetScreen("form", "Name", "Save")
	h.dev.SetElements("form", "Save")
	h.dev.On("typing", "tap_point", "form")
	st := h.mon.CaptureNow(context.Background())
	require.True(t, st.HasKeyboard)

	res := h.loop.Execute(context.Background(), action.Tap{Target: "Save"})

	require.True(t, res.Success, res.Error)
	calls := h.dev.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, "tap_point 200,230", calls[0])
	assert.Equal(t, "tap text=Save", calls[1])
}

func TestObservingActionsBypassFeedback(t *testing.T) {
	h := newHarness(t, "home")
	h.ocr.SetScreen("home", "Home", "History")

	res, fb := h.loop.ExecuteWithFeedback(context.Background(), action.Verify{Condition: action.TextPresent{Text: "History"}})

	require.True(t, res.Success, res.Error)
	assert.Empty(t, fb.States)
	assert.False(t, h.mon.IsRunning())
	assert.Empty(t, h.mon.actionTags())
}

func TestJudge(t *testing.T) {
	home := &screen.State{ScreenName: "Home"}
	signIn := &screen.State{ScreenName: "Sign in"}
	settings := &screen.State{ScreenName: "Settings"}
	failed := &screen.State{ScreenName: "Sign in", HasErrors: true, ErrorMessages: []string{"Invalid password"}}
	loading := &screen.State{ScreenName: "Sign in", IsLoading: true}
	auth := Goal{Heuristic: DefaultHeuristic("Authenticate user (sign up or sign in)")}
	feature := Goal{Heuristic: DefaultHeuristic("Navigate to history")}

	tests := []struct {
		name   string
		goal   Goal
		states []*screen.State
		want   GoalState
	}{
		{"nothing seen", auth, nil, ""},
		{"errors block", auth, []*screen.State{signIn, failed}, GoalBlocked},
		{"loading in progress", auth, []*screen.State{signIn, loading}, GoalInProgress},
		{"heuristic met", auth, []*screen.State{signIn, home}, GoalAchieved},
		{"screen changed only", feature, []*screen.State{signIn, settings}, GoalInProgress},
		{"no change", feature, []*screen.State{signIn}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, judge(tt.goal, tt.states))
		})
	}
}
