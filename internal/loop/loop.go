// File: internal/loop/loop.go
package loop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/action"
	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/evaluator"
	"github.com/xkilldash9x/sightline/internal/screen"
)

const (
	defaultSettle         = 300 * time.Millisecond
	defaultKeyboardAppear = 3 * time.Second
	keyboardGoneTimeout   = 2 * time.Second
)

// Monitor is the part of the Screen Monitor the loop drives.
type Monitor interface {
	Start(ctx context.Context)
	IsRunning() bool
	SetCurrentAction(a string)
	SetCurrentGoal(g string)
}

// States is the State Coordinator as seen by the loop.
type States interface {
	Current() *screen.State
	AddListener(l screen.Listener) func()
	WaitForState(ctx context.Context, pred func(*screen.State) bool, timeout time.Duration) (*screen.State, bool)
}

// Executor runs one action. The loop is given the base executor, not the
// recovery ladder.
type Executor interface {
	Execute(ctx context.Context, a action.HumanAction) action.Result
}

// Dismisser clears an on-screen keyboard. *action.KeyboardDismisser implements it.
type Dismisser interface {
	KeyboardVisible(ctx context.Context) (bool, *evaluator.Analysis)
	Dismiss(ctx context.Context, an *evaluator.Analysis) action.DismissResult
}

// Feedback is what was seen on screen while one action ran.
type Feedback struct {
	States        []*screen.State
	ScreenChanged bool
	Errors        []string
	// GoalID and GoalState are set when the feedback moved the current goal.
	GoalID    string
	GoalState GoalState
}

// Loop performs actions while the Screen Monitor watches, and folds what it
// saw into goal progress.
type Loop struct {
	logger         *zap.Logger
	mon            Monitor
	states         States
	exec           Executor
	kb             Dismisser
	goals          *GoalTracker
	settle         time.Duration
	keyboardAppear time.Duration
}

// New creates a Loop. Every collaborator is required.
func New(logger *zap.Logger, mon Monitor, states States, exec Executor, kb Dismisser, goals *GoalTracker, cfg config.RecoveryConfig) *Loop {
	l := &Loop{
		logger:         logger.Named("perception_action_loop"),
		mon:            mon,
		states:         states,
		exec:           exec,
		kb:             kb,
		goals:          goals,
		settle:         cfg.PostActionSettle,
		keyboardAppear: cfg.KeyboardAppear,
	}
	if l.settle <= 0 {
		l.settle = defaultSettle
	}
	if l.keyboardAppear <= 0 {
		l.keyboardAppear = defaultKeyboardAppear
	}
	return l
}

// Goals exposes the tracker the loop updates.
func (l *Loop) Goals() *GoalTracker {
	return l.goals
}

// Execute runs a with visual feedback and returns the executor's result.
func (l *Loop) Execute(ctx context.Context, a action.HumanAction) action.Result {
	res, _ := l.ExecuteWithFeedback(ctx, a)
	return res
}

// ExecuteWithFeedback runs a while collecting every state the coordinator
// publishes, then updates the current goal from them. Observing actions
// (CaptureState, Verify, WaitFor) go straight to the executor.
func (l *Loop) ExecuteWithFeedback(ctx context.Context, a action.HumanAction) (action.Result, Feedback) {
	if a == nil || !action.IsInteraction(a) {
		return l.exec.Execute(ctx, a), Feedback{}
	}

	col := &collector{}
	done := l.begin(ctx, a, col)
	defer done()

	l.clearKeyboard(ctx)

	l.logger.Debug("Performing action.", zap.String("action", a.String()))
	res := l.exec.Execute(ctx, a)
	if res.Success {
		l.logger.Debug("Action succeeded.", zap.String("action", a.String()))
	} else {
		l.logger.Info("Action failed.", zap.String("action", a.String()), zap.String("error", res.Error))
	}

	if !wait(ctx, l.settle) {
		return res, l.fold(col.snapshot())
	}
	if _, ok := a.(action.TypeText); ok {
		l.dismissAfterTyping(ctx)
	}
	return res, l.fold(col.snapshot())
}

// begin tags the monitor, makes sure it runs and subscribes the collector.
// The returned func undoes all of it.
func (l *Loop) begin(ctx context.Context, a action.HumanAction, col *collector) func() {
	l.mon.SetCurrentAction(a.String())
	if g, ok := l.goals.Current(); ok {
		l.mon.SetCurrentGoal(g.Description)
	}
	if !l.mon.IsRunning() {
		l.mon.Start(ctx)
	}
	remove := l.states.AddListener(func(newState, _ *screen.State) {
		col.add(newState)
	})
	return func() {
		remove()
		l.mon.SetCurrentAction("")
		l.mon.SetCurrentGoal("")
	}
}

// clearKeyboard dismisses a keyboard the last known state shows before acting.
func (l *Loop) clearKeyboard(ctx context.Context) {
	st := l.states.Current()
	if st == nil || !st.HasKeyboard {
		return
	}
	visible, an := l.kb.KeyboardVisible(ctx)
	if !visible {
		return
	}
	l.logger.Info("Keyboard visible before action; dismissing it.")
	if res := l.kb.Dismiss(ctx, an); res.Dismissed {
		l.logger.Debug("Keyboard dismissed.", zap.String("strategy", res.Strategy))
		wait(ctx, l.settle)
	}
}

// dismissAfterTyping clears the keyboard typing brought up so the next tap
// is not blocked. A keyboard appearing on the same screen is not a state
// transition, so the screen is read directly first and the coordinator is
// only waited on when nothing is visible yet.
func (l *Loop) dismissAfterTyping(ctx context.Context) {
	visible, an := l.kb.KeyboardVisible(ctx)
	if !visible {
		hasKeyboard := func(s *screen.State) bool { return s.HasKeyboard }
		if _, ok := l.states.WaitForState(ctx, hasKeyboard, l.keyboardAppear); !ok {
			l.logger.Debug("No keyboard appeared after typing.")
			return
		}
		if visible, an = l.kb.KeyboardVisible(ctx); !visible {
			return
		}
	}
	res := l.kb.Dismiss(ctx, an)
	if !res.Dismissed {
		l.logger.Warn("Could not dismiss keyboard after typing.",
			zap.Strings("tried", res.Tried),
			zap.String("error_code", string(action.ErrCodeKeyboardBlocking)))
		return
	}
	gone := func(s *screen.State) bool { return !s.HasKeyboard }
	if _, ok := l.states.WaitForState(ctx, gone, keyboardGoneTimeout); ok {
		l.logger.Debug("Keyboard confirmed gone.", zap.String("strategy", res.Strategy))
	} else {
		l.logger.Debug("Keyboard dismissal not yet confirmed by the monitor.")
	}
}

// fold turns the states seen during an action into goal progress.
func (l *Loop) fold(states []*screen.State) Feedback {
	fb := Feedback{States: states}
	if len(states) == 0 {
		l.logger.Debug("No screen changes observed during action.")
		return fb
	}
	first, latest := states[0], states[len(states)-1]
	fb.ScreenChanged = len(states) > 1 && first.ScreenName != latest.ScreenName
	fb.Errors = latest.ErrorMessages

	g, ok := l.goals.Current()
	if !ok {
		return fb
	}
	next := judge(g, states)
	if next == "" {
		return fb
	}
	if next == GoalBlocked {
		l.logger.Warn("Screen shows errors after action.",
			zap.Strings("errors", latest.ErrorMessages),
			zap.String("goal", g.Description),
			zap.String("error_code", "GOAL_BLOCKED"))
	}
	if next == GoalAchieved {
		l.logger.Info("Goal achieved.", zap.String("goal", g.Description))
	}
	l.goals.Update(g.ID, next)
	fb.GoalID, fb.GoalState = g.ID, next
	return fb
}

// judge decides the goal state implied by the observed states, or "" when
// they say nothing. Errors win over loading, which wins over the success
// heuristic.
func judge(g Goal, states []*screen.State) GoalState {
	if len(states) == 0 {
		return ""
	}
	latest := states[len(states)-1]
	if latest.HasErrors && len(latest.ErrorMessages) > 0 {
		return GoalBlocked
	}
	if latest.IsLoading {
		return GoalInProgress
	}
	if g.Heuristic != nil && g.Heuristic(latest) {
		return GoalAchieved
	}
	if len(states) > 1 && states[0].ScreenName != latest.ScreenName {
		return GoalInProgress
	}
	return ""
}

type collector struct {
	mu     sync.Mutex
	states []*screen.State
}

func (c *collector) add(s *screen.State) {
	c.mu.Lock()
	c.states = append(c.states, s)
	c.mu.Unlock()
}

func (c *collector) snapshot() []*screen.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*screen.State(nil), c.states...)
}

// wait sleeps for d and reports whether ctx is still live.
func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
