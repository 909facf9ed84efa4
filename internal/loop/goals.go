// File: internal/loop/goals.go
package loop

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/screen"
)

// GoalState is how far a tracked goal has come.
type GoalState string

const (
	GoalPending    GoalState = "PENDING"
	GoalInProgress GoalState = "IN_PROGRESS"
	GoalBlocked    GoalState = "BLOCKED"
	GoalAchieved   GoalState = "ACHIEVED"
)

// SuccessHeuristic decides from one screen state whether a goal is met.
type SuccessHeuristic func(st *screen.State) bool

// Goal is one goal under tracking.
type Goal struct {
	ID          string
	Description string
	Priority    int
	ParentID    string
	State       GoalState
	// Heuristic defaults to DefaultHeuristic(Description).
	Heuristic SuccessHeuristic
}

// GoalTracker holds the goals of one run and which of them is current:
// the highest-priority goal not yet achieved.
type GoalTracker struct {
	logger *zap.Logger

	mu      sync.Mutex
	goals   []*Goal
	current *Goal
}

// NewGoalTracker creates an empty tracker.
func NewGoalTracker(logger *zap.Logger) *GoalTracker {
	return &GoalTracker{logger: logger.Named("goal_tracker")}
}

// Add registers g. It becomes current when it outranks the current goal.
func (t *GoalTracker) Add(g Goal) {
	if g.State == "" {
		g.State = GoalPending
	}
	if g.Heuristic == nil {
		g.Heuristic = DefaultHeuristic(g.Description)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	stored := &g
	t.goals = append(t.goals, stored)
	if t.current == nil || g.Priority > t.current.Priority {
		t.current = stored
		t.logger.Debug("Current goal set.", zap.String("goal", g.Description))
	}
}

// Current returns the active goal.
func (t *GoalTracker) Current() (Goal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Goal{}, false
	}
	return *t.current, true
}

// Get returns the goal with id.
func (t *GoalTracker) Get(id string) (Goal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g := t.find(id); g != nil {
		return *g, true
	}
	return Goal{}, false
}

// Update moves goal id to state. Achieving the current goal advances to the
// next unachieved goal by priority. It reports whether the goal exists.
func (t *GoalTracker) Update(id string, state GoalState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.find(id)
	if g == nil {
		t.logger.Warn("Goal not found.", zap.String("goal_id", id), zap.String("error_code", "GOAL_NOT_FOUND"))
		return false
	}
	if g.State != state {
		t.logger.Debug("Goal state changed.",
			zap.String("goal", g.Description),
			zap.String("from", string(g.State)),
			zap.String("to", string(state)))
	}
	g.State = state
	if g == t.current && state == GoalAchieved {
		t.selectNext()
	}
	return true
}

// Goals returns a copy of every tracked goal in insertion order.
func (t *GoalTracker) Goals() []Goal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Goal, 0, len(t.goals))
	for _, g := range t.goals {
		out = append(out, *g)
	}
	return out
}

// MainAchieved reports whether the first top-level goal is achieved.
func (t *GoalTracker) MainAchieved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range t.goals {
		if g.ParentID == "" {
			return g.State == GoalAchieved
		}
	}
	return false
}

// Reset forgets every goal.
func (t *GoalTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.goals = nil
	t.current = nil
}

func (t *GoalTracker) find(id string) *Goal {
	for _, g := range t.goals {
		if g.ID == id {
			return g
		}
	}
	return nil
}

func (t *GoalTracker) selectNext() {
	t.current = nil
	for _, g := range t.goals {
		if g.State == GoalAchieved {
			continue
		}
		if t.current == nil || g.Priority > t.current.Priority {
			t.current = g
		}
	}
	if t.current != nil {
		t.logger.Debug("Advanced to next goal.", zap.String("goal", t.current.Description))
	}
}

var (
	authPhrases = []string{"sign up", "signup", "sign in", "login", "log in", "register", "authenticat"}
	stopWords   = map[string]bool{
		"the": true, "and": true, "with": true, "into": true, "from": true, "user": true,
		"data": true, "entry": true, "view": true, "navigate": true, "feature": true,
		"add": true, "new": true, "authenticate": true,
	}
)

// DefaultHeuristic matches a goal description against the screen name.
// Authentication goals are met once a named screen no longer offers sign-in;
// other goals when one of their keywords shows up in the screen name.
func DefaultHeuristic(description string) SuccessHeuristic {
	desc := strings.ToLower(description)
	for _, p := range authPhrases {
		if strings.Contains(desc, p) {
			return func(st *screen.State) bool {
				name := screenName(st)
				return name != "" && !strings.Contains(name, "sign") && !strings.Contains(name, "login")
			}
		}
	}

	var keywords []string
	for _, w := range strings.FieldsFunc(desc, func(r rune) bool { return r < 'a' || r > 'z' }) {
		if len(w) >= 4 && !stopWords[w] {
			keywords = append(keywords, w)
		}
	}
	return func(st *screen.State) bool {
		name := screenName(st)
		if name == "" {
			return false
		}
		for _, k := range keywords {
			if strings.Contains(name, k) {
				return true
			}
		}
		return false
	}
}

func screenName(st *screen.State) string {
	if st == nil {
		return ""
	}
	return strings.ToLower(st.ScreenName)
}
