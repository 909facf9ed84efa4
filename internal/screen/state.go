// File: internal/screen/state.go
package screen

import (
	"slices"
	"time"
)

// Screenshot is a handle to one captured frame. Data holds the PNG bytes when
// the capture is still in memory; Path is set once the frame has been archived.
type Screenshot struct {
	Path       string
	Data       []byte
	CapturedAt time.Time
}

// IsZero reports whether the handle points at nothing.
func (s Screenshot) IsZero() bool {
	return s.Path == "" && len(s.Data) == 0
}

// State is an immutable snapshot of what is on screen. Producers build a new
// State per sample; consumers must not mutate a State they received.
type State struct {
	// ScreenName is empty when the screen could not be identified.
	ScreenName       string
	IsLoading        bool
	HasErrors        bool
	ErrorMessages    []string
	VisibleElements  []string
	HasKeyboard      bool
	BlockingElements []string
	Screenshot       Screenshot
	Timestamp        time.Time
	// RelativeTime is measured from the start of the test run.
	RelativeTime  time.Duration
	CurrentAction string
	CurrentGoal   string
}

// Minimal returns the empty state used when there is no session or a capture
// failed. It never carries errors, so it cannot trip error-driven logic.
func Minimal(now time.Time, rel time.Duration, currentAction, currentGoal string) *State {
	return &State{
		Timestamp:     now,
		RelativeTime:  rel,
		CurrentAction: currentAction,
		CurrentGoal:   currentGoal,
	}
}

// HasChangedFrom compares the fields that define a screen transition:
// screen name, loading flag, error flag and error list. Timestamps, context
// tags, keyboard and element lists are annotations and never count.
// A nil prev always counts as a change.
func (s *State) HasChangedFrom(prev *State) bool {
	if prev == nil {
		return true
	}
	return s.ScreenName != prev.ScreenName ||
		s.IsLoading != prev.IsLoading ||
		s.HasErrors != prev.HasErrors ||
		!slices.Equal(s.ErrorMessages, prev.ErrorMessages)
}

// WithContext returns a copy carrying the given action and goal tags.
func (s *State) WithContext(currentAction, currentGoal string) *State {
	cp := *s
	cp.CurrentAction = currentAction
	cp.CurrentGoal = currentGoal
	return &cp
}

// HasElement reports whether any visible element matches name exactly.
func (s *State) HasElement(name string) bool {
	return s != nil && slices.Contains(s.VisibleElements, name)
}
