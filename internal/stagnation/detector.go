// File: internal/stagnation/detector.go
package stagnation

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/action"
)

const (
	// historySize bounds both ring buffers.
	historySize = 10

	DefaultMaxRepeatedActions = 3
	DefaultMaxRepeatedGoals   = 4
)

// Attempt is one recorded failure.
type Attempt struct {
	Key       string
	Error     string
	Timestamp time.Time
}

// Detector notices when the agent keeps trying the same thing without
// progress. It is safe for concurrent use.
type Detector struct {
	logger     *zap.Logger
	maxActions int
	maxGoals   int

	mu       sync.Mutex
	attempts []Attempt
	goals    []string
}

// New creates a Detector. Non-positive limits take the defaults.
func New(logger *zap.Logger, maxActions, maxGoals int) *Detector {
	if maxActions <= 0 {
		maxActions = DefaultMaxRepeatedActions
	}
	if maxGoals <= 0 {
		maxGoals = DefaultMaxRepeatedGoals
	}
	return &Detector{
		logger:     logger.Named("stagnation_detector"),
		maxActions: maxActions,
		maxGoals:   maxGoals,
	}
}

// RecordAttempt stores one attempt. A success clears the attempt history:
// whatever was failing has started working.
func (d *Detector) RecordAttempt(a action.HumanAction, r action.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.Success {
		d.attempts = d.attempts[:0]
		return
	}
	d.attempts = push(d.attempts, Attempt{
		Key:       action.Key(a),
		Error:     r.Error,
		Timestamp: time.Now(),
	})
}

// RecordGoal stores the progress marker for one planning cycle.
func (d *Detector) RecordGoal(desc string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.goals = push(d.goals, desc)
}

// IsStuckOnAction is true when the last N attempts share an action key and all failed.
func (d *Detector) IsStuckOnAction() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.stuckOnAction()
	return ok
}

// IsStuckOnGoal is true when the last M goal markers are identical.
func (d *Detector) IsStuckOnGoal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.stuckOnGoal()
	return ok
}

// IsStuckInFailureLoop is true when the last N attempts all failed with
// errors sharing a keyword family.
func (d *Detector) IsStuckInFailureLoop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.stuckInFailureLoop()
	return ok
}

// IsStuck reports whether any predicate holds.
func (d *Detector) IsStuck() bool {
	return d.Reason() != ""
}

// Reason explains the first stuck predicate that holds, or "" when not stuck.
func (d *Detector) Reason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if key, ok := d.stuckOnAction(); ok {
		return fmt.Sprintf("Tried '%s' %d times without success", key, d.maxActions)
	}
	if goal, ok := d.stuckOnGoal(); ok {
		return fmt.Sprintf("Tried to achieve '%s' for %d iterations without progress", goal, d.maxGoals)
	}
	if family, ok := d.stuckInFailureLoop(); ok {
		return fmt.Sprintf("Getting the same '%s' error %d times in a row - approach isn't working", family, d.maxActions)
	}
	return ""
}

// Reset clears all history, e.g. on goal change.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = d.attempts[:0]
	d.goals = d.goals[:0]
	d.logger.Debug("Stagnation history reset.")
}

// ResetActions clears attempts and keeps goal markers.
func (d *Detector) ResetActions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = d.attempts[:0]
}

// Attempts returns a copy of the recorded attempts, oldest first.
func (d *Detector) Attempts() []Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Attempt(nil), d.attempts...)
}

func (d *Detector) stuckOnAction() (string, bool) {
	last, ok := tail(d.attempts, d.maxActions)
	if !ok {
		return "", false
	}
	key := last[0].Key
	for _, a := range last {
		if a.Key != key {
			return "", false
		}
	}
	return key, true
}

func (d *Detector) stuckOnGoal() (string, bool) {
	last, ok := tail(d.goals, d.maxGoals)
	if !ok {
		return "", false
	}
	for _, g := range last[1:] {
		if g != last[0] {
			return "", false
		}
	}
	return last[0], true
}

// stuckInFailureLoop returns the error family shared by the last N
// attempts. Several shared families are joined with "/".
func (d *Detector) stuckInFailureLoop() (string, bool) {
	last, ok := tail(d.attempts, d.maxActions)
	if !ok {
		return "", false
	}
	shared := errorFamilies(last[0].Error)
	for _, a := range last[1:] {
		if a.Error == "" || len(shared) == 0 {
			return "", false
		}
		shared = intersect(shared, errorFamilies(a.Error))
	}
	if len(shared) == 0 {
		return "", false
	}
	return strings.Join(shared, "/"), true
}

// families groups error phrases that mean the same kind of trouble.
var families = map[string][]string{
	"not found":     {"not found", "could not find"},
	"not clickable": {"not clickable", "not visible"},
	"timeout":       {"timeout"},
	"keyboard":      {"keyboard"},
	"blocked":       {"blocked", "blocking"},
}

// errorFamilies lists the families msg belongs to.
func errorFamilies(msg string) []string {
	lower := strings.ToLower(msg)
	var out []string
	for name, phrases := range families {
		for _, p := range phrases {
			if strings.Contains(lower, p) {
				out = append(out, name)
				break
			}
		}
	}
	slices.Sort(out)
	return out
}

func intersect(a, b []string) []string {
	var out []string
	for _, x := range a {
		if slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}

func push[T any](buf []T, v T) []T {
	buf = append(buf, v)
	if len(buf) > historySize {
		buf = append(buf[:0], buf[len(buf)-historySize:]...)
	}
	return buf
}

func tail[T any](buf []T, n int) ([]T, bool) {
	if len(buf) < n {
		return nil, false
	}
	return buf[len(buf)-n:], true
}
