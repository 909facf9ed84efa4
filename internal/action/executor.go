// File: internal/action/executor.go
package action

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/artifacts"
	"github.com/xkilldash9x/sightline/internal/device"
	"github.com/xkilldash9x/sightline/internal/evaluator"
	"github.com/xkilldash9x/sightline/internal/screen"
)

// Analyzer runs one visual evaluation pass. *evaluator.Evaluator implements it.
type Analyzer interface {
	Analyze(ctx context.Context, shot screen.Screenshot, exp evaluator.Expectations) (*evaluator.Analysis, error)
}

// StateSource is the read side of the State Coordinator.
type StateSource interface {
	Current() *screen.State
	WaitForState(ctx context.Context, pred func(*screen.State) bool, timeout time.Duration) (*screen.State, bool)
}

// Handler executes one kind of action.
type Handler func(ctx context.Context, a HumanAction) Result

// Executor translates HumanActions into backend primitives. It does no
// recovery of its own beyond tiered element resolution.
type Executor struct {
	logger       *zap.Logger
	dev          device.Backend
	eval         Analyzer
	states       StateSource
	store        artifacts.BlobStorage
	pollInterval time.Duration
	handlers     map[Kind]Handler
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithStateSource lets waits and verifies consult the State Coordinator.
func WithStateSource(s StateSource) ExecutorOption {
	return func(e *Executor) { e.states = s }
}

// WithArchive stores every captured screenshot.
func WithArchive(store artifacts.BlobStorage) ExecutorOption {
	return func(e *Executor) { e.store = store }
}

// WithPollInterval sets how often WaitFor re-reads the screen.
func WithPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.pollInterval = d }
}

// NewExecutor creates an Executor with every handler registered.
func NewExecutor(logger *zap.Logger, dev device.Backend, eval Analyzer, opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:       logger.Named("action_executor"),
		dev:          dev,
		eval:         eval,
		pollInterval: 500 * time.Millisecond,
		handlers:     make(map[Kind]Handler),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registerHandlers()
	return e
}

func (e *Executor) registerHandlers() {
	e.handlers[KindTap] = e.handleTap
	e.handlers[KindTypeText] = e.handleTypeText
	e.handlers[KindSwipe] = e.handleSwipe
	e.handlers[KindWaitFor] = e.handleWaitFor
	e.handlers[KindNavigateBack] = e.handleNavigateBack
	e.handlers[KindCaptureState] = e.handleCaptureState
	e.handlers[KindVerify] = e.handleVerify
}

// Execute runs a. It never returns a zero Result: panics in handlers and
// cancellation both become failures.
func (e *Executor) Execute(ctx context.Context, a HumanAction) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic during action execution.",
				zap.String("action", fmt.Sprint(a)),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			res = Failed(a, fmt.Sprintf("executor panic: %v", r), ErrCodeExecutorPanic, screen.Screenshot{})
		}
	}()

	if err := ctx.Err(); err != nil {
		return Failed(a, err.Error(), ErrCodeContextCanceled, screen.Screenshot{})
	}
	if a == nil {
		return Failed(a, "nil action", ErrCodeInvalidParameters, screen.Screenshot{})
	}
	h, ok := e.handlers[a.Kind()]
	if !ok {
		return Failed(a, "no handler registered for action type: "+string(a.Kind()), ErrCodeUnknownAction, e.capture(ctx, "unknown"))
	}

	e.logger.Debug("Executing action.", zap.String("action", a.String()))
	res = h(ctx, a)
	if !res.Success {
		e.logger.Warn("Action execution failed.",
			zap.String("action", a.String()),
			zap.String("error_code", string(res.Code)),
			zap.String("error", res.Error))
	}
	return res
}

// -- Element resolution --

// TapLocators lists resolution tiers for a Tap: stable id, literal text,
// then a contains-match on the description.
func TapLocators(t Tap) []device.Locator {
	literal := t.Text
	if literal == "" {
		literal = t.Target
	}
	return tiers(t.AccessibilityID, literal, t.Target)
}

// TypeLocators lists resolution tiers for a TypeText.
func TypeLocators(t TypeText) []device.Locator {
	return tiers(t.AccessibilityID, t.Target, t.Target)
}

func tiers(id, literal, description string) []device.Locator {
	var out []device.Locator
	if id != "" {
		out = append(out, device.Locator{Kind: device.ByAccessibilityID, Value: id})
	}
	if literal != "" {
		out = append(out, device.Locator{Kind: device.ByText, Value: literal})
	}
	if description != "" {
		out = append(out, device.Locator{Kind: device.ByContains, Value: description})
	}
	return out
}

// resolve tries each locator in order until fn succeeds. Only "not there"
// style failures move on to the next tier.
func resolve(locs []device.Locator, fn func(device.Locator) error) (tried []string, used device.Locator, err error) {
	if len(locs) == 0 {
		return nil, device.Locator{}, errors.New("no locator available")
	}
	for _, loc := range locs {
		tried = append(tried, string(loc.Kind))
		if err = fn(loc); err == nil {
			return tried, loc, nil
		}
		if !device.IsKind(err, device.KindNotFound) && !device.IsKind(err, device.KindNotInteractable) {
			return tried, loc, err
		}
	}
	return tried, device.Locator{}, err
}

// -- Handlers --

func (e *Executor) handleTap(ctx context.Context, a HumanAction) Result {
	t := a.(Tap)
	tried, used, err := resolve(TapLocators(t), func(loc device.Locator) error { return e.dev.Tap(ctx, loc) })
	shot := e.capture(ctx, "tap")
	if err != nil {
		return Failed(a, fmt.Sprintf("Could not tap '%s' (tried: %s): %v", t.Target, strings.Join(tried, ", "), err), CodeFor(err), shot)
	}
	return Succeeded(a, "Tapped "+t.Target, shot, map[string]any{"locator": used.String()})
}

func (e *Executor) handleTypeText(ctx context.Context, a HumanAction) Result {
	t := a.(TypeText)
	tried, used, err := resolve(TypeLocators(t), func(loc device.Locator) error {
		return e.dev.TypeText(ctx, loc, t.Text, t.ClearFirst)
	})
	shot := e.capture(ctx, "type")
	if err != nil {
		return Failed(a, fmt.Sprintf("Could not type into '%s' (tried: %s): %v", t.Target, strings.Join(tried, ", "), err), CodeFor(err), shot)
	}
	return Succeeded(a, "Typed into "+t.Target, shot, map[string]any{"locator": used.String()})
}

func (e *Executor) handleSwipe(ctx context.Context, a HumanAction) Result {
	s := a.(Swipe)
	err := e.dev.Swipe(ctx, s.Direction)
	shot := e.capture(ctx, "swipe")
	if err != nil {
		return Failed(a, "Swipe failed: "+err.Error(), CodeFor(err), shot)
	}
	return Succeeded(a, "Swiped "+string(s.Direction), shot, nil)
}

func (e *Executor) handleNavigateBack(ctx context.Context, a HumanAction) Result {
	err := e.dev.Back(ctx)
	shot := e.capture(ctx, "back")
	if err != nil {
		return Failed(a, "Navigate back failed: "+err.Error(), CodeFor(err), shot)
	}
	return Succeeded(a, "Navigated back", shot, nil)
}

var captureErrorKeywords = []string{"error", "invalid", "required", "must", "cannot"}

// maxCapturedErrors bounds the error lines CaptureState reports.
const maxCapturedErrors = 5

func (e *Executor) handleCaptureState(ctx context.Context, a HumanAction) Result {
	an, shot, err := e.look(ctx)
	shot = e.archive(ctx, shot, "state")
	if err != nil {
		return Failed(a, "Could not capture state: "+err.Error(), ErrCodeScreenCaptureError, shot)
	}

	var errs []string
	seen := map[string]bool{}
	add := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] || len(errs) >= maxCapturedErrors {
			return
		}
		seen[line] = true
		errs = append(errs, truncate(line, 200))
	}
	if an.Text != nil {
		for _, l := range an.Text.ErrorLines {
			add(l)
		}
		for _, l := range strings.Split(an.Text.FullText, "\n") {
			if containsAnyFold(l, captureErrorKeywords) {
				add(l)
			}
		}
	}

	labels := make([]string, 0, len(an.Elements))
	for _, el := range an.Elements {
		labels = append(labels, el.Label())
	}
	return Succeeded(a, "State captured", shot, map[string]any{
		"errorMessages": errs,
		"elements":      labels,
		"screenName":    screenNameOf(an),
		"evaluation":    an.Evaluation,
	})
}

func (e *Executor) handleWaitFor(ctx context.Context, a HumanAction) Result {
	w := a.(WaitFor)
	if w.Condition == nil {
		return Failed(a, "WaitFor requires a condition", ErrCodeInvalidParameters, screen.Screenshot{})
	}
	waitCtx, cancel := context.WithTimeout(ctx, w.timeout())
	defer cancel()

	baseline := ""
	if cur := e.current(); cur != nil {
		baseline = cur.ScreenName
	}
	first := true
	for {
		an, shot, err := e.look(waitCtx)
		if err == nil {
			if first && baseline == "" {
				baseline = screenNameOf(an)
			}
			if waitMatched(w.Condition, an, baseline) {
				return Succeeded(a, "Wait condition met: "+w.Condition.String(), e.archive(ctx, shot, "wait"), nil)
			}
		} else if waitCtx.Err() == nil {
			e.logger.Debug("Screen read failed while waiting.", zap.Error(err))
		}
		first = false

		if e.states != nil {
			pred := func(s *screen.State) bool { return stateMatched(w.Condition, s, baseline) }
			if _, ok := e.states.WaitForState(waitCtx, pred, e.pollInterval); ok {
				return Succeeded(a, "Wait condition met: "+w.Condition.String(), e.capture(ctx, "wait"), nil)
			}
		} else if err := sleep(waitCtx, e.pollInterval); err != nil {
			break
		}
		if waitCtx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return Failed(a, ctx.Err().Error(), ErrCodeContextCanceled, screen.Screenshot{})
	}
	return Failed(a, "Timeout waiting for: "+w.Condition.String(), ErrCodeTimeoutError, e.capture(ctx, "wait"))
}

func (e *Executor) handleVerify(ctx context.Context, a HumanAction) Result {
	v := a.(Verify)
	if v.Condition == nil {
		return Failed(a, "Verify requires a condition", ErrCodeInvalidParameters, screen.Screenshot{})
	}
	an, shot, err := e.look(ctx)
	shot = e.archive(ctx, shot, "verify")
	if err != nil {
		return Failed(a, "Verification failed: could not read screen: "+err.Error(), ErrCodeScreenCaptureError, shot)
	}
	if verified(v.Condition, an, e.current()) {
		return Succeeded(a, "Verification passed: "+v.Condition.String(), shot, nil)
	}
	return Failed(a, "Verification failed: "+v.Condition.String(), ErrCodeConditionNotMet, shot)
}

// -- Screen access --

func (e *Executor) current() *screen.State {
	if e.states == nil {
		return nil
	}
	return e.states.Current()
}

// look captures a screenshot and analyzes it without archiving.
func (e *Executor) look(ctx context.Context) (*evaluator.Analysis, screen.Screenshot, error) {
	return observe(ctx, e.dev, e.eval)
}

// capture takes and archives a screenshot. Failures are logged and yield
// an empty handle; an action result is never lost to a capture problem.
func (e *Executor) capture(ctx context.Context, tag string) screen.Screenshot {
	data, err := e.dev.Screenshot(ctx)
	if err != nil {
		e.logger.Debug("Screenshot capture failed.", zap.String("tag", tag), zap.Error(err))
		return screen.Screenshot{}
	}
	return e.archive(ctx, screen.Screenshot{Data: data, CapturedAt: time.Now()}, tag)
}

func (e *Executor) archive(ctx context.Context, shot screen.Screenshot, tag string) screen.Screenshot {
	if e.store == nil || len(shot.Data) == 0 || shot.Path != "" {
		return shot
	}
	name := fmt.Sprintf("action_%s_%d_%s.png", tag, shot.CapturedAt.UnixMilli(), uuid.NewString()[:8])
	path, err := artifacts.Save(ctx, e.store, name, shot.Data)
	if err != nil {
		e.logger.Warn("Failed to archive screenshot.", zap.String("name", name), zap.Error(err))
		return shot
	}
	shot.Path = path
	return shot
}

// observe is shared by the executor, recovery and keyboard dismissal.
func observe(ctx context.Context, dev device.Backend, eval Analyzer) (*evaluator.Analysis, screen.Screenshot, error) {
	data, err := dev.Screenshot(ctx)
	if err != nil {
		return nil, screen.Screenshot{}, err
	}
	shot := screen.Screenshot{Data: data, CapturedAt: time.Now()}
	an, err := eval.Analyze(ctx, shot, evaluator.Expectations{})
	if err != nil {
		return nil, shot, err
	}
	return an, shot, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// truncate caps s at n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
