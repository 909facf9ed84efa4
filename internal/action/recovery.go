// File: internal/action/recovery.go
package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/device"
	"github.com/xkilldash9x/sightline/internal/evaluator"
	"github.com/xkilldash9x/sightline/internal/vision"
)

// Recovery rungs, in ladder order.
const (
	RungDirect      = "direct"
	RungKeyboard    = "keyboard_dismissal"
	RungScroll      = "scroll"
	RungAlternative = "alternative_locators"
	RungRetry       = "retry"
)

// Ladder is the fixed order recovery walks for element interactions.
var Ladder = []string{RungDirect, RungKeyboard, RungScroll, RungAlternative, RungRetry}

// Recovery wraps an Executor with a human-style recovery ladder for taps
// and typing. Every other action goes straight to the executor.
type Recovery struct {
	logger       *zap.Logger
	exec         *Executor
	dev          device.Backend
	eval         Analyzer
	kb           *KeyboardDismisser
	settle       time.Duration
	scrollSettle time.Duration
}

// NewRecovery creates the ladder around exec.
func NewRecovery(logger *zap.Logger, exec *Executor, dev device.Backend, eval Analyzer, kb *KeyboardDismisser, cfg config.RecoveryConfig) *Recovery {
	return &Recovery{
		logger:       logger.Named("adaptive_recovery"),
		exec:         exec,
		dev:          dev,
		eval:         eval,
		kb:           kb,
		settle:       cfg.SettleDelay,
		scrollSettle: cfg.PostActionSettle,
	}
}

// Execute runs a, climbing the ladder when a Tap or TypeText fails.
func (r *Recovery) Execute(ctx context.Context, a HumanAction) Result {
	switch a.(type) {
	case Tap, TypeText:
	default:
		return r.exec.Execute(ctx, a)
	}

	return r.climbFrom(ctx, a, Ladder, nil, Result{})
}

// Resume continues the ladder after a direct attempt made elsewhere (the
// perception-action loop) failed. Successes, fatal failures and actions
// other than Tap and TypeText are returned unchanged.
func (r *Recovery) Resume(ctx context.Context, a HumanAction, direct Result) Result {
	if direct.Success || fatal(direct.Code) {
		return direct
	}
	switch a.(type) {
	case Tap, TypeText:
	default:
		return direct
	}
	r.logger.Debug("Resuming recovery after failed direct attempt.", zap.String("action", a.String()), zap.String("error", direct.Error))
	return r.climbFrom(ctx, a, Ladder[1:], []string{RungDirect}, direct)
}

func (r *Recovery) climbFrom(ctx context.Context, a HumanAction, rungs, done []string, last Result) Result {
	attempts := append([]string(nil), done...)
	for _, rung := range rungs {
		if ctx.Err() != nil {
			return Failed(a, ctx.Err().Error(), ErrCodeContextCanceled, last.Screenshot)
		}
		res, applied := r.climb(ctx, rung, a)
		if !applied {
			continue
		}
		attempts = append(attempts, rung)
		last = res
		if res.Success {
			res.Attempts = attempts
			if rung != RungDirect {
				r.logger.Info("Action recovered.", zap.String("action", a.String()), zap.String("rung", rung))
				res.Message = fmt.Sprintf("%s (recovered via %s)", res.Message, rung)
			}
			return res
		}
		if fatal(res.Code) {
			res.Attempts = attempts
			return res
		}
		r.logger.Debug("Recovery rung failed.", zap.String("action", a.String()), zap.String("rung", rung), zap.String("error", res.Error))
	}

	out := Failed(a, exhaustedMessage(a, attempts), ErrCodeRecoveryExhausted, last.Screenshot)
	out.Attempts = attempts
	out.Data = map[string]any{"lastError": last.Error}
	r.logger.Warn("Recovery exhausted.",
		zap.String("action", a.String()),
		zap.String("error_code", string(out.Code)),
		zap.Strings("attempts", attempts))
	return out
}

// climb prepares one rung and retries the action. applied is false when
// the rung had nothing to try.
func (r *Recovery) climb(ctx context.Context, rung string, a HumanAction) (Result, bool) {
	switch rung {
	case RungDirect:
		return r.exec.Execute(ctx, a), true
	case RungKeyboard:
		if r.kb != nil {
			if visible, an := r.kb.KeyboardVisible(ctx); visible {
				r.kb.Dismiss(ctx, an)
			}
		}
		return r.exec.Execute(ctx, a), true
	case RungScroll:
		r.scrollTowards(ctx, targetOf(a))
		return r.exec.Execute(ctx, a), true
	case RungAlternative:
		return r.alternatives(ctx, a)
	case RungRetry:
		if err := sleep(ctx, r.settle); err != nil {
			return Failed(a, err.Error(), ErrCodeContextCanceled, r.exec.capture(ctx, "retry")), true
		}
		return r.exec.Execute(ctx, a), true
	default:
		return Result{}, false
	}
}

// scrollTowards brings target away from the screen edges. A target near
// the bottom is scrolled up into view and one near the top down; a target
// not on screen at all gets one exploratory scroll.
func (r *Recovery) scrollTowards(ctx context.Context, target string) {
	size, err := r.dev.ViewportSize(ctx)
	if err != nil {
		r.logger.Debug("Viewport size unavailable; skipping scroll.", zap.Error(err))
		return
	}
	an, _, err := observe(ctx, r.dev, r.eval)
	if err != nil {
		r.logger.Debug("Screen read failed before scroll.", zap.Error(err))
		return
	}

	var from, to device.Point
	region, found := locate(an, target)
	switch {
	case !found:
		from, to = size.At(0.5, 0.7), size.At(0.5, 0.3)
	default:
		h := an.Height
		if h <= 0 {
			h = size.H
		}
		_, y := region.Bounds.Center()
		rel := float64(y) / float64(h)
		switch {
		case rel > 0.8:
			from, to = size.At(0.5, 0.7), size.At(0.5, 0.3)
		case rel < 0.2:
			from, to = size.At(0.5, 0.3), size.At(0.5, 0.7)
		default:
			return
		}
	}
	if err := r.dev.SwipeBetween(ctx, from, to); err != nil {
		r.logger.Debug("Recovery scroll failed.", zap.Error(err))
		return
	}
	_ = sleep(ctx, r.scrollSettle)
}

// alternatives loosens the locator: a contains-match on the bare target
// name, then for taps a coordinate tap on where OCR saw the text.
func (r *Recovery) alternatives(ctx context.Context, a HumanAction) (Result, bool) {
	switch t := a.(type) {
	case Tap:
		bare := bareTarget(t.Target)
		if bare == "" {
			return Result{}, false
		}
		loc := device.Locator{Kind: device.ByContains, Value: bare}
		err := r.dev.Tap(ctx, loc)
		if err == nil {
			return Succeeded(a, "Tapped "+t.Target, r.exec.capture(ctx, "tap"), map[string]any{"locator": loc.String()}), true
		}
		if p, ok := r.pointFor(ctx, bare); ok {
			if err = r.dev.TapPoint(ctx, p); err == nil {
				return Succeeded(a, "Tapped "+t.Target, r.exec.capture(ctx, "tap"), map[string]any{"point": p}), true
			}
		}
		return Failed(a, fmt.Sprintf("Could not tap '%s' with alternative locators: %v", t.Target, err), CodeFor(err), r.exec.capture(ctx, "tap")), true
	case TypeText:
		bare := bareTarget(t.Target)
		if bare == "" {
			return Result{}, false
		}
		loc := device.Locator{Kind: device.ByContains, Value: bare}
		if err := r.dev.TypeText(ctx, loc, t.Text, t.ClearFirst); err != nil {
			return Failed(a, fmt.Sprintf("Could not type into '%s' with alternative locators: %v", t.Target, err), CodeFor(err), r.exec.capture(ctx, "type")), true
		}
		return Succeeded(a, "Typed into "+t.Target, r.exec.capture(ctx, "type"), map[string]any{"locator": loc.String()}), true
	default:
		return Result{}, false
	}
}

func (r *Recovery) pointFor(ctx context.Context, text string) (device.Point, bool) {
	an, _, err := observe(ctx, r.dev, r.eval)
	if err != nil {
		return device.Point{}, false
	}
	region, ok := locate(an, text)
	if !ok {
		return device.Point{}, false
	}
	size, err := r.dev.ViewportSize(ctx)
	if err != nil {
		return device.Point{}, false
	}
	return toViewport(region.Bounds, an, size), true
}

// locate finds where OCR saw target, ignoring role words like "field".
func locate(an *evaluator.Analysis, target string) (vision.TextRegion, bool) {
	if an == nil || target == "" {
		return vision.TextRegion{}, false
	}
	return an.Text.FindRegion(bareTarget(target))
}

var targetSuffixes = []string{" field", " button", " input", " link"}

// bareTarget strips role words a planner tends to append ("Email field").
func bareTarget(target string) string {
	t := strings.TrimSpace(target)
	lower := strings.ToLower(t)
	for _, s := range targetSuffixes {
		if strings.HasSuffix(lower, s) {
			return strings.TrimSpace(t[:len(t)-len(s)])
		}
	}
	return t
}

func targetOf(a HumanAction) string {
	switch t := a.(type) {
	case Tap:
		return t.Target
	case TypeText:
		return t.Target
	}
	return ""
}

var rungLabels = map[string]string{
	RungKeyboard:    "keyboard dismissal",
	RungScroll:      "scroll",
	RungAlternative: "alternative locators",
	RungRetry:       "retry",
}

// exhaustedMessage names the rungs that actually ran, in order.
func exhaustedMessage(a HumanAction, attempts []string) string {
	verb, direct, target := "tap", "direct tap", targetOf(a)
	switch t := a.(type) {
	case Tap:
		if target == "" {
			target = firstNonEmpty(t.AccessibilityID, t.Text)
		}
	case TypeText:
		verb, direct = "type into", "direct type"
		if target == "" {
			target = t.AccessibilityID
		}
	}
	labels := make([]string, 0, len(attempts))
	for _, rung := range attempts {
		if rung == RungDirect {
			labels = append(labels, direct)
			continue
		}
		labels = append(labels, rungLabels[rung])
	}
	return fmt.Sprintf("Could not %s %s after trying: %s", verb, target, joinList(labels))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// joinList renders "a", "a and b" or "a, b, and c".
func joinList(items []string) string {
	switch len(items) {
	case 0:
		return "nothing"
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
}

// fatal codes end the ladder; no amount of retrying fixes them.
func fatal(code ErrorCode) bool {
	switch code {
	case ErrCodeNoSession, ErrCodeContextCanceled, ErrCodeExecutorPanic, ErrCodeInvalidParameters, ErrCodeUnknownAction:
		return true
	}
	return false
}
