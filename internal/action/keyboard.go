// File: internal/action/keyboard.go
package action

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/device"
	"github.com/xkilldash9x/sightline/internal/evaluator"
	"github.com/xkilldash9x/sightline/internal/screen"
	"github.com/xkilldash9x/sightline/internal/vision"
)

// Keyboard dismissal strategies, in the order they are tried.
const (
	DismissByText     = "dismiss_text"
	DismissByPattern  = "dismiss_pattern"
	DismissTapOutside = "tap_outside"
	DismissSwipeDown  = "swipe_down"
	DismissBack       = "system_back"
)

var (
	dismissTexts        = []string{"Done", "Hide", "Close", "Dismiss", "Back", "✓"}
	dismissPatternNames = []string{"dismiss", "done", "back", "close"}
)

// DismissResult reports how a dismissal went.
type DismissResult struct {
	Dismissed bool
	Strategy  string
	Tried     []string
}

// KeyboardDismisser removes an on-screen keyboard the way a person would:
// tap a visible dismiss key, tap away from the keyboard, swipe it down.
// The system back key is a non-visual last resort.
type KeyboardDismisser struct {
	logger    *zap.Logger
	dev       device.Backend
	eval      Analyzer
	states    StateSource
	checkWait time.Duration
}

// NewKeyboardDismisser creates a dismisser. states may be nil.
func NewKeyboardDismisser(logger *zap.Logger, dev device.Backend, eval Analyzer, states StateSource, checkWait time.Duration) *KeyboardDismisser {
	return &KeyboardDismisser{
		logger:    logger.Named("keyboard_dismisser"),
		dev:       dev,
		eval:      eval,
		states:    states,
		checkWait: checkWait,
	}
}

// KeyboardVisible takes a fresh look at the screen.
func (k *KeyboardDismisser) KeyboardVisible(ctx context.Context) (bool, *evaluator.Analysis) {
	an, _, err := observe(ctx, k.dev, k.eval)
	if err != nil {
		k.logger.Debug("Could not read screen for keyboard check.", zap.Error(err))
		return false, nil
	}
	return an.Evaluation != nil && an.Evaluation.HasKeyboard, an
}

// Dismiss runs the strategies in order, starting from an analysis of the
// screen that shows the keyboard, and stops at the first one after which
// the keyboard is gone.
func (k *KeyboardDismisser) Dismiss(ctx context.Context, an *evaluator.Analysis) DismissResult {
	var res DismissResult
	size, sizeErr := k.dev.ViewportSize(ctx)

	type strategy struct {
		name string
		run  func() (bool, error)
	}
	strategies := []strategy{
		{DismissByText, func() (bool, error) {
			label, region, ok := findDismissText(an)
			if !ok {
				return false, nil
			}
			if region != nil && sizeErr == nil {
				return true, k.dev.TapPoint(ctx, toViewport(region.Bounds, an, size))
			}
			return true, k.dev.Tap(ctx, device.Locator{Kind: device.ByText, Value: label})
		}},
		{DismissByPattern, func() (bool, error) {
			if an == nil || an.Patterns == nil || sizeErr != nil {
				return false, nil
			}
			m, ok := an.Patterns.Find(dismissPatternNames...)
			if !ok {
				return false, nil
			}
			return true, k.dev.TapPoint(ctx, toViewport(m.Bounds, an, size))
		}},
		{DismissTapOutside, func() (bool, error) {
			if sizeErr != nil {
				return false, nil
			}
			return true, k.dev.TapPoint(ctx, size.At(0.5, 0.3))
		}},
		{DismissSwipeDown, func() (bool, error) {
			return true, k.dev.Swipe(ctx, device.DirectionDown)
		}},
		{DismissBack, func() (bool, error) {
			k.logger.Warn("Visual keyboard dismissal failed; falling back to system back, which is not a visual strategy.")
			return true, k.dev.Back(ctx)
		}},
	}

	for _, s := range strategies {
		if ctx.Err() != nil {
			return res
		}
		applied, err := s.run()
		if !applied {
			continue
		}
		res.Tried = append(res.Tried, s.name)
		if err != nil {
			k.logger.Debug("Keyboard dismissal strategy failed.", zap.String("strategy", s.name), zap.Error(err))
			continue
		}
		if k.gone(ctx) {
			res.Dismissed, res.Strategy = true, s.name
			k.logger.Info("Keyboard dismissed.", zap.String("strategy", s.name))
			return res
		}
	}
	k.logger.Warn("All keyboard dismissal strategies failed.", zap.Strings("tried", res.Tried))
	return res
}

// gone waits briefly, preferring a Coordinator update, then confirms with
// a fresh screen read.
func (k *KeyboardDismisser) gone(ctx context.Context) bool {
	start := time.Now()
	if k.states != nil {
		k.states.WaitForState(ctx, func(s *screen.State) bool {
			return !s.HasKeyboard && s.Timestamp.After(start)
		}, k.checkWait)
	} else if err := sleep(ctx, k.checkWait); err != nil {
		return false
	}
	visible, an := k.KeyboardVisible(ctx)
	return an != nil && !visible
}

// findDismissText looks for a dismiss key label, preferring line regions
// so the tap can be aimed.
func findDismissText(an *evaluator.Analysis) (string, *vision.TextRegion, bool) {
	if an == nil || an.Text == nil {
		return "", nil, false
	}
	for _, want := range dismissTexts {
		for i := range an.Text.LineRegions {
			r := &an.Text.LineRegions[i]
			if strings.EqualFold(strings.TrimSpace(r.Text), want) {
				return want, r, true
			}
		}
	}
	for _, want := range dismissTexts {
		for _, label := range an.Text.ButtonLabels {
			if strings.EqualFold(strings.TrimSpace(label), want) {
				return want, nil, true
			}
		}
	}
	return "", nil, false
}

// toViewport maps a screenshot-pixel box center into viewport coordinates.
func toViewport(r vision.Rect, an *evaluator.Analysis, size device.Size) device.Point {
	x, y := r.Center()
	if an != nil && an.Width > 0 && an.Height > 0 {
		x = x * size.W / an.Width
		y = y * size.H / an.Height
	}
	return device.Point{X: x, Y: y}
}
