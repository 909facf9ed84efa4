// File: internal/action/recovery_test.go
package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/device"
)

func (r *rig) recovery(t *testing.T) *Recovery {
	t.Helper()
	logger := zaptest.NewLogger(t)
	kb := NewKeyboardDismisser(logger, r.dev, r.eval, nil, 0)
	return NewRecovery(logger, r.exec, r.dev, r.eval, kb, config.RecoveryConfig{})
}

func TestRecoveryDirectSuccessTriesNothingElse(t *testing.T) {
	r := newRig(t, "login")
	r.dev.SetElements("login", "Sign in")

	res := r.recovery(t).Execute(context.Background(), Tap{Target: "Sign in"})

	require.True(t, res.Success)
	assert.Equal(t, []string{RungDirect}, res.Attempts)
	assert.Equal(t, "Tapped Sign in", res.Message)
}

func TestRecoveryLadderOrder(t *testing.T) {
	r := newRig(t, "form")
	r.dev.SetElements("form", "Email")
	r.ocr.SetScreen("form", "Email", "Password")

	res := r.recovery(t).Execute(context.Background(), TypeText{Target: "Email field", Text: "user@example.com"})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{RungDirect, RungKeyboard, RungScroll, RungAlternative}, res.Attempts)
	assert.Contains(t, res.Message, "recovered via alternative_locators")

	direct := []string{
		"type text=Email field user@example.com",
		"type contains=Email field user@example.com",
	}
	var want []string
	want = append(want, direct...) // direct
	want = append(want, direct...) // after keyboard check
	// "Email" sits at y=130 of 2000, near the top: scroll content down.
	want = append(want, "swipe 540,600->540,1400")
	want = append(want, direct...)
	want = append(want, "type contains=Email user@example.com")
	assert.Equal(t, want, r.dev.Calls())
}

func TestRecoveryExhausted(t *testing.T) {
	r := newRig(t, "blank")

	res := r.recovery(t).Execute(context.Background(), Tap{Target: "Ghost"})

	assert.False(t, res.Success)
	assert.Equal(t, ErrCodeRecoveryExhausted, res.Code)
	assert.Equal(t, "Could not tap Ghost after trying: direct tap, keyboard dismissal, scroll, alternative locators, and retry", res.Error)
	assert.Equal(t, Ladder, res.Attempts)
	assert.Contains(t, r.dev.Calls(), "swipe 540,1400->540,600", "off-screen target gets an exploratory scroll")
	assert.Equal(t, "tap text=Ghost", r.dev.Calls()[len(r.dev.Calls())-2], "retry rung runs the direct tiers again")
}

func TestRecoveryExhaustedTypeMessage(t *testing.T) {
	r := newRig(t, "blank")

	res := r.recovery(t).Execute(context.Background(), TypeText{Target: "Name", Text: "x"})

	assert.Equal(t, "Could not type into Name after trying: direct type, keyboard dismissal, scroll, alternative locators, and retry", res.Error)
}

func TestRecoveryExhaustedReportsOnlyRungsThatRan(t *testing.T) {
	r := newRig(t, "blank")

	res := r.recovery(t).Execute(context.Background(), Tap{AccessibilityID: "login_button"})

	assert.Equal(t, ErrCodeRecoveryExhausted, res.Code)
	assert.Equal(t, []string{RungDirect, RungKeyboard, RungScroll, RungRetry}, res.Attempts,
		"an id-only tap has no text for the alternative locators")
	assert.Equal(t, "Could not tap login_button after trying: direct tap, keyboard dismissal, scroll, and retry", res.Error)
}

func TestJoinList(t *testing.T) {
	assert.Equal(t, "direct tap", joinList([]string{"direct tap"}))
	assert.Equal(t, "a and b", joinList([]string{"a", "b"}))
	assert.Equal(t, "a, b, and c", joinList([]string{"a", "b", "c"}))
}

func TestRecoveryDismissesKeyboardThenRetries(t *testing.T) {
	r := newRig(t, "typing")
	r.ocr.SetScreen("typing", "Email", "q w e r t y u i o p", "Done")
	r.ocr.SetScreen("form", "Email", "Sign in")
	r.dev.SetElements("form", "Email", "Sign in")
	r.dev.On("typing", "tap_point", "form")

	res := r.recovery(t).Execute(context.Background(), Tap{Target: "Sign in"})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{RungDirect, RungKeyboard}, res.Attempts)
	assert.Equal(t, []string{
		"tap text=Sign in",
		"tap contains=Sign in",
		"tap_point 200,330", // the "Done" key
		"tap text=Sign in",
	}, r.dev.Calls())
}

func TestRecoveryAlternativeTapUsesOCRPosition(t *testing.T) {
	r := newRig(t, "canvas")
	// Drawn text with no accessible element behind it.
	r.ocr.SetScreen("canvas", "Welcome", "Get started")
	r.dev.On("canvas", "tap_point", "signup")

	res := r.recovery(t).Execute(context.Background(), Tap{Target: "Get started button"})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "signup", r.dev.CurrentScreen())
	assert.Contains(t, r.dev.Calls(), "tap_point 200,230")
	assert.Equal(t, map[string]any{"point": device.Point{X: 200, Y: 230}}, res.Data)
}

func TestRecoveryStopsOnSessionLoss(t *testing.T) {
	r := newRig(t, "login")
	r.dev.SetElements("login", "Sign in")
	r.dev.FailOn("tap text=Sign in", device.ErrNoSession)

	res := r.recovery(t).Execute(context.Background(), Tap{Target: "Sign in"})

	assert.Equal(t, ErrCodeNoSession, res.Code)
	assert.Equal(t, []string{RungDirect}, res.Attempts)
}

func TestRecoveryPassesThroughOtherActions(t *testing.T) {
	r := newRig(t, "home")

	res := r.recovery(t).Execute(context.Background(), Swipe{Direction: device.DirectionLeft})

	require.True(t, res.Success)
	assert.Nil(t, res.Attempts)
	assert.Equal(t, []string{"swipe LEFT"}, r.dev.Calls())
}

func TestBareTarget(t *testing.T) {
	tests := map[string]string{
		"Email field":       "Email",
		"Sign in button":    "Sign in",
		"Password Field":    "Password",
		"Continue":          "Continue",
		"  Terms link ":     "Terms",
		"Enter score input": "Enter score",
	}
	for in, want := range tests {
		assert.Equal(t, want, bareTarget(in), in)
	}
}

func TestRecoveryResumeSkipsDirectRung(t *testing.T) {
	r := newRig(t, "blank")
	rec := r.recovery(t)
	tap := Tap{Target: "Ghost"}
	direct := r.exec.Execute(context.Background(), tap)
	require.False(t, direct.Success)
	before := len(r.dev.Calls())

	res := rec.Resume(context.Background(), tap, direct)

	assert.Equal(t, ErrCodeRecoveryExhausted, res.Code)
	assert.Equal(t, Ladder, res.Attempts, "the direct attempt made by the caller is still reported")
	literal := 0
	for _, c := range r.dev.Calls()[before:] {
		if c == "tap text=Ghost" {
			literal++
		}
	}
	// keyboard, scroll and retry rungs each run the tiers once; no second direct attempt.
	assert.Equal(t, 3, literal)
}

func TestRecoveryResumeLeavesSuccessAlone(t *testing.T) {
	r := newRig(t, "blank")
	ok := Succeeded(Tap{Target: "x"}, "Tapped x", r.exec.capture(context.Background(), "t"), nil)

	res := r.recovery(t).Resume(context.Background(), ok.Action, ok)

	assert.Equal(t, ok, res)
	assert.Empty(t, r.dev.Calls())
}
