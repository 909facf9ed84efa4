// File: internal/action/actions.go
package action

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/sightline/internal/device"
)

// Kind names a HumanAction variant and keys the executor's handler map.
type Kind string

const (
	KindTap          Kind = "Tap"
	KindTypeText     Kind = "TypeText"
	KindSwipe        Kind = "Swipe"
	KindWaitFor      Kind = "WaitFor"
	KindNavigateBack Kind = "NavigateBack"
	KindCaptureState Kind = "CaptureState"
	KindVerify       Kind = "Verify"
)

// DefaultWaitTimeout applies to WaitFor actions with no timeout.
const DefaultWaitTimeout = 10 * time.Second

// HumanAction is something a person could do to the app. The set of
// variants is closed: only this package can add one.
type HumanAction interface {
	Kind() Kind
	String() string
	humanAction()
}

// Tap presses an element. Target is the human description ("Sign in
// button"); AccessibilityID and Text are optional sharper locators.
type Tap struct {
	Target          string
	AccessibilityID string
	Text            string
	Description     string
}

// TypeText enters Text into the field described by Target.
type TypeText struct {
	Target          string
	Text            string
	AccessibilityID string
	ClearFirst      bool
}

// Swipe is a finger swipe in Direction.
type Swipe struct {
	Direction device.Direction
}

// WaitFor blocks until Condition holds or Timeout elapses.
type WaitFor struct {
	Condition WaitCondition
	Timeout   time.Duration
}

// NavigateBack uses the system back affordance.
type NavigateBack struct{}

// CaptureState records the screen and extracts visible error text.
type CaptureState struct{}

// Verify checks Condition once.
type Verify struct {
	Condition VerifyCondition
}

func (Tap) Kind() Kind          { return KindTap }
func (TypeText) Kind() Kind     { return KindTypeText }
func (Swipe) Kind() Kind        { return KindSwipe }
func (WaitFor) Kind() Kind      { return KindWaitFor }
func (NavigateBack) Kind() Kind { return KindNavigateBack }
func (CaptureState) Kind() Kind { return KindCaptureState }
func (Verify) Kind() Kind       { return KindVerify }

func (Tap) humanAction()          {}
func (TypeText) humanAction()     {}
func (Swipe) humanAction()        {}
func (WaitFor) humanAction()      {}
func (NavigateBack) humanAction() {}
func (CaptureState) humanAction() {}
func (Verify) humanAction()       {}

func (a Tap) String() string { return fmt.Sprintf("Tap(%s)", a.Target) }
func (a TypeText) String() string {
	return fmt.Sprintf("TypeText(%s, %q)", a.Target, a.Text)
}
func (a Swipe) String() string      { return fmt.Sprintf("Swipe(%s)", a.Direction) }
func (a WaitFor) String() string    { return fmt.Sprintf("WaitFor(%s, %s)", a.Condition, a.timeout()) }
func (NavigateBack) String() string { return "NavigateBack" }
func (CaptureState) String() string { return "CaptureState" }
func (a Verify) String() string     { return fmt.Sprintf("Verify(%s)", a.Condition) }

func (a WaitFor) timeout() time.Duration {
	if a.Timeout <= 0 {
		return DefaultWaitTimeout
	}
	return a.Timeout
}

// WaitCondition is a closed set of conditions WaitFor can block on.
type WaitCondition interface {
	String() string
	waitCondition()
}

type (
	ElementVisible struct{ Element string }
	ElementEnabled struct{ Element string }
	// ScreenChanged waits for a different screen, or for Expected when set.
	ScreenChanged   struct{ Expected string }
	LoadingComplete struct{}
	TextAppears     struct{ Text string }
)

func (ElementVisible) waitCondition()  {}
func (ElementEnabled) waitCondition()  {}
func (ScreenChanged) waitCondition()   {}
func (LoadingComplete) waitCondition() {}
func (TextAppears) waitCondition()     {}

func (c ElementVisible) String() string { return "ElementVisible(" + c.Element + ")" }
func (c ElementEnabled) String() string { return "ElementEnabled(" + c.Element + ")" }
func (c ScreenChanged) String() string {
	if c.Expected == "" {
		return "ScreenChanged"
	}
	return "ScreenChanged(" + c.Expected + ")"
}
func (LoadingComplete) String() string { return "LoadingComplete" }
func (c TextAppears) String() string   { return "TextAppears(" + c.Text + ")" }

// VerifyCondition is a closed set of one-shot checks.
type VerifyCondition interface {
	String() string
	verifyCondition()
}

type (
	ElementPresent struct{ Element string }
	TextPresent    struct{ Text string }
	ScreenIs       struct{ Name string }
	// Authenticated holds when signed-in indicators are visible and
	// sign-in prompts are not. SignedOut inverts the expectation.
	Authenticated struct{ SignedOut bool }
)

func (ElementPresent) verifyCondition() {}
func (TextPresent) verifyCondition()    {}
func (ScreenIs) verifyCondition()       {}
func (Authenticated) verifyCondition()  {}

func (c ElementPresent) String() string { return "ElementPresent(" + c.Element + ")" }
func (c TextPresent) String() string    { return "TextPresent(" + c.Text + ")" }
func (c ScreenIs) String() string       { return "ScreenIs(" + c.Name + ")" }
func (c Authenticated) String() string {
	if c.SignedOut {
		return "Authenticated(false)"
	}
	return "Authenticated"
}

// Key is the identity used to spot repeated attempts: two actions with the
// same key are "the same thing tried again".
func Key(a HumanAction) string {
	switch v := a.(type) {
	case Tap:
		return "Tap:" + v.Target
	case TypeText:
		return "Type:" + v.Target
	case Swipe:
		return "Swipe:" + string(v.Direction)
	case WaitFor:
		return "Wait:" + v.Condition.String()
	case Verify:
		return "Verify:" + v.Condition.String()
	case NavigateBack:
		return "NavigateBack"
	case CaptureState:
		return "CaptureState"
	default:
		panic(fmt.Sprintf("action: unhandled variant %T", a))
	}
}

// IsInteraction reports whether a changes the app (as opposed to observing it).
func IsInteraction(a HumanAction) bool {
	switch a.(type) {
	case CaptureState, Verify, WaitFor:
		return false
	default:
		return true
	}
}
