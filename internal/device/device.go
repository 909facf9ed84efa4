// File: internal/device/device.go
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Point is a screen coordinate in device pixels.
type Point struct {
	X, Y int
}

// Size is a viewport size in device pixels.
type Size struct {
	W, H int
}

// Center returns the midpoint of the viewport.
func (s Size) Center() Point { return Point{X: s.W / 2, Y: s.H / 2} }

// At returns the point at the given fractions of width and height.
func (s Size) At(fx, fy float64) Point {
	return Point{X: int(float64(s.W) * fx), Y: int(float64(s.H) * fy)}
}

// Direction is a swipe direction, named for finger movement.
type Direction string

const (
	DirectionUp    Direction = "UP"
	DirectionDown  Direction = "DOWN"
	DirectionLeft  Direction = "LEFT"
	DirectionRight Direction = "RIGHT"
)

// SwipePath returns start and end points for a swipe from the viewport
// center towards 20% / 80% of the matching axis.
func SwipePath(s Size, d Direction) (Point, Point, error) {
	c := s.Center()
	switch d {
	case DirectionUp:
		return c, s.At(0.5, 0.2), nil
	case DirectionDown:
		return c, s.At(0.5, 0.8), nil
	case DirectionLeft:
		return c, s.At(0.2, 0.5), nil
	case DirectionRight:
		return c, s.At(0.8, 0.5), nil
	default:
		return Point{}, Point{}, fmt.Errorf("unknown swipe direction %q", d)
	}
}

// LocatorKind is a resolution tier for an on-screen element.
type LocatorKind string

const (
	ByAccessibilityID LocatorKind = "accessibility_id"
	ByText            LocatorKind = "text"
	ByContains        LocatorKind = "contains"
)

// Locator names one element for a single resolution tier. The action layer
// decides the tier order; backends only translate one tier into a query.
type Locator struct {
	Kind  LocatorKind
	Value string
}

func (l Locator) String() string { return string(l.Kind) + "=" + l.Value }

// Backend is the device automation boundary. Every call blocks until the
// primitive completes or ctx is done.
type Backend interface {
	Screenshot(ctx context.Context) ([]byte, error)
	Tap(ctx context.Context, loc Locator) error
	TapPoint(ctx context.Context, p Point) error
	TypeText(ctx context.Context, loc Locator, text string, clearFirst bool) error
	Swipe(ctx context.Context, d Direction) error
	SwipeBetween(ctx context.Context, from, to Point) error
	Back(ctx context.Context) error
	HideKeyboard(ctx context.Context) error
	ViewportSize(ctx context.Context) (Size, error)
	HasSession() bool
	Close(ctx context.Context) error
}

// ErrNoSession is returned when no automation session is active.
var ErrNoSession = errors.New("no active device session")

// ErrorKind classifies backend failures.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindNotInteractable ErrorKind = "not_interactable"
	KindTimeout         ErrorKind = "timeout"
	KindSession         ErrorKind = "session"
	KindBackend         ErrorKind = "backend"
)

// Error is a classified backend failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Wrap classifies err and tags it with op. A nil err stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// Classify maps raw backend messages to a kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrNoSession) {
		return KindSession
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such element"), strings.Contains(msg, "not found"),
		strings.Contains(msg, "could not find"), strings.Contains(msg, "no element"):
		return KindNotFound
	case strings.Contains(msg, "not interactable"), strings.Contains(msg, "not clickable"),
		strings.Contains(msg, "not visible"), strings.Contains(msg, "intercepted"):
		return KindNotInteractable
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "session"):
		return KindSession
	default:
		return KindBackend
	}
}

// IsKind reports whether err classifies as k.
func IsKind(err error, k ErrorKind) bool {
	return err != nil && Classify(err) == k
}
