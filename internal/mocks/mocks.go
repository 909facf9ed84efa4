// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/sightline/internal/device"
	"github.com/xkilldash9x/sightline/internal/vision"
)

// -- Perception Mocks --

// MockTextExtractor mocks vision.TextExtractor.
type MockTextExtractor struct {
	mock.Mock
}

func (m *MockTextExtractor) ExtractText(ctx context.Context, png []byte) (*vision.TextResult, error) {
	args := m.Called(ctx, png)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vision.TextResult), args.Error(1)
}

// MockPatternDetector mocks vision.PatternDetector.
type MockPatternDetector struct {
	mock.Mock
}

func (m *MockPatternDetector) DetectPatterns(ctx context.Context, png []byte, names ...string) (*vision.PatternResult, error) {
	args := m.Called(ctx, png, names)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vision.PatternResult), args.Error(1)
}

// -- Scripted Perception --

// ScriptedOCR maps screenshot bytes to OCR output. Screenshots produced by
// FakeDevice carry the screen id as their bytes, so a test can describe each
// screen once and let the real evaluator classify it.
type ScriptedOCR struct {
	mu      sync.Mutex
	screens map[string]*vision.TextResult
	Calls   int
}

var _ vision.TextExtractor = (*ScriptedOCR)(nil)

// NewScriptedOCR creates an empty script.
func NewScriptedOCR() *ScriptedOCR {
	return &ScriptedOCR{screens: map[string]*vision.TextResult{}}
}

// SetScreen registers the lines visible on screen id. Each line gets a
// synthetic region stacked top to bottom, 100px apart, 200x60.
func (s *ScriptedOCR) SetScreen(id string, lines ...string) {
	res := vision.Classify(strings.Join(lines, "\n"))
	for i, l := range lines {
		box := vision.Rect{X: 100, Y: 100 + i*100, W: 200, H: 60}
		res.LineRegions = append(res.LineRegions, vision.TextRegion{Text: l, Bounds: box, Confidence: 0.9})
		for _, w := range strings.Fields(l) {
			if len(w) > 2 {
				res.Regions = append(res.Regions, vision.TextRegion{Text: w, Bounds: box, Confidence: 0.9})
			}
		}
	}
	s.mu.Lock()
	s.screens[id] = res
	s.mu.Unlock()
}

func (s *ScriptedOCR) ExtractText(_ context.Context, png []byte) (*vision.TextResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if res, ok := s.screens[string(png)]; ok {
		return res, nil
	}
	return &vision.TextResult{}, nil
}

// -- Device Mocks --

// MockBackend mocks device.Backend.
type MockBackend struct {
	mock.Mock
}

var _ device.Backend = (*MockBackend)(nil)

func (m *MockBackend) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBackend) Tap(ctx context.Context, loc device.Locator) error {
	return m.Called(ctx, loc).Error(0)
}

func (m *MockBackend) TapPoint(ctx context.Context, p device.Point) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockBackend) TypeText(ctx context.Context, loc device.Locator, text string, clearFirst bool) error {
	return m.Called(ctx, loc, text, clearFirst).Error(0)
}

func (m *MockBackend) Swipe(ctx context.Context, d device.Direction) error {
	return m.Called(ctx, d).Error(0)
}

func (m *MockBackend) SwipeBetween(ctx context.Context, from, to device.Point) error {
	return m.Called(ctx, from, to).Error(0)
}

func (m *MockBackend) Back(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBackend) HideKeyboard(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBackend) ViewportSize(ctx context.Context) (device.Size, error) {
	args := m.Called(ctx)
	return args.Get(0).(device.Size), args.Error(1)
}

func (m *MockBackend) HasSession() bool {
	return m.Called().Bool(0)
}

func (m *MockBackend) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// FakeDevice is a scripted app: a set of named screens, the element labels
// visible on each, and transitions fired by interactions. Its screenshots
// are the current screen id as bytes, which ScriptedOCR understands.
type FakeDevice struct {
	mu          sync.Mutex
	screen      string
	size        device.Size
	session     bool
	elements    map[string][]string
	transitions map[string]string
	failures    map[string]error
	calls       []string
}

var _ device.Backend = (*FakeDevice)(nil)

// NewFakeDevice starts on screen start with a 1080x2000 viewport.
func NewFakeDevice(start string) *FakeDevice {
	return &FakeDevice{
		screen:      start,
		size:        device.Size{W: 1080, H: 2000},
		session:     true,
		elements:    map[string][]string{},
		transitions: map[string]string{},
		failures:    map[string]error{},
	}
}

// SetElements declares the labels locators can resolve on screen.
func (f *FakeDevice) SetElements(screen string, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elements[screen] = labels
}

// On moves to next when event happens on screen. Events are "tap:<label>",
// "type:<label>", "tap_point", "swipe:<DIR>", "back", "hide_keyboard".
func (f *FakeDevice) On(screen, event, next string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions[screen+"|"+event] = next
}

// FailOn makes call names (as recorded in Calls) return err. A nil err
// clears the failure.
func (f *FakeDevice) FailOn(call string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, call)
		return
	}
	f.failures[call] = err
}

// SetSession toggles session presence.
func (f *FakeDevice) SetSession(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = ok
}

// SetScreen jumps directly to a screen.
func (f *FakeDevice) SetScreen(screen string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screen = screen
}

// CurrentScreen returns the current screen id.
func (f *FakeDevice) CurrentScreen() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screen
}

// Calls returns every primitive invoked, in order.
func (f *FakeDevice) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeDevice) record(call, event string) error {
	f.calls = append(f.calls, call)
	if err, ok := f.failures[call]; ok {
		return err
	}
	if next, ok := f.transitions[f.screen+"|"+event]; ok {
		f.screen = next
	}
	return nil
}

func (f *FakeDevice) resolve(loc device.Locator) (string, bool) {
	want := strings.ToLower(loc.Value)
	for _, label := range f.elements[f.screen] {
		l := strings.ToLower(label)
		switch loc.Kind {
		case device.ByContains:
			if strings.Contains(l, want) {
				return label, true
			}
		default:
			if l == want {
				return label, true
			}
		}
	}
	return "", false
}

func (f *FakeDevice) Screenshot(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.session {
		return nil, device.ErrNoSession
	}
	if err, ok := f.failures["screenshot"]; ok {
		return nil, err
	}
	return []byte(f.screen), nil
}

func (f *FakeDevice) Tap(_ context.Context, loc device.Locator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := "tap " + loc.String()
	label, ok := f.resolve(loc)
	if !ok {
		f.calls = append(f.calls, call)
		return &device.Error{Kind: device.KindNotFound, Op: "tap", Err: fmt.Errorf("no such element: %s", loc)}
	}
	return f.record(call, "tap:"+label)
}

func (f *FakeDevice) TapPoint(_ context.Context, p device.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(fmt.Sprintf("tap_point %d,%d", p.X, p.Y), "tap_point")
}

func (f *FakeDevice) TypeText(_ context.Context, loc device.Locator, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := "type " + loc.String() + " " + text
	label, ok := f.resolve(loc)
	if !ok {
		f.calls = append(f.calls, call)
		return &device.Error{Kind: device.KindNotFound, Op: "type_text", Err: fmt.Errorf("no such element: %s", loc)}
	}
	return f.record(call, "type:"+label)
}

func (f *FakeDevice) Swipe(_ context.Context, d device.Direction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("swipe "+string(d), "swipe:"+string(d))
}

func (f *FakeDevice) SwipeBetween(_ context.Context, from, to device.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := device.DirectionUp
	if to.Y > from.Y {
		d = device.DirectionDown
	}
	return f.record(fmt.Sprintf("swipe %d,%d->%d,%d", from.X, from.Y, to.X, to.Y), "swipe:"+string(d))
}

func (f *FakeDevice) Back(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("back", "back")
}

func (f *FakeDevice) HideKeyboard(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("hide_keyboard", "hide_keyboard")
}

func (f *FakeDevice) ViewportSize(context.Context) (device.Size, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size, nil
}

func (f *FakeDevice) HasSession() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *FakeDevice) Close(context.Context) error {
	f.SetSession(false)
	return nil
}
