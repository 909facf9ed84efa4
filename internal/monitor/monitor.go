// File: internal/monitor/monitor.go
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/artifacts"
	"github.com/xkilldash9x/sightline/internal/device"
	"github.com/xkilldash9x/sightline/internal/evaluator"
	"github.com/xkilldash9x/sightline/internal/screen"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = time.Second

// Analyzer runs one visual evaluation pass.
type Analyzer interface {
	Analyze(ctx context.Context, shot screen.Screenshot, exp evaluator.Expectations) (*evaluator.Analysis, error)
}

// Sink receives state transitions. *screen.Coordinator implements it.
type Sink interface {
	OnStateChanged(newState, oldState *screen.State) error
}

// Monitor samples the screen in the background and publishes a new State
// to the sink whenever the screen meaningfully changes.
type Monitor struct {
	logger   *zap.Logger
	dev      device.Backend
	eval     Analyzer
	sink     Sink
	store    artifacts.BlobStorage
	interval time.Duration
	started  time.Time

	// ctxMu guards the action/goal tags.
	ctxMu         sync.RWMutex
	currentAction string
	currentGoal   string

	// runMu guards the loop lifecycle.
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// sampleMu serializes sampling so the loop and CaptureNow never race on last.
	sampleMu sync.Mutex
	last     *screen.State
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithArchive stores every sampled screenshot.
func WithArchive(store artifacts.BlobStorage) Option {
	return func(m *Monitor) { m.store = store }
}

// WithStartTime sets the run start that RelativeTime is measured from.
func WithStartTime(t time.Time) Option {
	return func(m *Monitor) { m.started = t }
}

// New creates a stopped Monitor.
func New(logger *zap.Logger, dev device.Backend, eval Analyzer, sink Sink, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Monitor{
		logger:   logger.Named("screen_monitor"),
		dev:      dev,
		eval:     eval,
		sink:     sink,
		interval: interval,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sampling loop. Starting a running Monitor is a no-op.
// The loop ends on Stop or when ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.done != nil {
		select {
		case <-m.done:
			// Previous loop ended on its own (ctx canceled); start fresh.
		default:
			m.logger.Debug("Screen monitor already running.")
			return
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.logger.Info("Starting screen monitor.", zap.Duration("interval", m.interval))
	go m.run(loopCtx, m.done)
}

// Stop ends the sampling loop and waits for it to exit. The last published
// state stays with the sink.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("Screen monitor stopped.")
}

// IsRunning reports whether the sampling loop is active.
func (m *Monitor) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// SetCurrentAction tags future states with the action in flight. "" clears it.
func (m *Monitor) SetCurrentAction(a string) {
	m.ctxMu.Lock()
	m.currentAction = a
	m.ctxMu.Unlock()
}

// SetCurrentGoal tags future states with the active goal. "" clears it.
func (m *Monitor) SetCurrentGoal(g string) {
	m.ctxMu.Lock()
	m.currentGoal = g
	m.ctxMu.Unlock()
}

// CaptureNow takes one sample synchronously, publishes it when it differs
// from the last one, and returns it.
func (m *Monitor) CaptureNow(ctx context.Context) *screen.State {
	return m.tick(ctx)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			m.logger.Debug("Screen monitor loop canceled.")
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) tick(ctx context.Context) *screen.State {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()

	st := m.sample(ctx)
	if ctx.Err() != nil {
		return st
	}
	if !st.HasChangedFrom(m.last) {
		return st
	}
	m.logTransition(st)
	if err := m.sink.OnStateChanged(st, m.last); err != nil {
		m.logger.Debug("State sink rejected update.", zap.Error(err))
		return st
	}
	m.last = st
	return st
}

func (m *Monitor) logTransition(st *screen.State) {
	from := "unknown screen"
	if m.last != nil && m.last.ScreenName != "" {
		from = m.last.ScreenName
	}
	to := "unknown screen"
	if st.ScreenName != "" {
		to = st.ScreenName
	}
	if from != to {
		m.logger.Info("Screen changed.", zap.String("from", from), zap.String("to", to))
	}
	if st.HasErrors {
		m.logger.Warn("Monitor detected errors on screen.", zap.Strings("errors", st.ErrorMessages))
	}
}

// sample builds one State. It never fails: no session or a capture problem
// yields the minimal state.
func (m *Monitor) sample(ctx context.Context) *screen.State {
	now := time.Now()
	action, goal := m.context()
	minimal := screen.Minimal(now, now.Sub(m.started), action, goal)

	if !m.dev.HasSession() {
		m.logger.Debug("No device session; reporting minimal state.")
		return minimal
	}
	data, err := m.dev.Screenshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Debug("Screenshot capture failed; will retry next cycle.", zap.Error(err))
		}
		return minimal
	}
	shot := m.archive(ctx, screen.Screenshot{Data: data, CapturedAt: now}, action, goal, minimal.RelativeTime)

	an, err := m.eval.Analyze(ctx, shot, evaluator.Expectations{})
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("Failed to analyze screen state.", zap.Error(err))
		}
		minimal.Screenshot = shot
		return minimal
	}
	return FromAnalysis(an, shot, now, minimal.RelativeTime, action, goal)
}

func (m *Monitor) context() (string, string) {
	m.ctxMu.RLock()
	defer m.ctxMu.RUnlock()
	return m.currentAction, m.currentGoal
}

func (m *Monitor) archive(ctx context.Context, shot screen.Screenshot, action, goal string, rel time.Duration) screen.Screenshot {
	if m.store == nil {
		return shot
	}
	name := ArchiveName(rel, action, goal, uuid.NewString()[:8])
	path, err := artifacts.Save(ctx, m.store, name, shot.Data)
	if err != nil {
		m.logger.Debug("Failed to archive monitor screenshot.", zap.String("name", name), zap.Error(err))
		return shot
	}
	shot.Path = path
	return shot
}

// FromAnalysis turns one evaluation pass into a State.
func FromAnalysis(an *evaluator.Analysis, shot screen.Screenshot, now time.Time, rel time.Duration, action, goal string) *screen.State {
	st := &screen.State{
		Screenshot:    shot,
		Timestamp:     now,
		RelativeTime:  rel,
		CurrentAction: action,
		CurrentGoal:   goal,
	}
	if ev := an.Evaluation; ev != nil {
		st.IsLoading = ev.IsLoading()
		st.HasErrors = ev.HasErrors()
		st.ErrorMessages = ev.ErrorMessages()
		st.HasKeyboard = ev.HasKeyboard
		st.BlockingElements = ev.BlockingElements
	}
	for _, el := range an.Elements {
		st.VisibleElements = append(st.VisibleElements, el.Label())
	}
	st.ScreenName = ScreenName(an)
	return st
}

// ScreenName identifies the screen: the detected name from an unexpected
// state finding ("... but detected: a, b" gives "a"), else the first
// screen indicator OCR found.
func ScreenName(an *evaluator.Analysis) string {
	if an.Evaluation != nil {
		for _, o := range an.Evaluation.ByType(screen.ObservationUnexpectedState) {
			_, after, ok := strings.Cut(o.Message, "but detected: ")
			if !ok {
				continue
			}
			name, _, _ := strings.Cut(after, ",")
			if name = strings.TrimSpace(name); name != "" {
				return name
			}
		}
	}
	if an.Text != nil && len(an.Text.ScreenIndicators) > 0 {
		return an.Text.ScreenIndicators[0]
	}
	return ""
}

// ArchiveName is the file name for a monitor screenshot.
func ArchiveName(rel time.Duration, action, goal, id string) string {
	return fmt.Sprintf("monitor_%dms_action_%s_goal_%s_%s.png", rel.Milliseconds(), tag(action), tag(goal), id)
}

// tag makes a context string safe and short for a file name.
func tag(s string) string {
	if s == "" {
		return "none"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 20 {
			break
		}
	}
	return b.String()
}
