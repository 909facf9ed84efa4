// File: internal/screen/coordinator.go
package screen

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults for WaitForStateStable.
const (
	DefaultStableDuration = 2 * time.Second
	DefaultStableTimeout  = 10 * time.Second
)

// ErrCoordinatorClosed is returned when publishing to a closed Coordinator.
var ErrCoordinatorClosed = errors.New("state coordinator is closed")

// Listener is notified synchronously, outside the Coordinator lock, for every published state.
type Listener func(newState, oldState *State)

// Subscription receives every state published after it was created, in
// publish order. The queue is unbounded.
type Subscription struct {
	mu     sync.Mutex
	queue  []*State
	ready  chan struct{}
	closed bool
	cancel func()
}

func newSubscription() *Subscription {
	return &Subscription{ready: make(chan struct{}, 1)}
}

func (s *Subscription) offer(st *State) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, st)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready fires when states are queued or the subscription has closed.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Drain returns the queued states oldest first and whether more can arrive.
func (s *Subscription) Drain() ([]*State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out, !s.closed
}

// Next blocks for the next state in order. It returns false once the
// subscription is closed and drained, or ctx is done.
func (s *Subscription) Next(ctx context.Context) (*State, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			st := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return st, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Cancel unregisters the subscription. Already queued states stay readable.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		s.signal()
	}
}

// Coordinator owns the authoritative current State for one test run and fans
// out changes to subscribers and listeners. It is explicitly constructed and
// torn down with Close; there is no package-level instance.
type Coordinator struct {
	logger *zap.Logger

	mu        sync.Mutex
	current   *State
	subs      map[uint64]*Subscription
	listeners map[uint64]Listener
	nextID    uint64
	closed    bool
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		logger:    logger.Named("state_coordinator"),
		subs:      make(map[uint64]*Subscription),
		listeners: make(map[uint64]Listener),
	}
}

// Current returns the last published state, or nil when none has been published.
func (c *Coordinator) Current() *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// OnStateChanged makes newState current and notifies everyone. The swap is
// serialized under the lock; delivery happens after it is released.
func (c *Coordinator) OnStateChanged(newState, oldState *State) error {
	if newState == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	c.current = newState
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	c.logger.Debug("Screen state changed.",
		zap.String("screen", newState.ScreenName),
		zap.Bool("loading", newState.IsLoading),
		zap.Bool("errors", newState.HasErrors),
		zap.Bool("keyboard", newState.HasKeyboard))

	for _, s := range subs {
		s.offer(newState)
	}
	for _, l := range listeners {
		c.notify(l, newState, oldState)
	}
	return nil
}

func (c *Coordinator) notify(l Listener, newState, oldState *State) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("State listener panicked.", zap.Any("panic", r))
		}
	}()
	l(newState, oldState)
}

// Subscribe registers a Subscription that sees every subsequently published
// state. Callers must Cancel it; Close on the Coordinator also ends it.
func (c *Coordinator) Subscribe() *Subscription {
	sub := newSubscription()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.close()
		return sub
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = sub
	c.mu.Unlock()

	sub.cancel = func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
	return sub
}

// AddListener registers a push-style callback and returns its removal func.
func (c *Coordinator) AddListener(l Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// WaitForState returns the first state satisfying pred, checking the current
// state before blocking. It returns (nil, false) on timeout, cancellation or close.
func (c *Coordinator) WaitForState(ctx context.Context, pred func(*State) bool, timeout time.Duration) (*State, bool) {
	// Subscribe before reading current so no publish can fall between the two.
	sub := c.Subscribe()
	defer sub.Cancel()

	if cur := c.Current(); cur != nil && pred(cur) {
		return cur, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-sub.Ready():
			states, open := sub.Drain()
			for _, st := range states {
				if pred(st) {
					return st, true
				}
			}
			if !open {
				return nil, false
			}
		case <-timer.C:
			c.logger.Debug("Timed out waiting for screen state.", zap.Duration("timeout", timeout))
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// WaitForStateStable returns the current state once no change has been
// published for minDuration. Zero arguments take the package defaults.
func (c *Coordinator) WaitForStateStable(ctx context.Context, minDuration, timeout time.Duration) (*State, bool) {
	if minDuration <= 0 {
		minDuration = DefaultStableDuration
	}
	if timeout <= 0 {
		timeout = DefaultStableTimeout
	}
	sub := c.Subscribe()
	defer sub.Cancel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	quiet := time.NewTimer(minDuration)
	defer quiet.Stop()

	for {
		select {
		case <-sub.Ready():
			states, open := sub.Drain()
			if !open {
				return nil, false
			}
			if len(states) == 0 {
				continue
			}
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(minDuration)
		case <-quiet.C:
			if cur := c.Current(); cur != nil {
				return cur, true
			}
			quiet.Reset(minDuration)
		case <-deadline.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Reset forgets the current state. Subscribers stay registered.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// Close releases all subscribers and rejects further publishes. In-flight
// waits return (nil, false).
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[uint64]*Subscription)
	c.listeners = make(map[uint64]Listener)
	c.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
