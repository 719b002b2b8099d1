// Package dispatch fans state transitions out to observers without letting
// a slow observer hold up the stream.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/evarobotics/evago/pkg/state"
)

const DefaultQueueSize = 64

// ErrOverflow is logged the first time a subscription drops an update.
var ErrOverflow = errors.New("subscription queue overflow")

// Update is one state transition. Old is nil for the first state.
type Update struct {
	Old *state.RobotState
	New *state.RobotState
}

// Observer receives updates on its subscription's goroutine.
type Observer func(Update)

// Subscription is one observer with its own bounded queue.
type Subscription struct {
	id       string
	observer Observer
	filter   func(Update) bool
	logger   *slog.Logger

	mu      sync.Mutex
	queue   []Update
	size    int
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// Dropped returns how many updates were discarded because the observer
// fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithQueueSize bounds the number of pending updates.
func WithQueueSize(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithFilter delivers only updates for which keep returns true. keep runs
// on the subscription's goroutine, so filtered updates still occupy the
// queue until they are taken.
func WithFilter(keep func(Update) bool) SubscribeOption {
	return func(s *Subscription) { s.filter = keep }
}

// enqueue appends u, dropping the oldest pending update when full. It
// never blocks.
func (s *Subscription) enqueue(u Update) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	overflow := len(s.queue) >= s.size
	if overflow {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, u)
	s.mu.Unlock()

	if overflow && s.dropped.Add(1) == 1 {
		s.logger.Warn("observer too slow, dropping oldest updates", "err", ErrOverflow)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) take() ([]Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	batch := s.queue
	s.queue = make([]Update, 0, len(batch))
	return batch, true
}

func (s *Subscription) run() {
	defer close(s.done)
	for range s.notify {
		batch, ok := s.take()
		if !ok {
			return
		}
		for _, u := range batch {
			s.deliver(u)
		}
	}
}

func (s *Subscription) deliver(u Update) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("observer panicked", "panic", fmt.Sprint(r))
		}
	}()
	if s.filter != nil && !s.filter(u) {
		return
	}
	s.observer(u)
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.notify)
}

// Dispatcher owns every subscription of a session.
type Dispatcher struct {
	logger    *slog.Logger
	queueSize int

	mu     sync.RWMutex
	subs   map[*Subscription]bool
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDefaultQueueSize sets the queue bound for subscriptions that do not
// pass WithQueueSize.
func WithDefaultQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		subs:      make(map[*Subscription]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Subscribe registers observer. It returns nil after Close.
func (d *Dispatcher) Subscribe(observer Observer, opts ...SubscribeOption) *Subscription {
	s := &Subscription{
		id:       uuid.NewString(),
		observer: observer,
		size:     d.queueSize,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = d.logger.With("subscription", s.id)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.subs[s] = true
	go s.run()
	return s
}

// Unsubscribe stops delivery to s. Pending updates are discarded; an
// update already being delivered completes.
func (d *Dispatcher) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	d.mu.Lock()
	if _, ok := d.subs[s]; ok {
		delete(d.subs, s)
		s.close()
	}
	d.mu.Unlock()
}

// Dispatch enqueues the transition for every subscription and returns
// without waiting for any observer.
func (d *Dispatcher) Dispatch(old, cur *state.RobotState) {
	u := Update{Old: old, New: cur}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for s := range d.subs {
		s.enqueue(u)
	}
}

// Len returns the number of active subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close cancels every subscription. Later Subscribe calls return nil.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for s := range d.subs {
		s.close()
		delete(d.subs, s)
	}
}
