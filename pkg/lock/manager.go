// Package lock holds the exclusive control lease on an Eva and keeps it
// renewed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/evarobotics/evago/internal/clock"
	"github.com/evarobotics/evago/pkg/transport"
)

const (
	defaultCallTimeout = 5 * time.Second
	minRetry           = 50 * time.Millisecond
)

var (
	// ErrBusy means another client holds the lock.
	ErrBusy = errors.New("lock held by another client")
	// ErrLost means the lease expired or the device revoked it.
	ErrLost = errors.New("lock lost")
	// ErrNotLocked means no lease is held.
	ErrNotLocked = errors.New("lock not held")
	// ErrHeld is returned by Acquire when a lease is already held or being
	// acquired.
	ErrHeld = errors.New("lock already held")
)

// State is the lease lifecycle position.
type State int

const (
	Unlocked State = iota
	Acquiring
	Held
	Renewing
	Lost
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Renewing:
		return "renewing"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Lease describes the currently held lock.
type Lease struct {
	Holder     string
	AcquiredAt time.Time
	Expires    time.Time
	Interval   time.Duration
}

// Manager owns at most one lease. All lease fields are guarded by mu.
type Manager struct {
	caller      transport.Caller
	clock       clock.Clock
	duration    time.Duration
	interval    time.Duration
	callTimeout time.Duration
	logger      *slog.Logger
	onChange    func(from, to State)

	mu      sync.Mutex
	state   State
	lease   Lease
	gen     uint64
	timer   *clock.Timer
	misses  int
	lost    chan struct{}
	lostErr error
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRenewInterval sets the renewal period. It defaults to half the lease
// duration.
func WithRenewInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithCallTimeout bounds each renew and release call.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.callTimeout = d
		}
	}
}

// OnStateChange registers a hook called on every transition. It runs with
// the manager's mutex held and must not call back into the Manager.
func OnStateChange(fn func(from, to State)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// NewManager creates a manager whose leases last duration unless renewed.
func NewManager(caller transport.Caller, duration time.Duration, opts ...Option) *Manager {
	m := &Manager{
		caller:      caller,
		clock:       clock.Real(),
		duration:    duration,
		interval:    duration / 2,
		callTimeout: defaultCallTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lock")
	return m
}

// State returns the current lifecycle position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Lease returns the current lease and whether one is held.
func (m *Manager) Lease() (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Held && m.state != Renewing {
		return Lease{}, false
	}
	return m.lease, true
}

// Lost returns a channel closed when the current lease is lost. It is nil
// when no lease has been acquired, so receiving from it blocks.
func (m *Manager) Lost() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// Check reports whether commands may be issued under the lease. It never
// touches the network. A lease whose expiry has passed is lost here even
// if a renewal is still in flight or its timer fired late.
func (m *Manager) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Held || m.state == Renewing {
		if !m.clock.Now().Before(m.lease.Expires) {
			m.loseLocked(fmt.Errorf("lease expired at %s", m.lease.Expires.Format(time.RFC3339Nano)))
		}
	}
	switch m.state {
	case Held, Renewing:
		return nil
	case Lost:
		if m.lostErr != nil {
			return fmt.Errorf("%w: %w", ErrLost, m.lostErr)
		}
		return ErrLost
	default:
		return ErrNotLocked
	}
}

// Acquire takes the device lock for holder and starts renewing it.
func (m *Manager) Acquire(ctx context.Context, holder string) (Lease, error) {
	m.mu.Lock()
	switch m.state {
	case Held, Renewing, Acquiring:
		m.mu.Unlock()
		return Lease{}, ErrHeld
	}
	m.setLocked(Acquiring)
	gen := m.gen
	m.mu.Unlock()

	err := m.caller.Call(ctx, transport.OpLockAcquire, nil, nil)

	m.mu.Lock()
	if m.gen != gen || m.state != Acquiring {
		// Released while the call was in flight.
		m.mu.Unlock()
		if err == nil {
			m.releaseRemote(ctx)
		}
		return Lease{}, ErrNotLocked
	}
	if err != nil {
		m.setLocked(Unlocked)
		m.mu.Unlock()
		if isBusy(err) {
			return Lease{}, fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return Lease{}, fmt.Errorf("acquire lock: %w", err)
	}

	now := m.clock.Now()
	m.gen++
	m.lease = Lease{
		Holder:     holder,
		AcquiredAt: now,
		Expires:    now.Add(m.duration),
		Interval:   m.interval,
	}
	m.lost = make(chan struct{})
	m.lostErr = nil
	m.misses = 0
	m.setLocked(Held)
	m.scheduleLocked(m.interval)
	lease := m.lease
	m.mu.Unlock()

	m.logger.Info("lock acquired", "holder", holder, "expires", lease.Expires)
	return lease, nil
}

// AcquireWait retries Acquire every interval while the lock is busy.
func (m *Manager) AcquireWait(ctx context.Context, holder string, interval time.Duration) (Lease, error) {
	for {
		lease, err := m.Acquire(ctx, holder)
		if !errors.Is(err, ErrBusy) {
			return lease, err
		}
		m.logger.Debug("lock busy, waiting", "retry", interval)
		select {
		case <-ctx.Done():
			return Lease{}, fmt.Errorf("wait for lock: %w", context.Cause(ctx))
		case <-m.clock.After(interval):
		}
	}
}

// Release stops renewal and gives the lock back. The manager is Unlocked
// afterwards whatever the device answers. The release call is bounded by
// the call timeout and is not cut short by ctx cancellation.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Unlocked {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.gen++
	m.setLocked(Unlocked)
	m.mu.Unlock()

	return m.releaseRemote(ctx)
}

func (m *Manager) releaseRemote(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
	defer cancel()
	if err := m.caller.Call(ctx, transport.OpLockRelease, nil, nil); err != nil {
		m.logger.Warn("lock release failed", "err", err)
		return fmt.Errorf("release lock: %w", err)
	}
	m.logger.Info("lock released")
	return nil
}

// Do acquires the lock, runs fn and releases the lock on every exit path,
// including panics. The context passed to fn is cancelled with cause
// ErrLost if the lease is lost while fn runs.
func (m *Manager) Do(ctx context.Context, holder string, fn func(context.Context) error) (err error) {
	if _, err := m.Acquire(ctx, holder); err != nil {
		return err
	}
	lost := m.Lost()

	fnCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-lost:
			cancel(ErrLost)
		case <-done:
		}
	}()

	defer func() {
		close(done)
		wasLost := errors.Is(m.Check(), ErrLost)
		cancel(context.Canceled)
		rerr := m.Release(ctx)
		if r := recover(); r != nil {
			panic(r)
		}
		switch {
		case err != nil && wasLost && !errors.Is(err, ErrLost):
			err = fmt.Errorf("%w: %w", ErrLost, err)
		case err == nil && wasLost:
			err = ErrLost
		case err == nil:
			err = rerr
		}
	}()

	return fn(fnCtx)
}

func (m *Manager) scheduleLocked(after time.Duration) {
	gen := m.gen
	m.timer = m.clock.AfterFunc(after, func() { m.renew(gen) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// renew runs on the clock. An explicit rejection loses the lease at once.
// A network failure is a miss; the retry is timed so that its call ends
// before expiry, and a second consecutive miss or a miss at or past expiry
// loses the lease.
func (m *Manager) renew(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != Held {
		m.mu.Unlock()
		return
	}
	m.setLocked(Renewing)
	expires := m.lease.Expires
	m.mu.Unlock()

	sent := m.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
	err := m.caller.Call(ctx, transport.OpLockRenew, nil, nil)
	cancel()
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != Renewing {
		return
	}

	switch {
	case err == nil:
		m.lease.Expires = sent.Add(m.duration)
		m.misses = 0
		m.setLocked(Held)
		m.scheduleLocked(m.interval)
		m.logger.Debug("lock renewed", "expires", m.lease.Expires)
	case errors.Is(err, transport.ErrRejected):
		m.loseLocked(err)
	case !now.Before(expires):
		m.loseLocked(err)
	default:
		m.misses++
		if m.misses >= 2 {
			m.loseLocked(err)
			return
		}
		m.logger.Warn("lock renewal missed", "err", err, "expires", expires)
		m.setLocked(Held)
		m.scheduleLocked(m.retryDelay(expires.Sub(now)))
	}
}

// retryDelay times a retry so the call, bounded by the call timeout,
// finishes strictly before the lease runs out.
func (m *Manager) retryDelay(left time.Duration) time.Duration {
	next := min(m.interval, left-m.callTimeout)
	if next <= 0 {
		next = left / 2
	}
	return max(next, min(minRetry, left/2))
}

func (m *Manager) loseLocked(err error) {
	m.stopTimerLocked()
	m.lostErr = err
	m.setLocked(Lost)
	close(m.lost)
	m.logger.Error("lock lost", "holder", m.lease.Holder, "err", err)
}

func (m *Manager) setLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if m.onChange != nil {
		m.onChange(from, to)
	}
}

func isBusy(err error) bool {
	status, code := transport.RejectionCode(err)
	switch {
	case status == http.StatusConflict, status == http.StatusLocked:
		return true
	case code == "locked", code == "lock_busy":
		return true
	}
	return false
}
