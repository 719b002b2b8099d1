// Package eva is the entry point for controlling an Eva arm. A Session owns
// the device connection, keeps a live RobotState, holds the control lock
// and issues commands under it.
package eva

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evarobotics/evago/internal/clock"
	"github.com/evarobotics/evago/pkg/config"
	"github.com/evarobotics/evago/pkg/dispatch"
	"github.com/evarobotics/evago/pkg/lock"
	"github.com/evarobotics/evago/pkg/state"
	"github.com/evarobotics/evago/pkg/stream"
	"github.com/evarobotics/evago/pkg/transport"
)

var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("session not connected")
	// ErrReconnectFailed means the reconnect policy gave up. The session is
	// Failed until the next Connect.
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
	// ErrRobotError is returned by WaitForControl when the robot enters the
	// error state before reaching the goal.
	ErrRobotError = errors.New("robot entered error state")
)

// Re-exported so callers need not import pkg/lock for the common checks.
var (
	ErrNotLocked = lock.ErrNotLocked
	ErrLost      = lock.ErrLost
	ErrBusy      = lock.ErrBusy
)

// Status is the session's connectivity.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDegraded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is the request/response side of the device. *transport.Client
// implements it.
type Transport interface {
	transport.Caller
	Authenticate(ctx context.Context) (string, error)
	RenewAuth(ctx context.Context) error
	Invalidate(ctx context.Context) error
	SessionToken() string
}

// Stream is one established event stream. *stream.Stream implements it.
type Stream interface {
	Next(ctx context.Context) (stream.Message, error)
	Close() error
}

// StreamOpener dials a new event stream with the given session token.
type StreamOpener func(ctx context.Context, sessionToken string) (Stream, error)

// Session is safe for concurrent use.
type Session struct {
	cfg        config.Config
	logger     *slog.Logger
	base       *slog.Logger
	clock      clock.Clock
	transport  Transport
	open       StreamOpener
	statusHook func(Status, error)

	holder string
	cache  *state.Cache
	locks  *lock.Manager
	disp   atomic.Pointer[dispatch.Dispatcher]

	// connMu serialises Connect and Disconnect.
	connMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	status Status
	err    error
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock replaces the clock driving lock renewal, reconnect backoff and
// auth renewal.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithTransport replaces the REST client built from the config.
func WithTransport(t Transport) Option {
	return func(s *Session) { s.transport = t }
}

// WithStreamOpener replaces the WebSocket stream built from the config.
func WithStreamOpener(fn StreamOpener) Option {
	return func(s *Session) { s.open = fn }
}

// WithStatusHook registers fn to be called after every status change.
func WithStatusHook(fn func(Status, error)) Option {
	return func(s *Session) { s.statusHook = fn }
}

// New builds a disconnected session from cfg.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := &Session{
		cfg:    *cfg,
		logger: slog.Default(),
		clock:  clock.Real(),
		holder: uuid.NewString(),
		cache:  state.NewCache(),
	}
	for _, opt := range opts {
		opt(s)
	}
	base := s.logger.With("device", cfg.Device.Address)
	s.logger = base.With("component", "session")

	if s.transport == nil {
		s.transport = transport.New(cfg.Device.Address, cfg.Device.Token, cfg.Device.RequestTimeout,
			transport.WithLogger(base))
	}
	if s.open == nil {
		sc := stream.NewClient(transport.NormalizeAddress(cfg.Device.Address), cfg.Stream.KeepAliveTimeout,
			stream.WithLogger(base))
		s.open = func(ctx context.Context, token string) (Stream, error) {
			st, err := sc.Open(ctx, token)
			if err != nil {
				return nil, err
			}
			return st, nil
		}
	}

	s.locks = lock.NewManager(authCaller{s}, cfg.Lock.LeaseDuration,
		lock.WithClock(s.clock),
		lock.WithLogger(base),
		lock.WithRenewInterval(cfg.EffectiveRenewInterval()),
		lock.WithCallTimeout(cfg.Device.RequestTimeout),
		lock.OnStateChange(func(from, to lock.State) {
			s.logger.Debug("lock state", "from", from, "to", to)
		}),
	)
	s.base = base
	s.disp.Store(s.newDispatcher())
	return s, nil
}

func (s *Session) newDispatcher() *dispatch.Dispatcher {
	return dispatch.New(
		dispatch.WithLogger(s.base),
		dispatch.WithDefaultQueueSize(s.cfg.Dispatch.QueueSize),
	)
}

// Holder is the identity this session uses for the control lock.
func (s *Session) Holder() string { return s.holder }

// Status returns the connectivity status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err returns the error behind a Degraded or Failed status.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) setStatus(st Status, err error) {
	s.mu.Lock()
	changed := s.status != st
	s.status, s.err = st, err
	s.mu.Unlock()
	if !changed {
		return
	}
	s.logger.Info("session status", "status", st, "err", err)
	if s.statusHook != nil {
		s.statusHook(st, err)
	}
}

// Connect authenticates, opens the event stream, seeds the state from a
// snapshot and starts supervising the stream.
func (s *Session) Connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	switch s.Status() {
	case StatusConnected, StatusDegraded, StatusConnecting:
		return nil
	}
	s.stopLocked()
	s.setStatus(StatusConnecting, nil)

	strm, err := s.establish(ctx)
	if err != nil {
		s.setStatus(StatusDisconnected, err)
		return fmt.Errorf("connect: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.supervise(loopCtx, strm)
	}()
	go func() {
		defer s.wg.Done()
		s.renewAuth(loopCtx)
	}()

	s.setStatus(StatusConnected, nil)
	return nil
}

// establish authenticates when needed, opens a stream and seeds the cache.
// A stream refused for its token is retried once with a fresh token.
func (s *Session) establish(ctx context.Context) (Stream, error) {
	token := s.transport.SessionToken()
	if token == "" {
		var err error
		if token, err = s.transport.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
	}

	strm, err := s.open(ctx, token)
	if errors.Is(err, stream.ErrUnauthorized) {
		s.logger.Info("stream refused session token, re-authenticating")
		if token, err = s.transport.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		strm, err = s.open(ctx, token)
	}
	if err != nil {
		return nil, err
	}

	snap, err := s.fetchSnapshot(ctx)
	if err != nil {
		strm.Close()
		return nil, err
	}
	old, cur, changed := s.cache.Seed(snap)
	if changed {
		s.disp.Load().Dispatch(old, cur)
	}
	return strm, nil
}

type snapshotResponse struct {
	Seq      uint64          `json:"seq"`
	Snapshot json.RawMessage `json:"snapshot"`
}

func (s *Session) fetchSnapshot(ctx context.Context) (state.RobotState, error) {
	var resp snapshotResponse
	if err := s.read(ctx, transport.OpSnapshot, nil, &resp); err != nil {
		return state.RobotState{}, fmt.Errorf("snapshot: %w", err)
	}
	f, err := state.ParseFields(resp.Snapshot)
	if err != nil {
		return state.RobotState{}, fmt.Errorf("snapshot: decode: %w", err)
	}
	return state.FromFields(resp.Seq, s.clock.Now(), f), nil
}

// Disconnect releases any lease, stops the stream and renewal loops,
// cancels every subscription and ends the device session.
func (s *Session) Disconnect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	var errs []error
	if s.locks.State() != lock.Unlocked {
		if err := s.locks.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.stopLocked()

	s.disp.Swap(s.newDispatcher()).Close()

	if s.transport.SessionToken() != "" {
		if err := s.transport.Invalidate(ctx); err != nil {
			s.logger.Warn("invalidate session token", "err", err)
			errs = append(errs, err)
		}
	}
	s.setStatus(StatusDisconnected, nil)
	return errors.Join(errs...)
}

// stopLocked cancels the background loops and waits for them. connMu must
// be held.
func (s *Session) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

// CurrentState returns the latest state, or nil before the first snapshot.
// It never blocks.
func (s *Session) CurrentState() *state.RobotState {
	return s.cache.Current()
}

// Subscribe registers an observer for state transitions. Subscriptions are
// cancelled by Unsubscribe or Disconnect.
func (s *Session) Subscribe(observer dispatch.Observer, opts ...dispatch.SubscribeOption) *dispatch.Subscription {
	return s.disp.Load().Subscribe(observer, opts...)
}

func (s *Session) Unsubscribe(sub *dispatch.Subscription) {
	s.disp.Load().Unsubscribe(sub)
}

// Lock runs fn while holding the control lock. The lock is released on
// every exit path. fn's context is cancelled with cause ErrLost if the
// lease is lost.
func (s *Session) Lock(ctx context.Context, fn func(context.Context) error) error {
	return s.locks.Do(ctx, s.holder, fn)
}

// AcquireLock takes the control lock until ReleaseLock. Prefer Lock.
func (s *Session) AcquireLock(ctx context.Context) (lock.Lease, error) {
	return s.locks.Acquire(ctx, s.holder)
}

// AcquireLockWait polls every interval until the lock is free.
func (s *Session) AcquireLockWait(ctx context.Context, interval time.Duration) (lock.Lease, error) {
	return s.locks.AcquireWait(ctx, s.holder, interval)
}

func (s *Session) ReleaseLock(ctx context.Context) error {
	return s.locks.Release(ctx)
}

// LockState reports the local lease state.
func (s *Session) LockState() lock.State {
	return s.locks.State()
}

// Issue sends a command under the held lease. Without a lease, or after it
// was lost, Issue fails with ErrNotLocked or ErrLost and sends nothing.
// Rejections are returned as-is and never retried.
func (s *Session) Issue(ctx context.Context, op transport.Operation, params, out any) error {
	if err := s.locks.Check(); err != nil {
		return fmt.Errorf("%s: %w", op.Name, err)
	}
	return s.call(ctx, op, params, out)
}

// call sends op once. A 401 means the device did not execute the request,
// so the session re-authenticates and sends it one more time.
func (s *Session) call(ctx context.Context, op transport.Operation, params, out any) error {
	err := s.transport.Call(ctx, op, params, out)
	if !transport.IsUnauthorized(err) || op.NoAuth {
		return err
	}
	s.logger.Info("session token expired, re-authenticating", "op", op.Name)
	if _, aerr := s.transport.Authenticate(ctx); aerr != nil {
		return fmt.Errorf("%s: re-authenticate: %w", op.Name, aerr)
	}
	return s.transport.Call(ctx, op, params, out)
}

// read sends an idempotent request, retrying temporary failures up to
// read_retries times, read_retry_delay apart.
func (s *Session) read(ctx context.Context, op transport.Operation, params, out any) error {
	var err error
	for attempt := 0; attempt <= s.cfg.ReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-s.clock.After(s.cfg.ReadRetryDelay):
			}
		}
		err = s.call(ctx, op, params, out)
		var te *transport.Error
		if err == nil || !op.Idempotent || !errors.As(err, &te) || !te.Temporary() {
			return err
		}
		s.logger.Warn("read failed, retrying", "op", op.Name, "attempt", attempt+1, "err", err)
	}
	return err
}

// authCaller lets the lock manager share the session's re-authentication.
type authCaller struct{ s *Session }

func (a authCaller) Call(ctx context.Context, op transport.Operation, params, out any) error {
	return a.s.call(ctx, op, params, out)
}

func (s *Session) renewAuth(ctx context.Context) {
	period := s.cfg.Auth.RenewPeriod
	if period <= 0 {
		return
	}
	t := s.clock.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := s.transport.RenewAuth(ctx)
			if transport.IsUnauthorized(err) {
				_, err = s.transport.Authenticate(ctx)
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("auth renewal failed", "err", err)
			}
		}
	}
}

// WaitForControl blocks until the robot's control state is goal. It fails
// with ErrRobotError if the robot reports an error first.
func (s *Session) WaitForControl(ctx context.Context, goal state.ControlState) error {
	check := func(st *state.RobotState) (bool, error) {
		if st == nil {
			return false, nil
		}
		if st.Control.State == goal {
			return true, nil
		}
		if st.Control.State == state.Error || st.Control.State == state.Collision {
			return false, fmt.Errorf("%w: %s", ErrRobotError, st.Control.State)
		}
		return false, nil
	}

	latest := make(chan *state.RobotState, 1)
	sub := s.Subscribe(func(u dispatch.Update) {
		for {
			select {
			case latest <- u.New:
				return
			default:
				select {
				case <-latest:
				default:
				}
			}
		}
	})
	if sub == nil {
		return ErrNotConnected
	}
	defer s.Unsubscribe(sub)

	if done, err := check(s.CurrentState()); done || err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", goal, ctx.Err())
		case <-sub.Done():
			return ErrNotConnected
		case st := <-latest:
			if done, err := check(st); done || err != nil {
				return err
			}
		}
	}
}
