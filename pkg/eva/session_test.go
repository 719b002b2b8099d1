package eva

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/evarobotics/evago/internal/clock"
	"github.com/evarobotics/evago/pkg/config"
	"github.com/evarobotics/evago/pkg/dispatch"
	"github.com/evarobotics/evago/pkg/lock"
	"github.com/evarobotics/evago/pkg/state"
	"github.com/evarobotics/evago/pkg/stream"
	"github.com/evarobotics/evago/pkg/transport"
)

const readySnapshot = `{"seq":5,"snapshot":{"control":{"state":"ready","loop_count":0,"loop_target":1},"servos.telemetry.position":[0,0.5,-1,0,0,0],"lock":{"owner":"none","status":"unlocked"}}}`

// fakeTransport answers calls from canned bodies and queued errors.
type fakeTransport struct {
	mu     sync.Mutex
	calls  map[string]int
	bodies map[string]string
	errs   map[string][]error
	token  string
	auths  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls:  map[string]int{},
		bodies: map[string]string{transport.OpSnapshot.Name: readySnapshot},
		errs:   map[string][]error{},
	}
}

func (f *fakeTransport) fail(op transport.Operation, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op.Name] = append(f.errs[op.Name], errs...)
}

func (f *fakeTransport) count(op transport.Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op.Name]
}

func (f *fakeTransport) Call(ctx context.Context, op transport.Operation, params, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op.Name]++
	if q := f.errs[op.Name]; len(q) > 0 {
		f.errs[op.Name] = q[1:]
		return q[0]
	}
	if body, ok := f.bodies[op.Name]; ok && out != nil {
		return json.Unmarshal([]byte(body), out)
	}
	return nil
}

func (f *fakeTransport) Authenticate(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths++
	f.token = fmt.Sprintf("session-%d", f.auths)
	return f.token, nil
}

func (f *fakeTransport) RenewAuth(context.Context) error { return nil }

func (f *fakeTransport) Invalidate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[transport.OpAuthInvalidate.Name]++
	f.token = ""
	return nil
}

func (f *fakeTransport) SessionToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTransport) authCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auths
}

type fakeStream struct {
	msgs   chan stream.Message
	errc   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		msgs:   make(chan stream.Message, 256),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Next(ctx context.Context) (stream.Message, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case err := <-f.errc:
		return stream.Message{}, err
	case <-f.closed:
		return stream.Message{}, stream.ErrClosed
	case <-ctx.Done():
		return stream.Message{}, ctx.Err()
	}
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) delta(seq uint64, payload string) {
	f.msgs <- stream.Message{Kind: stream.KindDelta, Seq: seq, ReceivedAt: time.Now(), Payload: json.RawMessage(payload)}
}

// fakeOpener hands out fresh streams, failing the attempts listed in
// failures.
type fakeOpener struct {
	mu       sync.Mutex
	attempts int
	failures map[int]error
	streams  []*fakeStream
}

func (o *fakeOpener) open(ctx context.Context, token string) (Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	if err, ok := o.failures[o.attempts]; ok {
		return nil, err
	}
	s := newFakeStream()
	o.streams = append(o.streams, s)
	return s, nil
}

func (o *fakeOpener) stream(i int) *fakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streams[i]
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

func testConfig() *config.Config {
	c := config.Default()
	c.Device.Address = "eva.test"
	c.Device.Token = "api-token"
	c.Auth.RenewPeriod = 0
	c.Stream.Reconnect.Jitter = 0
	return c
}

type harness struct {
	s      *Session
	dev    *fakeTransport
	opener *fakeOpener
	clock  *clock.FakeClock
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dev:    newFakeTransport(),
		opener: &fakeOpener{failures: map[int]error{}},
		clock:  clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	opts = append([]Option{WithClock(h.clock), WithTransport(h.dev), WithStreamOpener(h.opener.open)}, opts...)
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.s = s
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var rejected409 = &transport.Error{Kind: transport.Rejected, Op: "controls.home", Status: http.StatusConflict, Code: "conflict"}

func TestConnectSeedsAndFolds(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if h.s.Status() != StatusConnected {
		t.Errorf("status = %v", h.s.Status())
	}
	cur := h.s.CurrentState()
	if cur == nil || cur.Seq != 5 || cur.Control.State != state.Ready || len(cur.Joints) != 6 {
		t.Fatalf("seeded state = %+v", cur)
	}

	updates := make(chan dispatch.Update, 8)
	h.s.Subscribe(func(u dispatch.Update) { updates <- u })

	strm := h.opener.stream(0)
	strm.delta(4, `{"control":{"state":"error"}}`)
	strm.delta(6, `{"control":{"state":"running","loop_count":1,"loop_target":3}}`)

	select {
	case u := <-updates:
		if u.Old.Seq != 5 || u.New.Seq != 6 || u.New.Control.State != state.Running {
			t.Errorf("update = %d -> %d (%s)", u.Old.Seq, u.New.Seq, u.New.Control.State)
		}
		if len(u.New.Joints) != 6 {
			t.Error("delta dropped fields it did not carry")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update dispatched")
	}
	select {
	case u := <-updates:
		t.Errorf("unexpected update %d", u.New.Seq)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestIssueWithoutLeaseSendsNothing(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.s.Home(ctx); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("Home() unlocked = %v, want ErrNotLocked", err)
	}

	if _, err := h.s.AcquireLock(ctx); err != nil {
		t.Fatal(err)
	}
	h.dev.fail(transport.OpLockRenew, &transport.Error{Kind: transport.Rejected, Status: http.StatusForbidden, Code: "forbidden"})
	h.clock.Advance(h.s.cfg.EffectiveRenewInterval())
	if h.s.LockState() != lock.Lost {
		t.Fatalf("lock state = %v, want lost", h.s.LockState())
	}

	if err := h.s.Home(ctx); !errors.Is(err, ErrLost) {
		t.Fatalf("Home() lost = %v, want ErrLost", err)
	}
	if err := h.s.GoTo(ctx, []float64{0, 0, 0, 0, 0, 0}, GoToOptions{}); !errors.Is(err, ErrLost) {
		t.Fatalf("GoTo() lost = %v, want ErrLost", err)
	}
	if n := h.dev.count(transport.OpHome) + h.dev.count(transport.OpGoTo); n != 0 {
		t.Errorf("commands sent without a lease: %d", n)
	}
}

func TestIssueUnderLease(t *testing.T) {
	tests := []struct {
		name      string
		fail      []error
		wantErr   error
		wantCalls int
		wantAuths int
	}{
		{"accepted", nil, nil, 1, 0},
		{"expired token resent once", []error{&transport.Error{Kind: transport.Rejected, Status: http.StatusUnauthorized, Code: "unauthorized"}}, nil, 2, 1},
		{"rejection not retried", []error{rejected409}, transport.ErrRejected, 1, 0},
		{"timeout not retried", []error{&transport.Error{Kind: transport.Timeout}}, transport.ErrTimeout, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			ctx := context.Background()
			h.dev.fail(transport.OpHome, tt.fail...)

			err := h.s.Lock(ctx, func(ctx context.Context) error {
				return h.s.Home(ctx)
			})
			if tt.wantErr == nil && err != nil || !errors.Is(err, tt.wantErr) {
				t.Errorf("Home() = %v, want %v", err, tt.wantErr)
			}
			if n := h.dev.count(transport.OpHome); n != tt.wantCalls {
				t.Errorf("home calls = %d, want %d", n, tt.wantCalls)
			}
			if n := h.dev.authCount(); n != tt.wantAuths {
				t.Errorf("authentications = %d, want %d", n, tt.wantAuths)
			}
			if n := h.dev.count(transport.OpLockRelease); n != 1 {
				t.Errorf("release calls = %d, want 1", n)
			}
		})
	}
}

func TestReconnectBacksOffThenResnapshots(t *testing.T) {
	h := newHarness(t, testConfig())
	errRefused := errors.New("connection refused")
	h.opener.failures = map[int]error{2: errRefused, 3: errRefused, 4: errRefused}

	if err := h.s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.opener.stream(0).errc <- fmt.Errorf("%w: no message within 10s", stream.ErrStale)

	var delays []time.Duration
	for range 3 {
		h.clock.WaitForTimers(1)
		d, ok := h.clock.NextDeadline()
		if !ok {
			t.Fatal("no backoff timer pending")
		}
		delays = append(delays, d)
		h.clock.Advance(d)
	}

	eventually(t, "reconnect", func() bool { return h.s.Status() == StatusConnected && h.opener.count() == 5 })
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delays not increasing: %v", delays)
		}
	}
	if delays[0] != 500*time.Millisecond {
		t.Errorf("first delay = %v, want 500ms", delays[0])
	}
	if n := h.dev.count(transport.OpSnapshot); n != 2 {
		t.Errorf("snapshot fetches = %d, want 2", n)
	}

	h.opener.stream(1).delta(9, `{"lock":{"owner":"you","status":"locked"}}`)
	eventually(t, "fold after reconnect", func() bool { return h.s.CurrentState().Seq == 9 })
}

func TestReconnectGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.Reconnect.MaxAttempts = 2

	statuses := make(chan Status, 8)
	h := newHarness(t, cfg, WithStatusHook(func(s Status, _ error) { statuses <- s }))
	h.opener.failures = map[int]error{2: errors.New("refused"), 3: errors.New("refused")}

	if err := h.s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.opener.stream(0).msgs <- stream.Message{Kind: stream.KindError, Err: &stream.RemoteError{Code: "overload", Message: "shedding clients"}}

	h.clock.WaitForTimers(1)
	h.clock.Advance(cfg.Stream.Reconnect.InitialDelay)

	eventually(t, "failed status", func() bool { return h.s.Status() == StatusFailed })
	if !errors.Is(h.s.Err(), ErrReconnectFailed) {
		t.Errorf("Err() = %v, want ErrReconnectFailed", h.s.Err())
	}
	want := []Status{StatusConnecting, StatusConnected, StatusDegraded, StatusFailed}
	for _, w := range want {
		if got := <-statuses; got != w {
			t.Errorf("status = %v, want %v", got, w)
		}
	}

	// Failed is left only by an explicit Connect.
	if err := h.s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after failure: %v", err)
	}
	if h.s.Status() != StatusConnected {
		t.Errorf("status = %v", h.s.Status())
	}
}

func TestSlowObserverDoesNotDelayFold(t *testing.T) {
	h := newHarness(t, testConfig())
	if err := h.s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	defer close(release)
	sub := h.s.Subscribe(func(dispatch.Update) { <-release }, dispatch.WithQueueSize(4))

	strm := h.opener.stream(0)
	for seq := uint64(6); seq < 206; seq++ {
		strm.delta(seq, fmt.Sprintf(`{"servos.telemetry.position":[%d,0,0,0,0,0]}`, seq))
	}
	eventually(t, "cache to reach the last delta", func() bool { return h.s.CurrentState().Seq == 205 })
	if sub.Dropped() == 0 {
		t.Error("slow observer dropped nothing")
	}
}

func TestWaitForControl(t *testing.T) {
	h := newHarness(t, testConfig())
	if err := h.s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.s.WaitForControl(ctx, state.Ready); err != nil {
		t.Fatalf("already ready: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.s.WaitForControl(ctx, state.Paused) }()
	eventually(t, "waiter to subscribe", func() bool { return h.s.disp.Load().Len() == 1 })

	strm := h.opener.stream(0)
	strm.delta(6, `{"control":{"state":"running"}}`)
	strm.delta(7, `{"control":{"state":"paused"}}`)
	if err := <-done; err != nil {
		t.Fatalf("WaitForControl(paused) = %v", err)
	}

	go func() { done <- h.s.WaitForControl(ctx, state.Ready) }()
	eventually(t, "waiter to subscribe", func() bool { return h.s.disp.Load().Len() == 1 })
	strm.delta(8, `{"control":{"state":"error"}}`)
	if err := <-done; !errors.Is(err, ErrRobotError) {
		t.Fatalf("WaitForControl(ready) = %v, want ErrRobotError", err)
	}
}

func TestDisconnectTearsDown(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	if err := h.s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	sub := h.s.Subscribe(func(dispatch.Update) {})
	if _, err := h.s.AcquireLock(ctx); err != nil {
		t.Fatal(err)
	}

	if err := h.s.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if h.s.Status() != StatusDisconnected {
		t.Errorf("status = %v", h.s.Status())
	}
	if h.s.LockState() != lock.Unlocked {
		t.Errorf("lock state = %v", h.s.LockState())
	}
	if n := h.dev.count(transport.OpLockRelease); n != 1 {
		t.Errorf("release calls = %d", n)
	}
	if n := h.dev.count(transport.OpAuthInvalidate); n != 1 {
		t.Errorf("invalidate calls = %d", n)
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Error("subscription survived Disconnect")
	}
	select {
	case <-h.opener.stream(0).closed:
	default:
		t.Error("stream left open")
	}
}

func TestReadRetriesIdempotentCalls(t *testing.T) {
	cfg := testConfig()
	cfg.ReadRetryDelay = 3 * time.Second
	h := newHarness(t, cfg)
	h.dev.bodies[transport.OpLockStatus.Name] = `{"owner":"other","status":"locked"}`
	h.dev.fail(transport.OpLockStatus, &transport.Error{Kind: transport.Unreachable, Err: errors.New("reset")})

	done := make(chan error, 1)
	var info state.LockInfo
	go func() {
		var err error
		info, err = h.s.LockStatus(context.Background())
		done <- err
	}()
	h.clock.WaitForTimers(1)
	// The stream reconnect delay is shorter and must not release the retry.
	h.clock.Advance(cfg.Stream.Reconnect.InitialDelay)
	select {
	case err := <-done:
		t.Fatalf("LockStatus() returned before read_retry_delay: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	h.clock.Advance(cfg.ReadRetryDelay - cfg.Stream.Reconnect.InitialDelay)

	if err := <-done; err != nil {
		t.Fatalf("LockStatus() = %v", err)
	}
	if info.Owner != "other" {
		t.Errorf("owner = %q", info.Owner)
	}
	if n := h.dev.count(transport.OpLockStatus); n != 2 {
		t.Errorf("lock status calls = %d, want 2", n)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := config.ReconnectConfig{InitialDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 3 * time.Second}
	tests := []struct {
		attempt int
		jitter  float64
		rand    float64
		want    time.Duration
	}{
		{1, 0, 0, 500 * time.Millisecond},
		{2, 0, 0, time.Second},
		{3, 0, 0, 2 * time.Second},
		{4, 0, 0, 3 * time.Second},
		{10, 0, 0, 3 * time.Second},
		{1, 0.2, 0, 400 * time.Millisecond},
		{1, 0.2, 1, 600 * time.Millisecond},
		{4, 0.2, 1, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt%d_jitter%v_rand%v", tt.attempt, tt.jitter, tt.rand), func(t *testing.T) {
			c := cfg
			c.Jitter = tt.jitter
			b := backoff{cfg: c, rand: func() float64 { return tt.rand }}
			if got := b.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestSetOutputRejectsUnknownPin(t *testing.T) {
	h := newHarness(t, testConfig())
	if err := h.s.SetOutput(context.Background(), "z9", true); err == nil {
		t.Error("SetOutput accepted an unknown pin")
	}
}
