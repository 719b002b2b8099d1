// Package sim is an in-process Eva device: the REST control API, the
// WebSocket data stream and a simple joint motion model. It backs the
// end-to-end tests and the "eva sim" command.
package sim

import (
	"encoding/json"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evarobotics/evago/internal/clock"
	"github.com/evarobotics/evago/pkg/state"
	"github.com/evarobotics/evago/pkg/stream"
)

// Joints is the number of servos on the arm.
const Joints = 6

// Options configures a Device.
type Options struct {
	Name     string
	APIToken string
	// LockTTL is how long a lock lives without renewal.
	LockTTL time.Duration
	// Step is the largest joint move per tick, in radians.
	Step float64
	Tick time.Duration
	// Heartbeat is the interval between stream heartbeats.
	Heartbeat time.Duration
}

// DefaultOptions returns the settings used by "eva sim".
func DefaultOptions() Options {
	return Options{
		Name:      "eva-sim",
		APIToken:  "sim-token",
		LockTTL:   30 * time.Second,
		Step:      0.05,
		Tick:      50 * time.Millisecond,
		Heartbeat: time.Second,
	}
}

// loopPose is the far end of the simulated toolpath.
var loopPose = []float64{0.6, 0.4, -0.9, 0, 0.5, 0}

// Device holds the simulated robot. All state is guarded by mu, and every
// change is published to stream clients before mu is released so frames
// leave in sequence order.
type Device struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger
	bc     *Broadcaster

	mu          sync.Mutex
	seq         uint64
	control     state.Control
	joints      []float64
	errors      []string
	inputs      map[string]any
	outputs     map[string]any
	target      []float64
	toolpath    json.RawMessage
	sessions    map[string]bool
	lockHolder  string
	lockExpires time.Time
	snapshots   int

	collisionDetect      bool
	collisionSensitivity string
}

// Option configures a Device.
type Option func(*Device)

func WithClock(c clock.Clock) Option {
	return func(d *Device) { d.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.logger = l }
}

// NewDevice returns a ready, unlocked arm at its home pose.
func NewDevice(opts Options, options ...Option) *Device {
	d := &Device{
		opts:     opts,
		clock:    clock.Real(),
		logger:   slog.Default(),
		control:  state.Control{State: state.Ready},
		joints:   make([]float64, Joints),
		inputs:   map[string]any{"d0": false, "d1": false, "d2": false, "d3": false},
		outputs:  map[string]any{"d0": false, "d1": false, "d2": false, "d3": false, "ee_d0": false, "ee_d1": false},
		sessions: make(map[string]bool),

		collisionDetect:      true,
		collisionSensitivity: "medium",
	}
	for _, o := range options {
		o(d)
	}
	d.logger = d.logger.With("component", "sim")
	d.bc = newBroadcaster(d.logger)
	return d
}

// Seq returns the sequence marker of the latest published change.
func (d *Device) Seq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Snapshots returns how many REST snapshots have been served.
func (d *Device) Snapshots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshots
}

// Clients returns the number of connected stream clients.
func (d *Device) Clients() int { return d.bc.Len() }

// State returns the device's own view of the robot.
func (d *Device) State() state.RobotState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return state.FromFields(d.seq, d.clock.Now(), d.fieldsLocked())
}

func (d *Device) fieldsLocked() state.Fields {
	control := d.control
	joints := slices.Clone(d.joints)
	lk := d.lockInfoLocked()
	errs := slices.Clone(d.errors)
	return state.Fields{
		Control: &control,
		Joints:  &joints,
		Lock:    &lk,
		Errors:  &errs,
		Inputs:  maps.Clone(d.inputs),
		Outputs: maps.Clone(d.outputs),
	}
}

// lockInfoLocked is the lock as seen on the stream, which is shared by
// every client and so cannot say "you".
func (d *Device) lockInfoLocked() state.LockInfo {
	if d.lockHolder == "" {
		return state.LockInfo{Owner: "none", Status: "unlocked"}
	}
	return state.LockInfo{Owner: shortID(d.lockHolder), Status: "locked"}
}

func shortID(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}

// publishLocked bumps the sequence marker and sends f as a delta.
func (d *Device) publishLocked(f state.Fields) {
	d.seq++
	payload, err := json.Marshal(f)
	if err != nil {
		d.logger.Error("encode delta", "err", err)
		return
	}
	d.broadcastLocked(stream.Message{Kind: stream.KindDelta, Seq: d.seq, Payload: payload})
}

func (d *Device) broadcastLocked(m stream.Message) {
	data, err := stream.Encode(m)
	if err != nil {
		d.logger.Error("encode frame", "kind", m.Kind, "err", err)
		return
	}
	d.bc.Broadcast(data)
}

// snapshotFrameLocked is the first frame every new stream client receives.
func (d *Device) snapshotFrameLocked() []byte {
	payload, err := json.Marshal(d.fieldsLocked())
	if err != nil {
		return nil
	}
	data, err := stream.Encode(stream.Message{Kind: stream.KindSnapshot, Seq: d.seq, Payload: payload})
	if err != nil {
		return nil
	}
	return data
}

// createSession issues a session token when apiToken matches.
func (d *Device) createSession(apiToken string) (string, bool) {
	if apiToken != d.opts.APIToken {
		return "", false
	}
	tok := uuid.NewString()
	d.mu.Lock()
	d.sessions[tok] = true
	d.mu.Unlock()
	return tok, true
}

func (d *Device) validSession(tok string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return tok != "" && d.sessions[tok]
}

func (d *Device) dropSession(tok string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, tok)
}

// ExpireSessions forgets every session token, as the device does after a
// reboot. Clients see 401 on their next call.
func (d *Device) ExpireSessions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.sessions)
}

// DropClients closes every stream connection.
func (d *Device) DropClients() { d.bc.CloseAll() }

// Fault puts the robot into the error state with the given code.
func (d *Device) Fault(code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.control.State = state.Error
	d.errors = append(d.errors, code)
	d.target = nil
	control := d.control
	errs := slices.Clone(d.errors)
	d.publishLocked(state.Fields{Control: &control, Errors: &errs})
}

// Collide stops the arm as if it struck something. It reports false and
// changes nothing while collision detection is off.
func (d *Device) Collide() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.collisionDetect {
		return false
	}
	d.control.State = state.Collision
	d.target = nil
	control := d.control
	d.publishLocked(state.Fields{Control: &control})
	return true
}

// CollisionDetection returns the detection switch and sensitivity.
func (d *Device) CollisionDetection() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.collisionDetect, d.collisionSensitivity
}

// SetInput changes a GPIO input pin.
func (d *Device) SetInput(pin string, value bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs[pin] = value
	d.publishLocked(state.Fields{Inputs: maps.Clone(d.inputs)})
}

// expireLocked drops a lock whose TTL has passed.
func (d *Device) expireLocked() {
	if d.lockHolder == "" || d.clock.Now().Before(d.lockExpires) {
		return
	}
	d.logger.Info("lock expired", "holder", shortID(d.lockHolder))
	d.lockHolder = ""
	lk := d.lockInfoLocked()
	d.publishLocked(state.Fields{Lock: &lk})
}

// Tick advances the motion model by one step. Run calls it on every tick.
func (d *Device) Tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.expireLocked()
	if d.control.State != state.Running || d.target == nil {
		return
	}

	reached := true
	for i := range d.joints {
		delta := d.target[i] - d.joints[i]
		if math.Abs(delta) > d.opts.Step {
			delta = math.Copysign(d.opts.Step, delta)
			reached = false
		}
		d.joints[i] += delta
	}
	joints := slices.Clone(d.joints)
	f := state.Fields{Joints: &joints}

	if reached {
		d.arriveLocked()
		control := d.control
		f.Control = &control
	}
	d.publishLocked(f)
}

// arriveLocked handles reaching the current target. A running toolpath
// bounces between home and loopPose, counting a loop on each return home.
func (d *Device) arriveLocked() {
	if d.control.RunMode == "" {
		d.control.State = state.Ready
		d.target = nil
		return
	}
	if !slices.Equal(d.target, make([]float64, Joints)) {
		d.target = make([]float64, Joints)
		return
	}
	d.control.LoopCount++
	if d.control.LoopTarget > 0 && d.control.LoopCount >= d.control.LoopTarget {
		d.control.State = state.Ready
		d.control.RunMode = ""
		d.target = nil
		return
	}
	d.target = slices.Clone(loopPose)
}
