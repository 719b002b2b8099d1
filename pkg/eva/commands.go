package eva

import (
	"context"
	"fmt"
	"slices"

	"github.com/evarobotics/evago/pkg/state"
	"github.com/evarobotics/evago/pkg/transport"
)

// RunMode selects how a toolpath is run.
type RunMode string

const (
	RunTeach     RunMode = "teach"
	RunAutomatic RunMode = "automatic"
)

// CollisionSensitivities are the accepted collision detection levels.
var CollisionSensitivities = []string{"low", "medium", "high"}

// GoToOptions shape a joint move. At most one of Velocity and Duration
// should be set; Velocity wins.
type GoToOptions struct {
	Velocity float64 // rad/s
	Duration float64 // seconds
}

// OutputPins are the GPIO outputs the device accepts.
var OutputPins = []string{"d0", "d1", "d2", "d3", "ee_d0", "ee_d1"}

// Home moves the arm to its home position.
func (s *Session) Home(ctx context.Context) error {
	return s.Issue(ctx, transport.OpHome, nil, nil)
}

// GoTo moves the arm to the given joint angles in radians.
func (s *Session) GoTo(ctx context.Context, joints []float64, opts GoToOptions) error {
	params := map[string]any{"joints": joints}
	switch {
	case opts.Velocity > 0:
		params["velocity"] = opts.Velocity
	case opts.Duration > 0:
		params["time"] = opts.Duration
	}
	return s.Issue(ctx, transport.OpGoTo, params, nil)
}

// Run starts the active toolpath for loop iterations.
func (s *Session) Run(ctx context.Context, loop int, mode RunMode) error {
	if mode == "" {
		mode = RunTeach
	}
	return s.Issue(ctx, transport.OpRun, map[string]any{"mode": mode, "loop": loop}, nil)
}

// UseToolpath loads toolpath as the active program for Run.
func (s *Session) UseToolpath(ctx context.Context, toolpath any) error {
	if toolpath == nil {
		return fmt.Errorf("use toolpath: nil toolpath")
	}
	return s.Issue(ctx, transport.OpToolpathUse, map[string]any{"toolpath": toolpath}, nil)
}

func (s *Session) Pause(ctx context.Context) error {
	return s.Issue(ctx, transport.OpPause, nil, nil)
}

func (s *Session) Resume(ctx context.Context) error {
	return s.Issue(ctx, transport.OpResume, nil, nil)
}

func (s *Session) Cancel(ctx context.Context) error {
	return s.Issue(ctx, transport.OpCancel, nil, nil)
}

// StopLoop finishes the current loop iteration and stops.
func (s *Session) StopLoop(ctx context.Context) error {
	return s.Issue(ctx, transport.OpStopLoop, nil, nil)
}

func (s *Session) ResetErrors(ctx context.Context) error {
	return s.Issue(ctx, transport.OpResetErrors, nil, nil)
}

// AcknowledgeCollision clears a collision stop. Resetting errors does not.
func (s *Session) AcknowledgeCollision(ctx context.Context) error {
	return s.Issue(ctx, transport.OpCollisionAcknowledge, nil, nil)
}

// ConfigureCollisionDetection turns collision detection on or off at one
// of CollisionSensitivities.
func (s *Session) ConfigureCollisionDetection(ctx context.Context, enabled bool, sensitivity string) error {
	if !slices.Contains(CollisionSensitivities, sensitivity) {
		return fmt.Errorf("configure collision detection: sensitivity %q not one of %v", sensitivity, CollisionSensitivities)
	}
	params := map[string]any{"enabled": enabled, "sensitivity": sensitivity}
	return s.Issue(ctx, transport.OpCollisionConfigure, params, nil)
}

type globalChange struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// SetOutput drives a GPIO output pin.
func (s *Session) SetOutput(ctx context.Context, pin string, value bool) error {
	if !slices.Contains(OutputPins, pin) {
		return fmt.Errorf("set output: unknown pin %q", pin)
	}
	params := map[string][]globalChange{
		"changes": {{Key: "outputs." + pin, Value: value}},
	}
	return s.Issue(ctx, transport.OpGlobals, params, nil)
}

// LockStatus asks the device who holds the control lock. It does not need
// the lock.
func (s *Session) LockStatus(ctx context.Context) (state.LockInfo, error) {
	var info state.LockInfo
	err := s.read(ctx, transport.OpLockStatus, nil, &info)
	return info, err
}

// Versions returns the device's API and software versions.
func (s *Session) Versions(ctx context.Context) (map[string]any, error) {
	var v map[string]any
	err := s.read(ctx, transport.OpVersions, nil, &v)
	return v, err
}
