// Package state models the robot's reported condition and keeps the single
// cached view merged from snapshots and stream deltas.
package state

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// ControlState is the robot's operational mode.
type ControlState string

const (
	Ready        ControlState = "ready"
	Paused       ControlState = "paused"
	Error        ControlState = "error"
	Running      ControlState = "running"
	Stopping     ControlState = "stopping"
	Backdriving  ControlState = "backdriving"
	Updating     ControlState = "updating"
	Disabled     ControlState = "disabled"
	ShuttingDown ControlState = "shutting_down"
	Collision    ControlState = "collision"
)

var knownControlStates = map[ControlState]bool{
	Ready: true, Paused: true, Error: true, Running: true, Stopping: true,
	Backdriving: true, Updating: true, Disabled: true, ShuttingDown: true, Collision: true,
}

// Valid reports whether s is a state the device is known to report.
func (s ControlState) Valid() bool { return knownControlStates[s] }

// Control is the "control" object of a snapshot.
type Control struct {
	State      ControlState `json:"state" yaml:"state"`
	RunMode    string       `json:"run_mode,omitempty" yaml:"run_mode,omitempty"`
	LoopCount  int          `json:"loop_count" yaml:"loop_count"`
	LoopTarget int          `json:"loop_target" yaml:"loop_target"`
}

// LockInfo is the device's view of the control lock.
type LockInfo struct {
	Owner  string `json:"owner" yaml:"owner"`
	Status string `json:"status" yaml:"status"`
}

// RobotState is one point-in-time view of the robot. A published
// RobotState is never modified; updates produce a new value.
type RobotState struct {
	Seq       uint64         `json:"seq" yaml:"seq"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
	Control   Control        `json:"control" yaml:"control"`
	Joints    []float64      `json:"joints" yaml:"joints"`
	Lock      LockInfo       `json:"lock" yaml:"lock"`
	Errors    []string       `json:"errors,omitempty" yaml:"errors,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Fields is the wire form shared by full snapshots and partial deltas. A nil
// field is absent; a present field replaces the cached value wholesale,
// including nested objects.
type Fields struct {
	Control *Control       `json:"control,omitempty"`
	Joints  *[]float64     `json:"servos.telemetry.position,omitempty"`
	Lock    *LockInfo      `json:"lock,omitempty"`
	Errors  *[]string      `json:"errors,omitempty"`
	Inputs  map[string]any `json:"global.inputs,omitempty"`
	Outputs map[string]any `json:"global.outputs,omitempty"`
}

// ParseFields decodes a snapshot or delta payload.
func ParseFields(data json.RawMessage) (Fields, error) {
	var f Fields
	if len(data) == 0 {
		return f, nil
	}
	err := json.Unmarshal(data, &f)
	return f, err
}

// Empty reports whether no field is present.
func (f Fields) Empty() bool {
	return f.Control == nil && f.Joints == nil && f.Lock == nil &&
		f.Errors == nil && f.Inputs == nil && f.Outputs == nil
}

// apply returns a copy of s with the present fields of f written over it.
// Slices and maps are copied so the result shares nothing mutable with f.
func (s RobotState) apply(f Fields) RobotState {
	if f.Control != nil {
		s.Control = *f.Control
	}
	if f.Joints != nil {
		s.Joints = slices.Clone(*f.Joints)
	}
	if f.Lock != nil {
		s.Lock = *f.Lock
	}
	if f.Errors != nil {
		s.Errors = slices.Clone(*f.Errors)
	}
	if f.Inputs != nil {
		s.Inputs = maps.Clone(f.Inputs)
	}
	if f.Outputs != nil {
		s.Outputs = maps.Clone(f.Outputs)
	}
	return s
}

// FromFields builds a full state from a snapshot payload.
func FromFields(seq uint64, at time.Time, f Fields) RobotState {
	s := RobotState{Seq: seq, UpdatedAt: at}
	return s.apply(f)
}

// Clone returns a deep copy of s that the caller may modify.
func (s RobotState) Clone() RobotState {
	s.Joints = slices.Clone(s.Joints)
	s.Errors = slices.Clone(s.Errors)
	s.Inputs = maps.Clone(s.Inputs)
	s.Outputs = maps.Clone(s.Outputs)
	return s
}

// InError reports whether the robot needs attention before it can move.
func (s *RobotState) InError() bool {
	return s.Control.State == Error || s.Control.State == Collision || len(s.Errors) > 0
}

// sameObservable compares everything except the sequence marker and
// timestamp.
func sameObservable(a, b *RobotState) bool {
	if a.Control != b.Control || a.Lock != b.Lock {
		return false
	}
	if !slices.Equal(a.Joints, b.Joints) || !slices.Equal(a.Errors, b.Errors) {
		return false
	}
	return jsonEqual(a.Inputs, b.Inputs) && jsonEqual(a.Outputs, b.Outputs)
}

// jsonEqual compares decoded JSON maps. Values are JSON scalars, slices or
// maps, so comparing their encodings is exact.
func jsonEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	ea, err1 := json.Marshal(a)
	eb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ea) == string(eb)
}
