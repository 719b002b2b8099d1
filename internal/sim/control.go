package sim

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/evarobotics/evago/pkg/state"
)

// apiError is written as {"error": {"code": ..., "message": ...}}.
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string { return fmt.Sprintf("%d %s: %s", e.status, e.code, e.message) }

var (
	errNotHolder = &apiError{http.StatusForbidden, "not_lock_holder", "this session does not hold the control lock"}
	errLockBusy  = &apiError{http.StatusConflict, "lock_busy", "the control lock is held by another session"}
)

func badRequest(format string, args ...any) *apiError {
	return &apiError{http.StatusBadRequest, "bad_request", fmt.Sprintf(format, args...)}
}

// lockStatus answers GET controls/lock relative to the caller.
func (d *Device) lockStatus(tok string) state.LockInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked()
	switch d.lockHolder {
	case "":
		return state.LockInfo{Owner: "none", Status: "unlocked"}
	case tok:
		return state.LockInfo{Owner: "you", Status: "locked"}
	default:
		return state.LockInfo{Owner: "someone_else", Status: "locked"}
	}
}

// acquire takes the lock for tok. Re-acquiring an owned lock extends it.
func (d *Device) acquire(tok string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked()
	if d.lockHolder != "" && d.lockHolder != tok {
		return errLockBusy
	}
	changed := d.lockHolder == ""
	d.lockHolder = tok
	d.lockExpires = d.clock.Now().Add(d.opts.LockTTL)
	if changed {
		lk := d.lockInfoLocked()
		d.publishLocked(state.Fields{Lock: &lk})
	}
	return nil
}

func (d *Device) renew(tok string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked()
	if d.lockHolder != tok {
		return errNotHolder
	}
	d.lockExpires = d.clock.Now().Add(d.opts.LockTTL)
	return nil
}

// release frees the lock. Releasing a free lock succeeds.
func (d *Device) release(tok string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked()
	if d.lockHolder == "" {
		return nil
	}
	if d.lockHolder != tok {
		return errNotHolder
	}
	d.lockHolder = ""
	lk := d.lockInfoLocked()
	d.publishLocked(state.Fields{Lock: &lk})
	return nil
}

type commandRequest struct {
	Joints   []float64 `json:"joints"`
	Velocity float64   `json:"velocity"`
	Time     float64   `json:"time"`
	Mode     string    `json:"mode"`
	Loop     int       `json:"loop"`
	Changes  []struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	} `json:"changes"`

	Enabled     *bool  `json:"enabled"`
	Sensitivity string `json:"sensitivity"`
}

// command runs one lock-guarded control request.
func (d *Device) command(tok, name string, req commandRequest, raw json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked()
	if d.lockHolder != tok {
		return errNotHolder
	}

	prev := d.control
	switch name {
	case "home":
		if err := d.movableLocked(); err != nil {
			return err
		}
		d.startMoveLocked(make([]float64, Joints))
	case "go_to":
		if len(req.Joints) != Joints {
			return badRequest("go_to needs %d joints, got %d", Joints, len(req.Joints))
		}
		if err := d.movableLocked(); err != nil {
			return err
		}
		d.startMoveLocked(slices.Clone(req.Joints))
	case "run":
		if d.toolpath == nil {
			return &apiError{http.StatusConflict, "no_toolpath", "no toolpath loaded"}
		}
		if err := d.movableLocked(); err != nil {
			return err
		}
		d.startMoveLocked(slices.Clone(loopPose))
		d.control.RunMode = req.Mode
		if d.control.RunMode == "" {
			d.control.RunMode = "teach"
		}
		d.control.LoopCount = 0
		d.control.LoopTarget = req.Loop
	case "pause":
		if d.control.State == state.Running {
			d.control.State = state.Paused
		}
	case "resume":
		if d.control.State == state.Paused {
			d.control.State = state.Running
		}
	case "cancel":
		if d.control.State == state.Running || d.control.State == state.Paused {
			d.control.State = state.Ready
			d.control.RunMode = ""
			d.target = nil
		}
	case "stop_loop":
		if d.control.RunMode != "" {
			d.control.LoopTarget = d.control.LoopCount + 1
		}
	case "reset_errors":
		if len(d.errors) > 0 {
			d.errors = nil
			errs := []string{}
			d.publishLocked(state.Fields{Errors: &errs})
		}
		if d.control.State == state.Error {
			d.control.State = state.Ready
		}
	case "acknowledge_collision":
		if d.control.State == state.Collision {
			d.control.State = state.Ready
		}
	case "collision_detection":
		if req.Enabled == nil {
			return badRequest("collision_detection needs enabled")
		}
		switch req.Sensitivity {
		case "low", "medium", "high":
		default:
			return badRequest("unknown sensitivity %q", req.Sensitivity)
		}
		d.collisionDetect = *req.Enabled
		d.collisionSensitivity = req.Sensitivity
	case "toolpath":
		if len(raw) == 0 {
			return badRequest("empty toolpath")
		}
		d.toolpath = slices.Clone(raw)
	case "globals":
		return d.applyGlobalsLocked(req)
	default:
		return &apiError{http.StatusNotFound, "not_found", "unknown control " + name}
	}

	if d.control != prev {
		control := d.control
		d.publishLocked(state.Fields{Control: &control})
	}
	return nil
}

func (d *Device) movableLocked() error {
	switch d.control.State {
	case state.Ready, state.Paused:
		return nil
	case state.Error:
		return &apiError{http.StatusConflict, "robot_error", "reset errors before moving"}
	case state.Collision:
		return &apiError{http.StatusConflict, "collision", "acknowledge the collision before moving"}
	default:
		return &apiError{http.StatusConflict, "busy", "robot is " + string(d.control.State)}
	}
}

func (d *Device) startMoveLocked(target []float64) {
	d.target = target
	d.control.State = state.Running
	d.control.RunMode = ""
}

func (d *Device) applyGlobalsLocked(req commandRequest) error {
	if len(req.Changes) == 0 {
		return badRequest("no changes")
	}
	next := maps.Clone(d.outputs)
	for _, c := range req.Changes {
		pin, ok := strings.CutPrefix(c.Key, "outputs.")
		if !ok {
			return badRequest("unsupported key %q", c.Key)
		}
		if _, known := next[pin]; !known {
			return badRequest("unknown output %q", pin)
		}
		v, ok := c.Value.(bool)
		if !ok {
			return badRequest("output %q needs a boolean", pin)
		}
		next[pin] = v
	}
	d.outputs = next
	d.publishLocked(state.Fields{Outputs: maps.Clone(d.outputs)})
	return nil
}
