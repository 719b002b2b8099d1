package transport

import "net/http"

// Operation identifies one device endpoint. Idempotent operations may be
// retried by callers; everything else affects the robot and must not be.
type Operation struct {
	Name       string
	Method     string
	Path       string
	Idempotent bool
	// NoAuth operations are sent without the session token.
	NoAuth bool
}

var (
	OpVersions = Operation{Name: "versions", Method: http.MethodGet, Path: "versions", Idempotent: true, NoAuth: true}
	OpName     = Operation{Name: "name", Method: http.MethodGet, Path: "name", Idempotent: true, NoAuth: true}

	OpAuthCreate     = Operation{Name: "auth.create", Method: http.MethodPost, Path: "auth", NoAuth: true}
	OpAuthRenew      = Operation{Name: "auth.renew", Method: http.MethodPost, Path: "auth/renew"}
	OpAuthInvalidate = Operation{Name: "auth.invalidate", Method: http.MethodDelete, Path: "auth"}

	OpSnapshot = Operation{Name: "data.snapshot", Method: http.MethodGet, Path: "data/snapshot", Idempotent: true}
	OpGlobals  = Operation{Name: "data.globals", Method: http.MethodPost, Path: "data/globals"}

	OpLockStatus  = Operation{Name: "controls.lock.status", Method: http.MethodGet, Path: "controls/lock", Idempotent: true}
	OpLockAcquire = Operation{Name: "controls.lock.acquire", Method: http.MethodPost, Path: "controls/lock"}
	OpLockRenew   = Operation{Name: "controls.lock.renew", Method: http.MethodPut, Path: "controls/lock"}
	OpLockRelease = Operation{Name: "controls.lock.release", Method: http.MethodDelete, Path: "controls/lock"}

	OpHome        = Operation{Name: "controls.home", Method: http.MethodPost, Path: "controls/home"}
	OpRun         = Operation{Name: "controls.run", Method: http.MethodPost, Path: "controls/run"}
	OpGoTo        = Operation{Name: "controls.go_to", Method: http.MethodPost, Path: "controls/go_to"}
	OpPause       = Operation{Name: "controls.pause", Method: http.MethodPost, Path: "controls/pause"}
	OpResume      = Operation{Name: "controls.resume", Method: http.MethodPost, Path: "controls/resume"}
	OpCancel      = Operation{Name: "controls.cancel", Method: http.MethodPost, Path: "controls/cancel"}
	OpStopLoop    = Operation{Name: "controls.stop_loop", Method: http.MethodPost, Path: "controls/stop_loop"}
	OpResetErrors = Operation{Name: "controls.reset_errors", Method: http.MethodPost, Path: "controls/reset_errors"}

	OpCollisionAcknowledge = Operation{Name: "controls.acknowledge_collision", Method: http.MethodPost, Path: "controls/acknowledge_collision"}
	OpCollisionConfigure   = Operation{Name: "controls.collision_detection", Method: http.MethodPost, Path: "controls/collision_detection"}

	OpToolpathUse = Operation{Name: "toolpath.use", Method: http.MethodPost, Path: "toolpath/use"}
)

var operations = map[string]Operation{}

func init() {
	for _, op := range []Operation{
		OpVersions, OpName,
		OpAuthCreate, OpAuthRenew, OpAuthInvalidate,
		OpSnapshot, OpGlobals,
		OpLockStatus, OpLockAcquire, OpLockRenew, OpLockRelease,
		OpHome, OpRun, OpGoTo, OpPause, OpResume, OpCancel, OpStopLoop, OpResetErrors,
		OpCollisionAcknowledge, OpCollisionConfigure,
		OpToolpathUse,
	} {
		operations[op.Name] = op
	}
}

// Lookup resolves an operation by name.
func Lookup(name string) (Operation, bool) {
	op, ok := operations[name]
	return op, ok
}
