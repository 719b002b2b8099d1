package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a transport failure.
type Kind int

const (
	// Unreachable means the request never got a response.
	Unreachable Kind = iota + 1
	// Rejected means the device answered with a non-success status.
	Rejected
	// Timeout means the per-call deadline expired.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Rejected:
		return "rejected"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	ErrUnreachable = errors.New("device unreachable")
	ErrRejected    = errors.New("request rejected")
	ErrTimeout     = errors.New("request timed out")
)

// Error is returned by every failed Call.
type Error struct {
	Kind    Kind
	Op      string
	Status  int    // HTTP status, Rejected only
	Code    string // machine-readable reason, Rejected only
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case Rejected:
		if e.Message != "" {
			return fmt.Sprintf("%s: rejected (%d %s): %s", e.Op, e.Status, e.Code, e.Message)
		}
		return fmt.Sprintf("%s: rejected (%d %s)", e.Op, e.Status, e.Code)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels so callers can write
// errors.Is(err, transport.ErrRejected).
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == Unreachable
	case ErrRejected:
		return e.Kind == Rejected
	case ErrTimeout:
		return e.Kind == Timeout
	}
	return false
}

// Temporary reports whether retrying an idempotent call may succeed.
func (e *Error) Temporary() bool {
	return e.Kind == Unreachable || e.Kind == Timeout || (e.Kind == Rejected && e.Status >= 500)
}

// IsUnauthorized reports whether err is a 401 rejection, meaning the session
// token expired and the device did not execute the request.
func IsUnauthorized(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == Rejected && te.Status == http.StatusUnauthorized
}

// RejectionCode returns the reason code of a Rejected error, or "".
func RejectionCode(err error) (int, string) {
	var te *Error
	if errors.As(err, &te) && te.Kind == Rejected {
		return te.Status, te.Code
	}
	return 0, ""
}

// rejection builds a Rejected error from a response body. The device sends
// either {"error": {"code": ..., "message": ...}} or {"error": "..."}.
func rejection(op string, status int, body []byte) *Error {
	e := &Error{Kind: Rejected, Op: op, Status: status, Code: statusCode(status)}

	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil || len(env.Error) == 0 {
		if len(body) > 0 && len(body) < 512 {
			e.Message = string(body)
		}
		return e
	}
	var detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(env.Error, &detail) == nil {
		if detail.Code != "" {
			e.Code = detail.Code
		}
		e.Message = detail.Message
		return e
	}
	var msg string
	if json.Unmarshal(env.Error, &msg) == nil {
		e.Message = msg
	}
	return e
}

func statusCode(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return "bad_request"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusForbidden:
		return "forbidden"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusLocked:
		return "locked"
	case status >= 500:
		return "server_error"
	default:
		return "error"
	}
}
