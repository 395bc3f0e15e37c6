package jam

import (
	"context"
	"errors"
)

// Callers need to tell three outcomes apart: "try again later" (timeout),
// "this action is invalid" (a definite rejection below), and "this worked,
// but only on this device" (the fallback path, which always succeeds by
// construction). Timeouts surface as wrapped context.DeadlineExceeded;
// everything else is one of these sentinels.
var (
	// ErrInvalidCode means the session code does not resolve to a session.
	ErrInvalidCode = errors.New("invalid session code")

	// ErrSessionUnavailable means the code resolved but the session record
	// is gone or expired.
	ErrSessionUnavailable = errors.New("session unavailable")

	// ErrSessionFull means the session is at its participant limit.
	ErrSessionFull = errors.New("session is full")

	// ErrAlreadyHost means the caller tried to join their own session.
	ErrAlreadyHost = errors.New("cannot join your own session")

	// ErrNotAuthenticated means no user id could be resolved and the
	// attempted operation has no fallback path.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrUnsupported means the operation has no meaning in local fallback
	// mode (queue mutations exist only for cross-device visibility).
	ErrUnsupported = errors.New("not available in offline mode")
)

// IsTimeout reports whether err represents an exceeded remote bound, as
// opposed to a definite rejection.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
