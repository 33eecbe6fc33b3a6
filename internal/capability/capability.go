// Package capability defines the error type shared by every capability guard.
//
// Guards (the filesystem sandbox, the egress guard) report a refused operation
// as a *Error wrapping a guard-specific sentinel. Callers that only need to know
// "was this denied by policy" use errors.As with *Error; callers that need the
// precise reason use errors.Is with the guard's sentinel.
package capability

import "errors"

// Error reports an operation refused by a capability guard. The operation was
// not performed, not even partially.
type Error struct {
	Guard  string // "sandbox", "egress"
	Reason string // stable machine-readable code, e.g. "path_escape"
	Err    error
}

// Deny builds a *Error for guard with the given reason code.
func Deny(guard, reason string, err error) *Error {
	return &Error{Guard: guard, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Guard + ": " + e.Reason
	}
	return e.Guard + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// As reports whether err is (or wraps) a capability denial and returns it.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
