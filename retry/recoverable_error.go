package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// RecoverableError is implemented by errors that know whether a retry can
// succeed. Explicit marking always wins over the heuristics below.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err is a transient failure worth retrying.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var marked RecoverableError
	if errors.As(err, &marked) {
		return marked.IsRecoverable()
	}
	return looksTransient(err)
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"temporary failure",
	"too many requests",
	"rate limit",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
}

func looksTransient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

type markedError struct {
	err         error
	recoverable bool
}

func (e *markedError) Error() string       { return e.err.Error() }
func (e *markedError) Unwrap() error       { return e.err }
func (e *markedError) IsRecoverable() bool { return e.recoverable }

// NewRecoverableError marks err as transient. A step failing with it is not
// checkpointed and runs again on the next invocation.
func NewRecoverableError(err error) error {
	return &markedError{err: err, recoverable: true}
}

// NewNonRecoverableError marks err as permanent, overriding any heuristic
// that would consider it transient.
func NewNonRecoverableError(err error) error {
	return &markedError{err: err, recoverable: false}
}
