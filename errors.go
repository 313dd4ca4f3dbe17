package remus

import (
	"errors"
	"fmt"
	"os"
)

// Sentinel errors returned by one-sided operations and connection setup.
// Callers use errors.Is against these rather than matching strings.
var (
	ErrUnavailable   = errors.New("remus: resource temporarily unavailable")
	ErrAborted       = errors.New("remus: operation aborted by peer")
	ErrInternal      = errors.New("remus: internal error")
	ErrOutOfMemory   = errors.New("remus: segment allocator exhausted")
	ErrClosed        = errors.New("remus: handle already closed")
	ErrRejected      = errors.New("remus: connection rejected by peer")
	ErrNotLocal      = errors.New("remus: fat pointer does not address local node")
	ErrRingFull      = errors.New("remus: ring allocator has no free slot")
	ErrBadConfig     = errors.New("remus: invalid configuration")
)

// Status mirrors the Ok/Unavailable/Aborted/InternalError taxonomy used
// throughout the one-sided op and connection code. Most of the module
// returns plain errors; Status is used where a caller needs to distinguish
// a retryable condition from a fatal one without string matching.
type Status struct {
	Err     error
	Message string
}

func (s Status) Error() string {
	if s.Message == "" {
		return s.Err.Error()
	}
	return fmt.Sprintf("%s: %s", s.Err.Error(), s.Message)
}

func (s Status) Unwrap() error { return s.Err }

func (s Status) Ok() bool { return s.Err == nil }

func StatusOk() Status { return Status{} }

func StatusErr(err error, format string, args ...any) Status {
	return Status{Err: err, Message: fmt.Sprintf(format, args...)}
}

// Fatal logs the error at error level and terminates the process through
// fatalExit, a variable so that a test can replace it to capture the call
// instead of exiting.
var fatalExit = func(code int) { os.Exit(code) }

func Fatal(err error, msg string) {
	Log.Error().Err(err).Msg(msg)
	fatalExit(1)
}
