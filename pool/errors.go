package pool

import (
	"errors"
	"fmt"
)

// Kinds of connection failures.
const (
	KindAuthenticationFailed  = "authentication-failed"
	KindTimeout               = "timeout"
	KindConfigurationConflict = "configuration-conflict"
)

// ErrNoOpenHandle reports a release without a matching acquire. This is a
// programming error in the calling layer, not a recoverable condition.
var ErrNoOpenHandle = errors.New("no open handle for coordinate")

// ErrShutDown reports an operation on a connection that the pool has already
// disconnected.
var ErrShutDown = errors.New("connection has been shut down")

// ConnectionError describes why a pooled connection could not be established
// or used. Kind is one of the Kind* constants.
type ConnectionError struct {
	Kind string
	Msg  string
	Err  error
}

func (e *ConnectionError) Error() string {
	msg := "connection error (" + e.Kind + ")"
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsAuthenticationFailure reports whether err is, or wraps, an
// authentication failure. Calling layers use this to map credential problems
// to a dedicated outcome instead of a generic I/O failure.
func IsAuthenticationFailure(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == KindAuthenticationFailed
}
