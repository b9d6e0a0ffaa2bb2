package protocol

import "fmt"

// Kinds of protocol failures.
const (
	KindRequestEncoding    = "request-encoding"
	KindResponseDecoding   = "response-decoding"
	KindTransportFailure   = "transport-failure"
	KindCancellationFailed = "cancellation-failed"
)

// ProtocolError describes a failure while talking the deferred-execution
// query protocol. Kind is one of the Kind* constants.
type ProtocolError struct {
	Kind string
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error (" + e.Kind + ")"
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
