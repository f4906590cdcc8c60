package session

import "errors"

var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrCallAborted    = errors.New("call aborted")
	ErrDestroyed      = errors.New("controller destroyed")
)

// Kind classifies why a call attempt failed.
type Kind int

const (
	KindPermissionDenied Kind = iota + 1
	KindEndpointUnreachable
	KindTokenError
	KindTransportError
	KindTransportFatal
	KindMediaDevice
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "microphone permission denied"
	case KindEndpointUnreachable:
		return "endpoint unreachable"
	case KindTokenError:
		return "token error"
	case KindTransportError:
		return "transport error"
	case KindTransportFatal:
		return "transport failed"
	case KindMediaDevice:
		return "media device error"
	case KindAborted:
		return "aborted"
	default:
		return "unknown error"
	}
}

// Error is returned by StartCall and carried into the error phase message.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a session error, or 0.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
