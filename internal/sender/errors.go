package sender

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the backend rejects the credentials (HTTP 401).
	ErrUnauthorized = errors.New("unauthorized")
	// ErrOther matches every failure that is neither an auth nor a server status error.
	ErrOther = errors.New("delivery failed")
)

// ServerError is a non-2xx, non-401 response from the backend.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Body)
}

// TransportError wraps a failure to reach the sink at all: DNS, dial, TLS,
// timeouts, broker errors.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrOther
}

// IsTransient reports whether err is a gateway-class server error that is
// worth retrying for an interactive request.
func IsTransient(err error) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Status {
	case 502, 503, 504:
		return true
	default:
		return false
	}
}
