package submission

import (
	"context"
	"errors"
	"fmt"
)

// TransportError is a network-level failure: DNS, connection, timeout.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "submission: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the request ran out of time.
func (e *TransportError) Timeout() bool {
	var t interface{ Timeout() bool }
	if errors.As(e.Err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// ServerError is a non-2xx response.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("submission: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("submission: HTTP %d: %s", e.StatusCode, e.Body)
}

// ProtocolError is a 2xx response whose body is not the expected JSON.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "submission: protocol: " + e.Message
	}
	return "submission: protocol: " + e.Message + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }
