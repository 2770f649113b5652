package rpcclient

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCallTimeout is wrapped by every CallTimeoutError.
	ErrCallTimeout = errors.New("call timed out")
	// ErrClientClosed is delivered to calls outstanding when Close runs.
	ErrClientClosed = errors.New("client closed")
	// ErrConnectionLost is delivered to calls outstanding when the server goes away.
	ErrConnectionLost = errors.New("connection lost")
)

// CallTimeoutError reports a call whose response did not arrive before its deadline.
type CallTimeoutError struct {
	RequestID string
	Command   string
	Timeout   time.Duration
}

// Error implements error.
func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("%s (request %s) timed out after %s", e.Command, e.RequestID, e.Timeout)
}

// Unwrap returns ErrCallTimeout.
func (e *CallTimeoutError) Unwrap() error { return ErrCallTimeout }

// RemoteError is a response carrying an Error from the server.
type RemoteError struct {
	RequestID string
	Command   string
	Message   string
}

// Error implements error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed on server: %s", e.Command, e.Message)
}
