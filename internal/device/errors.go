package device

import (
	"errors"
	"fmt"
)

// Connection-level failures. Anything wrapping these is fatal to every
// stream on the affected connection.
var (
	ErrAuth           = errors.New("device authentication failed")
	ErrNetwork        = errors.New("device unreachable")
	ErrConnectionLost = errors.New("device connection lost")
	ErrClosed         = errors.New("device connection closed")
)

// CommandError is a device rejection of one command. It never affects other
// commands on the same connection.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	if e.Command == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// IsConnectionError reports whether err is scoped to a whole connection.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrClosed)
}

// IsCommandError reports whether err is a device rejection of one command.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
