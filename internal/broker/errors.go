package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rickgao/routerstream/internal/device"
	"github.com/rickgao/routerstream/internal/pool"
)

// Kind classifies a broker error by how far it propagates.
type Kind string

const (
	// KindConnection cascades to every subscription on the affected device.
	KindConnection Kind = "connection"
	// KindCommand is scoped to one subscription or pending command.
	KindCommand Kind = "command"
	// KindTransport is scoped to the subscription whose delivery failed.
	KindTransport Kind = "transport"
	// KindProtocol rejects a malformed client message.
	KindProtocol Kind = "protocol"
	// KindTimeout resolves a pending command that got no answer in time.
	KindTimeout Kind = "timeout"
	// KindCancelled resolves work abandoned by session teardown.
	KindCancelled Kind = "cancelled"
)

// Error is a classified broker error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, msg string, err error) *Error {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// ProtocolError builds a KindProtocol error. Used by transports.
func ProtocolError(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, classifying unknown errors with fallback.
func KindOf(err error, fallback Kind) Kind {
	return classify(err, fallback).Kind
}

// classify maps driver, pool and context errors onto the taxonomy.
func classify(err error, fallback Kind) *Error {
	var be *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &be):
		return be
	case device.IsCommandError(err):
		return newError(KindCommand, "", err)
	case device.IsConnectionError(err), errors.Is(err, pool.ErrPoolClosed):
		return newError(KindConnection, "", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, "", err)
	case errors.Is(err, context.Canceled):
		return newError(KindCancelled, "", err)
	default:
		return newError(fallback, "", err)
	}
}

var (
	// ErrUnknownSession is returned for operations on a closed or unknown session.
	ErrUnknownSession = errors.New("unknown client session")

	// ErrBrokerClosed is returned after Shutdown.
	ErrBrokerClosed = errors.New("broker is shut down")
)
