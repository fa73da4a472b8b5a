package chat

import (
	"errors"
	"fmt"

	"github.com/andy6609/presence-chat/internal/wire"
)

// Application errors. Their text is what the client sees in a BAD_REQUEST.
var (
	ErrUsernameTaken     = errorString("username is already taken")
	ErrUsernameInvalid   = errorString("invalid username")
	ErrAlreadyRegistered = errorString("already registered")
	ErrNotRegistered     = errorString("not registered")
	ErrUserNotFound      = errorString("user not found")
	ErrUserOffline       = errorString("user is offline")
	ErrMissingPayload    = errorString("missing request payload")
	ErrMissingStatus     = errorString("missing status")
	ErrInvalidStatus     = errorString("invalid status")
	ErrEmptyContent      = errorString("message content is empty")
	ErrUnknownOperation  = errorString("unknown operation")
)

// Session and engine lifecycle errors.
var (
	ErrSessionClosing  = errorString("session is closing")
	ErrSlowConsumer    = errorString("outbound queue limit exceeded")
	ErrFanoutStopped   = errorString("broadcast fanout stopped")
	ErrServerShutdown  = errorString("server shutting down")
	ErrOfflineIdle     = errorString("offline session idle")
	errUnregistered    = errorString("unregistered")
	errInternalFailure = errorString("internal error")
)

type errorString string

func (e errorString) Error() string { return string(e) }

// ProtocolError is a client violation that ends the connection.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// replyFor turns a request failure into the reply the client sees.
// Application errors and protocol violations are the client's fault and are
// reported as BAD_REQUEST with the error text; anything else is an internal
// error whose detail stays in the server log.
func replyFor(op wire.Operation, err error) *wire.Response {
	var (
		app errorString
		pe  *ProtocolError
	)
	switch {
	case errors.Is(err, errInternalFailure):
		return wire.InternalError(op, "internal server error")
	case errors.As(err, &pe):
		if pe.Err != nil {
			return replyFor(op, pe.Err)
		}
		return wire.BadRequest(op, pe.Reason)
	case errors.As(err, &app):
		return wire.BadRequest(op, app.Error())
	default:
		return wire.InternalError(op, "internal server error")
	}
}

// closeReason reduces a teardown cause to a short label for logs and metrics.
func closeReason(err error) string {
	var pe *ProtocolError
	var te *wire.TransportError
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, errUnregistered):
		return "unregistered"
	case errors.Is(err, wire.ErrConnectionClosed):
		return "peer_closed"
	case errors.Is(err, wire.ErrMalformed):
		return "malformed_frame"
	case errors.As(err, &pe):
		return "protocol_error"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrServerShutdown):
		return "shutdown"
	case errors.Is(err, ErrOfflineIdle):
		return "offline_idle"
	case errors.Is(err, errInternalFailure):
		return "internal_error"
	case errors.As(err, &te):
		return "transport_error"
	default:
		return "error"
	}
}
