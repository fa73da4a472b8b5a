package chat

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/andy6609/presence-chat/internal/wire"
)

// Transport is the bidirectional byte stream a Session owns. net.Conn
// satisfies it, and so does the WebSocket adapter in internal/transport.
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnected State = iota
	StateRegistering
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Identity is the registered presence record of one username.
type Identity struct {
	Username  string
	Status    wire.UserStatus
	SessionID string
}

// RosterHook receives the full roster after Registry mutations. It runs off
// the routing path; a slow or failing hook never delays a request.
type RosterHook interface {
	SaveRoster(ctx context.Context, users []wire.User) error
}
