package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/presence-chat/internal/wire"
)

func TestSession_EnqueueOverLimitClosesSession(t *testing.T) {
	reg := NewRegistry()
	s := pipeSession(t, reg, sessionConfig{queueLimit: 2})

	require.NoError(t, s.enqueue(wire.OK(wire.OpGetUsers, "one")))
	require.NoError(t, s.enqueue(wire.OK(wire.OpGetUsers, "two")))
	assert.ErrorIs(t, s.enqueue(wire.OK(wire.OpGetUsers, "three")), ErrSlowConsumer)

	assert.Equal(t, StateClosing, s.State())
	assert.Len(t, queued(s), 2, "nothing past the limit is kept")
	assert.ErrorIs(t, s.enqueue(wire.OK(wire.OpGetUsers, "four")), ErrSessionClosing)
}

func TestSession_CloseIsIdempotentFirstReasonWins(t *testing.T) {
	reg := NewRegistry()
	s := pipeSession(t, reg, sessionConfig{})

	s.Close(ErrSlowConsumer)
	s.Close(ErrServerShutdown)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.ErrorIs(t, s.closeErr, ErrSlowConsumer)
}

func TestSession_ActivateAfterCloseFails(t *testing.T) {
	reg := NewRegistry()
	s := pipeSession(t, reg, sessionConfig{})
	s.Close(ErrServerShutdown)

	err := reg.TryRegister("alice", s, nil)
	assert.ErrorIs(t, err, ErrSessionClosing)
	_, ok := reg.Lookup("alice")
	assert.False(t, ok)
}

func TestSession_HandlerPanicRepliesInternalError(t *testing.T) {
	reg := NewRegistry()
	s := registered(t, reg, "alice")
	// A router without a registry panics on the first lookup.
	s.router = NewRouter(nil, nil, 0)

	err := s.dispatch(&wire.Request{Operation: wire.OpGetUsers})
	assert.ErrorIs(t, err, errInternalFailure)

	q := queued(s)
	require.NotEmpty(t, q)
	last := q[len(q)-1]
	assert.Equal(t, wire.StatusInternalServerError, last.StatusCode)
	assert.Equal(t, wire.OpGetUsers, last.Operation)
}

// TestSession_RunDrainsBeforeClosing drives a session over a pipe: the
// reply to UNREGISTER_USER must reach the peer before the transport closes.
func TestSession_RunDrainsBeforeClosing(t *testing.T) {
	reg := NewRegistry()
	fanout := NewFanout(reg, true)
	router := NewRouter(reg, fanout, 32)

	server, peer := net.Pipe()
	defer peer.Close()
	s := newSession(server, reg, router, sessionConfig{writeTimeout: time.Second})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		s.Run(context.Background())
	}()

	ch := wire.NewChannel(peer, 0, time.Second)
	require.NoError(t, ch.SendRequest(registerReq("alice")))
	resp, err := ch.ReceiveResponse()
	require.NoError(t, err)
	assert.Equal(t, "user registered", resp.Message)

	require.NoError(t, ch.SendRequest(&wire.Request{Operation: wire.OpUnregisterUser}))
	resp, err = ch.ReceiveResponse()
	require.NoError(t, err)
	assert.Equal(t, wire.OpUnregisterUser, resp.Operation)
	assert.Equal(t, "user unregistered", resp.Message)

	_, err = ch.ReceiveResponse()
	assert.ErrorIs(t, err, wire.ErrConnectionClosed)

	select {
	case <-finished:
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateClosed, s.State())
	_, ok := reg.Lookup("alice")
	assert.False(t, ok)
}

func TestSession_ContextCancelClosesSession(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg, NewFanout(reg, true), 32)

	server, peer := net.Pipe()
	defer peer.Close()
	s := newSession(server, reg, router, sessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		s.Run(ctx)
	}()

	cancel()
	select {
	case <-finished:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.ErrorIs(t, s.closeErr, ErrServerShutdown)
}

func TestReplyFor(t *testing.T) {
	op := wire.OpSendMessage

	r := replyFor(op, ErrUserOffline)
	assert.Equal(t, wire.StatusBadRequest, r.StatusCode)
	assert.Equal(t, "user is offline", r.Message)

	r = replyFor(op, &ProtocolError{Reason: "register", Err: ErrUsernameTaken})
	assert.Equal(t, wire.StatusBadRequest, r.StatusCode)
	assert.Equal(t, "username is already taken", r.Message)

	r = replyFor(op, fmt.Errorf("%w: nil map", errInternalFailure))
	assert.Equal(t, wire.StatusInternalServerError, r.StatusCode)

	r = replyFor(op, errors.New("disk on fire"))
	assert.Equal(t, wire.StatusInternalServerError, r.StatusCode)
	assert.NotContains(t, r.Message, "disk")
}

func TestCloseReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{errUnregistered, "unregistered"},
		{wire.ErrConnectionClosed, "peer_closed"},
		{wire.ErrMalformed, "malformed_frame"},
		{&ProtocolError{Reason: "register", Err: ErrUsernameTaken}, "protocol_error"},
		{ErrSlowConsumer, "slow_consumer"},
		{ErrServerShutdown, "shutdown"},
		{ErrOfflineIdle, "offline_idle"},
		{errInternalFailure, "internal_error"},
		{&wire.TransportError{Op: "read", Err: errors.New("reset")}, "transport_error"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, closeReason(tt.err), "%v", tt.err)
	}
}
