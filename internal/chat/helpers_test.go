package chat

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/presence-chat/internal/client"
	"github.com/andy6609/presence-chat/internal/config"
	"github.com/andy6609/presence-chat/internal/logx"
	"github.com/andy6609/presence-chat/internal/wire"
)

const waitFor = 3 * time.Second

func init() {
	logx.SetOutput(io.Discard, zerolog.Disabled)
}

// pipeSession returns a session over one end of a net.Pipe. Its loops are
// not started, so queued responses stay in s.queue for inspection.
func pipeSession(t *testing.T, reg *Registry, cfg sessionConfig) *Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return newSession(a, reg, nil, cfg)
}

// registered is a pipeSession bound to name.
func registered(t *testing.T, reg *Registry, name string) *Session {
	t.Helper()
	s := pipeSession(t, reg, sessionConfig{})
	require.NoError(t, reg.TryRegister(name, s, wire.OK(wire.OpRegisterUser, "user registered")))
	return s
}

func queued(s *Session) []*wire.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.Response, len(s.queue))
	copy(out, s.queue)
	return out
}

func incomingOf(rs []*wire.Response) []wire.IncomingMessage {
	var out []wire.IncomingMessage
	for _, r := range rs {
		if r.IncomingMessage != nil {
			out = append(out, *r.IncomingMessage)
		}
	}
	return out
}

// startServer runs a server on a loopback port with cfg adjusted by mutate.
func startServer(t *testing.T, mutate func(*config.Config), opts ...Option) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdminAddr = ""
	cfg.ShutdownGrace = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(cfg, opts...)
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	require.NoError(t, err)
	require.NoError(t, srv.Serve(ln))
	t.Cleanup(srv.Stop)
	return srv
}

func dial(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	c, err := client.Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// join dials and registers name.
func join(t *testing.T, srv *Server, name string) *client.Client {
	t.Helper()
	c := dial(t, srv)
	require.NoError(t, c.Register(ctxT(t), name))
	return c
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

// nextIncoming waits for one pushed message on c.
func nextIncoming(t *testing.T, c *client.Client) wire.IncomingMessage {
	t.Helper()
	select {
	case msg, ok := <-c.Incoming():
		require.True(t, ok, "connection closed while waiting for a message")
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for an incoming message")
		return wire.IncomingMessage{}
	}
}

// noIncoming asserts nothing is pushed to c for a short while.
func noIncoming(t *testing.T, c *client.Client) {
	t.Helper()
	select {
	case msg := <-c.Incoming():
		t.Fatalf("unexpected incoming message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitClosed(t *testing.T, c *client.Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("connection was not closed")
	}
}
