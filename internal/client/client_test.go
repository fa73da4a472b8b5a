package client

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/presence-chat/internal/wire"
)

const waitFor = 3 * time.Second

// pipeClient returns a client and the server side of its connection.
func pipeClient(t *testing.T) (*Client, *wire.Channel) {
	t.Helper()
	a, b := net.Pipe()
	c := New(a)
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c, wire.NewChannel(b, 0, time.Second)
}

func TestClient_RepliesDoNotWaitForIncoming(t *testing.T) {
	c, server := pipeClient(t)
	const pushes = incomingBuffer + 50

	go func() {
		req, err := server.ReceiveRequest()
		if err != nil {
			return
		}
		for i := 0; i < pushes; i++ {
			msg := wire.IncomingMessage{Sender: "bob", Content: fmt.Sprint(i), Kind: wire.KindBroadcast}
			if err := server.SendResponse(wire.Incoming(msg)); err != nil {
				return
			}
		}
		resp := wire.OK(req.Operation, "")
		resp.UserList = &wire.UserList{Users: []wire.User{{Username: "bob", Status: wire.StatusOnline}}}
		_ = server.SendResponse(resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	users, err := c.Users(ctx)
	require.NoError(t, err, "reply must arrive while Incoming is full")
	assert.Equal(t, []wire.User{{Username: "bob", Status: wire.StatusOnline}}, users)

	for i := 0; i < pushes; i++ {
		select {
		case msg := <-c.Incoming():
			require.Equal(t, fmt.Sprint(i), msg.Content)
		case <-time.After(waitFor):
			t.Fatalf("push %d never arrived", i)
		}
	}
}

func TestClient_ReplyErrorAndIncomingClosedOnEOF(t *testing.T) {
	c, server := pipeClient(t)

	go func() {
		req, err := server.ReceiveRequest()
		if err != nil {
			return
		}
		_ = server.SendResponse(wire.Incoming(wire.IncomingMessage{Sender: "bob", Content: "hi"}))
		_ = server.SendResponse(wire.BadRequest(req.Operation, "user not found"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := c.Send(ctx, "nobody", "hello")
	var re *ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, wire.StatusBadRequest, re.Status)
	assert.Equal(t, "user not found", re.Message)

	require.NoError(t, c.Close())
	msg, ok := <-c.Incoming()
	if ok {
		assert.Equal(t, "hi", msg.Content)
		_, ok = <-c.Incoming()
	}
	assert.False(t, ok, "Incoming is closed once the connection ends")
}
