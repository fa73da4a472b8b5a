/*
Package client is a Go client for the chat server's framed protocol.

Requests are issued one at a time and each waits for its reply. Messages
pushed by the server (INCOMING_MESSAGE) arrive independently on Incoming.
A request abandoned through its context leaves replies out of step with
requests; close the client after that.
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/andy6609/presence-chat/internal/wire"
)

const incomingBuffer = 256

// ErrClosed is returned once the connection has ended.
var ErrClosed = errors.New("client closed")

// ReplyError is a non-OK reply from the server.
type ReplyError struct {
	Operation wire.Operation
	Status    wire.StatusCode
	Message   string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Operation, e.Message, int32(e.Status))
}

type Client struct {
	conn net.Conn
	ch   *wire.Channel

	reqMu    sync.Mutex
	replies  chan *wire.Response
	incoming chan wire.IncomingMessage

	// pushes read off the wire but not yet handed to incoming
	pushMu   sync.Mutex
	pushed   []wire.IncomingMessage
	pushWake chan struct{}

	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects to a server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	c := &Client{
		conn:     conn,
		ch:       wire.NewChannel(conn, 0, 0),
		replies:  make(chan *wire.Response, 1),
		incoming: make(chan wire.IncomingMessage, incomingBuffer),
		pushWake: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.forwardLoop()
	return c
}

// Incoming delivers broadcast and direct messages. It is closed when the
// connection ends. Pushes that do not fit are held in memory until read, so
// replies to requests never wait on Incoming being drained.
func (c *Client) Incoming() <-chan wire.IncomingMessage { return c.incoming }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown(ErrClosed)
	return err
}

func (c *Client) Register(ctx context.Context, username string) error {
	_, err := c.do(ctx, &wire.Request{
		Operation:    wire.OpRegisterUser,
		RegisterUser: &wire.RegisterUser{Username: username},
	})
	return err
}

// Send sends content to recipient, or to everybody when recipient is empty.
func (c *Client) Send(ctx context.Context, recipient, content string) error {
	_, err := c.do(ctx, &wire.Request{
		Operation:   wire.OpSendMessage,
		SendMessage: &wire.SendMessage{Content: content, Recipient: recipient},
	})
	return err
}

func (c *Client) Broadcast(ctx context.Context, content string) error {
	return c.Send(ctx, "", content)
}

// Users returns every user that is not offline.
func (c *Client) Users(ctx context.Context) ([]wire.User, error) {
	resp, err := c.do(ctx, &wire.Request{
		Operation: wire.OpGetUsers,
		GetUsers:  &wire.GetUsers{},
	})
	if err != nil {
		return nil, err
	}
	if resp.UserList == nil {
		return nil, nil
	}
	return resp.UserList.Users, nil
}

// User looks up one registered user, whatever its status.
func (c *Client) User(ctx context.Context, username string) (wire.User, error) {
	resp, err := c.do(ctx, &wire.Request{
		Operation: wire.OpGetUsers,
		GetUsers:  &wire.GetUsers{Username: username},
	})
	if err != nil {
		return wire.User{}, err
	}
	if resp.UserList == nil || len(resp.UserList.Users) != 1 {
		return wire.User{}, fmt.Errorf("unexpected user list in reply")
	}
	return resp.UserList.Users[0], nil
}

func (c *Client) UpdateStatus(ctx context.Context, status wire.UserStatus) error {
	_, err := c.do(ctx, &wire.Request{
		Operation:    wire.OpUpdateStatus,
		UpdateStatus: &wire.UpdateStatus{NewStatus: status},
	})
	return err
}

// Unregister releases the username. The server closes the connection after
// replying.
func (c *Client) Unregister(ctx context.Context) error {
	_, err := c.do(ctx, &wire.Request{Operation: wire.OpUnregisterUser})
	return err
}

// Do sends an arbitrary request and returns the raw reply.
func (c *Client) Do(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	return c.roundTrip(ctx, req)
}

func (c *Client) do(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != wire.StatusOK {
		return resp, &ReplyError{Operation: resp.Operation, Status: resp.StatusCode, Message: resp.Message}
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.done:
		return nil, c.Err()
	default:
	}

	if err := c.ch.SendRequest(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-c.replies:
		return resp, nil
	case <-c.done:
		// The reply may have landed just before the connection ended.
		select {
		case resp := <-c.replies:
			return resp, nil
		default:
		}
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	for {
		resp, err := c.ch.ReceiveResponse()
		if err != nil {
			c.shutdown(err)
			return
		}

		if resp.Operation == wire.OpIncomingMessage && resp.IncomingMessage != nil {
			c.pushMu.Lock()
			c.pushed = append(c.pushed, *resp.IncomingMessage)
			c.pushMu.Unlock()
			select {
			case c.pushWake <- struct{}{}:
			default:
			}
			continue
		}

		select {
		case c.replies <- resp:
		case <-c.done:
			return
		}
	}
}

// forwardLoop moves pushes into incoming in arrival order. Once the
// connection has ended it hands over what still fits and closes incoming.
func (c *Client) forwardLoop() {
	defer close(c.incoming)

	for {
		msg, ok := c.nextPushed()
		if !ok {
			select {
			case <-c.pushWake:
				continue
			case <-c.done:
				if msg, ok = c.nextPushed(); !ok {
					return
				}
			}
		}

		select {
		case c.incoming <- msg:
			continue
		default:
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) nextPushed() (wire.IncomingMessage, bool) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if len(c.pushed) == 0 {
		return wire.IncomingMessage{}, false
	}
	msg := c.pushed[0]
	c.pushed[0] = wire.IncomingMessage{}
	c.pushed = c.pushed[1:]
	return msg, true
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}
