package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultMaxFrameSize bounds a frame payload when the caller passes 0.
const DefaultMaxFrameSize = 64 * 1024

const prefixLen = 4

var (
	// ErrConnectionClosed is returned by a receive when the peer closed the
	// stream cleanly before the first byte of a new frame.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrMalformed marks a frame that cannot be trusted: truncated prefix or
	// payload, a length over the bound, or a payload that fails to decode.
	// The stream cannot be resynchronised after it.
	ErrMalformed = errors.New("malformed frame")

	// ErrFrameTooLarge is returned by a send whose payload exceeds the bound.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// TransportError wraps a failure of the underlying stream.
type TransportError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Stream is the byte transport a Channel frames. net.Conn satisfies it.
type Stream interface {
	io.ReadWriter
	SetWriteDeadline(t time.Time) error
}

// Channel turns a byte stream into discrete messages using a 4-byte
// big-endian length prefix. Sends are serialised so that each frame is a
// single write; receives must come from one goroutine.
type Channel struct {
	stream       Stream
	maxFrame     int
	writeTimeout time.Duration

	wmu  sync.Mutex
	rbuf []byte
}

// NewChannel frames stream with the given payload bound and per-frame write
// timeout. Zero values select DefaultMaxFrameSize and no write deadline.
func NewChannel(stream Stream, maxFrame int, writeTimeout time.Duration) *Channel {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Channel{
		stream:       stream,
		maxFrame:     maxFrame,
		writeTimeout: writeTimeout,
	}
}

// MaxFrameSize returns the payload bound.
func (c *Channel) MaxFrameSize() int { return c.maxFrame }

// ReadFrame reads exactly one frame payload. The returned slice is only valid
// until the next call.
func (c *Channel) ReadFrame() ([]byte, error) {
	var prefix [prefixLen]byte
	if _, err := io.ReadFull(c.stream, prefix[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, ErrConnectionClosed
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, fmt.Errorf("%w: truncated length prefix", ErrMalformed)
		default:
			return nil, &TransportError{Op: "read", Err: err}
		}
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if uint64(size) > uint64(c.maxFrame) {
		return nil, fmt.Errorf("%w: length %d exceeds %d", ErrMalformed, size, c.maxFrame)
	}

	if cap(c.rbuf) < int(size) {
		c.rbuf = make([]byte, size)
	}
	payload := c.rbuf[:size]
	if _, err := io.ReadFull(c.stream, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated payload", ErrMalformed)
		}
		return nil, &TransportError{Op: "read", Err: err}
	}
	return payload, nil
}

// WriteFrame writes the prefix and payload as one write.
func (c *Channel) WriteFrame(payload []byte) error {
	if len(payload) > c.maxFrame {
		return &TransportError{Op: "write", Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), c.maxFrame)}
	}

	buf := make([]byte, prefixLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[prefixLen:], payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.stream.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return &TransportError{Op: "write", Err: err}
		}
	}
	if _, err := c.stream.Write(buf); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// ReceiveRequest reads and decodes one request frame.
func (c *Channel) ReceiveRequest() (*Request, error) {
	payload, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	req, err := UnmarshalRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return req, nil
}

// SendResponse encodes and writes one response frame.
func (c *Channel) SendResponse(r *Response) error {
	return c.WriteFrame(MarshalResponse(r))
}

// SendRequest encodes and writes one request frame.
func (c *Channel) SendRequest(r *Request) error {
	return c.WriteFrame(MarshalRequest(r))
}

// ReceiveResponse reads and decodes one response frame.
func (c *Channel) ReceiveResponse() (*Response, error) {
	payload, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	resp, err := UnmarshalResponse(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return resp, nil
}
