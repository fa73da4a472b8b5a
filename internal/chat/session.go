package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/andy6609/presence-chat/internal/config"
	"github.com/andy6609/presence-chat/internal/logx"
	"github.com/andy6609/presence-chat/internal/wire"
)

// sessionConfig is the slice of server configuration a Session needs.
type sessionConfig struct {
	presenceTimeout   time.Duration
	offlineCloseAfter time.Duration
	queueLimit        int
	maxFrame          int
	writeTimeout      time.Duration
}

// Session is the connection-scoped actor for one client. It owns its
// transport, a FIFO of outbound responses bounded by queueLimit, and three
// activities: the receive loop (Run's goroutine), the send loop and the
// presence supervisor.
//
// Other components touch a Session only through enqueue, setStatus and
// activate, all of which take s.mu.
type Session struct {
	id     string
	conn   Transport
	ch     *wire.Channel
	cfg    sessionConfig
	reg    *Registry
	router *Router
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	status       wire.UserStatus
	offlineSince time.Time
	username     string
	queue        []*wire.Response
	closeErr     error

	// lastActivity is written only by the receive loop (UnixNano).
	lastActivity atomic.Int64

	notify    chan struct{} // send loop: queue non-empty or closing
	wake      chan struct{} // supervisor: state or status changed
	closing   chan struct{} // closed once on entering Closing
	closeOnce sync.Once
}

func newSession(conn Transport, reg *Registry, router *Router, cfg sessionConfig) *Session {
	if cfg.queueLimit <= 0 {
		cfg.queueLimit = config.DefaultOutboundQueueLimit
	}
	if cfg.presenceTimeout <= 0 {
		cfg.presenceTimeout = config.DefaultPresenceTimeout
	}

	id := uuid.NewString()
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	s := &Session{
		id:     id,
		conn:   conn,
		ch:     wire.NewChannel(conn, cfg.maxFrame, cfg.writeTimeout),
		cfg:    cfg,
		reg:    reg,
		router: router,
		logger: logx.Component("session").With().
			Str("session_id", id).
			Str("remote_ip", logx.AnonymizeIP(remote)).
			Logger(),
		state:   StateConnected,
		status:  wire.StatusOffline,
		notify:  make(chan struct{}, 1),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

// Username returns the bound username, or "" before registration.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Status returns the session's current presence.
func (s *Session) Status() wire.UserStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session enters Closing.
func (s *Session) Done() <-chan struct{} { return s.closing }

// Run drives the session until the connection ends, then tears it down:
// Closing is entered, the identity is released so nobody else can reach the
// session, the send loop drains what is queued and exits together with the
// supervisor, and only then is the transport closed.
func (s *Session) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { s.Close(ErrServerShutdown) })
	defer stop()

	ConnectedSessions.Inc()
	defer ConnectedSessions.Dec()

	s.logger.Debug().Msg("session started")

	var g errgroup.Group
	g.Go(s.sendLoop)
	g.Go(s.supervise)

	s.Close(s.receiveLoop())
	s.reg.Release(s)

	if err := g.Wait(); err != nil {
		s.logger.Debug().Err(err).Msg("send loop stopped early")
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("transport close")
	}

	s.mu.Lock()
	s.state = StateClosed
	reason := s.closeErr
	username := s.username
	s.mu.Unlock()

	label := closeReason(reason)
	SessionsClosed.WithLabelValues(label).Inc()
	ev := s.logger.Info()
	if label == "transport_error" || label == "internal_error" || label == "malformed_frame" || label == "protocol_error" {
		ev = s.logger.Warn().Err(reason)
	}
	ev.Str("username", username).Str("reason", label).Msg("session closed")
}

// Close moves the session to Closing. It is idempotent; the first reason
// wins. A receive blocked in the transport is released by expiring its read
// deadline; the send loop and supervisor are woken.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state < StateClosing {
			s.state = StateClosing
		}
		s.closeErr = reason
		s.mu.Unlock()

		close(s.closing)
		signal(s.notify)
		signal(s.wake)
		_ = s.conn.SetReadDeadline(time.Now())
	})
}

func (s *Session) receiveLoop() error {
	for {
		req, err := s.ch.ReceiveRequest()
		if err != nil {
			return err
		}
		s.lastActivity.Store(time.Now().UnixNano())

		if err := s.dispatch(req); err != nil {
			return err
		}
		if s.isClosing() {
			return nil
		}
	}
}

// dispatch hands one request to the router and queues its reply. A non-nil
// error ends the session after the reply has been queued.
func (s *Session) dispatch(req *wire.Request) (err error) {
	start := time.Now()
	op := req.Operation

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Stringer("operation", op).Msg("request handler panicked")
			_ = s.enqueue(replyFor(op, errInternalFailure))
			RequestsTotal.WithLabelValues(op.String(), wire.StatusInternalServerError.String()).Inc()
			err = fmt.Errorf("%w: %v", errInternalFailure, r)
		}
	}()

	reply, herr := s.router.Handle(s, req)

	status := wire.StatusOK
	if reply != nil {
		status = reply.StatusCode
		if qerr := s.enqueue(reply); qerr != nil && herr == nil {
			herr = qerr
		}
	}
	RequestsTotal.WithLabelValues(op.String(), status.String()).Inc()
	RequestDuration.WithLabelValues(op.String()).Observe(time.Since(start).Seconds())

	return herr
}

// enqueue appends resp to the outbound FIFO. Overflowing the queue limit is
// treated as a failed connection: the session closes and nothing is dropped
// silently.
func (s *Session) enqueue(resp *wire.Response) error {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return ErrSessionClosing
	}
	if len(s.queue) >= s.cfg.queueLimit {
		s.mu.Unlock()
		s.Close(ErrSlowConsumer)
		return ErrSlowConsumer
	}
	s.queue = append(s.queue, resp)
	s.mu.Unlock()

	signal(s.notify)
	return nil
}

// activate completes registration. It is called by the Registry under its
// write lock.
func (s *Session) activate(username string, ack *wire.Response) error {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return ErrSessionClosing
	}
	s.state = StateActive
	s.status = wire.StatusOnline
	s.username = username
	if ack != nil {
		s.queue = append(s.queue, ack)
	}
	s.mu.Unlock()

	signal(s.notify)
	signal(s.wake)
	return nil
}

// setStatus records a presence change made by the Registry and wakes the
// supervisor so it can park or re-arm.
func (s *Session) setStatus(status wire.UserStatus) {
	s.mu.Lock()
	if status == wire.StatusOffline && s.status != wire.StatusOffline {
		s.offlineSince = time.Now()
	}
	s.status = status
	s.mu.Unlock()

	signal(s.wake)
}

func (s *Session) beginRegistering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false
	}
	s.state = StateRegistering
	return true
}

func (s *Session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// idleFor returns how long the client has been silent as of now.
func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// signal performs a non-blocking send on a 1-buffered wake-up channel. A
// pending token already covers any later change, so none is ever lost.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
