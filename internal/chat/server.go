package chat

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/andy6609/presence-chat/internal/config"
	"github.com/andy6609/presence-chat/internal/limiter"
	"github.com/andy6609/presence-chat/internal/logx"
)

// rosterSaveTimeout bounds one call into the roster hook.
const rosterSaveTimeout = 5 * time.Second

// Server accepts framed connections and runs one Session per connection
// against a shared Registry, Router and Fanout.
type Server struct {
	cfg    config.Config
	logger zerolog.Logger

	registry *Registry
	fanout   *Fanout
	router   *Router
	hook     RosterHook
	limiter  *limiter.IPRateLimiter

	// ctx ends sessions; workerCtx ends the dispatcher and roster
	// persistence, which outlive the sessions on shutdown.
	ctx          context.Context
	cancel       context.CancelFunc
	workerCtx    context.Context
	workerCancel context.CancelFunc
	wg           sync.WaitGroup // accept loop and sessions
	workers      sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}
	started  bool
	closed   bool
}

// Option customises a Server.
type Option func(*Server)

// WithRosterHook makes the server hand every roster change to hook.
func WithRosterHook(hook RosterHook) Option {
	return func(s *Server) { s.hook = hook }
}

func NewServer(cfg config.Config, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	workerCtx, workerCancel := context.WithCancel(context.Background())

	reg := NewRegistry()
	fanout := NewFanout(reg, cfg.BroadcastEcho)
	s := &Server{
		cfg:      cfg,
		logger:   logx.Component("server"),
		registry: reg,
		fanout:   fanout,
		router:   NewRouter(reg, fanout, cfg.MaxUsernameLen),
		ctx:          ctx,
		cancel:       cancel,
		workerCtx:    workerCtx,
		workerCancel: workerCancel,
		sessions:     make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.AcceptRate > 0 {
		s.limiter = limiter.NewIPRateLimiter(ctx, rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return s
}

// Start binds the listen address and starts accepting. Background workers
// (the broadcast dispatcher and roster persistence) start with it.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve starts the server on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerShutdown
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.started = true
	s.listener = ln
	s.mu.Unlock()

	s.startWorkers()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server started")
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Registry() *Registry { return s.registry }

// Admit applies the per-IP connection rate limit to a new connection from
// remote. Rejections are counted and logged.
func (s *Server) Admit(remote string) bool {
	if s.limiter == nil || s.limiter.Allow(remote) {
		return true
	}
	RejectedConnections.Inc()
	s.logger.Warn().Str("remote_ip", logx.AnonymizeIP(remote)).Msg("connection rate limited")
	return false
}

// SessionCount returns the number of sessions not yet torn down.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ServeConn runs a session over conn and blocks until it has been torn
// down. It is how non-TCP transports (WebSocket) join the server.
func (s *Server) ServeConn(conn Transport) {
	sess := newSession(conn, s.registry, s.router, sessionConfig{
		presenceTimeout:   s.cfg.PresenceTimeout,
		offlineCloseAfter: s.cfg.OfflineCloseAfter,
		queueLimit:        s.cfg.OutboundQueueLimit,
		maxFrame:          s.cfg.MaxFrameSize,
		writeTimeout:      s.cfg.WriteTimeout,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.wg.Done()
	}()

	sess.Run(s.ctx)
}

// Stop closes the listener, lets the dispatcher deliver broadcasts already
// accepted, then tells every session to shut down and waits up to the
// configured grace period for them to flush. Transports of sessions still
// running after that are closed forcibly. The roster hook sees the final,
// emptied roster before Stop returns.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	started := s.started
	s.mu.Unlock()

	s.logger.Info().Msg("shutting down")

	if ln != nil {
		_ = ln.Close()
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = config.DefaultShutdownGrace
	}
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), grace)
	defer cancelGrace()

	s.fanout.Stop()
	if started {
		select {
		case <-s.fanout.Drained():
		case <-graceCtx.Done():
			s.logger.Warn().Int("pending", s.fanout.Pending()).Msg("broadcasts left undelivered")
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-graceCtx.Done():
		s.mu.Lock()
		stuck := make([]*Session, 0, len(s.sessions))
		for sess := range s.sessions {
			stuck = append(stuck, sess)
		}
		s.mu.Unlock()

		s.logger.Warn().Int("sessions", len(stuck)).Msg("grace period expired, closing transports")
		for _, sess := range stuck {
			_ = sess.conn.Close()
		}
		<-done
	}

	s.workerCancel()
	s.workers.Wait()

	s.logger.Info().Msg("shutdown complete")
}

// acceptLoop runs until the listener is closed. Other accept errors, such
// as running out of file descriptors, are retried with backoff.
func (s *Server) acceptLoop(ln net.Listener) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			wait := b.NextBackOff()
			AcceptErrors.Inc()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("accept failed")

			t := time.NewTimer(wait)
			select {
			case <-t.C:
				continue
			case <-s.ctx.Done():
				t.Stop()
				return
			}
		}
		b.Reset()

		if !s.Admit(conn.RemoteAddr().String()) {
			_ = conn.Close()
			continue
		}

		s.logger.Debug().
			Str("remote_ip", logx.AnonymizeIP(conn.RemoteAddr().String())).
			Msg("client connected")
		go s.ServeConn(conn)
	}
}

func (s *Server) startWorkers() {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.superviseFanout()
	}()

	if s.hook != nil {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.registry.Persist(s.workerCtx, s.hook, rosterSaveTimeout)
		}()
	}
}

// superviseFanout keeps the broadcast dispatcher running, restarting it with
// exponential backoff whenever it fails, until the fanout is stopped and
// drained or the workers are cancelled.
func (s *Server) superviseFanout() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		err := s.fanout.Run(s.workerCtx)
		if s.workerCtx.Err() != nil {
			return backoff.Permanent(s.workerCtx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		FanoutRestarts.Inc()
		s.logger.Error().Err(err).Dur("retry_in", wait).Msg("broadcast dispatcher failed, restarting")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, s.workerCtx), notify)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("broadcast dispatcher stopped")
	}
}
