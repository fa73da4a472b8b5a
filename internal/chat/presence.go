package chat

import (
	"time"

	"github.com/andy6609/presence-chat/internal/wire"
)

// supervise is the presence-timeout supervisor. While the session is active
// and not offline it sleeps until the idle deadline or a status change; on
// expiry it drives the transition to offline through the Registry. While
// offline it stays parked, unless offlineCloseAfter is set, in which case a
// session that stays offline and silent that long is closed.
func (s *Session) supervise() error {
	for {
		s.mu.Lock()
		state, status, offlineSince := s.state, s.status, s.offlineSince
		s.mu.Unlock()

		if state >= StateClosing {
			return nil
		}
		if state != StateActive {
			s.park(0)
			continue
		}

		now := time.Now()
		if status != wire.StatusOffline {
			remaining := s.cfg.presenceTimeout - s.idleFor(now)
			if remaining > 0 {
				s.park(remaining)
				continue
			}
			if s.reg.EvictIdle(s, s.cfg.presenceTimeout) {
				PresenceEvictions.Inc()
				s.logger.Info().
					Str("username", s.Username()).
					Dur("timeout", s.cfg.presenceTimeout).
					Msg("marked offline after inactivity")
			}
			continue
		}

		if s.cfg.offlineCloseAfter <= 0 {
			s.park(0)
			continue
		}
		quiet := s.idleFor(now)
		if since := now.Sub(offlineSince); since < quiet {
			quiet = since
		}
		if remaining := s.cfg.offlineCloseAfter - quiet; remaining > 0 {
			s.park(remaining)
			continue
		}
		s.Close(ErrOfflineIdle)
		return nil
	}
}

// park blocks until a wake-up, Closing, or d elapses. d <= 0 waits without
// a deadline.
func (s *Session) park(d time.Duration) {
	if d <= 0 {
		select {
		case <-s.wake:
		case <-s.closing:
		}
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.wake:
	case <-s.closing:
	case <-t.C:
	}
}
