package chat

import (
	"errors"

	"github.com/andy6609/presence-chat/internal/wire"
)

// sendLoop is the only consumer of the outbound queue. Once the session is
// Closing it keeps writing until the queue is empty, then exits; a write
// failure ends it immediately and closes the session.
func (s *Session) sendLoop() error {
	for {
		resp, ok := s.next()
		if !ok {
			return nil
		}

		err := s.ch.SendResponse(resp)
		if errors.Is(err, wire.ErrFrameTooLarge) {
			// Nothing reached the stream, so it is still in sync; tell the
			// client instead of dropping the connection.
			s.logger.Warn().Err(err).Stringer("operation", resp.Operation).Msg("response too large")
			err = s.ch.SendResponse(wire.InternalError(resp.Operation, "response too large"))
		}
		if err != nil {
			s.Close(err)
			return err
		}
	}
}

// next pops the head of the queue, blocking until there is one. It returns
// false when the session is Closing and the queue has been drained.
func (s *Session) next() (*wire.Response, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			resp := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return resp, true
		}
		closing := s.state >= StateClosing
		s.mu.Unlock()

		if closing {
			return nil, false
		}
		<-s.notify
	}
}
