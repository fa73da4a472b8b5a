package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/andy6609/presence-chat/internal/logx"
	"github.com/andy6609/presence-chat/internal/wire"
)

// Fanout is the single ordered queue of broadcasts. One dispatcher drains it
// and copies each message onto every registered session's outbound queue, so
// all recipients observe broadcasts in submission order.
//
// The queue outlives the dispatcher: if Run fails it can be started again and
// picks up where it left off.
type Fanout struct {
	reg  *Registry
	echo bool

	mu      sync.Mutex
	queue   []broadcast
	stopped bool
	notify  chan struct{}

	drained   chan struct{}
	drainOnce sync.Once

	logger zerolog.Logger
}

// NewFanout creates a fanout over reg. With echo set, the sender of a
// broadcast receives its own copy.
func NewFanout(reg *Registry, echo bool) *Fanout {
	return &Fanout{
		reg:    reg,
		echo:   echo,
		notify:  make(chan struct{}, 1),
		drained: make(chan struct{}),
		logger:  logx.Component("fanout"),
	}
}

// broadcast is one queued message and the id of the session that sent it.
type broadcast struct {
	msg    wire.IncomingMessage
	sender string
}

// Submit appends msg, sent by the session with id senderID, to the
// broadcast queue.
func (f *Fanout) Submit(senderID string, msg wire.IncomingMessage) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return ErrFanoutStopped
	}
	f.queue = append(f.queue, broadcast{msg: msg, sender: senderID})
	f.mu.Unlock()

	signal(f.notify)
	return nil
}

// Stop rejects further submissions. Messages already queued are still
// dispatched; Run returns nil once the queue is empty.
func (f *Fanout) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	signal(f.notify)
}

// Drained is closed once Run has dispatched everything queued before Stop.
func (f *Fanout) Drained() <-chan struct{} { return f.drained }

// Pending returns the number of broadcasts waiting for dispatch.
func (f *Fanout) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Run is the dispatcher. It returns nil when the fanout is stopped and
// drained, ctx.Err() when ctx is done, or an error if dispatching panicked.
// A message is removed from the queue before it is dispatched, so a failure
// never delivers it twice.
func (f *Fanout) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fanout dispatcher panic: %v", r)
		}
	}()

	for {
		b, ok := f.next(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			f.drainOnce.Do(func() { close(f.drained) })
			return nil
		}
		n := f.dispatch(b)
		BroadcastsDispatched.Inc()
		f.logger.Debug().Str("sender", b.msg.Sender).Int("recipients", n).Msg("broadcast dispatched")
	}
}

// next pops the oldest broadcast. It reports false when ctx is done, or when
// the fanout is stopped and nothing is left.
func (f *Fanout) next(ctx context.Context) (broadcast, bool) {
	for {
		f.mu.Lock()
		if len(f.queue) > 0 {
			b := f.queue[0]
			f.queue[0] = broadcast{}
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return b, true
		}
		stopped := f.stopped
		f.mu.Unlock()

		if stopped {
			return broadcast{}, false
		}
		select {
		case <-f.notify:
		case <-ctx.Done():
			return broadcast{}, false
		}
	}
}

// dispatch pushes b to every registered session. The set is walked under
// the Registry read lock; sessions that are closing reject the push and are
// skipped. Without echo the sending session is skipped, matched by id so a
// later owner of the same username still receives it.
func (f *Fanout) dispatch(b broadcast) int {
	resp := wire.Incoming(b.msg)
	delivered := 0
	f.reg.Each(func(s *Session) {
		if !f.echo && s.ID() == b.sender {
			return
		}
		if s.enqueue(resp) == nil {
			delivered++
		}
	})
	return delivered
}
