package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andy6609/presence-chat/internal/logx"
	"github.com/andy6609/presence-chat/internal/wire"
)

type entry struct {
	identity Identity
	session  *Session
}

// Registry maps usernames to identities and keeps the index of usernames that
// are not offline. Every exported method is one critical section: a check and
// the mutation it gates never straddle an unlock.
//
// Lock order is Registry before Session; Session methods never call back
// into the Registry while holding their own lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	online  map[string]struct{}

	// persisting is set once Persist runs; until then no snapshots are built.
	persisting bool
	rosterCh   chan []wire.User

	logger zerolog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		online:   make(map[string]struct{}),
		rosterCh: make(chan []wire.User, 1),
		logger:   logx.Component("registry"),
	}
}

// TryRegister binds username to s and marks it online. ack is queued on s
// inside the same critical section, so it precedes anything another session
// can send to the new identity.
func (r *Registry) TryRegister(username string, s *Session, ack *wire.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[username]; ok {
		if e.session == s {
			return ErrAlreadyRegistered
		}
		return ErrUsernameTaken
	}
	if err := s.activate(username, ack); err != nil {
		return err
	}

	r.entries[username] = &entry{
		identity: Identity{Username: username, Status: wire.StatusOnline, SessionID: s.ID()},
		session:  s,
	}
	r.online[username] = struct{}{}
	r.changedLocked()

	r.logger.Info().Str("username", username).Str("session_id", s.ID()).Msg("user registered")
	return nil
}

// SetStatus changes the presence of the identity owned by s and keeps the
// online index in step. It returns the previous status.
func (r *Registry) SetStatus(s *Session, status wire.UserStatus) (wire.UserStatus, error) {
	if !status.Valid() {
		return 0, ErrInvalidStatus
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.ownedLocked(s)
	if err != nil {
		return 0, err
	}
	prev := e.identity.Status
	r.setStatusLocked(e, status)
	return prev, nil
}

// EvictIdle marks the identity owned by s offline if it is not offline
// already and s has had no inbound activity for at least timeout. The idle
// check is repeated under the lock so a request that lands between the
// supervisor's wake-up and the eviction wins.
func (r *Registry) EvictIdle(s *Session, timeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.ownedLocked(s)
	if err != nil || e.identity.Status == wire.StatusOffline {
		return false
	}
	if s.idleFor(time.Now()) < timeout {
		return false
	}
	r.setStatusLocked(e, wire.StatusOffline)
	return true
}

// Deliver queues resp on the session owning recipient. Unknown and offline
// recipients are rejected without queueing anything.
func (r *Registry) Deliver(recipient string, resp *wire.Response) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[recipient]
	if !ok {
		return ErrUserNotFound
	}
	if e.identity.Status == wire.StatusOffline {
		return ErrUserOffline
	}
	if err := e.session.enqueue(resp); err != nil {
		// The owner is tearing down; to the sender that is indistinguishable
		// from having gone offline.
		return ErrUserOffline
	}
	return nil
}

// Each calls fn for every registered session while holding the read lock, so
// no session can be released mid-iteration. fn must not call back into the
// Registry.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		fn(e.session)
	}
}

// Release removes the identity owned by s. It reports whether anything was
// removed.
func (r *Registry) Release(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.ownedLocked(s)
	if err != nil {
		return false
	}
	name := e.identity.Username
	delete(r.entries, name)
	delete(r.online, name)
	r.changedLocked()

	r.logger.Info().Str("username", name).Str("session_id", s.ID()).Msg("user released")
	return true
}

// Lookup returns the identity registered under username.
func (r *Registry) Lookup(username string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[username]
	if !ok {
		return Identity{}, false
	}
	return e.identity, true
}

// SnapshotOnline returns every identity that is not offline, sorted by name.
func (r *Registry) SnapshotOnline() []wire.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]wire.User, 0, len(r.online))
	for name := range r.online {
		users = append(users, wire.User{Username: name, Status: r.entries[name].identity.Status})
	}
	sortUsers(users)
	return users
}

// Roster returns every identity, offline ones included, sorted by name.
func (r *Registry) Roster() []wire.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked()
}

// Counts returns the number of registered and online identities.
func (r *Registry) Counts() (registered, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries), len(r.online)
}

// Persist feeds roster snapshots to hook until ctx is done. Snapshots are
// coalesced: if the hook falls behind only the newest one is saved. When ctx
// is done the current roster is saved one last time.
func (r *Registry) Persist(ctx context.Context, hook RosterHook, timeout time.Duration) {
	r.mu.Lock()
	r.persisting = true
	r.offerLocked(r.rosterLocked())
	r.mu.Unlock()

	logger := r.logger.With().Str("task", "persist").Logger()
	save := func(parent context.Context, users []wire.User) {
		saveCtx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		if err := hook.SaveRoster(saveCtx, users); err != nil {
			logger.Error().Err(err).Int("users", len(users)).Msg("roster save failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.persisting = false
			select {
			case <-r.rosterCh:
			default:
			}
			users := r.rosterLocked()
			r.mu.Unlock()

			save(context.Background(), users)
			return
		case users := <-r.rosterCh:
			save(ctx, users)
		}
	}
}

func (r *Registry) ownedLocked(s *Session) (*entry, error) {
	e, ok := r.entries[s.Username()]
	if !ok || e.session != s {
		return nil, ErrNotRegistered
	}
	return e, nil
}

func (r *Registry) setStatusLocked(e *entry, status wire.UserStatus) {
	name := e.identity.Username
	e.identity.Status = status
	if status == wire.StatusOffline {
		delete(r.online, name)
	} else {
		r.online[name] = struct{}{}
	}
	e.session.setStatus(status)
	r.changedLocked()

	r.logger.Debug().Str("username", name).Stringer("status", status).Msg("status changed")
}

func (r *Registry) changedLocked() {
	RegisteredUsers.Set(float64(len(r.entries)))
	OnlineUsers.Set(float64(len(r.online)))
	if r.persisting {
		r.offerLocked(r.rosterLocked())
	}
}

// offerLocked replaces any unsaved snapshot with users. Callers hold the
// write lock, so offers arrive in mutation order.
func (r *Registry) offerLocked(users []wire.User) {
	for {
		select {
		case r.rosterCh <- users:
			return
		default:
		}
		select {
		case <-r.rosterCh:
		default:
		}
	}
}

func (r *Registry) rosterLocked() []wire.User {
	users := make([]wire.User, 0, len(r.entries))
	for _, e := range r.entries {
		users = append(users, wire.User{Username: e.identity.Username, Status: e.identity.Status})
	}
	sortUsers(users)
	return users
}

func sortUsers(users []wire.User) {
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
}
