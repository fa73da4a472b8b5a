package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/presence-chat/internal/wire"
)

func runFanout(t *testing.T, f *Fanout) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestFanout_DeliversInSubmissionOrder(t *testing.T) {
	reg := NewRegistry()
	alice := registered(t, reg, "alice")
	bob := registered(t, reg, "bob")
	f := NewFanout(reg, true)

	var want []wire.IncomingMessage
	for _, c := range []string{"one", "two", "three", "four"} {
		msg := wire.IncomingMessage{Sender: "alice", Content: c, Kind: wire.KindBroadcast}
		want = append(want, msg)
		require.NoError(t, f.Submit(alice.ID(), msg))
	}
	runFanout(t, f)

	assert.Eventually(t, func() bool { return len(incomingOf(queued(bob))) == len(want) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, incomingOf(queued(bob)))
	assert.Equal(t, want, incomingOf(queued(alice)), "echo delivers to the sender too")
}

func TestFanout_NoEchoSkipsSender(t *testing.T) {
	reg := NewRegistry()
	alice := registered(t, reg, "alice")
	bob := registered(t, reg, "bob")
	f := NewFanout(reg, false)
	runFanout(t, f)

	require.NoError(t, f.Submit(alice.ID(), wire.IncomingMessage{Sender: "alice", Content: "hi"}))
	assert.Eventually(t, func() bool { return len(incomingOf(queued(bob))) == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, incomingOf(queued(alice)))
}

func TestFanout_ReachesOfflineRegisteredSessions(t *testing.T) {
	reg := NewRegistry()
	bob := registered(t, reg, "bob")
	_, err := reg.SetStatus(bob, wire.StatusOffline)
	require.NoError(t, err)

	f := NewFanout(reg, true)
	runFanout(t, f)
	require.NoError(t, f.Submit("", wire.IncomingMessage{Sender: "alice", Content: "hi"}))

	assert.Eventually(t, func() bool { return len(incomingOf(queued(bob))) == 1 }, waitFor, 5*time.Millisecond)
}

func TestFanout_SkipsClosingSessions(t *testing.T) {
	reg := NewRegistry()
	bob := registered(t, reg, "bob")
	carol := registered(t, reg, "carol")
	bob.Close(ErrServerShutdown)

	f := NewFanout(reg, true)
	assert.Equal(t, 1, f.dispatch(broadcast{msg: wire.IncomingMessage{Sender: "alice", Content: "hi"}}))
	assert.Len(t, incomingOf(queued(carol)), 1)
	assert.Empty(t, incomingOf(queued(bob)))
}

func TestFanout_SubmitAfterStop(t *testing.T) {
	f := NewFanout(NewRegistry(), true)
	f.Stop()
	assert.ErrorIs(t, f.Submit("", wire.IncomingMessage{Sender: "a", Content: "b"}), ErrFanoutStopped)
	assert.Zero(t, f.Pending())
}

func TestFanout_PanicDropsMessageAndRunCanResume(t *testing.T) {
	reg := NewRegistry()
	carol := registered(t, reg, "carol")

	// An entry without a session makes dispatch panic.
	reg.mu.Lock()
	reg.entries["ghost"] = &entry{identity: Identity{Username: "ghost"}}
	reg.mu.Unlock()

	f := NewFanout(reg, true)
	require.NoError(t, f.Submit("", wire.IncomingMessage{Sender: "alice", Content: "boom"}))

	err := f.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Zero(t, f.Pending(), "the failing message is not retried")

	reg.mu.Lock()
	delete(reg.entries, "ghost")
	reg.mu.Unlock()

	require.NoError(t, f.Submit("", wire.IncomingMessage{Sender: "alice", Content: "after"}))
	runFanout(t, f)
	assert.Eventually(t, func() bool {
		msgs := incomingOf(queued(carol))
		return len(msgs) > 0 && msgs[len(msgs)-1].Content == "after"
	}, waitFor, 5*time.Millisecond)
}

func TestFanout_NoEchoMatchesSessionNotUsername(t *testing.T) {
	reg := NewRegistry()
	old := registered(t, reg, "alice")
	bob := registered(t, reg, "bob")
	f := NewFanout(reg, false)

	require.NoError(t, f.Submit(old.ID(), wire.IncomingMessage{Sender: "alice", Content: "queued"}))

	// alice reconnects before the broadcast is dispatched.
	require.True(t, reg.Release(old))
	reborn := registered(t, reg, "alice")

	runFanout(t, f)
	assert.Eventually(t, func() bool {
		return len(incomingOf(queued(bob))) == 1 && len(incomingOf(queued(reborn))) == 1
	}, waitFor, 5*time.Millisecond, "the new owner of the name is not the sender")
}

func TestFanout_StopDispatchesQueuedThenReturns(t *testing.T) {
	reg := NewRegistry()
	bob := registered(t, reg, "bob")
	f := NewFanout(reg, true)

	for _, c := range []string{"one", "two", "three"} {
		require.NoError(t, f.Submit("", wire.IncomingMessage{Sender: "alice", Content: c}))
	}
	f.Stop()
	require.ErrorIs(t, f.Submit("", wire.IncomingMessage{Sender: "alice", Content: "late"}), ErrFanoutStopped)

	require.NoError(t, f.Run(context.Background()))
	select {
	case <-f.Drained():
	default:
		t.Fatal("Drained not closed")
	}

	var got []string
	for _, m := range incomingOf(queued(bob)) {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}
