package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/presence-chat/internal/wire"
)

func openTestStore(t *testing.T) *RosterStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "roster.db")
	s, err := Open(context.Background(), "sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRosterStore_SaveReplacesContents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRoster(ctx, []wire.User{
		{Username: "bob", Status: wire.StatusBusy},
		{Username: "alice", Status: wire.StatusOnline},
	}))

	got, err := s.LoadRoster(ctx)
	require.NoError(t, err)
	assert.Equal(t, []wire.User{
		{Username: "alice", Status: wire.StatusOnline},
		{Username: "bob", Status: wire.StatusBusy},
	}, got)

	require.NoError(t, s.SaveRoster(ctx, []wire.User{{Username: "carol", Status: wire.StatusOffline}}))
	got, err = s.LoadRoster(ctx)
	require.NoError(t, err)
	assert.Equal(t, []wire.User{{Username: "carol", Status: wire.StatusOffline}}, got)

	require.NoError(t, s.SaveRoster(ctx, nil))
	got, err = s.LoadRoster(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRosterStore_ReopenKeepsRoster(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "roster.db")
	ctx := context.Background()

	s, err := Open(ctx, "sqlite3", dsn)
	require.NoError(t, err)
	require.NoError(t, s.SaveRoster(ctx, []wire.User{{Username: "alice", Status: wire.StatusBusy}}))
	require.NoError(t, s.Close())

	// Migrations are idempotent on an existing database.
	s, err = Open(ctx, "sqlite3", dsn)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadRoster(ctx)
	require.NoError(t, err)
	assert.Equal(t, []wire.User{{Username: "alice", Status: wire.StatusBusy}}, got)
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.ErrorContains(t, err, "unsupported roster driver")
}

func TestRebind(t *testing.T) {
	pg := &RosterStore{driver: "pgx"}
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", pg.rebind("INSERT INTO t (a, b) VALUES (?, ?)"))

	lite := &RosterStore{driver: "sqlite3"}
	assert.Equal(t, "VALUES (?, ?)", lite.rebind("VALUES (?, ?)"))
}
