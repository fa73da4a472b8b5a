// Package store persists the chat roster to SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/andy6609/presence-chat/internal/logx"
	"github.com/andy6609/presence-chat/internal/wire"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose keeps its dialect and filesystem in package state.
var migrateMu sync.Mutex

const connectTimeout = 15 * time.Second

// RosterStore keeps the latest roster snapshot in the roster_entries table.
// Each save replaces the table contents.
type RosterStore struct {
	db     *sql.DB
	driver string
}

// Open connects with driver ("sqlite3" or "pgx"), retrying the first ping
// with backoff, and applies pending migrations.
func Open(ctx context.Context, driver, dsn string) (*RosterStore, error) {
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// A single connection serialises writers and keeps in-memory
		// databases from splitting across connections.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(func() error { return db.PingContext(ctx) }, b); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &RosterStore{db: db, driver: driver}, nil
}

// SaveRoster replaces the stored roster with users.
func (s *RosterStore) SaveRoster(ctx context.Context, users []wire.User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin roster save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM roster_entries"); err != nil {
		return fmt.Errorf("clear roster: %w", err)
	}

	if len(users) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.rebind(
			"INSERT INTO roster_entries (username, status, updated_at) VALUES (?, ?, ?)"))
		if err != nil {
			return fmt.Errorf("prepare roster insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, u := range users {
			if _, err := stmt.ExecContext(ctx, u.Username, int32(u.Status), now); err != nil {
				return fmt.Errorf("insert roster entry %q: %w", u.Username, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit roster save: %w", err)
	}
	return nil
}

// LoadRoster returns the stored roster sorted by username.
func (s *RosterStore) LoadRoster(ctx context.Context) ([]wire.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT username, status FROM roster_entries ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var users []wire.User
	for rows.Next() {
		var (
			u      wire.User
			status int32
		)
		if err := rows.Scan(&u.Username, &status); err != nil {
			return nil, fmt.Errorf("scan roster entry: %w", err)
		}
		u.Status = wire.UserStatus(status)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *RosterStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *RosterStore) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func dialectFor(driver string) (string, error) {
	switch driver {
	case "sqlite3":
		return "sqlite3", nil
	case "pgx":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported roster driver %q", driver)
	}
}

// runMigrations applies all pending migrations from the embedded file system.
func runMigrations(db *sql.DB, dialect string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	logx.Info("roster migrations applied", "dialect", dialect)
	return nil
}
