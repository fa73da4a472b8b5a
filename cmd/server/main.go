/*
Package main is the entry point for the presence chat server.

It loads configuration (defaults, then CHAT_* environment variables, then
flags), initialises logging, opens the optional roster store, starts the
framed TCP listener and the HTTP admin server, and shuts both down on
SIGINT or SIGTERM.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andy6609/presence-chat/internal/admin"
	"github.com/andy6609/presence-chat/internal/chat"
	"github.com/andy6609/presence-chat/internal/config"
	"github.com/andy6609/presence-chat/internal/logx"
	"github.com/andy6609/presence-chat/internal/store"
	"github.com/andy6609/presence-chat/internal/wire"
)

type rosterLoader interface {
	LoadRoster(ctx context.Context) ([]wire.User, error)
}

// reportPreviousRoster logs what the last run left in the store. The roster
// is rebuilt from live registrations, so a failed read is only a warning.
func reportPreviousRoster(ctx context.Context, roster rosterLoader) {
	previous, err := roster.LoadRoster(ctx)
	if err != nil {
		logx.Error(err, "previous roster unreadable")
		return
	}
	logx.Info("previous roster found", "users", len(previous))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chat-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg := config.Default()
	if err := config.LoadFromEnv(&cfg); err != nil {
		return err
	}
	done, err := parseFlags(&cfg, args)
	if err != nil || done {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logx.InitGlobalLogger(cfg.IsDevelopment())
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("admin_addr", cfg.AdminAddr).
		Dur("presence_timeout", cfg.PresenceTimeout).
		Bool("broadcast_echo", cfg.BroadcastEcho).
		Msg("configuration loaded")

	var opts []chat.Option
	if cfg.RosterDriver != "" {
		roster, err := store.Open(ctx, cfg.RosterDriver, cfg.RosterDSN)
		if err != nil {
			return fmt.Errorf("roster store: %w", err)
		}
		defer roster.Close()

		reportPreviousRoster(ctx, roster)
		opts = append(opts, chat.WithRosterHook(roster))
	}

	srv := chat.NewServer(cfg, opts...)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start chat listener: %w", err)
	}
	defer srv.Stop()

	var httpSrv *http.Server
	httpErr := make(chan error, 1)
	if cfg.AdminAddr != "" {
		httpSrv = &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           admin.Router(&admin.Deps{Server: srv, Environment: cfg.Environment, TrustProxy: cfg.TrustProxy}),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			logx.Info("admin server starting", "addr", cfg.AdminAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logx.Info("received shutdown signal, starting graceful shutdown")
	case err := <-httpErr:
		logx.Error(err, "admin server failed")
		return err
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logx.Error(err, "admin server forced to shut down")
		}
	}

	srv.Stop()
	logx.Info("server stopped")
	return nil
}
