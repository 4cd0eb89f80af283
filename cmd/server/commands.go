package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tradegame/market-engine/internal/api"
	"github.com/tradegame/market-engine/internal/config"
	"github.com/tradegame/market-engine/internal/engine"
	"github.com/tradegame/market-engine/internal/publish"
	"github.com/tradegame/market-engine/internal/scheduler"
	"github.com/tradegame/market-engine/internal/store"
)

func newServeCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the round scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without advancing rounds")
	return cmd
}

func serve(ctx context.Context, runScheduler bool) error {
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	// --- Notifications ---
	hub := api.NewWSHub(a.logger)
	go hub.Run(ctx)
	notifiers := engine.Notifiers{hub}

	if a.cfg.NATSURL != "" {
		nc, err := publish.ConnectNATS(a.cfg.NATSURL, a.logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		notifiers = append(notifiers, publish.NewNATSPublisher(nc, "", a.logger))
		a.logger.Info("NATS publishing enabled", "url", a.cfg.NATSURL)
	}

	eng := a.newEngine(notifiers)

	// --- Round scheduler ---
	if runScheduler {
		var locker scheduler.Locker
		if a.redis != nil {
			locker = scheduler.NewRedisLocker(a.redis, "", uuid.New().String())
		}
		go scheduler.New(eng, a.cfg.RoundInterval, locker, a.logger).Run(ctx)
	}

	// --- Server ---
	srv := &http.Server{
		Addr: a.cfg.Addr,
		Handler: api.New(eng, hub, api.Options{
			JWTSecret:  []byte(a.cfg.JWTSecret),
			TradeRate:  a.cfg.TradeRate,
			TradeBurst: a.cfg.TradeBurst,
			Logger:     a.logger,
		}).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("market-engine listening", "addr", a.cfg.Addr, "action_limit", eng.ActionLimit())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.logger.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown error", "err", err)
	}
	a.logger.Info("market-engine stopped")
	return nil
}

func newAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Advance one round and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.newEngine(nil).AdvanceRound(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func newSettleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle",
		Short: "Run one settlement pass over pending sales",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.newEngine(nil).SettleSales(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or with --down, roll back) the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			logger := newLogger(cfg.LogLevel)
			pool, err := store.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			m := store.NewMigrator(pool, logger)
			if down {
				return m.Down(ctx)
			}
			return m.Up(ctx)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back every applied migration")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var admin bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <player-id>",
		Short: "Sign a bearer token for local development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}
			role := ""
			if admin {
				role = api.RoleAdmin
			}
			tok, err := api.SignToken([]byte(cfg.JWTSecret), args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
