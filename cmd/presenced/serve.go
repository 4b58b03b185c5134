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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/electr1fy0/presence/internal/gateway"
	"github.com/electr1fy0/presence/internal/presence"
)

const shutdownTimeout = 10 * time.Second

var (
	servePort     int
	serveRedisURL string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the presence gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Port = servePort
		}
		if cmd.Flags().Changed("redis-url") {
			cfg.RedisURL = serveRedisURL
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP listen port (overrides PORT)")
	serveCmd.Flags().StringVar(&serveRedisURL, "redis-url", "", "shared Redis URL (overrides REDIS_URL)")
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := presence.SelectBackend(ctx, cfg.RedisURL, log)
	registry := presence.NewRegistry(backend,
		presence.WithInstanceID(cfg.InstanceID),
		presence.WithLogger(log),
	)
	defer registry.Close()

	sub, err := registry.Start(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to presence events: %w", err)
	}
	defer sub.Close()

	if cfg.Replicated() && registry.Mode() != presence.ModeRedis {
		log.Warn("shared store unreachable, presence is not shared with other instances")
	}

	manager := gateway.NewManager(registry, gateway.Options{
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
		StoreTimeout:   cfg.StoreTimeout,
		ResyncInterval: cfg.ResyncInterval,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           manager.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	manager.Start(gctx)

	g.Go(func() error {
		log.Info("starting the server", "addr", srv.Addr, "mode", string(registry.Mode()), "instance", registry.InstanceID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Websocket clients are not tracked by srv. They deregister while the
	// hubs stop, and must finish before the deferred closes drop the store.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if derr := manager.Drain(drainCtx); derr != nil {
		log.Warn("clients still connected after shutdown", "error", derr)
	}
	return err
}
