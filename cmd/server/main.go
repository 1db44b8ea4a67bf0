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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/synccode/backend/internal/api"
	"github.com/manpreetbhatti/synccode/backend/internal/config"
	"github.com/manpreetbhatti/synccode/backend/internal/db"
	"github.com/manpreetbhatti/synccode/backend/internal/feed"
	"github.com/manpreetbhatti/synccode/backend/internal/journal"
	"github.com/manpreetbhatti/synccode/backend/internal/lifecycle"
	"github.com/manpreetbhatti/synccode/backend/internal/logging"
	"github.com/manpreetbhatti/synccode/backend/internal/metrics"
	"github.com/manpreetbhatti/synccode/backend/internal/room"
	"github.com/manpreetbhatti/synccode/backend/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []journal.Option
	var database *db.Database
	if cfg.JournalDBPath != "" {
		database, err = db.New(cfg.JournalDBPath, logger.Named("db"))
		if err != nil {
			return fmt.Errorf("init journal database: %w", err)
		}
		defer database.Close()
		opts = append(opts, journal.WithStore(database))
	}

	if cfg.RedisURL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		publisher, err := feed.New(pingCtx, cfg.RedisURL, cfg.FeedChannel)
		cancel()
		if err != nil {
			// The feed is optional; rooms work without it.
			logger.Warn("activity feed disabled", zap.Error(err))
		} else {
			defer publisher.Close()
			opts = append(opts, journal.WithPublisher(publisher))
		}
	}

	jrnl := journal.New(journal.DefaultConfig(), logger.Named("journal"), opts...)
	jrnl.Start()
	defer jrnl.Stop()

	registry := room.NewRegistry(lifecycle.Config{GracePeriod: cfg.GracePeriod},
		room.WithLogger(logger.Named("rooms")),
		room.WithObserver(metrics.RoomObserver{}),
		room.WithObserver(jrnl),
	)
	defer registry.Close()

	allow := allowOrigin(cfg.ClientURL)
	upgrader := ws.NewUpgrader(ws.Config{
		SendBufferSize:  cfg.SendBufferSize,
		MaxMessageBytes: cfg.MaxMessageBytes,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allow(r, origin)
		},
	}, logger.Named("ws"))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(logger, registry, upgrader, api.New(registry, database, logger.Named("api")), allow),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("client_url", cfg.ClientURL),
			zap.Duration("grace_period", cfg.GracePeriod),
			zap.Bool("journal", database != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	logger.Info("server exited")
	return nil
}
