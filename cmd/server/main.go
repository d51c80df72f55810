package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"golang.org/x/sync/errgroup"

	"github.com/auth1ery/outlet/internal/auth"
	"github.com/auth1ery/outlet/internal/ephemeral"
	"github.com/auth1ery/outlet/internal/server"
	"github.com/auth1ery/outlet/internal/store"
)

const sweepInterval = time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("starting Outlet chat server")

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		logger.Error("failed to create token verifier", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	typing, err := openEphemeral(gctx, g, cfg, logger)
	if err != nil {
		logger.Error("failed to open ephemeral store", "error", err)
		os.Exit(1)
	}

	manager := server.NewManager(cfg, verifier, db, typing, logger)
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(manager))

	g.Go(func() error {
		return server.StartServer(httpServer)
	})

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"server": func(context.Context) error {
				// Stop accepting before closing sessions so none join mid-shutdown.
				httpErr := server.ShutdownServer(httpServer, cfg.ShutdownTimeout)
				sessErr := manager.Shutdown(cfg.ShutdownTimeout)
				cancel()
				storeErr := errors.Join(typing.Close(), db.Close())
				return errors.Join(httpErr, sessErr, storeErr)
			},
		},
	)

	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	exitCode := <-wait
	logger.Info("server exited", "code", exitCode)
	os.Exit(exitCode)
}

// openEphemeral connects to Redis when REDIS_URL is set, otherwise it returns
// an in-process store whose sweeper runs in g.
func openEphemeral(ctx context.Context, g *errgroup.Group, cfg *server.Config, logger *slog.Logger) (ephemeral.Store, error) {
	if cfg.RedisURL != "" {
		rs, err := ephemeral.OpenRedis(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		logger.Info("typing state stored in redis")
		return rs, nil
	}

	mem := ephemeral.NewMemoryStore()
	g.Go(func() error {
		return mem.Run(ctx, sweepInterval)
	})
	logger.Info("typing state stored in memory")
	return mem, nil
}
