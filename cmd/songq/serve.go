package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/datallboy/songq/internal/api"
	"github.com/datallboy/songq/internal/app"
	"github.com/datallboy/songq/internal/engine"
	"github.com/datallboy/songq/internal/infra/config"
	"github.com/datallboy/songq/internal/infra/logger"
	"github.com/datallboy/songq/internal/locator"
	"github.com/datallboy/songq/internal/store"
	"github.com/datallboy/songq/internal/store/pgstore"
	"github.com/datallboy/songq/internal/store/redisstore"
	"github.com/gofrs/flock"
	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download daemon and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), ctx)
		},
	}
}

func runDaemon(cmdCtx context.Context, ctx *commandContext) error {
	if cmdCtx == nil {
		cmdCtx = context.Background()
	}
	signalCtx, stop := signal.NotifyContext(cmdCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another songq daemon is already using %s", cfg.DataDir)
	}
	defer lock.Unlock()

	library, err := store.NewPersistentStore(cfg.Store.SQLitePath, cfg.Store.BlobDir)
	if err != nil {
		return fmt.Errorf("open library: %w", err)
	}
	defer library.Close()

	snapStore, closeSnaps, err := openSnapshotStore(signalCtx, cfg, library)
	if err != nil {
		return err
	}
	defer closeSnaps.Close()

	loc := locator.New(cfg.Locator.BaseURL, cfg.Locator.Bitrate)
	loc.UserAgent = cfg.Locator.UserAgent

	transfer := engine.NewTransfer(loc, library, log, engine.TransferOptions{
		ChunkSize:        cfg.Queue.ChunkSize,
		ProgressInterval: cfg.Queue.ProgressInterval,
		ResolveTimeout:   cfg.Queue.ResolveTimeout,
		OpenTimeout:      cfg.Queue.OpenTimeout,
	})

	events := engine.NewBroadcaster()
	events.Attach(engine.NewLogSink(log, 5*time.Second))

	queue := engine.NewManager(transfer, events, cfg.Queue.MaxConcurrent, log)

	snaps := engine.NewSnapshotter(queue, snapStore, cfg.Snapshot.Interval, log)
	snaps.Restore(signalCtx)
	events.Attach(snaps)

	snapCtx, stopSnaps := context.WithCancel(context.Background())
	var snapWG sync.WaitGroup
	snapWG.Add(1)
	go func() {
		defer snapWG.Done()
		snaps.Run(snapCtx)
	}()

	cfg.Watch(queue.SetMaxConcurrent, func(err error) {
		log.Warn("%v", err)
	})

	appCtx := app.NewContext(cfg, log)
	appCtx.Queue = queue
	appCtx.Events = events
	appCtx.Snapshots = snaps
	appCtx.Library = library

	e := echo.New()
	api.RegisterRoutes(e, appCtx)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("songq listening on %s (max %d concurrent, snapshots in %s)", srv.Addr, cfg.Queue.MaxConcurrent, cfg.Snapshot.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-signalCtx.Done():
		log.Info("Shutting down")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
			log.Error("%v", runErr)
		}
	}

	// Cancel transfers first so the final snapshot sees a settled queue
	queue.Close()
	stopSnaps()
	snapWG.Wait()

	// Closing the broadcaster ends open event streams so Shutdown can drain
	events.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}

	return runErr
}

// openSnapshotStore picks the configured snapshot backend. The sqlite
// backend shares the library database.
func openSnapshotStore(ctx context.Context, cfg *config.Config, library *store.PersistentStore) (engine.SnapshotStore, io.Closer, error) {
	switch cfg.Snapshot.Backend {
	case config.BackendPostgres:
		s, err := pgstore.New(ctx, cfg.Snapshot.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres snapshot store: %w", err)
		}
		return s, s, nil
	case config.BackendRedis:
		s, err := redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.Snapshot.RedisAddr,
			Password: cfg.Snapshot.RedisPassword,
			Key:      cfg.Snapshot.RedisKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis snapshot store: %w", err)
		}
		return s, s, nil
	default:
		return library, nopCloser{}, nil
	}
}

// The sqlite snapshot store is closed with the library
type nopCloser struct{}

func (nopCloser) Close() error { return nil }
