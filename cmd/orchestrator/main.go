package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skywatch/conductor/internal/application/failer"
	"github.com/skywatch/conductor/internal/application/ingest"
	"github.com/skywatch/conductor/internal/application/scheduler"
	"github.com/skywatch/conductor/internal/catalog"
	"github.com/skywatch/conductor/internal/config"
	"github.com/skywatch/conductor/internal/infrastructure/persistence/postgres"
	"github.com/skywatch/conductor/internal/queue"
	"github.com/skywatch/conductor/internal/server"
	"github.com/skywatch/conductor/internal/storage"
	fsstore "github.com/skywatch/conductor/internal/storage/fs"
	gcsstore "github.com/skywatch/conductor/internal/storage/gcs"
	"github.com/skywatch/conductor/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	if err := cfg.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	// Root context for all normal operations; cancels on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Observability bootstrap. Exporter endpoints come from the standard
	// OTEL_* environment variables.
	lp, logger, err := observability.InitLogger(ctx, cfg.ServiceID, cfg.OTel.Enabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer shutdownProvider(lp.Shutdown, "logger provider")
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, cfg.ServiceID, cfg.OTel.Enabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer shutdownProvider(tp.Shutdown, "tracer provider")

	mp, err := observability.InitMeterProvider(ctx, cfg.ServiceID, cfg.OTel.Enabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer shutdownProvider(mp.Shutdown, "meter provider")

	slog.InfoContext(ctx, "starting conductor", "database", maskPassword(cfg.Database.DSN))

	store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	queues, err := queue.NewJetStreamFactory(cfg.Queue.URL, cfg.Queue.StreamPrefix, cfg.Queue.VisibilityTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to queue broker: %w", err)
	}
	defer queues.Close()

	objects, locator, err := newObjectStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	schedulerQueue, err := queues.Queue(ctx, queue.SchedulerQueue)
	if err != nil {
		return fmt.Errorf("failed to open scheduler queue: %w", err)
	}
	smallUpdates, err := queues.Queue(ctx, queue.SmallUpdateQueue)
	if err != nil {
		return fmt.Errorf("failed to open small update queue: %w", err)
	}
	largeUpdates, err := queues.Queue(ctx, queue.LargeUpdateQueue)
	if err != nil {
		return fmt.Errorf("failed to open large update queue: %w", err)
	}

	handler := ingest.NewHandler(store, objects, locator, cfg.Workflow,
		cfg.Workflow.AggregateMaxPageSize, schedulerQueue, smallUpdates, logger)

	smallIngester := ingest.NewIngester(handler, smallUpdates, queue.SmallUpdateQueue,
		cfg.Ingest.SmallBatchSize, cfg.Ingest.ReceiveWait, logger)
	largeIngester := ingest.NewIngester(handler, largeUpdates, queue.LargeUpdateQueue,
		cfg.Ingest.LargeBatchSize, cfg.Ingest.ReceiveWait, logger)

	sched := scheduler.New(store, queues, cfg.Workflow, cfg.Ingest.ReceiveWait, logger)
	sweeper := failer.New(store, smallUpdates, cfg.Failer.Period, cfg.Failer.ThresholdFloor, logger)

	workAPI := server.NewWorkAPI(queues, 2*time.Second, logger)
	srv := server.New(workAPI, server.Config{Port: cfg.Server.Port})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(smallIngester.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(largeIngester.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(sched.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(sweeper.Run(gctx)) })
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve worker API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("conductor shut down gracefully")
	return nil
}

// newObjectStore builds the configured artifact store and its URL locator.
func newObjectStore(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStore, catalog.Locator, error) {
	bucket := cfg.ArtifactBucket
	if bucket == "" {
		bucket = "artifacts"
	}
	switch cfg.Type {
	case "gcs":
		store, err := gcsstore.NewStore(ctx)
		if err != nil {
			return nil, catalog.Locator{}, err
		}
		return store, catalog.Locator{Scheme: "gs", Bucket: bucket}, nil
	default:
		store, err := fsstore.NewStore(cfg.FSDir)
		if err != nil {
			return nil, catalog.Locator{}, err
		}
		return store, catalog.Locator{Scheme: "file", Bucket: bucket}, nil
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}

// shutdownProvider flushes an observability provider with a timeout so an
// unreachable collector cannot hang shutdown.
func shutdownProvider(shutdown func(context.Context) error, name string) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "failed to shutdown "+name, "error", err)
	}
}
