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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/weibo-harvester/internal/adapter/chromedp_fetcher"
	"github.com/user/weibo-harvester/internal/adapter/credential"
	"github.com/user/weibo-harvester/internal/adapter/memory"
	"github.com/user/weibo-harvester/internal/adapter/postgres"
	redis_adapter "github.com/user/weibo-harvester/internal/adapter/redis"
	"github.com/user/weibo-harvester/internal/adapter/sqlite"
	"github.com/user/weibo-harvester/internal/delivery/http/handler"
	"github.com/user/weibo-harvester/internal/delivery/http/router"
	"github.com/user/weibo-harvester/internal/entity"
	"github.com/user/weibo-harvester/internal/repository"
	"github.com/user/weibo-harvester/internal/usecase"
	"github.com/user/weibo-harvester/pkg/config"
	"github.com/user/weibo-harvester/pkg/logger"
	"github.com/user/weibo-harvester/pkg/metrics"
	"github.com/user/weibo-harvester/pkg/telemetry"
)

func main() {
	// --- Configuration ---
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("service stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("service exited properly")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// --- Telemetry and metrics ---
	otelShutdown, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Warn("failed to initialize OpenTelemetry, continuing without export", zap.Error(err))
	}
	m := metrics.New(prometheus.DefaultRegisterer)

	// --- Store ---
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	log.Info("store ready", zap.String("driver", cfg.StoreDriver))

	checks := map[string]handler.HealthCheck{"store": store.Ping}

	// --- Redis (optional) ---
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redis_adapter.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info("redis connection established", zap.String("addr", cfg.RedisAddr))
	}

	var lease repository.LeaseRepository = memory.NewLeaseRepo()
	if cfg.LeaseBackend == "redis" {
		lease = redis_adapter.NewLeaseRepo(rdb)
	}

	channelSink := memory.NewChannelSink(256)
	sinks := memory.MultiSink{channelSink}
	if rdb != nil && cfg.ProgressStream != "" {
		sinks = append(sinks, redis_adapter.NewStreamSink(rdb, cfg.ProgressStream, cfg.ProgressStreamMaxLen))
	}

	// --- Fetcher ---
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	fetcher := chromedp_fetcher.NewChromedpFetcher(chromedp_fetcher.Options{
		PageLoadTimeout: cfg.PageLoadTimeout,
		RateInterval:    cfg.FetchRateInterval,
		Headless:        cfg.Headless,
		Proxies:         cfg.Proxies,
		Location:        loc,
		PageSize:        cfg.PageSize,
		MaxPages:        cfg.MaxPages,
	}, log.Named("fetcher"))
	defer fetcher.Close()

	// --- Use Cases ---
	crawls := usecase.NewCrawlService(
		store,
		fetcher,
		credential.NewFileProvider(cfg.CredentialsFile),
		lease,
		sinks,
		usecase.CrawlOptions{
			PageSize:         cfg.PageSize,
			MaxPages:         cfg.MaxPages,
			MaxFetchRetries:  cfg.FetchMaxRetries,
			InitialBackoff:   cfg.FetchInitialBackoff,
			MinPageDelay:     cfg.MinPageDelay,
			MaxPageDelay:     cfg.MaxPageDelay,
			PauseTimeout:     cfg.PauseTimeout,
			MaxCredentialAge: cfg.MaxCredentialAge,
			LeaseTTL:         cfg.LeaseTTL,
		},
		log.Named("crawl"),
		m,
	)
	tasks := usecase.NewTaskManager(store, crawls, log.Named("tasks"))

	resumed, err := crawls.RecoverInterrupted(ctx)
	if err != nil {
		log.Error("failed to recover interrupted tasks", zap.Error(err))
	} else if len(resumed) > 0 {
		log.Info("recovered interrupted tasks", zap.Strings("task_ids", resumed))
	}

	// --- HTTP Server ---
	apiHandler := handler.NewHandler(tasks, crawls, checks, log.Named("http"))
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router.New(apiHandler, m, log.Named("http"), promhttp.Handler()),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting server", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on port %s: %w", cfg.ServerPort, err)
		}
		return nil
	})

	g.Go(func() error {
		events, unsubscribe := channelSink.Subscribe()
		defer unsubscribe()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case ev := <-events:
				logEvent(log, ev)
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		// Loops stop after the API so no new crawl can start meanwhile.
		return errors.Join(err, crawls.Shutdown(shutdownCtx))
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return otelShutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return postgres.New(ctx, cfg.PostgresURL)
	default:
		return sqlite.New(ctx, cfg.SQLitePath)
	}
}

func logEvent(log *zap.Logger, ev entity.ProgressEvent) {
	fields := []zap.Field{
		zap.String("task_id", ev.TaskID),
		zap.String("kind", string(ev.Kind)),
		zap.String("phase", string(ev.Phase)),
		zap.Stringer("range", ev.Range),
		zap.Int("page", ev.Page),
		zap.Int("inserted", ev.Inserted),
		zap.Int64("total", ev.CumulativeCount),
	}
	if ev.Kind == entity.EventProgress {
		log.Debug("crawl progress", fields...)
		return
	}
	log.Info("crawl "+string(ev.Kind), append(fields, zap.String("reason", ev.Reason))...)
}
