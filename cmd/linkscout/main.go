// Command linkscout runs the link scouting service: an HTTP API that
// scrapes a page, scores every outbound link against a keyword through a
// queue-fed worker pipeline, and persists the ranked results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/linkscout/linkscout/internal/api"
	clocksystem "github.com/linkscout/linkscout/internal/clock/system"
	"github.com/linkscout/linkscout/internal/config"
	"github.com/linkscout/linkscout/internal/embedding"
	"github.com/linkscout/linkscout/internal/extractor"
	collyfetcher "github.com/linkscout/linkscout/internal/fetcher/colly"
	iduuid "github.com/linkscout/linkscout/internal/id/uuid"
	"github.com/linkscout/linkscout/internal/jobs"
	"github.com/linkscout/linkscout/internal/logging"
	"github.com/linkscout/linkscout/internal/queue"
	queuememory "github.com/linkscout/linkscout/internal/queue/memory"
	queueredis "github.com/linkscout/linkscout/internal/queue/redis"
	"github.com/linkscout/linkscout/internal/scorer"
	"github.com/linkscout/linkscout/internal/scout"
	storememory "github.com/linkscout/linkscout/internal/storage/memory"
	storepostgres "github.com/linkscout/linkscout/internal/storage/postgres"
	"github.com/linkscout/linkscout/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; env vars also work)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clocksystem.New()
	idGen := iduuid.New()

	tasks, err := newQueue(ctx, cfg, cfg.Queue.TaskName, logger)
	if err != nil {
		return fmt.Errorf("task queue: %w", err)
	}
	defer closeQueue(tasks, logger)
	results, err := newQueue(ctx, cfg, cfg.Queue.ResultName, logger)
	if err != nil {
		return fmt.Errorf("result queue: %w", err)
	}
	defer closeQueue(results, logger)

	store, err := newStore(ctx, cfg, clock)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	embedder := embedding.NewCached(
		embedding.NewHTTP(cfg.Embedding.URL, time.Duration(cfg.Embedding.TimeoutSeconds)*time.Second, logger),
		cfg.Embedding.CacheSize,
	)
	defer func() {
		if err := embedder.Close(); err != nil {
			logger.Warn("close embedder", zap.Error(err))
		}
	}()

	tracker := jobs.NewTracker(clock, cfg.JobRetention(), logger)
	tracker.StartJanitor(ctx, time.Duration(cfg.Jobs.JanitorIntervalSeconds)*time.Second)

	// Dead letters from any path, including queue-internal expiry, must
	// land in the tracker as failed units or jobs would hang pending.
	recordDeadLetter := worker.DeadLetterRecorder(tracker, logger)
	tasks.SetDeadLetterHandler(recordDeadLetter)
	results.SetDeadLetterHandler(recordDeadLetter)

	sc := scorer.New(scorer.Config{
		ExactWeight:    cfg.Scoring.ExactWeight,
		SemanticWeight: cfg.Scoring.SemanticWeight,
		ContextWeight:  cfg.Scoring.ContextWeight,
		SigmoidScale:   cfg.Scoring.SigmoidScale,
		SigmoidShift:   cfg.Scoring.SigmoidShift,
		ContextWindow:  cfg.Scoring.ContextWindow,
	}, embedder, logger)

	robots := extractor.NewRobotsEnforcer(cfg.Crawler.UserAgent, logger)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   time.Duration(cfg.Crawler.TimeoutSeconds) * time.Second,
	})
	ext := extractor.New(fetcher, robots, tasks, tracker, idGen,
		extractor.Config{ContextChars: cfg.Crawler.ContextChars}, logger)

	runners := make([]worker.Runner, 0, cfg.Workers.Scorers+cfg.Workers.Persisters)
	runners = append(runners,
		worker.Pool(worker.NewScoreWorker(tasks, results, sc, logger), cfg.Workers.Scorers)...)
	runners = append(runners,
		worker.Pool(worker.NewPersistWorker(results, store, tracker, logger), cfg.Workers.Persisters)...)
	dispatch := worker.NewDispatcher(runners...)

	go func() {
		logger.Info("dispatcher started",
			zap.Int("score_workers", cfg.Workers.Scorers),
			zap.Int("persist_workers", cfg.Workers.Persisters),
		)
		dispatch.Run(ctx)
	}()

	apiServer := api.NewServer(ext, tracker, store, tasks, results, cfg, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newQueue(ctx context.Context, cfg config.Config, name string, logger *zap.Logger) (queue.Queue, error) {
	switch cfg.Queue.Provider {
	case "memory":
		return queuememory.New(queuememory.Config{
			Depth:             cfg.Queue.Depth,
			VisibilityTimeout: cfg.VisibilityTimeout(),
			MaxRetries:        cfg.Queue.MaxRetries,
		}), nil
	case "redis":
		return queueredis.New(ctx, cfg.Queue.Addr, cfg.Queue.Password, name,
			cfg.Queue.Depth, cfg.Queue.MaxRetries,
			cfg.VisibilityTimeout(),
			time.Duration(cfg.Queue.ReclaimIntervalSeconds)*time.Second,
			logger.Named(name))
	default:
		return nil, fmt.Errorf("unknown queue provider: %s", cfg.Queue.Provider)
	}
}

func newStore(ctx context.Context, cfg config.Config, clock scout.Clock) (scout.Persister, error) {
	switch cfg.DB.Provider {
	case "memory":
		return storememory.NewStore(clock), nil
	case "postgres":
		return storepostgres.NewStore(ctx, storepostgres.StoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
	default:
		return nil, fmt.Errorf("unknown db provider: %s", cfg.DB.Provider)
	}
}

func closeQueue(q queue.Queue, logger *zap.Logger) {
	if err := q.Close(); err != nil {
		logger.Warn("close queue", zap.Error(err))
	}
}
