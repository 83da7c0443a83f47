// Package main provides the one-shot worker entry point. A worker acquires a
// slot on its queue key, claims at most one job, runs the handler, and exits;
// the dispatcher keeps the fleet sized to queue depth.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oddish-run/oddish/internal/adapter/ai/openai"
	"github.com/oddish-run/oddish/internal/adapter/ai/stub"
	"github.com/oddish-run/oddish/internal/adapter/queue/pgq"
	"github.com/oddish-run/oddish/internal/adapter/repo/postgres"
	"github.com/oddish-run/oddish/internal/adapter/sandbox/harbor"
	s3store "github.com/oddish-run/oddish/internal/adapter/storage/s3"
	"github.com/oddish-run/oddish/internal/config"
	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
	"github.com/oddish-run/oddish/internal/usecase"
	"github.com/oddish-run/oddish/internal/worker"
	"github.com/oddish-run/oddish/pkg/queuekey"
)

func main() {
	queueKey := flag.String("queue-key", queuekey.Default, "dispatch lane to serve")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.ContextWithLogger(ctx, logger)

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var store domain.ObjectStore
	if cfg.S3Enabled {
		s, err := s3store.New(ctx, s3store.Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			slog.Error("object store init failed", slog.Any("error", err))
			os.Exit(1)
		}
		store = s
	}

	var classifier domain.TrialClassifier
	var synthesizer domain.VerdictSynthesizer
	if cfg.AIAPIKey != "" {
		client := openai.New(cfg)
		classifier = openai.NewClassifier(client, cfg.AnalysisModel)
		synthesizer = openai.NewSynthesizer(client, cfg.VerdictModel)
	} else {
		// No credentials: classify and vote from local result files.
		classifier = stub.Classifier{}
		synthesizer = stub.Synthesizer{}
	}

	trials := postgres.NewTrialRepo(pool)
	tasks := postgres.NewTaskRepo(pool)
	pipeline := pgq.NewPipeline(pool, cfg.VerdictQueueKey())

	w := &worker.Worker{
		Queue: pgq.NewQueue(pool, cfg.TrialRetryTimer),
		Slots: pgq.NewSlotStore(pool),
		Trial: &worker.TrialHandler{
			Trials:           trials,
			Pipeline:         pipeline,
			Runner:           harbor.New(cfg.RunnerCmd, cfg.JobsDir, cfg.MinFreeDiskGB),
			Store:            store,
			StorageEnabled:   cfg.S3Enabled,
			AnalysisQueueKey: cfg.AnalysisQueueKey(),
			AnalysisPriority: usecase.JobPriority(domain.PriorityLow),
		},
		Analysis: &worker.AnalysisHandler{
			Trials:     trials,
			Pipeline:   pipeline,
			Classifier: classifier,
			Store:      store,
			Timeout:    cfg.AnalysisTimeout,
		},
		Verdict: &worker.VerdictHandler{
			Tasks:       tasks,
			Trials:      trials,
			Synthesizer: synthesizer,
			Timeout:     cfg.VerdictTimeout,
		},
		QueueLimit:     cfg.GetQueueLimit,
		SlotLease:      cfg.SlotLease(),
		JobTimeout:     cfg.WorkerTimeout,
		DequeueTimeout: cfg.DequeueTimeout,
	}

	slog.Info("worker starting", slog.String("queue_key", *queueKey), slog.String("env", cfg.AppEnv))
	if err := w.RunOne(ctx, *queueKey); err != nil {
		slog.Error("worker job failed", slog.String("queue_key", *queueKey), slog.Any("error", err))
		os.Exit(1)
	}
}
