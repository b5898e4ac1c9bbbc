package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"doc-intake-go/internal/blob"
	"doc-intake-go/internal/classifier"
	"doc-intake-go/internal/config"
	"doc-intake-go/internal/database"
	"doc-intake-go/internal/handler"
	"doc-intake-go/internal/intake"
	"doc-intake-go/internal/listener"
	"doc-intake-go/internal/llm"
	"doc-intake-go/internal/mailbox"
	"doc-intake-go/internal/materializer"
	"doc-intake-go/internal/metrics"
	"doc-intake-go/internal/notify"
	"doc-intake-go/internal/queue"
	"doc-intake-go/internal/reconcile"
	"doc-intake-go/internal/repository"
	"doc-intake-go/internal/retry"
	"doc-intake-go/internal/router"
	"doc-intake-go/internal/scheduler"
	"doc-intake-go/internal/worker"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting document intake service")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrus.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConn, err := database.InitDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	repo := repository.New(dbConn)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	blobs, err := blob.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize blob storage: %w", err)
	}

	q, err := queue.New(cfg.Queue, cfg.Worker.QueueSize)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer q.Close()

	provider, err := llm.NewProvider(llm.Config{
		Provider: cfg.AI.Provider,
		Model:    cfg.AI.Model,
		APIKey:   cfg.AI.APIKey,
		BaseURL:  cfg.AI.BaseURL,
		Timeout:  cfg.AI.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create AI provider: %w", err)
	}
	logrus.Infof("Using AI provider %s", provider.Name())

	notifier, err := buildNotifier(ctx, cfg.Notify)
	if err != nil {
		return err
	}

	policy := retry.Policy{Base: cfg.Scheduler.RetryBaseDelay, Max: cfg.Scheduler.RetryMaxDelay}

	cls := classifier.New(provider, repo, m, classifier.Options{
		Timeout:           cfg.AI.Timeout,
		RequestsPerSecond: cfg.AI.RequestsPerSecond,
		Burst:             cfg.AI.Burst,
	})
	mat := materializer.New(repo, materializer.DBSink{}, notifier, policy, m)
	pool := worker.NewPool(repo, blobs, q, cls, mat, notifier, worker.Options{
		Concurrency: cfg.Worker.Concurrency,
		MaxAttempts: cfg.Extraction.MaxAttempts,
		Retry:       policy,
	}, m)

	sched := scheduler.NewScheduler(cfg.Scheduler, repo, q, m)

	in := intake.New(repo, blobs, q, m, cfg.Mailbox.AllowedExtensions)
	scanner := reconcile.NewScanner(in, mailbox.Dial, m)

	opts := listener.OptionsFromConfig(cfg.Mailbox)
	supervisors := make([]*listener.Supervisor, 0, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		supervisors = append(supervisors, listener.NewSupervisor(acct, mailbox.Dial, in, scanner, opts, m))
	}
	group := listener.NewGroup(supervisors...)

	h := handler.NewHandlers(handler.Deps{
		Config:     cfg,
		Repo:       repo,
		Blobs:      blobs,
		Queue:      q,
		Scheduler:  sched,
		Listeners:  group,
		Reconciler: scanner,
		Gatherer:   reg,
	})
	mode := gin.ReleaseMode
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		mode = gin.DebugMode
	}
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.SetupRouter(h, mode),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return pool.Run(gCtx)
	})
	g.Go(func() error {
		logrus.Infof("Starting mailbox listeners for %d accounts", len(supervisors))
		return group.Run(gCtx)
	})
	g.Go(func() error {
		<-gCtx.Done()
		logrus.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := sched.Stop(); err != nil {
			logrus.Errorf("Failed to stop scheduler: %v", err)
		}
		sched.Wait()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("HTTP server shutdown error: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logrus.Info("Server stopped gracefully")
	return nil
}

func buildNotifier(ctx context.Context, cfg config.NotifyConfig) (notify.Notifier, error) {
	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.GmailEnabled() {
		gmailNotifier, err := notify.NewGmailNotifier(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gmail notifier: %w", err)
		}
		notifiers = append(notifiers, gmailNotifier)
		logrus.Info("Gmail notifications enabled")
	}
	return notifiers, nil
}
