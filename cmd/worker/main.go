package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/recobra/recobra/internal/app"
	"github.com/recobra/recobra/internal/banking"
	"github.com/recobra/recobra/internal/billing"
	"github.com/recobra/recobra/internal/dunning"
	"github.com/recobra/recobra/internal/erp"
	jobmetrics "github.com/recobra/recobra/internal/jobs"
	"github.com/recobra/recobra/internal/mail"
	"github.com/recobra/recobra/internal/platform/cache"
	"github.com/recobra/recobra/internal/platform/db"
	"github.com/recobra/recobra/internal/recon"
	"github.com/recobra/recobra/internal/shared"
	"github.com/recobra/recobra/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	repo := billing.NewRepository(pool)
	erpClient := erp.NewClient(cfg.ERPBaseURL, cfg.ERPClientID, cfg.ERPClientSecret)
	bankClient := banking.NewClient(cfg.BankBaseURL, cfg.BankClientID, cfg.BankClientSecret)
	mailer := mail.NewSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom)

	reconService := recon.NewService(recon.Config{
		Storage: repo,
		Bank:    bankClient,
		Tolerances: recon.Tolerances{
			ValueCents: cfg.ReconValueToleranceCents,
			DateDays:   cfg.ReconDateToleranceDays,
		},
		LookbackDays: cfg.ReconLookbackDays,
		Logger:       logger,
	})
	dunningService := dunning.NewService(dunning.Config{
		Storage: repo,
		Bank:    bankClient,
		ERP:     erpClient,
		Mailer:  mailer,
		Logger:  logger,
	})

	guard := shared.NewRunGuard(redisClient, cfg.RunLockTTL)
	metrics := jobmetrics.NewMetrics(nil)

	reconcileJob := jobs.NewReconcileJob(reconService, guard, logger, metrics)
	dispatchJob := jobs.NewDispatchJob(dunningService, guard, logger, metrics)

	reconcileTask, err := jobs.NewReconcileTask(jobs.RunPayload{TriggeredBy: "cron"})
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}
	dispatchTask, err := jobs.NewDispatchTask(jobs.RunPayload{TriggeredBy: "cron"})
	if err != nil {
		logger.Error("build dispatch task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconcileRun, Handler: reconcileJob.Handle},
			{Type: jobs.TaskDispatchRun, Handler: dispatchJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconCron, Task: reconcileTask},
			{Spec: cfg.DispatchCron, Task: dispatchTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(groupCtx)
	})
	group.Go(func() error {
		return jobs.ServeOps(groupCtx, cfg.OpsAddr, logger)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
