package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/voxwire/voxwire/internal/actions"
	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/calls"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/daily"
	"github.com/voxwire/voxwire/internal/dialer"
	"github.com/voxwire/voxwire/internal/ledger"
	"github.com/voxwire/voxwire/internal/notify"
	"github.com/voxwire/voxwire/internal/numbers"
	"github.com/voxwire/voxwire/internal/pipecat"
	"github.com/voxwire/voxwire/internal/scheduler"
	"github.com/voxwire/voxwire/internal/users"
	"github.com/voxwire/voxwire/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voxwire worker", "env", cfg.Env)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create db pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	led := ledger.New(pool, logger)
	engine := billing.NewEngine(pool, led, logger)
	rates := billing.RateTable{
		LocalRatePerMin:    cfg.InboundLocalRatePerMin,
		TollfreeRatePerMin: cfg.InboundTollfreeRatePerMin,
		RoundUpToMinute:    cfg.InboundRoundUpToMinute,
		LocalMonthlyFee:    cfg.DIDLocalMonthlyFee,
		TollfreeMonthlyFee: cfg.DIDTollfreeMonthlyFee,
	}

	usersRepo := users.NewRepository(pool)
	agentsRepo := agents.NewRepository(pool)
	numbersRepo := numbers.NewRepository(pool)
	callsRepo := calls.NewRepository(pool)
	dialerRepo := dialer.NewRepository(pool)
	actionsRepo := actions.NewRepository(pool)

	runtime, err := pipecat.New(pipecat.Config{
		PrivateAPIKey: cfg.PipecatPrivateAPIKey,
		PublicAPIKey:  cfg.PipecatPublicAPIKey,
		Logger:        logger.Logger,
	})
	if err != nil {
		logger.Error("agent runtime client", "error", err)
		os.Exit(1)
	}
	telephony, err := daily.New(daily.Config{
		APIKey: cfg.DailyAPIKey,
		Logger: logger.Logger,
	})
	if err != nil {
		logger.Error("telephony client", "error", err)
		os.Exit(1)
	}

	var grace notify.EmailSender = notify.NewStubEmailSender(logger)
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		grace = sg
	}
	notifier := notify.NewService(grace, logger)

	numbersMgr := numbers.NewManager(numbersRepo, usersRepo, agentsRepo, led, telephony, notifier,
		numbers.ManagerConfig{
			Rates:                        rates,
			GraceDays:                    cfg.MonthlyGraceDays,
			MinCreditForInbound:          cfg.InboundMinCredit,
			DisableNumbersWhenBalanceLow: cfg.DisableNumbersWhenLow,
			CancelOnInsufficientBalance:  cfg.MonthlyCancelOnShortfall,
			PublicBaseURL:                cfg.PublicBaseURL,
			DialinWebhookToken:           cfg.DailyDialinWebhookToken,
		}, logger)

	billingTicker := scheduler.New(usersRepo, numbersMgr, callsRepo, engine, actionsRepo,
		scheduler.Config{
			Interval:            cfg.BillingInterval,
			ActionPendingMaxAge: cfg.ActionPendingMaxAge,
			Rates:               rates,
		}, logger)

	dialOut := dialer.NewScheduler(dialerRepo, agentsRepo, numbersRepo, runtime,
		dialer.SchedulerConfig{
			Interval:         cfg.DialerWorkerInterval,
			MinConcurrency:   cfg.DialerMinConcurrency,
			MaxConcurrency:   cfg.DialerMaxConcurrency,
			PublicBaseURL:    cfg.PublicBaseURL,
			AnnouncerService: cfg.DialerAnnouncerService,
		}, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		billingTicker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dialOut.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutting down worker...")
	wg.Wait()
	logger.Info("worker stopped")
}
