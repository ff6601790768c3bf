package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/voxwire/voxwire/internal/actions"
	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/api"
	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/calls"
	"github.com/voxwire/voxwire/internal/click2mail"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/daily"
	"github.com/voxwire/voxwire/internal/dialer"
	"github.com/voxwire/voxwire/internal/ledger"
	"github.com/voxwire/voxwire/internal/mailer"
	"github.com/voxwire/voxwire/internal/notify"
	"github.com/voxwire/voxwire/internal/numbers"
	"github.com/voxwire/voxwire/internal/observability/metrics"
	"github.com/voxwire/voxwire/internal/payments"
	"github.com/voxwire/voxwire/internal/pipecat"
	"github.com/voxwire/voxwire/internal/secrets"
	"github.com/voxwire/voxwire/internal/sms"
	"github.com/voxwire/voxwire/internal/users"
	"github.com/voxwire/voxwire/pkg/logging"
)

// paymentLinkAdapter lets the tool-action service create checkouts without
// importing the payments package directly.
type paymentLinkAdapter struct {
	svc *payments.Service
}

func (a paymentLinkAdapter) CreateLink(ctx context.Context, params actions.PaymentLinkParams) (*actions.PaymentLink, error) {
	req, err := a.svc.CreatePaymentLink(ctx, payments.LinkParams{
		UserID:        params.UserID,
		Provider:      params.Provider,
		AmountCents:   params.AmountCents,
		Description:   params.Description,
		CustomerName:  params.CustomerName,
		CustomerEmail: params.CustomerEmail,
		CustomerPhone: params.CustomerPhone,
		CallID:        params.CallID,
		CallDomain:    params.CallDomain,
	})
	if err != nil {
		return nil, err
	}
	providerID := ""
	if req.ProviderCheckoutID != nil {
		providerID = *req.ProviderCheckoutID
	}
	return &actions.PaymentLink{URL: req.PaymentURL, RequestID: req.ID, ProviderID: providerID}, nil
}

// agentNumberResolver sends agent SMS from the agent's assigned number.
type agentNumberResolver struct {
	numbers *numbers.Repository
}

func (a agentNumberResolver) SMSFrom(ctx context.Context, agentID uuid.UUID) (string, error) {
	num, err := a.numbers.GetByAgentID(ctx, agentID)
	if err != nil {
		return "", err
	}
	return num.PhoneNumber, nil
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voxwire API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Error("encryption key unusable", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
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

	// Core billing primitives.
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
	campaignsSvc := dialer.NewService(dialerRepo, agentsRepo, logger)
	actionsRepo := actions.NewRepository(pool)
	paymentsRepo := payments.NewRepository(pool)
	mailerRepo := mailer.NewRepository(pool)

	// Provider clients.
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
	smsClient, err := sms.New(sms.Config{
		APIKey:             cfg.TelnyxAPIKey,
		MessagingProfileID: cfg.TelnyxMessagingProfileID,
		Logger:             logger.Logger,
	})
	if err != nil {
		logger.Error("sms client", "error", err)
		os.Exit(1)
	}
	var mailClient *click2mail.Client
	if cfg.PhysicalMailEnabled {
		mailClient, err = click2mail.New(click2mail.Config{
			BaseURL:  cfg.Click2MailBaseURL,
			Username: cfg.Click2MailUsername,
			Password: cfg.Click2MailPassword,
		})
		if err != nil {
			logger.Error("print-and-mail client", "error", err)
			os.Exit(1)
		}
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

	// Number lifecycle and inbound call path.
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
	memory := calls.NewMemoryBuilder(callsRepo, calls.MemoryConfig{
		Enabled:            cfg.CallerMemoryEnable,
		MaxCalls:           cfg.CallerMemoryMaxCalls,
		MaxMessages:        cfg.CallerMemoryMaxMessages,
		MaxCharsPerMessage: cfg.CallerMemoryMaxChars,
		MaxDays:            cfg.CallerMemoryMaxDays,
	})
	coordinator := calls.NewCoordinator(callsRepo, numbersRepo, agentsRepo, usersRepo,
		runtime, numbersMgr, memory, calls.CoordinatorConfig{
			WebhookToken:        cfg.DailyDialinWebhookToken,
			MinCreditForInbound: cfg.InboundMinCredit,
			BalanceFailClosed:   cfg.InboundBalanceFailClosed,
		}, logger)
	callsReducer := calls.NewReducer(callsRepo, engine, rates, logger)
	dialerReducer := dialer.NewReducer(dialerRepo, callsRepo, engine, billing.OutboundRate{
		RatePerMin:      cfg.DialerOutboundRatePerMin,
		RoundUpToMinute: cfg.DialerOutboundRoundUpToMin,
	}, logger)

	projector := agents.NewProjector(agentsRepo, usersRepo, runtime, numbersMgr, cipher,
		agents.ProjectorConfig{
			AgentImage:     cfg.PipecatAgentImage,
			Region:         cfg.PipecatRegion,
			OrgID:          cfg.PipecatOrgID,
			PublicBaseURL:  cfg.PublicBaseURL,
			DailyAPIKey:    cfg.DailyAPIKey,
			DeepgramAPIKey: cfg.DeepgramAPIKey,
			CartesiaAPIKey: cfg.CartesiaAPIKey,
			OpenAIAPIKey:   cfg.OpenAIAPIKey,
		}, logger)

	// Deposits, mid-call payment links, and webhook settlement.
	square := payments.NewSquareCheckout(cfg.SquareAccessToken, cfg.SquareLocationID, cfg.SquareBaseURL, logger)
	stripe := payments.NewStripeCheckout(cfg.StripeSecretKey, "", logger)
	crypto := payments.NewCryptoClient(cfg.CryptoAPIKey, "", logger)
	ach := payments.NewACHClient(cfg.ACHAPIKey, cfg.ACHAPISecret, cfg.ACHBaseURL, logger)
	paymentsSvc := payments.NewService(paymentsRepo, led, square, stripe, crypto, ach,
		payments.ServiceConfig{
			PublicBaseURL: cfg.PublicBaseURL,
			CardProvider:  cfg.CardPaymentProvider,
			MinAmount:     cfg.CheckoutMinAmount,
			MaxAmount:     cfg.CheckoutMaxAmount,
		}, logger)

	processed := payments.NewProcessedStore(pool)
	var squareHook *payments.SquareWebhookHandler
	var stripeHook *payments.StripeWebhookHandler
	var cryptoHook *payments.CryptoWebhookHandler
	var achHook *payments.ACHWebhookHandler
	if cfg.RedisAddr != "" {
		var tlsCfg *tls.Config
		if cfg.RedisTLS {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		cached := payments.NewCachedProcessedStore(processed, redis.NewClient(&redis.Options{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			TLSConfig: tlsCfg,
		}), logger)
		squareHook = payments.NewSquareWebhookHandler(cfg.SquareWebhookKey, cfg.SquareWebhookURL, paymentsSvc, cached, logger)
		stripeHook = payments.NewStripeWebhookHandler(cfg.StripeWebhookSecret, paymentsSvc, cached, logger)
		cryptoHook = payments.NewCryptoWebhookHandler(cfg.CryptoIPNSecret, paymentsSvc, cached, logger)
		achHook = payments.NewACHWebhookHandler(cfg.ACHWebhookSecret, paymentsSvc, cached, logger)
	} else {
		squareHook = payments.NewSquareWebhookHandler(cfg.SquareWebhookKey, cfg.SquareWebhookURL, paymentsSvc, processed, logger)
		stripeHook = payments.NewStripeWebhookHandler(cfg.StripeWebhookSecret, paymentsSvc, processed, logger)
		cryptoHook = payments.NewCryptoWebhookHandler(cfg.CryptoIPNSecret, paymentsSvc, processed, logger)
		achHook = payments.NewACHWebhookHandler(cfg.ACHWebhookSecret, paymentsSvc, processed, logger)
	}

	// Tool actions.
	userMailer := mailer.NewMailer(mailerRepo, cipher)
	actionsSvc := actions.NewService(actionsRepo, agentsRepo, engine,
		userMailer, smsClient, agentNumberResolver{numbers: numbersRepo},
		mailClient, runtime, paymentLinkAdapter{svc: paymentsSvc},
		actions.ServiceConfig{
			EmailCost:         cfg.EmailCost,
			SMSCost:           cfg.SMSCost,
			MeetingCost:       cfg.VideoMeetingLinkCost,
			MailEnabled:       cfg.PhysicalMailEnabled,
			MailMarkupFlat:    cfg.MailMarkupFlat,
			MailMarkupPercent: cfg.MailMarkupPercent,
			PendingMaxAge:     cfg.ActionPendingMaxAge,
		}, logger)

	// Point the provider's domain webhook at this deployment so dialin
	// events arrive with our token.
	if cfg.PublicBaseURL != "" {
		hookURL := cfg.PublicBaseURL + "/api/v1/events?token=" + cfg.DailyDialinWebhookToken
		if err := telephony.RegisterDomainWebhook(ctx, hookURL); err != nil {
			logger.Warn("domain webhook registration failed", "error", err)
		}
	}

	webhookMetrics := metrics.NewWebhookMetrics(nil)

	r := api.New(&api.Config{
		Logger:               logger,
		Telephony:            api.NewTelephonyHandler(coordinator, callsReducer, dialerReducer, cfg.DailyDialinWebhookToken, webhookMetrics, logger),
		Actions:              api.NewActionsHandler(actionsSvc, logger),
		Deposits:             api.NewDepositsHandler(paymentsSvc, logger),
		Audio:                api.NewAudioHandler(agentsRepo, dialerRepo, logger),
		Admin:                api.NewAdminHandler(led, usersRepo, callsRepo, dialerRepo, campaignsSvc, agentsRepo, projector, logger),
		SquareWebhook:        squareHook,
		StripeWebhook:        stripeHook,
		CryptoWebhook:        cryptoHook,
		ACHWebhook:           achHook,
		AdminJWTSecret:       cfg.AdminJWTSecret,
		MetricsHandler:       promhttp.Handler(),
		CORSAllowedOrigins:   cfg.CORSAllowedOrigins,
		WebhookRatePerSecond: 25,
		WebhookBurst:         50,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
