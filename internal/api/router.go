package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/voxwire/voxwire/internal/http/middleware"
	"github.com/voxwire/voxwire/internal/payments"
	"github.com/voxwire/voxwire/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	Telephony *TelephonyHandler
	Actions   *ActionsHandler
	Deposits  *DepositsHandler
	Audio     *AudioHandler
	Admin     *AdminHandler

	SquareWebhook *payments.SquareWebhookHandler
	StripeWebhook *payments.StripeWebhookHandler
	CryptoWebhook *payments.CryptoWebhookHandler
	ACHWebhook    *payments.ACHWebhookHandler

	AdminJWTSecret     string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// WebhookRatePerSecond caps public webhook traffic per IP; zero disables.
	WebhookRatePerSecond float64
	WebhookBurst         int
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	// Telephony provider callbacks and payment webhooks.
	r.Group(func(public chi.Router) {
		if cfg.WebhookRatePerSecond > 0 {
			burst := cfg.WebhookBurst
			if burst <= 0 {
				burst = 20
			}
			public.Use(httpmiddleware.RateLimit(cfg.WebhookRatePerSecond, burst))
		}
		if cfg.Telephony != nil {
			public.Post("/api/v1/dial-in/{agentName}", cfg.Telephony.DialIn)
			public.Post("/api/v1/events", cfg.Telephony.Events)
		}
		if cfg.SquareWebhook != nil {
			public.Post("/api/v1/webhooks/square", cfg.SquareWebhook.Handle)
		}
		if cfg.StripeWebhook != nil {
			public.Post("/api/v1/webhooks/stripe", cfg.StripeWebhook.Handle)
		}
		if cfg.CryptoWebhook != nil {
			public.Post("/api/v1/webhooks/crypto", cfg.CryptoWebhook.Handle)
		}
		if cfg.ACHWebhook != nil {
			public.Post("/api/v1/webhooks/ach", cfg.ACHWebhook.Handle)
		}
	})

	// Tool endpoints; each handler does its own bearer auth.
	if cfg.Actions != nil {
		r.Route("/api/v1/actions", func(a chi.Router) {
			a.Post("/send-email", cfg.Actions.SendEmail)
			a.Post("/send-sms", cfg.Actions.SendSMS)
			a.Post("/send-physical-mail", cfg.Actions.SendPhysicalMail)
			a.Post("/send-video-meeting-link", cfg.Actions.SendVideoMeetingLink)
			a.Post("/create-payment-link", cfg.Actions.CreatePaymentLink)
			a.Post("/log-message", cfg.Actions.LogMessage)
		})
	}

	if cfg.Deposits != nil {
		r.Post("/api/v1/deposits", cfg.Deposits.Start)
	}

	// Unauthenticated audio the agent runtime streams into rooms; the
	// background-audio route is gated by its per-row access token.
	if cfg.Audio != nil {
		r.Get("/public/agents/{agentID}/background-audio.wav", cfg.Audio.AgentBackgroundAudio)
		r.Get("/public/campaigns/{campaignID}/audio.wav", cfg.Audio.CampaignAudio)
	}

	if cfg.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret))
			admin.Get("/users/{userID}/balance", cfg.Admin.Balance)
			admin.Get("/users/{userID}/transactions", cfg.Admin.Transactions)
			admin.Get("/users/{userID}/calls", cfg.Admin.Calls)
			admin.Post("/users/{userID}/suspend", cfg.Admin.Suspend)
			admin.Get("/campaigns", cfg.Admin.RunningCampaigns)
			admin.Post("/users/{userID}/campaigns", cfg.Admin.CreateCampaign)
			admin.Post("/users/{userID}/campaigns/{campaignID}/leads", cfg.Admin.ImportLeads)
			admin.Post("/users/{userID}/campaigns/{campaignID}/status", cfg.Admin.SetCampaignStatus)
			admin.Post("/agents/{agentID}/project", cfg.Admin.ProjectAgent)
			admin.Post("/agents/{agentID}/action-token", cfg.Admin.IssueActionToken)
		})
	}

	return r
}
