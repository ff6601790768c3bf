package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string
	SessionSecret string

	// Process-wide AES-256-GCM key for secret-bearing columns, base64 of 32 bytes.
	EncryptionKey string

	// Agent runtime (Pipecat Cloud style)
	PipecatPrivateAPIKey string
	PipecatPublicAPIKey  string
	PipecatAgentImage    string
	PipecatRegion        string
	PipecatOrgID         string

	// Telephony / room provider (Daily style)
	DailyAPIKey             string
	DailyDialinWebhookToken string

	// STT/TTS/LLM pipeline keys projected into every agent's secret set
	DeepgramAPIKey string
	CartesiaAPIKey string
	OpenAIAPIKey   string

	// Number fees and inbound call rates
	DIDLocalMonthlyFee        decimal.Decimal
	DIDTollfreeMonthlyFee     decimal.Decimal
	InboundLocalRatePerMin    decimal.Decimal
	InboundTollfreeRatePerMin decimal.Decimal
	InboundRoundUpToMinute    bool
	InboundMinCredit          decimal.Decimal
	DisableNumbersWhenLow     bool
	InboundBalanceFailClosed  bool
	MonthlyCancelOnShortfall  bool
	MonthlyGraceDays          int

	// Returning-caller memory
	CallerMemoryEnable      bool
	CallerMemoryMaxCalls    int
	CallerMemoryMaxMessages int
	CallerMemoryMaxChars    int
	CallerMemoryMaxDays     int

	// Outbound dialer
	DialerMinConcurrency       int
	DialerMaxConcurrency       int
	DialerWorkerInterval       time.Duration
	DialerOutboundRatePerMin   decimal.Decimal
	DialerOutboundRoundUpToMin bool
	DialerAnnouncerService     string

	// Tool action costs
	EmailCost            decimal.Decimal
	SMSCost              decimal.Decimal
	VideoMeetingLinkCost decimal.Decimal
	PhysicalMailEnabled  bool
	MailMarkupFlat       decimal.Decimal
	MailMarkupPercent    decimal.Decimal

	// Scheduler
	BillingInterval        time.Duration
	ActionPendingMaxAge    time.Duration

	// Platform notification email (grace notices)
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	// SMS tool provider
	TelnyxAPIKey             string
	TelnyxMessagingProfileID string

	// Payment processors
	CardPaymentProvider  string
	CheckoutMinAmount    decimal.Decimal
	CheckoutMaxAmount    decimal.Decimal
	SquareAccessToken    string
	SquareLocationID     string
	SquareBaseURL        string
	SquareWebhookKey     string
	SquareWebhookURL     string
	StripeSecretKey      string
	StripeWebhookSecret  string
	CryptoAPIKey         string
	CryptoIPNSecret      string
	ACHAPIKey            string
	ACHAPISecret         string
	ACHWebhookSecret     string
	ACHBaseURL           string

	// Print-and-mail provider
	Click2MailBaseURL  string
	Click2MailUsername string
	Click2MailPassword string

	// Redis processed-event cache (optional)
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Portal/admin auth
	AdminJWTSecret string

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		SessionSecret: getEnv("SESSION_SECRET", ""),
		EncryptionKey: getEnv("USER_SMTP_ENCRYPTION_KEY", ""),

		PipecatPrivateAPIKey: getEnv("PIPECAT_PRIVATE_API_KEY", ""),
		PipecatPublicAPIKey:  getEnv("PIPECAT_PUBLIC_API_KEY", ""),
		PipecatAgentImage:    getEnv("PIPECAT_AGENT_IMAGE", ""),
		PipecatRegion:        getEnv("PIPECAT_REGION", "us-east"),
		PipecatOrgID:         getEnv("PIPECAT_ORG_ID", ""),

		DailyAPIKey:             getEnv("DAILY_API_KEY", ""),
		DailyDialinWebhookToken: getEnv("DAILY_DIALIN_WEBHOOK_TOKEN", ""),

		DeepgramAPIKey: getEnv("DEEPGRAM_API_KEY", ""),
		CartesiaAPIKey: getEnv("CARTESIA_API_KEY", ""),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),

		DIDLocalMonthlyFee:        getEnvAsDecimal("AI_DID_LOCAL_MONTHLY_FEE", "4.00"),
		DIDTollfreeMonthlyFee:     getEnvAsDecimal("AI_DID_TOLLFREE_MONTHLY_FEE", "6.00"),
		InboundLocalRatePerMin:    getEnvAsDecimal("AI_INBOUND_LOCAL_RATE_PER_MIN", "0.025"),
		InboundTollfreeRatePerMin: getEnvAsDecimal("AI_INBOUND_TOLLFREE_RATE_PER_MIN", "0.03"),
		InboundRoundUpToMinute:    getEnvAsBool("AI_INBOUND_BILLING_ROUND_UP_TO_MINUTE", false),
		InboundMinCredit:          getEnvAsDecimal("AI_INBOUND_MIN_CREDIT", "0.25"),
		DisableNumbersWhenLow:     getEnvAsBool("AI_INBOUND_DISABLE_NUMBERS_WHEN_BALANCE_LOW", true),
		InboundBalanceFailClosed:  getEnvAsBool("AI_INBOUND_BALANCE_FAIL_CLOSED", false),
		MonthlyCancelOnShortfall:  getEnvAsBool("AI_MONTHLY_CANCEL_ON_INSUFFICIENT_BALANCE", true),
		MonthlyGraceDays:          getEnvAsInt("AI_MONTHLY_GRACE_DAYS", 3),

		CallerMemoryEnable:      getEnvAsBool("AI_CALLER_MEMORY_ENABLE", true),
		CallerMemoryMaxCalls:    getEnvAsInt("AI_CALLER_MEMORY_MAX_CALLS", 3),
		CallerMemoryMaxMessages: getEnvAsInt("AI_CALLER_MEMORY_MAX_MESSAGES", 20),
		CallerMemoryMaxChars:    getEnvAsInt("AI_CALLER_MEMORY_MAX_CHARS_PER_MESSAGE", 500),
		CallerMemoryMaxDays:     getEnvAsInt("AI_CALLER_MEMORY_MAX_DAYS", 30),

		DialerMinConcurrency:       getEnvAsInt("DIALER_MIN_CONCURRENCY", 1),
		DialerMaxConcurrency:       getEnvAsInt("DIALER_MAX_CONCURRENCY", 20),
		DialerWorkerInterval:       time.Duration(getEnvAsInt("DIALER_WORKER_INTERVAL_SECONDS", 10)) * time.Second,
		DialerOutboundRatePerMin:   getEnvAsDecimal("DIALER_OUTBOUND_RATE_PER_MIN", "0.05"),
		DialerOutboundRoundUpToMin: getEnvAsBool("DIALER_OUTBOUND_BILLING_ROUND_UP_TO_MINUTE", true),
		DialerAnnouncerService:     getEnv("DIALER_ANNOUNCER_SERVICE", ""),

		EmailCost:            getEnvAsDecimal("AI_EMAIL_COST", "1.00"),
		SMSCost:              getEnvAsDecimal("AI_SMS_COST", "0.25"),
		VideoMeetingLinkCost: getEnvAsDecimal("AI_VIDEO_MEETING_LINK_COST", "0.50"),
		PhysicalMailEnabled:  getEnvAsBool("AI_PHYSICAL_MAIL_ENABLED", false),
		MailMarkupFlat:       getEnvAsDecimal("AI_MAIL_MARKUP_FLAT", "1.00"),
		MailMarkupPercent:    getEnvAsDecimal("AI_MAIL_MARKUP_PERCENT", "0.20"),

		BillingInterval:     time.Duration(getEnvAsInt("BILLING_MARKUP_INTERVAL_MINUTES", 15)) * time.Minute,
		ActionPendingMaxAge: getEnvAsDuration("ACTION_PENDING_MAX_AGE", 30*time.Minute),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Voxwire"),

		TelnyxAPIKey:             getEnv("TELNYX_API_KEY", ""),
		TelnyxMessagingProfileID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),

		CardPaymentProvider: strings.ToLower(strings.TrimSpace(getEnv("CARD_PAYMENT_PROVIDER", "square"))),
		CheckoutMinAmount:   getEnvAsDecimal("CHECKOUT_MIN_AMOUNT", "5.00"),
		CheckoutMaxAmount:   getEnvAsDecimal("CHECKOUT_MAX_AMOUNT", "500.00"),
		SquareAccessToken:   getEnv("SQUARE_ACCESS_TOKEN", ""),
		SquareLocationID:    getEnv("SQUARE_LOCATION_ID", ""),
		SquareBaseURL:       getEnv("SQUARE_BASE_URL", "https://connect.squareup.com"),
		SquareWebhookKey:    getEnv("SQUARE_WEBHOOK_SIGNATURE_KEY", ""),
		SquareWebhookURL:    getEnv("SQUARE_WEBHOOK_URL", ""),
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		CryptoAPIKey:        getEnv("NOWPAYMENTS_API_KEY", ""),
		CryptoIPNSecret:     getEnv("NOWPAYMENTS_IPN_SECRET", ""),
		ACHAPIKey:           getEnv("ACH_API_KEY", ""),
		ACHAPISecret:        getEnv("ACH_API_SECRET", ""),
		ACHWebhookSecret:    getEnv("ACH_WEBHOOK_SECRET", ""),
		ACHBaseURL:          getEnv("ACH_BASE_URL", ""),

		Click2MailBaseURL:  getEnv("CLICK2MAIL_BASE_URL", "https://rest.click2mail.com"),
		Click2MailUsername: getEnv("CLICK2MAIL_USERNAME", ""),
		Click2MailPassword: getEnv("CLICK2MAIL_PASSWORD", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		CORSAllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "")),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDecimal parses money/rate env vars. Rates can carry sub-cent
// precision so they never go through float64.
func getEnvAsDecimal(key, defaultValue string) decimal.Decimal {
	valueStr := getEnv(key, defaultValue)
	if value, err := decimal.NewFromString(valueStr); err == nil {
		return value
	}
	fallback, _ := decimal.NewFromString(defaultValue)
	return fallback
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
