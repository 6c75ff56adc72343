package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment  string `env:"ENVIRONMENT" envDefault:"development"`
	RunLocal     bool   `env:"RUN_LOCAL" envDefault:"false"`
	// LocalSQSBody is the message the worker replays when RUN_LOCAL is set.
	LocalSQSBody string `env:"LOCAL_SQS_BODY"`

	Log       Log
	HTTP      HTTPServer
	AWS       AWS       `envPrefix:"AWS_"`
	OrdersAPI OrdersAPI `envPrefix:"ORDERS_API_"`
	Gateway   Gateway   `envPrefix:"GATEWAY_"`
	Checkout  Checkout  `envPrefix:"CHECKOUT_"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}

type AWS struct {
	Region            string `env:"REGION" envDefault:"ap-south-1"`
	IdempotencyTable  string `env:"IDEMPOTENCY_TABLE" envDefault:"checkout-idempotency"`
	PendingTable      string `env:"PENDING_TABLE" envDefault:"checkout-pending-attempts"`
	ReconcileQueueURL string `env:"RECONCILE_QUEUE_URL"`
	MetricsNamespace  string `env:"METRICS_NAMESPACE" envDefault:"Checkout"`
	DisableMetrics    bool   `env:"DISABLE_METRICS" envDefault:"false"`
}

type OrdersAPI struct {
	BaseURL string        `env:"BASE_URL" envDefault:"http://localhost:5000"`
	Token   string        `env:"TOKEN"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"15s"`
}

type Gateway struct {
	KeyID         string   `env:"KEY_ID"`
	KeySecret     string   `env:"KEY_SECRET"`
	APIBaseURL    string   `env:"API_BASE_URL" envDefault:"https://api.razorpay.com"`
	ScriptURL     string   `env:"SCRIPT_URL" envDefault:"https://checkout.razorpay.com/v1/checkout.js"`
	Currency      string   `env:"CURRENCY" envDefault:"INR"`
	MerchantName  string   `env:"MERCHANT_NAME" envDefault:"Jaimaaruthi Electrical Store"`
	Description   string   `env:"DESCRIPTION" envDefault:"Order Payment"`
	ThemeColor    string   `env:"THEME_COLOR" envDefault:"#2874f0"`
	HostedPageURL string   `env:"HOSTED_PAGE_URL"`
	UPIVPA        string   `env:"UPI_VPA"`
	Methods       []string `env:"METHODS" envSeparator:"," envDefault:"gateway,cashOnDelivery"`
}

type Checkout struct {
	IdempotencyTTL       time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"48h"`
	InteractionTimeout   time.Duration `env:"INTERACTION_TIMEOUT" envDefault:"10m"`
	StaleAfter           time.Duration `env:"STALE_AFTER" envDefault:"30m"`
	StepTimeout          time.Duration `env:"STEP_TIMEOUT" envDefault:"25s"`
	PersistTimeout       time.Duration `env:"PERSIST_TIMEOUT" envDefault:"20s"`
	MaxReconcileAttempts int           `env:"MAX_RECONCILE_ATTEMPTS" envDefault:"5"`
}

// Load reads .env when present and parses the environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
