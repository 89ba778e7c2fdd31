package config

import (
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the runtime configuration of the pledge service.
type Config struct {
	Port           string
	DatabaseDriver string
	JWTSecret      string
	Pledge         PledgeConfig
	Ledger         LedgerConfig
	Events         EventsConfig
}

type PledgeConfig struct {
	MinTermDays   int
	MaxTermDays   int
	ReleaseFee    decimal.Decimal
	Currency      string
	SettlementBIC string
}

type LedgerConfig struct {
	Driver            string
	BaseURL           string
	SubmitTimeout     time.Duration
	ConfirmTimeout    time.Duration
	PollInterval      time.Duration
	MaxRetries        int
	ReconcileInterval time.Duration
	StuckAfter        time.Duration
}

type EventsConfig struct {
	Driver       string
	KafkaBrokers []string
	KafkaTopic   string
	RedisList    string
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"server.port":               "PORT",
	"database.driver":           "DATABASE_DRIVER",
	"database.host":             "DATABASE_HOST",
	"database.port":             "DATABASE_PORT",
	"database.user":             "DATABASE_USER",
	"database.password":         "DATABASE_PASSWORD",
	"database.name":             "DATABASE_NAME",
	"database.ssl_mode":         "DATABASE_SSL_MODE",
	"database.auto_migrate":     "DATABASE_AUTO_MIGRATE",
	"redis.enabled":             "REDIS_ENABLED",
	"redis.host":                "REDIS_HOST",
	"redis.port":                "REDIS_PORT",
	"redis.password":            "REDIS_PASSWORD",
	"redis.db":                  "REDIS_DB",
	"jwt.secret_key":            "JWT_SECRET_KEY",
	"pledge.min_term_days":      "PLEDGE_MIN_TERM_DAYS",
	"pledge.max_term_days":      "PLEDGE_MAX_TERM_DAYS",
	"pledge.release_fee":        "PLEDGE_RELEASE_FEE",
	"pledge.currency":           "PLEDGE_CURRENCY",
	"pledge.settlement_bic":     "PLEDGE_SETTLEMENT_BIC",
	"ledger.driver":             "LEDGER_DRIVER",
	"ledger.base_url":           "LEDGER_BASE_URL",
	"ledger.submit_timeout":     "LEDGER_SUBMIT_TIMEOUT",
	"ledger.confirm_timeout":    "LEDGER_CONFIRM_TIMEOUT",
	"ledger.poll_interval":      "LEDGER_POLL_INTERVAL",
	"ledger.max_retries":        "LEDGER_MAX_RETRIES",
	"ledger.reconcile_interval": "LEDGER_RECONCILE_INTERVAL",
	"ledger.stuck_after":        "LEDGER_STUCK_AFTER",
	"events.driver":             "EVENTS_DRIVER",
	"events.kafka_brokers":      "EVENTS_KAFKA_BROKERS",
	"events.kafka_topic":        "EVENTS_KAFKA_TOPIC",
	"events.redis_list":         "EVENTS_REDIS_LIST",
}

// Init reads .env and binds the environment. Database and Redis settings are
// read later by the database package from the same viper instance.
func Init() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	for key, env := range envBindings {
		viper.BindEnv(key, env)
	}
	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("database.driver", "postgres")

	viper.SetDefault("pledge.min_term_days", 30)
	viper.SetDefault("pledge.max_term_days", 365)
	viper.SetDefault("pledge.release_fee", "0")
	viper.SetDefault("pledge.currency", "CNY")
	viper.SetDefault("pledge.settlement_bic", "")

	viper.SetDefault("ledger.driver", "http")
	viper.SetDefault("ledger.base_url", "http://localhost:8545")
	viper.SetDefault("ledger.submit_timeout", 10*time.Second)
	viper.SetDefault("ledger.confirm_timeout", 60*time.Second)
	viper.SetDefault("ledger.poll_interval", time.Second)
	viper.SetDefault("ledger.max_retries", 3)
	viper.SetDefault("ledger.reconcile_interval", 30*time.Second)
	viper.SetDefault("ledger.stuck_after", 2*time.Minute)

	viper.SetDefault("events.driver", "redis")
	viper.SetDefault("events.kafka_brokers", "localhost:9092")
	viper.SetDefault("events.kafka_topic", "receipt-events")
	viper.SetDefault("events.redis_list", "receipt_events")
}

// Load returns the configuration with defaults applied.
func Load() *Config {
	setDefaults()

	fee, err := decimal.NewFromString(viper.GetString("pledge.release_fee"))
	if err != nil {
		log.Printf("Invalid pledge.release_fee %q, using 0: %v", viper.GetString("pledge.release_fee"), err)
		fee = decimal.Zero
	}

	return &Config{
		Port:           viper.GetString("server.port"),
		DatabaseDriver: viper.GetString("database.driver"),
		JWTSecret:      viper.GetString("jwt.secret_key"),
		Pledge: PledgeConfig{
			MinTermDays:   viper.GetInt("pledge.min_term_days"),
			MaxTermDays:   viper.GetInt("pledge.max_term_days"),
			ReleaseFee:    fee,
			Currency:      viper.GetString("pledge.currency"),
			SettlementBIC: viper.GetString("pledge.settlement_bic"),
		},
		Ledger: LedgerConfig{
			Driver:            viper.GetString("ledger.driver"),
			BaseURL:           viper.GetString("ledger.base_url"),
			SubmitTimeout:     viper.GetDuration("ledger.submit_timeout"),
			ConfirmTimeout:    viper.GetDuration("ledger.confirm_timeout"),
			PollInterval:      viper.GetDuration("ledger.poll_interval"),
			MaxRetries:        viper.GetInt("ledger.max_retries"),
			ReconcileInterval: viper.GetDuration("ledger.reconcile_interval"),
			StuckAfter:        viper.GetDuration("ledger.stuck_after"),
		},
		Events: EventsConfig{
			Driver:       viper.GetString("events.driver"),
			KafkaBrokers: splitList(viper.GetString("events.kafka_brokers")),
			KafkaTopic:   viper.GetString("events.kafka_topic"),
			RedisList:    viper.GetString("events.redis_list"),
		},
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
