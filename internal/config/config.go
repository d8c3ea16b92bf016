package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Mail drivers.
const (
	MailLog  = "log"
	MailSMTP = "smtp"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`
	AutoMigrate  bool   `mapstructure:"AUTO_MIGRATE"`
	SQLitePath   string `mapstructure:"SQLITE_PATH"`

	MailDriver      string `mapstructure:"MAIL_DRIVER"`
	SMTPHost        string `mapstructure:"SMTP_HOST"`
	SMTPPort        int    `mapstructure:"SMTP_PORT"`
	SMTPUsername    string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword    string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom        string `mapstructure:"SMTP_FROM"`
	SMTPInsecureTLS bool   `mapstructure:"SMTP_INSECURE_TLS"`

	ClinicName     string `mapstructure:"CLINIC_NAME"`
	ClinicTimezone string `mapstructure:"CLINIC_TIMEZONE"`

	WorkerEnabled        bool          `mapstructure:"WORKER_ENABLED"`
	WorkerConcurrency    int           `mapstructure:"WORKER_CONCURRENCY"`
	ReminderWatchEnabled bool          `mapstructure:"REMINDER_WATCH_ENABLED"`
	ReminderLead         time.Duration `mapstructure:"REMINDER_LEAD"`
	AwaitTimeout         time.Duration `mapstructure:"AWAIT_TIMEOUT"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "AUTO_MIGRATE", "SQLITE_PATH",
	"MAIL_DRIVER", "SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM", "SMTP_INSECURE_TLS",
	"CLINIC_NAME", "CLINIC_TIMEZONE",
	"WORKER_ENABLED", "WORKER_CONCURRENCY", "REMINDER_WATCH_ENABLED", "REMINDER_LEAD", "AWAIT_TIMEOUT", "REQUEST_TIMEOUT",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// LoadEnvFile copies the variables of a dotenv file into the process
// environment. Variables that are already set win.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUTO_MIGRATE", true)
	v.SetDefault("SQLITE_PATH", "clinic.db")
	v.SetDefault("MAIL_DRIVER", MailLog)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("CLINIC_NAME", "the clinic")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("WORKER_ENABLED", true)
	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("REMINDER_WATCH_ENABLED", true)
	v.SetDefault("REMINDER_LEAD", "24h")
	v.SetDefault("AWAIT_TIMEOUT", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("AUTH_ISSUER", "clinic")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.MailDriver = strings.ToLower(cfg.MailDriver)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location is the clinic time zone appointment times are read in.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.ClinicTimezone)
}

// Validate checks that the chosen backends have what they need. Outside
// development a signing key is required so that bearer tokens are enforced.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_BACKEND is postgres"))
		}
		if c.DBMaxConns < 1 {
			errs = append(errs, errors.New("DB_MAX_CONNS must be at least 1"))
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required when STORE_BACKEND is sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be memory, postgres or sqlite, got %q", c.StoreBackend))
	}

	switch c.MailDriver {
	case MailLog:
	case MailSMTP:
		if c.SMTPHost == "" || c.SMTPFrom == "" {
			errs = append(errs, errors.New("SMTP_HOST and SMTP_FROM are required when MAIL_DRIVER is smtp"))
		}
	default:
		errs = append(errs, fmt.Errorf("MAIL_DRIVER must be log or smtp, got %q", c.MailDriver))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("CLINIC_TIMEZONE: %w", err))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.ReminderLead <= 0 {
		errs = append(errs, errors.New("REMINDER_LEAD must be positive"))
	}
	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		errs = append(errs, errors.New("AUTH_SIGNING_KEY of at least 32 bytes is required outside development"))
	}

	return errors.Join(errs...)
}
