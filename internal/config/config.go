package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultSubject = "Loaded data into database successfully on {{ .DS }}"
	DefaultBody    = "Your pipeline has loaded data into database successfully"
)

type Config struct {
	// Workflow defaults
	WorkflowID    string
	Owner         string
	AlertEmails   []string
	StartDate     time.Time
	Retries       int
	RetryDelay    time.Duration
	ScheduleAt    string
	MaxActiveRuns int
	Catchup       bool

	// Database
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBName      string
	DBUser      string
	DBPassword  string
	DBMaxConns  int

	// Tables
	StagingTable   string
	CanonicalTable string

	// Exchange
	ExchangeBaseURL string
	Symbol          string
	LookbackDays    int

	// Files
	ExportDir string
	WorkDir   string

	// Email
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	MailFrom      string
	NotifyTo      []string
	NotifySubject string
	NotifyBody    string

	// Webhook
	WebhookURL string
	BotName    string

	// API
	APIPort         int
	APIKey          string
	CORSAllowOrigin string

	LogLevel string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	startDate, err := envDate("START_DATE", time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return nil, err
	}
	retryDelay, err := envDuration("RETRY_DELAY", 3*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		// Workflow
		WorkflowID:    envStr("WORKFLOW_ID", "cryptocurrency_data_pipeline"),
		Owner:         envStr("OWNER", "prem"),
		AlertEmails:   envList("ALERT_EMAILS", nil),
		StartDate:     startDate,
		Retries:       envInt("RETRIES", 3),
		RetryDelay:    retryDelay,
		ScheduleAt:    envStr("SCHEDULE_AT", "00:00"),
		MaxActiveRuns: envInt("MAX_ACTIVE_RUNS", 1),
		Catchup:       envBool("CATCHUP", false),

		// Database
		DatabaseURL: envStr("DATABASE_URL", ""),
		DBHost:      envStr("DB_HOST", "localhost"),
		DBPort:      envInt("DB_PORT", 5432),
		DBName:      envStr("DB_NAME", "crypto"),
		DBUser:      envStr("DB_USER", "postgres"),
		DBPassword:  envStr("DB_PASSWORD", ""),
		DBMaxConns:  envInt("DB_MAX_CONNS", 10),

		// Tables
		StagingTable:   envStr("STAGING_TABLE", "eth_import"),
		CanonicalTable: envStr("CANONICAL_TABLE", "eth"),

		// Exchange
		ExchangeBaseURL: envStr("EXCHANGE_BASE_URL", "https://api.binance.com"),
		Symbol:          envStr("SYMBOL", "ETHUSDT"),
		LookbackDays:    envInt("LOOKBACK_DAYS", 7),

		// Files
		ExportDir: envStr("EXPORT_DIR", "./data/export"),
		WorkDir:   envStr("WORK_DIR", "./data/work"),

		// Email
		SMTPHost:      envStr("SMTP_HOST", ""),
		SMTPPort:      envInt("SMTP_PORT", 587),
		SMTPUser:      envStr("SMTP_USER", ""),
		SMTPPassword:  envStr("SMTP_PASSWORD", ""),
		MailFrom:      envStr("MAIL_FROM", ""),
		NotifyTo:      envList("NOTIFY_TO", nil),
		NotifySubject: envStr("NOTIFY_SUBJECT", DefaultSubject),
		NotifyBody:    envStr("NOTIFY_BODY", DefaultBody),

		// Webhook
		WebhookURL: envStr("WEBHOOK_URL", ""),
		BotName:    envStr("BOT_NAME", "CryptoPipeline"),

		// API
		APIPort:         envInt("API_PORT", 3001),
		APIKey:          envStr("API_KEY", ""),
		CORSAllowOrigin: envStr("CORS_ALLOW_ORIGIN", "*"),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string

	if c.WorkflowID == "" {
		errs = append(errs, "WORKFLOW_ID is required")
	}
	if c.Retries < 0 {
		errs = append(errs, "RETRIES must be >= 0")
	}
	if c.RetryDelay < 0 {
		errs = append(errs, "RETRY_DELAY must be >= 0")
	}
	if c.MaxActiveRuns < 1 {
		errs = append(errs, "MAX_ACTIVE_RUNS must be >= 1")
	}
	if c.LookbackDays < 1 {
		errs = append(errs, "LOOKBACK_DAYS must be >= 1")
	}
	if c.Symbol == "" {
		errs = append(errs, "SYMBOL is required")
	}
	if _, err := time.Parse("15:04", c.ScheduleAt); err != nil {
		errs = append(errs, fmt.Sprintf("SCHEDULE_AT must be HH:MM, got %q", c.ScheduleAt))
	}
	if c.StagingTable == "" || c.CanonicalTable == "" {
		errs = append(errs, "STAGING_TABLE and CANONICAL_TABLE are required")
	} else if c.StagingTable == c.CanonicalTable {
		errs = append(errs, "STAGING_TABLE and CANONICAL_TABLE must differ")
	}
	if c.SMTPHost != "" {
		if c.MailFrom == "" {
			errs = append(errs, "MAIL_FROM is required when SMTP_HOST is set")
		}
		if len(c.NotifyTo) == 0 {
			errs = append(errs, "NOTIFY_TO is required when SMTP_HOST is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// Warnings lists settings that are legal but probably unintended.
func (c *Config) Warnings() []string {
	var out []string
	if c.SMTPHost == "" {
		out = append(out, "SMTP_HOST not set, completion emails are logged only")
	}
	if c.APIKey == "" {
		out = append(out, "API_KEY not set, REST API has no authentication")
	}
	if c.Retries == 0 {
		out = append(out, "RETRIES is 0, failed runs will not be retried")
	}
	return out
}

func (c *Config) Print() {
	fmt.Println("=== Crypto OHLCV Pipeline Configuration ===")
	fmt.Printf("Workflow: %s (owner %s)\n", c.WorkflowID, c.Owner)
	fmt.Printf("Schedule: daily at %s UTC, start %s, catchup %v\n",
		c.ScheduleAt, c.StartDate.Format("2006-01-02"), c.Catchup)
	fmt.Printf("Retries: %d every %s, max active runs %d\n", c.Retries, c.RetryDelay, c.MaxActiveRuns)
	fmt.Println("--------------------------------------")
	fmt.Printf("Source: %s %s (lookback %d days)\n", c.ExchangeBaseURL, c.Symbol, c.LookbackDays)
	fmt.Printf("Tables: %s -> %s\n", c.StagingTable, c.CanonicalTable)
	fmt.Printf("Files: export %s, work %s\n", c.ExportDir, c.WorkDir)
	fmt.Println("--------------------------------------")
	fmt.Printf("Email: %s\n", boolLabel(c.SMTPHost != "", c.SMTPHost+" -> "+strings.Join(c.NotifyTo, ","), "not set (log only)"))
	fmt.Printf("Webhook: %s\n", boolLabel(c.WebhookURL != "", "configured", "not set"))
	fmt.Println("======================================")
}

func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// --- helpers ---

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envDate(key string, fallback time.Time) (time.Time, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func boolLabel(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
