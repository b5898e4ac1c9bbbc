package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	IMAP       AccountConfig    `mapstructure:"imap"`
	Accounts   []AccountConfig  `mapstructure:"accounts"`
	Mailbox    MailboxConfig    `mapstructure:"mailbox"`
	AI         AIConfig         `mapstructure:"ai"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// AccountConfig holds the IMAP settings of one monitored mailbox
type AccountConfig struct {
	ID       string `mapstructure:"id"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Folder   string `mapstructure:"folder"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// Address returns host:port
func (a AccountConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// MailboxConfig holds listener and reconciliation settings shared by all accounts
type MailboxConfig struct {
	IdleTimeout               time.Duration `mapstructure:"idle_timeout"`
	ReconcileWindowDays       int           `mapstructure:"reconcile_window_days"`
	ReconcileEveryNIdleCycles int           `mapstructure:"reconcile_every_n_idle_cycles"`
	AllowedExtensions         []string      `mapstructure:"allowed_extensions"`
	BackoffMin                time.Duration `mapstructure:"backoff_min"`
	BackoffMax                time.Duration `mapstructure:"backoff_max"`
	ErrorEscalationAfter      int           `mapstructure:"error_escalation_after"`
}

// AIConfig holds the completion provider settings
type AIConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// ExtractionConfig holds the extraction retry budget
type ExtractionConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// WorkerConfig holds worker pool settings
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueSize   int `mapstructure:"queue_size"`
}

// QueueConfig selects the work queue backend
type QueueConfig struct {
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`
	Name     string `mapstructure:"name"`
}

// SchedulerConfig holds retry sweeper configuration
type SchedulerConfig struct {
	IntervalMinutes int           `mapstructure:"interval_minutes"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// StorageConfig selects where attachment bytes are kept
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Prefix   string `mapstructure:"s3_prefix"`
}

// NotifyConfig holds notification settings
type NotifyConfig struct {
	GmailClientID     string `mapstructure:"gmail_client_id"`
	GmailClientSecret string `mapstructure:"gmail_client_secret"`
	GmailRefreshToken string `mapstructure:"gmail_refresh_token"`
	GmailUserEmail    string `mapstructure:"gmail_user_email"`
	ReviewerEmail     string `mapstructure:"reviewer_email"`
	AcknowledgeSender bool   `mapstructure:"acknowledge_sender"`
}

// GmailEnabled reports whether the Gmail template mailer has credentials
func (n NotifyConfig) GmailEnabled() bool {
	return n.GmailClientID != "" && n.GmailClientSecret != "" && n.GmailRefreshToken != ""
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.applyAccountDefaults()
	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "doc-intake.db")

	v.SetDefault("imap.id", "default")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.folder", "INBOX")
	v.SetDefault("imap.use_tls", true)

	v.SetDefault("mailbox.idle_timeout", "29m")
	v.SetDefault("mailbox.reconcile_window_days", 2)
	v.SetDefault("mailbox.reconcile_every_n_idle_cycles", 4)
	v.SetDefault("mailbox.allowed_extensions", []string{".pdf", ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".txt", ".csv", ".xml", ".json"})
	v.SetDefault("mailbox.backoff_min", "1s")
	v.SetDefault("mailbox.backoff_max", "5m")
	v.SetDefault("mailbox.error_escalation_after", 5)

	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.timeout", "60s")
	v.SetDefault("ai.requests_per_second", 2.0)
	v.SetDefault("ai.burst", 2)

	v.SetDefault("extraction.max_attempts", 3)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 256)

	v.SetDefault("queue.backend", "channel")
	v.SetDefault("queue.name", "doc-intake:documents")

	v.SetDefault("scheduler.interval_minutes", 5)
	v.SetDefault("scheduler.stale_after", "15m")
	v.SetDefault("scheduler.retry_base_delay", "1m")
	v.SetDefault("scheduler.retry_max_delay", "1h")
	v.SetDefault("scheduler.batch_size", 100)

	v.SetDefault("storage.backend", "filesystem")
	v.SetDefault("storage.path", "data/attachments")

	v.SetDefault("notify.acknowledge_sender", false)

	v.SetDefault("log.level", "info")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.path", "DB_PATH")

	// Single mailbox account
	v.BindEnv("imap.id", "IMAP_ACCOUNT_ID")
	v.BindEnv("imap.host", "IMAP_HOST")
	v.BindEnv("imap.port", "IMAP_PORT")
	v.BindEnv("imap.username", "IMAP_USER")
	v.BindEnv("imap.password", "IMAP_PASSWORD")
	v.BindEnv("imap.folder", "IMAP_FOLDER")
	v.BindEnv("imap.use_tls", "IMAP_USE_TLS")

	// Mailbox
	v.BindEnv("mailbox.idle_timeout", "IMAP_IDLE_TIMEOUT")
	v.BindEnv("mailbox.reconcile_window_days", "RECONCILE_WINDOW_DAYS")
	v.BindEnv("mailbox.reconcile_every_n_idle_cycles", "RECONCILE_EVERY_N_IDLE_CYCLES")

	// AI
	v.BindEnv("ai.provider", "AI_PROVIDER")
	v.BindEnv("ai.model", "AI_MODEL")
	v.BindEnv("ai.api_key", "AI_API_KEY")
	v.BindEnv("ai.base_url", "AI_BASE_URL")
	v.BindEnv("ai.timeout", "AI_TIMEOUT")
	v.BindEnv("ai.requests_per_second", "AI_REQUESTS_PER_SECOND")

	v.BindEnv("extraction.max_attempts", "EXTRACTION_MAX_ATTEMPTS")
	v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")

	// Queue
	v.BindEnv("queue.backend", "QUEUE_BACKEND")
	v.BindEnv("queue.redis_url", "REDIS_URL")

	// Scheduler
	v.BindEnv("scheduler.interval_minutes", "SCHEDULER_INTERVAL_MINUTES")

	// Storage
	v.BindEnv("storage.backend", "STORAGE_BACKEND")
	v.BindEnv("storage.path", "STORAGE_PATH")
	v.BindEnv("storage.s3_bucket", "S3_BUCKET")
	v.BindEnv("storage.s3_region", "S3_REGION")
	v.BindEnv("storage.s3_endpoint", "S3_ENDPOINT")

	// Notify
	v.BindEnv("notify.gmail_client_id", "GMAIL_CLIENT_ID")
	v.BindEnv("notify.gmail_client_secret", "GMAIL_CLIENT_SECRET")
	v.BindEnv("notify.gmail_refresh_token", "GMAIL_REFRESH_TOKEN")
	v.BindEnv("notify.gmail_user_email", "GMAIL_USER_EMAIL")
	v.BindEnv("notify.reviewer_email", "REVIEWER_EMAIL")

	v.BindEnv("log.level", "LOG_LEVEL")
}

// applyAccountDefaults folds the env-configured account into Accounts and
// fills per-account defaults.
func (c *Config) applyAccountDefaults() {
	if len(c.Accounts) == 0 && c.IMAP.Host != "" && c.IMAP.Username != "" {
		c.Accounts = append(c.Accounts, c.IMAP)
	}
	for i := range c.Accounts {
		acct := &c.Accounts[i]
		if acct.ID == "" {
			acct.ID = acct.Username
		}
		if acct.Port == 0 {
			acct.Port = 993
		}
		if acct.Folder == "" {
			acct.Folder = "INBOX"
		}
	}
}

// Account returns the account with the given id
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, acct := range c.Accounts {
		if acct.ID == id {
			return acct, true
		}
	}
	return AccountConfig{}, false
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	case "sqlite":
		return c.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one mailbox account is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, acct := range c.Accounts {
		if acct.Host == "" || acct.Username == "" || acct.Password == "" {
			return fmt.Errorf("account %q: IMAP host, username and password are required", acct.ID)
		}
		if seen[acct.ID] {
			return fmt.Errorf("duplicate account id %q", acct.ID)
		}
		seen[acct.ID] = true
	}

	if c.Mailbox.IdleTimeout <= 0 {
		return fmt.Errorf("mailbox idle timeout must be greater than 0")
	}
	if c.Mailbox.ReconcileWindowDays <= 0 {
		return fmt.Errorf("reconcile window must be at least one day")
	}
	if c.Mailbox.ReconcileEveryNIdleCycles <= 0 {
		return fmt.Errorf("reconcile cycle count must be greater than 0")
	}

	switch strings.ToLower(c.AI.Provider) {
	case "openai", "openrouter", "google":
	default:
		return fmt.Errorf("unsupported AI provider %q", c.AI.Provider)
	}
	if c.AI.APIKey == "" {
		return fmt.Errorf("AI API key is required")
	}

	if c.Extraction.MaxAttempts <= 0 {
		return fmt.Errorf("extraction max attempts must be greater than 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	switch c.Queue.Backend {
	case "channel":
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("redis url is required for the redis queue")
		}
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue.Backend)
	}

	switch c.Storage.Backend {
	case "filesystem":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("s3 bucket is required")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}

	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler interval must be greater than 0")
	}

	return nil
}
