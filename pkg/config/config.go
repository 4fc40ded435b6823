package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const configFileEnv = "CONFIG_FILE"

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Mail     MailConfig     `yaml:"mail"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig is optional; an empty Addr disables the cross-process cycle lease.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// KafkaConfig is optional; no brokers means ingestion events are not published.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicEvents string   `yaml:"topic_events"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.TopicEvents != ""
}

type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	To       string        `yaml:"to"`
	Timeout  time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

func (h HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", h.Port)
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type IngestConfig struct {
	DropDirs []string `yaml:"drop_dirs"`
	// StagingDir receives mail downloads before they are moved into the
	// first drop directory. Empty means ".incoming" under that directory.
	StagingDir    string        `yaml:"staging_dir"`
	FilePrefix    string        `yaml:"file_prefix"`
	Schedule      string        `yaml:"schedule"`
	TimerEnabled  bool          `yaml:"timer_enabled"`
	WatchEnabled  bool          `yaml:"watch_enabled"`
	MailEnabled   bool          `yaml:"mail_enabled"`
	DebounceDelay time.Duration `yaml:"debounce_delay"`
	CycleTimeout  time.Duration `yaml:"cycle_timeout"`
	HistorySize   int           `yaml:"history_size"`
}

// MailConfig holds the Gmail credentials and the default discovery criteria.
// The refresh token is obtained out of band; an empty one leaves mail
// discovery unconfigured.
type MailConfig struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RefreshToken string        `yaml:"refresh_token"`
	User         string        `yaml:"user"`
	Senders      []string      `yaml:"senders"`
	Subject      string        `yaml:"subject"`
	Label        string        `yaml:"label"`
	MarkRead     bool          `yaml:"mark_read"`
	MaxResults   int           `yaml:"max_results"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
}

type LedgerConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// Default returns the configuration used when neither a config file nor
// environment variables override a value.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "pellet_user",
			Password: "pellet_pass",
			DBName:   "pellet_db",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			LockKey: "pellet-ingest:cycle-lock",
			LockTTL: time.Hour,
		},
		Kafka: KafkaConfig{
			TopicEvents: "pellet.ingest.events",
		},
		SMTP: SMTPConfig{
			Host:    "smtp.gmail.com",
			Port:    587,
			From:    "pellet-ingest@example.com",
			To:      "admin@example.com",
			Timeout: 30 * time.Second,
		},
		HTTP: HTTPConfig{Port: 8080},
		Log:  LogConfig{Level: "info"},
		Ingest: IngestConfig{
			DropDirs:      []string{"data/import"},
			FilePrefix:    "touch",
			Schedule:      "0 */6 * * *",
			TimerEnabled:  true,
			WatchEnabled:  true,
			MailEnabled:   true,
			DebounceDelay: 2 * time.Second,
			CycleTimeout:  30 * time.Minute,
			HistorySize:   50,
		},
		Mail: MailConfig{
			User:        "me",
			Label:       "pellet-imported",
			MaxResults:  50,
			CallTimeout: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			Retention:     90 * 24 * time.Hour,
			PurgeInterval: 24 * time.Hour,
		},
	}
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := Default()

	if path := os.Getenv(configFileEnv); path != "" {
		if err := loadFile(path, config); err != nil {
			return nil, err
		}
	}

	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// applyEnv overrides values already present in config with environment
// variables. Unset variables keep the current value.
func applyEnv(c *Config) {
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.LockKey = getEnv("REDIS_LOCK_KEY", c.Redis.LockKey)
	c.Redis.LockTTL = getEnvAsDuration("REDIS_LOCK_TTL", c.Redis.LockTTL)

	c.Kafka.Brokers = getEnvAsList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.TopicEvents = getEnv("KAFKA_TOPIC_EVENTS", c.Kafka.TopicEvents)

	c.SMTP.Host = getEnv("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = getEnvAsInt("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = getEnv("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = getEnv("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = getEnv("SMTP_FROM", c.SMTP.From)
	c.SMTP.To = getEnv("SMTP_TO", c.SMTP.To)
	c.SMTP.Timeout = getEnvAsDuration("SMTP_TIMEOUT", c.SMTP.Timeout)

	c.HTTP.Port = getEnvAsInt("HTTP_PORT", c.HTTP.Port)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	c.Ingest.DropDirs = getEnvAsList("INGEST_DROP_DIRS", c.Ingest.DropDirs)
	c.Ingest.FilePrefix = getEnv("INGEST_FILE_PREFIX", c.Ingest.FilePrefix)
	c.Ingest.StagingDir = getEnv("INGEST_STAGING_DIR", c.Ingest.StagingDir)
	c.Ingest.Schedule = getEnv("INGEST_SCHEDULE", c.Ingest.Schedule)
	c.Ingest.TimerEnabled = getEnvAsBool("INGEST_TIMER_ENABLED", c.Ingest.TimerEnabled)
	c.Ingest.WatchEnabled = getEnvAsBool("INGEST_WATCH_ENABLED", c.Ingest.WatchEnabled)
	c.Ingest.MailEnabled = getEnvAsBool("INGEST_MAIL_ENABLED", c.Ingest.MailEnabled)
	c.Ingest.DebounceDelay = getEnvAsDuration("INGEST_DEBOUNCE_DELAY", c.Ingest.DebounceDelay)
	c.Ingest.CycleTimeout = getEnvAsDuration("INGEST_CYCLE_TIMEOUT", c.Ingest.CycleTimeout)
	c.Ingest.HistorySize = getEnvAsInt("INGEST_HISTORY_SIZE", c.Ingest.HistorySize)

	c.Mail.ClientID = getEnv("GMAIL_CLIENT_ID", c.Mail.ClientID)
	c.Mail.ClientSecret = getEnv("GMAIL_CLIENT_SECRET", c.Mail.ClientSecret)
	c.Mail.RefreshToken = getEnv("GMAIL_REFRESH_TOKEN", c.Mail.RefreshToken)
	c.Mail.User = getEnv("GMAIL_USER", c.Mail.User)
	c.Mail.Senders = getEnvAsList("MAIL_SENDERS", c.Mail.Senders)
	c.Mail.Subject = getEnv("MAIL_SUBJECT", c.Mail.Subject)
	c.Mail.Label = getEnv("MAIL_LABEL", c.Mail.Label)
	c.Mail.MarkRead = getEnvAsBool("MAIL_MARK_READ", c.Mail.MarkRead)
	c.Mail.MaxResults = getEnvAsInt("MAIL_MAX_RESULTS", c.Mail.MaxResults)
	c.Mail.CallTimeout = getEnvAsDuration("MAIL_CALL_TIMEOUT", c.Mail.CallTimeout)

	c.Ledger.Retention = getEnvAsDuration("LEDGER_RETENTION", c.Ledger.Retention)
	c.Ledger.PurgeInterval = getEnvAsDuration("LEDGER_PURGE_INTERVAL", c.Ledger.PurgeInterval)
}

// Validate checks the values the services cannot start without.
// Staging returns the directory mail downloads are written to.
func (i IngestConfig) Staging() string {
	if i.StagingDir != "" {
		return i.StagingDir
	}
	if len(i.DropDirs) == 0 {
		return ""
	}
	return filepath.Join(i.DropDirs[0], ".incoming")
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.Ingest.DropDirs) == 0 {
		errs = append(errs, errors.New("ingest: at least one drop directory is required"))
	}
	for _, d := range c.Ingest.DropDirs {
		if filepath.Clean(d) == filepath.Clean(c.Ingest.Staging()) {
			errs = append(errs, fmt.Errorf("ingest: staging dir %s must not be a drop directory", d))
		}
	}
	if strings.TrimSpace(c.Ingest.FilePrefix) == "" {
		errs = append(errs, errors.New("ingest: file prefix is required"))
	}
	if _, err := cron.ParseStandard(c.Ingest.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("ingest: invalid schedule %q: %w", c.Ingest.Schedule, err))
	}
	if c.Ingest.DebounceDelay < 0 {
		errs = append(errs, errors.New("ingest: debounce delay must not be negative"))
	}
	if c.Ingest.CycleTimeout <= 0 {
		errs = append(errs, errors.New("ingest: cycle timeout must be positive"))
	}
	// The lease must outlive the longest cycle, otherwise a second process
	// can start while the first is still importing.
	if c.Redis.Addr != "" && c.Redis.LockTTL <= c.Ingest.CycleTimeout {
		errs = append(errs, fmt.Errorf("redis: lock ttl %s must exceed cycle timeout %s",
			c.Redis.LockTTL, c.Ingest.CycleTimeout))
	}
	if c.SMTP.Timeout <= 0 {
		errs = append(errs, errors.New("smtp: timeout must be positive"))
	}
	if c.Mail.MaxResults <= 0 {
		errs = append(errs, errors.New("mail: max results must be positive"))
	}
	if c.Mail.CallTimeout <= 0 {
		errs = append(errs, errors.New("mail: call timeout must be positive"))
	}
	if c.Ledger.Retention <= 0 || c.Ledger.PurgeInterval <= 0 {
		errs = append(errs, errors.New("ledger: retention and purge interval must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
