// Package config defines the global configuration structure for the calwatch
// notifier. Configuration is loaded once at process startup and is immutable
// thereafter. It follows 12-Factor App principles by strictly separating code
// from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"calwatch/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the calwatch notifier.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"calwatch"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server    ServerConfig
	Database  DatabaseConfig
	Calendar  CalendarConfig
	Telegram  TelegramConfig
	Notify    NotifyConfig
	Scheduler SchedulerConfig
}

// ServerConfig holds the HTTP admin server settings (health and confirm
// endpoints).
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// CalendarConfig holds the calendar feed sources and fetch tuning.
type CalendarConfig struct {
	// FeedsJSON is a JSON mapping: "label" -> "ICS feed URL".
	// Example: {"anna": "https://calendar.google.com/.../basic.ics"}
	// The label is shown in notification messages to identify whose
	// calendar an event came from.
	FeedsJSON    string        `envconfig:"ICS_FEEDS_JSON" validate:"required,json"`
	FetchTimeout time.Duration `envconfig:"ICS_FETCH_TIMEOUT" default:"15s"`
}

// Feeds parses FeedsJSON into a label -> URL map.
func (c CalendarConfig) Feeds() (map[string]string, error) {
	feeds := make(map[string]string)
	if err := json.Unmarshal([]byte(c.FeedsJSON), &feeds); err != nil {
		return nil, fmt.Errorf("Feeds: invalid ICS_FEEDS_JSON: %w", err)
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("Feeds: ICS_FEEDS_JSON defines no feeds")
	}
	return feeds, nil
}

// TelegramConfig holds the bot credentials and delivery channel settings.
type TelegramConfig struct {
	Token      SecretString  `envconfig:"TELEGRAM_TOKEN" validate:"required"`
	ChatID     int64         `envconfig:"NOTIFY_CHAT_ID" validate:"required"`
	APIBaseURL string        `envconfig:"TELEGRAM_API_URL" default:"https://api.telegram.org" validate:"url"`
	Timeout    time.Duration `envconfig:"TELEGRAM_TIMEOUT" default:"10s"`
	// PollTimeout is the long-poll wait passed to getUpdates, in seconds.
	PollTimeout int `envconfig:"TELEGRAM_POLL_TIMEOUT" default:"25"`
}

// NotifyConfig holds the notification decision parameters.
type NotifyConfig struct {
	// Lookahead is how far before its start time an event becomes
	// eligible for notifications.
	Lookahead time.Duration `envconfig:"AHEAD_WINDOW" default:"2h"`
	// Intervals are the notification lead times in minutes before the
	// event start, largest first; 0 means "at start time".
	Intervals []int `envconfig:"NOTIFY_INTERVALS" default:"60,30,15,10,5,0"`
	// ButtonTTL is how long the confirm button stays attached to a sent
	// notification before it is considered expired.
	ButtonTTL time.Duration `envconfig:"BUTTON_TTL" default:"30s"`
	// Timezone is the IANA zone used for rendering event times in
	// messages. Internal bookkeeping is always UTC.
	Timezone string `envconfig:"DISPLAY_TIMEZONE" default:"UTC"`
}

// Location resolves the display timezone.
func (c NotifyConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("Location: invalid DISPLAY_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SchedulerConfig holds the cron specs for the periodic jobs and the
// retention policy for delivered state.
type SchedulerConfig struct {
	// CycleSpec drives the poll-and-notify cycle.
	CycleSpec string `envconfig:"CYCLE_CRON" default:"* * * * *"`
	// CleanupSpec drives the stale-state retention job.
	CleanupSpec string `envconfig:"CLEANUP_CRON" default:"30 3 * * 1"`
	// RetentionGrace is how long after an event ends its notification
	// state is kept before the cleanup job archives and purges it.
	RetentionGrace time.Duration `envconfig:"RETENTION_GRACE" default:"168h"`
	// ArchiveDir, when set, is where purged records are written as
	// gzip-compressed JSON lines before deletion. Empty disables
	// archiving (records are purged without a copy).
	ArchiveDir string `envconfig:"ARCHIVE_DIR"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
