package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Defaults applied by Load and LoadFromEnv.
const (
	DefaultDatasetFile    = "bot_data.db"
	DefaultLockTTLMinutes = 10
	DefaultSchedule       = "0 0 * * *"
	DefaultUTCOffsetHours = 3
	DefaultAPIPort        = 8080
)

// Config is the top-level deskline configuration. It is read once at
// startup and not changed afterwards.
type Config struct {
	Desk       DeskConfig      `json:"desk"`
	Backup     BackupConfig    `json:"backup"`
	Notify     NotifyConfig    `json:"notify"`
	Connectors ConnectorConfig `json:"connectors"`
	Intake     IntakeConfig    `json:"intake"`
	API        APIConfig       `json:"api"`
}

// DeskConfig holds ticket and dataset settings.
type DeskConfig struct {
	DataDir        string `json:"data_dir"`
	DatasetFile    string `json:"dataset_file,omitempty"`
	LockTTLMinutes int    `json:"lock_ttl_minutes,omitempty"`
}

// BackupConfig holds backup settings. UTCOffsetHours is a pointer so that
// an explicit 0 (UTC) differs from unset.
type BackupConfig struct {
	Dir            string `json:"dir,omitempty"` // default <data_dir>/backups
	Schedule       string `json:"schedule,omitempty"`
	UTCOffsetHours *int   `json:"utc_offset_hours,omitempty"`
}

// NotifyConfig selects where backup reports go.
type NotifyConfig struct {
	Connector   string `json:"connector,omitempty"`   // "telegram", "slack" or empty for none
	Destination string `json:"destination,omitempty"` // chat/channel ID; telegram defaults to the admin chat
}

// ConnectorConfig holds settings for external platform connectors.
type ConnectorConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token       string  `json:"token"`
	AdminChatID string  `json:"admin_chat_id"`
	AllowFrom   []int64 `json:"allow_from,omitempty"` // who may act in the admin chat; customers are not filtered
	APIEndpoint string  `json:"api_endpoint,omitempty"`
}

// SlackConfig holds the Slack notifier token.
type SlackConfig struct {
	BotToken string `json:"bot_token"`
}

// IntakeConfig lists HTTP intake sources that may open tickets.
type IntakeConfig struct {
	Sources map[string]IntakeSource `json:"sources,omitempty"`
}

// IntakeSource holds one intake source's credentials.
type IntakeSource struct {
	Secret      string `json:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// Load reads configuration from a JSON file, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with the
// DESKLINE_ prefix, applies defaults and validates.
func LoadFromEnv() (*Config, error) {
	var errs []string
	intVar := func(key string, fallback int) int {
		n, err := getenvInt(key, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return n
	}

	cfg := &Config{
		Desk: DeskConfig{
			DataDir:        getenv("DESKLINE_DATA_DIR", "/data"),
			DatasetFile:    os.Getenv("DESKLINE_DATASET_FILE"),
			LockTTLMinutes: intVar("DESKLINE_LOCK_TTL_MINUTES", DefaultLockTTLMinutes),
		},
		Backup: BackupConfig{
			Dir:      os.Getenv("DESKLINE_BACKUP_DIR"),
			Schedule: os.Getenv("DESKLINE_BACKUP_SCHEDULE"),
		},
		Notify: NotifyConfig{
			Connector:   os.Getenv("DESKLINE_NOTIFY_CONNECTOR"),
			Destination: os.Getenv("DESKLINE_NOTIFY_DESTINATION"),
		},
		API: APIConfig{
			Host: getenv("DESKLINE_API_HOST", "0.0.0.0"),
			Port: intVar("DESKLINE_API_PORT", DefaultAPIPort),
			Key:  os.Getenv("DESKLINE_API_KEY"),
		},
	}
	if os.Getenv("DESKLINE_BACKUP_UTC_OFFSET_HOURS") != "" {
		off := intVar("DESKLINE_BACKUP_UTC_OFFSET_HOURS", DefaultUTCOffsetHours)
		cfg.Backup.UTCOffsetHours = &off
	}

	if token := os.Getenv("DESKLINE_TELEGRAM_TOKEN"); token != "" {
		cfg.Connectors.Telegram = &TelegramConfig{
			Token:       token,
			AdminChatID: os.Getenv("DESKLINE_TELEGRAM_ADMIN_CHAT_ID"),
			APIEndpoint: os.Getenv("DESKLINE_TELEGRAM_API_ENDPOINT"),
		}
		if ids := os.Getenv("DESKLINE_TELEGRAM_ALLOW_FROM"); ids != "" {
			parsed, err := parseInt64List(ids)
			if err != nil {
				errs = append(errs, fmt.Sprintf("DESKLINE_TELEGRAM_ALLOW_FROM: %v", err))
			}
			cfg.Connectors.Telegram.AllowFrom = parsed
		}
	}
	if token := os.Getenv("DESKLINE_SLACK_BOT_TOKEN"); token != "" {
		cfg.Connectors.Slack = &SlackConfig{BotToken: token}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: environment:\n  - %s", strings.Join(errs, "\n  - "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Desk.DatasetFile == "" {
		c.Desk.DatasetFile = DefaultDatasetFile
	}
	if c.Desk.LockTTLMinutes == 0 {
		c.Desk.LockTTLMinutes = DefaultLockTTLMinutes
	}
	if c.Backup.Dir == "" && c.Desk.DataDir != "" {
		c.Backup.Dir = filepath.Join(c.Desk.DataDir, "backups")
	}
	if c.Backup.Schedule == "" {
		c.Backup.Schedule = DefaultSchedule
	}
	if c.Backup.UTCOffsetHours == nil {
		off := DefaultUTCOffsetHours
		c.Backup.UTCOffsetHours = &off
	}
	if c.Notify.Connector == "telegram" && c.Notify.Destination == "" && c.Connectors.Telegram != nil {
		c.Notify.Destination = c.Connectors.Telegram.AdminChatID
	}
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
}

// Validate checks for required fields and consistent settings.
func (c *Config) Validate() error {
	var errs []string

	if c.Desk.DataDir == "" {
		errs = append(errs, "desk.data_dir is required")
	}
	if strings.ContainsRune(c.Desk.DatasetFile, os.PathSeparator) {
		errs = append(errs, "desk.dataset_file must be a file name, not a path")
	}
	if c.Desk.LockTTLMinutes < 0 {
		errs = append(errs, "desk.lock_ttl_minutes must be positive")
	}

	if _, err := cron.ParseStandard(c.Backup.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("backup.schedule %q: %v", c.Backup.Schedule, err))
	}
	if off := c.Backup.UTCOffsetHours; off != nil && (*off < -12 || *off > 14) {
		errs = append(errs, "backup.utc_offset_hours must be between -12 and 14")
	}

	if tg := c.Connectors.Telegram; tg != nil {
		if tg.Token == "" {
			errs = append(errs, "connectors.telegram.token is required")
		}
		if tg.AdminChatID == "" {
			errs = append(errs, "connectors.telegram.admin_chat_id is required")
		} else if _, err := strconv.ParseInt(tg.AdminChatID, 10, 64); err != nil {
			errs = append(errs, "connectors.telegram.admin_chat_id must be a numeric chat ID")
		}
	}
	if c.Connectors.Slack != nil && c.Connectors.Slack.BotToken == "" {
		errs = append(errs, "connectors.slack.bot_token is required")
	}

	switch c.Notify.Connector {
	case "":
	case "telegram":
		if c.Connectors.Telegram == nil {
			errs = append(errs, "notify.connector is telegram but connectors.telegram is not configured")
		}
	case "slack":
		if c.Connectors.Slack == nil {
			errs = append(errs, "notify.connector is slack but connectors.slack is not configured")
		}
		if c.Notify.Destination == "" {
			errs = append(errs, "notify.destination is required for slack")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.connector %q is not supported (telegram, slack)", c.Notify.Connector))
	}

	for name, src := range c.Intake.Sources {
		if name == "" || strings.Contains(name, "/") {
			errs = append(errs, fmt.Sprintf("intake.sources: invalid source name %q", name))
		}
		if src.Secret != "" && src.BearerToken != "" {
			errs = append(errs, fmt.Sprintf("intake.sources.%s: set either secret or bearer_token, not both", name))
		}
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, "api.port is out of range")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// DatasetPath returns the full path of the ticket dataset.
func (c *Config) DatasetPath() string {
	return filepath.Join(c.Desk.DataDir, c.Desk.DatasetFile)
}

// LockTTL returns the ticket lock lifetime.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Desk.LockTTLMinutes) * time.Minute
}

// UTCOffset returns the backup timestamp offset in hours.
func (c *Config) UTCOffset() int {
	if c.Backup.UTCOffsetHours == nil {
		return DefaultUTCOffsetHours
	}
	return *c.Backup.UTCOffsetHours
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
