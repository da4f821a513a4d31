// Package config loads the bot configuration from an optional YAML file and
// the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/disgoorg/snowflake/v2"
	"gopkg.in/yaml.v3"

	"github.com/savesbot/savesbot/common/redact"
	"github.com/savesbot/savesbot/internal/savesbot/commands"
	"github.com/savesbot/savesbot/internal/savesbot/matrix"
	"github.com/savesbot/savesbot/internal/savesbot/processor"
	"github.com/savesbot/savesbot/internal/savesbot/records"
)

const (
	DefaultOwnerID       = "338005893377556480"
	DefaultCountingBotID = "510016054391734273"
)

// Config is the full bot configuration.
type Config struct {
	Token           string        `yaml:"token" env:"TOKEN"`
	Owner           string        `yaml:"owner" env:"OWNER"`
	CountingBot     string        `yaml:"counting_bot_id" env:"COUNTING_BOT_ID"`
	CommandPrefix   string        `yaml:"command_prefix" env:"COMMAND_PREFIX"`
	TriggerPrefix   string        `yaml:"trigger_prefix" env:"TRIGGER_PREFIX"`
	DataDir         string        `yaml:"data_dir" env:"DATA_DIR"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
	// LedgerPath enables the SQLite balance ledger when set.
	LedgerPath string `yaml:"ledger_path" env:"LEDGER_PATH"`
	// HTTPAddr enables the health server when set.
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`

	Matrix MatrixConfig `yaml:"matrix" envPrefix:"MATRIX_"`
	Log    LogConfig    `yaml:"log" envPrefix:"LOG_"`

	// Parsed by Validate.
	OwnerID       snowflake.ID `yaml:"-"`
	CountingBotID snowflake.ID `yaml:"-"`
}

// MatrixConfig configures the optional audit room mirror.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" env:"HOMESERVER"`
	UserID      string `yaml:"user_id" env:"USER_ID"`
	AccessToken string `yaml:"access_token" env:"ACCESS_TOKEN"`
	AuditRoom   string `yaml:"audit_room" env:"AUDIT_ROOM"`
}

// Client returns the Matrix client configuration.
func (m MatrixConfig) Client() matrix.Config {
	return matrix.Config{Homeserver: m.Homeserver, UserID: m.UserID, AccessToken: m.AccessToken}
}

// Enabled reports whether the mirror has everything it needs.
func (m MatrixConfig) Enabled() bool {
	return m.Client().Enabled() && m.AuditRoom != ""
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level     string `yaml:"level" env:"LEVEL"`
	Format    string `yaml:"format" env:"FORMAT"`
	AddSource bool   `yaml:"add_source" env:"ADD_SOURCE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Owner:           DefaultOwnerID,
		CountingBot:     DefaultCountingBotID,
		CommandPrefix:   commands.DefaultPrefix,
		TriggerPrefix:   processor.DefaultTriggerPrefix,
		DataDir:         ".",
		RefreshInterval: records.DefaultRefreshInterval,
		Log:             LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty), overlays the environment and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and parses IDs.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("token is required (set TOKEN)"))
	}

	var err error
	if c.OwnerID, err = snowflake.Parse(strings.TrimSpace(c.Owner)); err != nil {
		errs = append(errs, fmt.Errorf("owner: invalid id %q", c.Owner))
	}
	if c.CountingBotID, err = snowflake.Parse(strings.TrimSpace(c.CountingBot)); err != nil {
		errs = append(errs, fmt.Errorf("counting_bot_id: invalid id %q", c.CountingBot))
	}

	if c.CommandPrefix == "" {
		errs = append(errs, errors.New("command_prefix must not be empty"))
	}
	if c.TriggerPrefix == "" {
		errs = append(errs, errors.New("trigger_prefix must not be empty"))
	}
	if c.CommandPrefix != "" && c.CommandPrefix == c.TriggerPrefix {
		errs = append(errs, errors.New("command_prefix and trigger_prefix must differ"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("refresh_interval must be positive, got %s", c.RefreshInterval))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format: %s", c.Log.Format))
	}

	m := c.Matrix
	if (m.Homeserver != "" || m.AccessToken != "" || m.AuditRoom != "") && !m.Enabled() {
		errs = append(errs, errors.New("matrix: homeserver, user_id, access_token and audit_room must all be set"))
	}

	return errors.Join(errs...)
}

// LogValue renders the config for logging with secrets hidden.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token", redact.Hint(c.Token)),
		slog.String("owner", c.Owner),
		slog.String("counting_bot", c.CountingBot),
		slog.String("command_prefix", c.CommandPrefix),
		slog.String("trigger_prefix", c.TriggerPrefix),
		slog.String("data_dir", c.DataDir),
		slog.Duration("refresh_interval", c.RefreshInterval),
		slog.String("ledger", c.LedgerPath),
		slog.String("http_addr", c.HTTPAddr),
		slog.Bool("matrix", c.Matrix.Enabled()),
		slog.String("matrix_token", redact.Hint(c.Matrix.AccessToken)),
	)
}
