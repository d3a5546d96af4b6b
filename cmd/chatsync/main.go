package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds the backend location.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the session of the local user.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigRealtime tunes the sync engine. Durations use Go syntax ("1s").
type ConfigRealtime struct {
	Transport            string `toml:"transport,omitempty"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts,omitempty"`
	DisableReconnect     bool   `toml:"disable_reconnect,omitempty"`
	ReconnectDelay       string `toml:"reconnect_delay,omitempty"`
	PendingTimeout       string `toml:"pending_timeout,omitempty"`
	TypingIdle           string `toml:"typing_idle,omitempty"`
	RemoteTypingTTL      string `toml:"remote_typing_ttl,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the config directory, creating it if needed.
// CHATSYNC_HOME overrides the default ~/.chatsync.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "cannot determine home directory")
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create config directory")
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, errors.Wrap(err, "cannot read config")
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %s", path)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with CHATSYNC_* environment overrides.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// envOverrides maps CHATSYNC_* variables onto config fields.
var envOverrides = []struct {
	name string
	set  func(*Config, string)
}{
	{"CHATSYNC_BASE_URL", func(c *Config, v string) { c.Default.BaseURL = v }},
	{"CHATSYNC_TOKEN", func(c *Config, v string) { c.Auth.Token = v }},
	{"CHATSYNC_USER_ID", func(c *Config, v string) { c.Auth.UserID = v }},
	{"CHATSYNC_TRANSPORT", func(c *Config, v string) { c.Realtime.Transport = v }},
}

func applyEnv(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.set(cfg, v)
		}
	}
}

// activeEnv lists the override variables that are set.
func activeEnv() []string {
	var names []string
	for _, o := range envOverrides {
		if os.Getenv(o.name) != "" {
			names = append(names, o.name)
		}
	}
	return names
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "cannot write config")
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return errors.New("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return errors.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return errors.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		return setRealtimeValue(&cfg.Realtime, field, value)
	default:
		return errors.Errorf("unknown config section %q (valid: default, auth, realtime)", section)
	}
	return nil
}

func setRealtimeValue(rt *ConfigRealtime, field, value string) error {
	switch field {
	case "transport":
		switch value {
		case "auto", "websocket", "sse":
			rt.Transport = value
		default:
			return errors.Errorf("transport must be auto, websocket or sse, got %q", value)
		}
	case "max_reconnect_attempts":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return errors.Errorf("max_reconnect_attempts must be a positive integer, got %q (set realtime.disable_reconnect to turn reconnects off)", value)
		}
		rt.MaxReconnectAttempts = n
	case "disable_reconnect":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "disable_reconnect must be true or false")
		}
		rt.DisableReconnect = b
	case "reconnect_delay", "pending_timeout", "typing_idle", "remote_typing_ttl":
		if _, err := parseDuration(field, value); err != nil {
			return err
		}
		switch field {
		case "reconnect_delay":
			rt.ReconnectDelay = value
		case "pending_timeout":
			rt.PendingTimeout = value
		case "typing_idle":
			rt.TypingIdle = value
		case "remote_typing_ttl":
			rt.RemoteTypingTTL = value
		}
	default:
		return errors.Errorf("unknown field %q in section [realtime]", field)
	}
	return nil
}

// parseDuration parses an optional duration; empty means zero.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration for %s", field)
	}
	if d < 0 {
		return 0, errors.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	metricsAddr string
	verbose     bool

	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Real-time chat client",
	Long:  "Command-line client for the chat backend.\nKeeps conversations in sync over one push connection.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
