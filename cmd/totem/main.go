package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	totem "github.com/LuminPulse-AI/Totem/sdk/golang"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.totem/config.toml.
// A --config path ending in .yaml or .yml is read and written as YAML.
type Config struct {
	Kiosk ConfigKiosk `toml:"kiosk" yaml:"kiosk"`
	API   ConfigAPI   `toml:"api" yaml:"api"`
	Sync  ConfigSync  `toml:"sync" yaml:"sync"`
}

// ConfigKiosk identifies this kiosk.
type ConfigKiosk struct {
	ID       string `toml:"id" yaml:"id"`
	TenantID string `toml:"tenant_id" yaml:"tenant_id"`
	UIAddr   string `toml:"ui_addr" yaml:"ui_addr"`
}

// ConfigAPI holds backend access settings.
type ConfigAPI struct {
	BaseURL string `toml:"base_url" yaml:"base_url"`
	APIKey  string `toml:"api_key" yaml:"api_key"`
}

// ConfigSync tunes reconnect, polling and the payment watchdog. Durations
// use Go syntax ("3s", "10m"); empty means the library default.
type ConfigSync struct {
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	ReconnectInterval    string `toml:"reconnect_interval" yaml:"reconnect_interval"`
	PaymentPollInterval  string `toml:"payment_poll_interval" yaml:"payment_poll_interval"`
	QueuePollInterval    string `toml:"queue_poll_interval" yaml:"queue_poll_interval"`
	PaymentTimeout       string `toml:"payment_timeout" yaml:"payment_timeout"`
}

// ============================================================================
// Config helpers
// ============================================================================

var (
	flagConfig   string
	flagLogLevel string
)

// configDir returns the path to ~/.totem, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".totem")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the --config path or ~/.totem/config.toml.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfig(path)
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return writeConfig(path, cfg)
}

// encodeConfig renders cfg in the format path implies.
func encodeConfig(path string, cfg *Config) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot marshal config: %w", err)
	}
	return data, nil
}

func writeConfig(path string, cfg *Config) error {
	data, err := encodeConfig(path, cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "kiosk.tenant_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. kiosk.tenant_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "kiosk":
		switch field {
		case "id":
			cfg.Kiosk.ID = value
		case "tenant_id":
			cfg.Kiosk.TenantID = value
		case "ui_addr":
			cfg.Kiosk.UIAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [kiosk]", field)
		}
	case "api":
		switch field {
		case "base_url":
			cfg.API.BaseURL = value
		case "api_key":
			cfg.API.APIKey = value
		default:
			return fmt.Errorf("unknown field %q in section [api]", field)
		}
	case "sync":
		if field == "max_reconnect_attempts" {
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("%s must be a positive integer (leave unset for the default of %d)", key, totem.DefaultMaxReconnectAttempts)
			}
			cfg.Sync.MaxReconnectAttempts = n
			return nil
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s must be a duration such as 3s or 10m", key)
		}
		switch field {
		case "reconnect_interval":
			cfg.Sync.ReconnectInterval = value
		case "payment_poll_interval":
			cfg.Sync.PaymentPollInterval = value
		case "queue_poll_interval":
			cfg.Sync.QueuePollInterval = value
		case "payment_timeout":
			cfg.Sync.PaymentTimeout = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: kiosk, api, sync)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "totem",
	Short: "Totem kiosk sync CLI",
	Long:  "Command-line interface for the Totem kiosk sync layer.\nConfigure a kiosk, watch its live payment and queue state, or run a local backend simulator.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger(flagLogLevel)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.totem/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
