package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var configShowReveal bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "print the API key unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage kiosk configuration",
	Long:  "View or modify the kiosk configuration stored in ~/.totem/config.toml (or the file given by --config).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the kiosk configuration with the API key masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		return showConfig(cmd.OutOrStdout(), path, configShowReveal)
	},
}

// showConfig prints the config at path in its own format. Unless reveal is
// set, api.api_key is masked the same way status shows it.
func showConfig(w io.Writer, path string, reveal bool) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(w, "No configuration file found. Run 'totem init <tenant-id>' to create one.")
		return nil
	}
	cfg, err := readConfig(path)
	if err != nil {
		return err
	}
	if cfg.API.APIKey != "" && !reveal {
		cfg.API.APIKey = maskKey(cfg.API.APIKey)
	}
	data, err := encodeConfig(path, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %s\n", path)
	_, err = w.Write(data)
	return err
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value using dot notation.

Keys:
  kiosk.id, kiosk.tenant_id, kiosk.ui_addr
  api.base_url, api.api_key
  sync.max_reconnect_attempts, sync.reconnect_interval,
  sync.payment_poll_interval, sync.queue_poll_interval, sync.payment_timeout

Example: totem config set sync.reconnect_interval 3s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "api.api_key" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
