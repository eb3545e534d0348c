package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initAPIKey  string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "backend base URL")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "backend API key")
}

var initCmd = &cobra.Command{
	Use:   "init <tenant-id>",
	Short: "Register this kiosk in ~/.totem/config.toml",
	Long:  "Initialize the Totem CLI: store the tenant, assign this kiosk a stable id and record the backend settings.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Kiosk.TenantID = args[0]
		if cfg.Kiosk.ID == "" {
			cfg.Kiosk.ID = uuid.NewString()
		}
		if initBaseURL != "" {
			cfg.API.BaseURL = initBaseURL
		}
		if initAPIKey != "" {
			cfg.API.APIKey = initAPIKey
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Kiosk %s registered for tenant %s in %s\n", cfg.Kiosk.ID, cfg.Kiosk.TenantID, path)
		return nil
	},
}
