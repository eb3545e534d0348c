package main

import (
	"context"
	"fmt"
	"time"

	totem "github.com/LuminPulse-AI/Totem/sdk/golang"
	"github.com/spf13/cobra"
)

var statusPayment string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusPayment, "payment", "", "also fetch this payment session")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kiosk configuration and the live queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("=== Totem Status ===")
		fmt.Println()
		fmt.Printf("Kiosk:     %s\n", valueOrDefault(cfg.Kiosk.ID, "(not set)"))
		fmt.Printf("Tenant:    %s\n", valueOrDefault(cfg.Kiosk.TenantID, "(not set)"))
		fmt.Printf("Base URL:  %s\n", valueOrDefault(cfg.API.BaseURL, "(not set)"))
		if cfg.API.APIKey != "" {
			fmt.Printf("API Key:   %s\n", maskKey(cfg.API.APIKey))
		} else {
			fmt.Println("API Key:   (not set)")
		}
		fmt.Printf("Reconnect: %s x %d\n",
			valueOrDefault(cfg.Sync.ReconnectInterval, totem.DefaultReconnectInterval.String()),
			maxAttemptsOrDefault(cfg.Sync.MaxReconnectAttempts))

		if cfg.Kiosk.TenantID == "" || cfg.API.BaseURL == "" {
			fmt.Println()
			fmt.Println("Run 'totem init <tenant-id> --base-url <url>' to finish setup.")
			return nil
		}

		client := totem.NewClient(cfg.API.BaseURL,
			totem.WithAPIKey(cfg.API.APIKey),
			totem.WithKioskID(cfg.Kiosk.ID),
		)
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		fmt.Println()
		q, err := client.FetchPublicQueue(ctx, cfg.Kiosk.TenantID)
		if err != nil {
			fmt.Printf("Queue:     unavailable (%v)\n", err)
		} else {
			fmt.Printf("Queue:     %d waiting, %d serving, ~%.0f min wait\n",
				q.Stats.Waiting, q.Stats.Serving, q.Stats.EstimatedWaitMinutes)
			for _, t := range q.Tickets {
				fmt.Printf("  %-8s %-12s pos=%d %s\n", t.Number, t.Status, t.Position, t.Counter)
			}
		}

		if statusPayment != "" {
			p, err := client.FetchPaymentSession(ctx, statusPayment)
			if err != nil {
				return fmt.Errorf("fetch payment %s: %w", statusPayment, err)
			}
			fmt.Printf("Payment:   %s %s", p.ID, p.Status)
			if p.TicketID != "" {
				fmt.Printf(" ticket=%s", p.TicketID)
			}
			if p.FailureReason != "" {
				fmt.Printf(" reason=%s", p.FailureReason)
			}
			fmt.Println()
		}
		return nil
	},
}

func maxAttemptsOrDefault(n int) int {
	if n <= 0 {
		return totem.DefaultMaxReconnectAttempts
	}
	return n
}
