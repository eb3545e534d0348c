package main

import (
	"errors"
	"fmt"
	"time"

	totem "github.com/LuminPulse-AI/Totem/sdk/golang"
)

// kioskConfig turns the CLI configuration into a library Config.
func kioskConfig(cfg *Config) (totem.Config, error) {
	if cfg.Kiosk.TenantID == "" {
		return totem.Config{}, errors.New("no tenant configured. Run 'totem init <tenant-id>' first")
	}
	if cfg.API.BaseURL == "" {
		return totem.Config{}, errors.New("no base URL configured. Run 'totem config set api.base_url <url>'")
	}

	out := totem.Config{
		BaseURL:  cfg.API.BaseURL,
		TenantID: cfg.Kiosk.TenantID,
		KioskID:  cfg.Kiosk.ID,
		APIKey:   cfg.API.APIKey,
	}
	if cfg.Sync.MaxReconnectAttempts < 0 {
		return totem.Config{}, errors.New("invalid sync.max_reconnect_attempts: must be positive")
	}
	out.Session.MaxReconnectAttempts = cfg.Sync.MaxReconnectAttempts
	out.Queue.MaxReconnectAttempts = cfg.Sync.MaxReconnectAttempts

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"sync.reconnect_interval", cfg.Sync.ReconnectInterval, &out.Session.ReconnectInterval},
		{"sync.payment_poll_interval", cfg.Sync.PaymentPollInterval, &out.Poll.PaymentInterval},
		{"sync.queue_poll_interval", cfg.Sync.QueuePollInterval, &out.Poll.QueueInterval},
		{"sync.payment_timeout", cfg.Sync.PaymentTimeout, &out.PaymentTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return totem.Config{}, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}
	out.Queue.ReconnectInterval = out.Session.ReconnectInterval
	return out, nil
}

// maskKey shows the first 4 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
