package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	totem "github.com/LuminPulse-AI/Totem/sdk/golang"
	"github.com/LuminPulse-AI/Totem/sdk/golang/internal/uibridge"
)

var (
	watchUIAddr  string
	watchPayment string
	watchTicket  string
	watchBell    bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchUIAddr, "ui-addr", "", "serve the UI bridge on this address (default kiosk.ui_addr)")
	watchCmd.Flags().StringVar(&watchPayment, "payment", "", "begin tracking this payment session on start")
	watchCmd.Flags().StringVar(&watchTicket, "ticket", "", "begin tracking this ticket id on start")
	watchCmd.Flags().BoolVar(&watchBell, "bell", false, "ring the terminal bell for kiosk sounds")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the kiosk sync layer and print every state change",
	Long:  "Connect both push channels, fall back to polling while they are down, and print transitions, navigation and queue updates until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		kcfg, err := kioskConfig(cfg)
		if err != nil {
			return err
		}

		k, err := totem.New(kcfg,
			totem.WithLogger(slog.Default()),
			totem.WithCallbacks(printCallbacks()),
			totem.WithNotifier(terminalNotifier(watchBell)),
		)
		if err != nil {
			return err
		}
		if err := k.Start(); err != nil {
			return err
		}
		defer k.Stop()

		if watchPayment != "" {
			if err := k.BeginPayment(watchPayment, "", 0); err != nil {
				return fmt.Errorf("begin payment: %w", err)
			}
		}
		if watchTicket != "" {
			if err := k.TrackTicket(watchTicket, ""); err != nil {
				return fmt.Errorf("track ticket: %w", err)
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, ctx := errgroup.WithContext(ctx)

		addr := valueOrDefault(watchUIAddr, cfg.Kiosk.UIAddr)
		if addr != "" {
			bridge := uibridge.New(k, slog.Default())
			g.Go(func() error { return bridge.Start(addr) })
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return bridge.Shutdown(shutdownCtx)
			})
		}
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("shutting down")
			return nil
		})
		return g.Wait()
	},
}

// printCallbacks writes one coloured line per kiosk event to stdout.
func printCallbacks() totem.Callbacks {
	ts := func() string { return color.GreenString(time.Now().Format("15:04:05")) }
	return totem.Callbacks{
		OnStatusChange: func(ev totem.TransitionEvent) {
			fmt.Printf("%s %s %s (%s)\n", ts(), color.CyanString("transition"), ev, ev.Source)
		},
		OnNavigate: func(s totem.Screen) {
			fmt.Printf("%s %s %s\n", ts(), color.MagentaString("navigate"), s)
		},
		OnSuccess: func(p totem.PaymentSession) {
			fmt.Printf("%s %s payment %s ticket=%s\n", ts(), color.GreenString("success"), p.ID, p.TicketID)
		},
		OnError: func(msg string) {
			fmt.Printf("%s %s %s\n", ts(), color.RedString("error"), msg)
		},
		OnConnectionChange: func(connected bool) {
			state := color.RedString("offline")
			if connected {
				state = color.GreenString("online")
			}
			fmt.Printf("%s %s %s\n", ts(), color.BlueString("connection"), state)
		},
		OnQueueUpdate: func(q totem.QueueSnapshot) {
			fmt.Printf("%s %s %d waiting, %d serving\n", ts(), color.YellowString("queue"), q.Stats.Waiting, q.Stats.Serving)
		},
	}
}

func terminalNotifier(bell bool) totem.Notifier {
	return totem.NotifierFunc(func(s totem.Sound) error {
		if bell {
			fmt.Print("\a")
		}
		slog.Debug("sound", "sound", s)
		return nil
	})
}
