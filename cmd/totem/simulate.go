package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/Totem/sdk/golang/internal/devserver"
)

var simulateAddr string

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simulateAddr, "addr", "127.0.0.1:8787", "listen address")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a local backend with payment, queue and push endpoints",
	Long: `Run an in-memory backend for kiosk development.

Drive it with the admin endpoints, for example:
  curl -X POST localhost:8787/admin/payments -d '{"id":"p1","tenant_id":"t1"}'
  curl -X POST localhost:8787/admin/payments/p1/status -d '{"status":"paid","ticket_id":"k1","ticket_number":"A001"}'
  curl -X POST localhost:8787/admin/tenants/t1/drop`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := &http.Server{
			Addr:              simulateAddr,
			Handler:           devserver.New(slog.Default()),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			slog.Info("simulator listening", "addr", simulateAddr)
			fmt.Printf("Point a kiosk at it with: totem config set api.base_url http://%s\n", simulateAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}
