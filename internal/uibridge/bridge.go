// Package uibridge exposes a running kiosk to the browser UI on the same
// machine: the UI reads state and drives the session over plain HTTP.
package uibridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	totem "github.com/LuminPulse-AI/Totem/sdk/golang"
)

// Kiosk is the part of *totem.Kiosk the bridge drives.
type Kiosk interface {
	Snapshot() totem.Snapshot
	BeginPayment(id, method string, amount float64) error
	ResetSession()
	TrackTicket(id, number string) error
	Retry() error
	RequestQueueUpdate() bool
}

// Bridge serves the UI API.
type Bridge struct {
	kiosk  Kiosk
	echo   *echo.Echo
	logger *slog.Logger
}

// New builds a bridge for k.
func New(k Kiosk, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{kiosk: k, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("ui request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	e.GET("/healthz", b.health)
	e.GET("/state", b.state)
	e.POST("/session", b.beginSession)
	e.DELETE("/session", b.resetSession)
	e.POST("/ticket", b.trackTicket)
	e.POST("/retry", b.retry)
	e.POST("/queue/refresh", b.refreshQueue)

	b.echo = e
	return b
}

// Handler returns the bridge as an http.Handler.
func (b *Bridge) Handler() http.Handler { return b.echo }

// Start listens on addr until Shutdown. It returns nil after a clean
// shutdown.
func (b *Bridge) Start(addr string) error {
	b.logger.Info("ui bridge listening", "addr", addr)
	if err := b.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (b *Bridge) Shutdown(ctx context.Context) error {
	return b.echo.Shutdown(ctx)
}

// ============================================================================
// Handlers
// ============================================================================

type errorResponse struct {
	Error string `json:"error"`
}

func (b *Bridge) health(c echo.Context) error {
	s := b.kiosk.Snapshot()
	status := http.StatusOK
	if s.Stopped {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]interface{}{
		"stopped":   s.Stopped,
		"connected": s.Connected,
	})
}

func (b *Bridge) state(c echo.Context) error {
	return c.JSON(http.StatusOK, b.kiosk.Snapshot())
}

// BeginSessionRequest starts a payment session.
type BeginSessionRequest struct {
	ID     string  `json:"id"`
	Method string  `json:"method"`
	Amount float64 `json:"amount"`
}

func (b *Bridge) beginSession(c echo.Context) error {
	var req BeginSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request"})
	}
	if req.ID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "id is required"})
	}
	if err := b.kiosk.BeginPayment(req.ID, req.Method, req.Amount); err != nil {
		return c.JSON(statusFor(err), errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusCreated, b.kiosk.Snapshot())
}

func (b *Bridge) resetSession(c echo.Context) error {
	b.kiosk.ResetSession()
	return c.NoContent(http.StatusNoContent)
}

// TrackTicketRequest follows a ticket issued without a payment.
type TrackTicketRequest struct {
	ID     string `json:"id"`
	Number string `json:"number"`
}

func (b *Bridge) trackTicket(c echo.Context) error {
	var req TrackTicketRequest
	if err := c.Bind(&req); err != nil || req.ID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "id is required"})
	}
	if err := b.kiosk.TrackTicket(req.ID, req.Number); err != nil {
		return c.JSON(statusFor(err), errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, b.kiosk.Snapshot())
}

func (b *Bridge) retry(c echo.Context) error {
	if err := b.kiosk.Retry(); err != nil {
		return c.JSON(statusFor(err), errorResponse{Error: err.Error()})
	}
	return c.NoContent(http.StatusAccepted)
}

func (b *Bridge) refreshQueue(c echo.Context) error {
	if !b.kiosk.RequestQueueUpdate() {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "queue channel is not open"})
	}
	return c.NoContent(http.StatusAccepted)
}

func statusFor(err error) int {
	if errors.Is(err, totem.ErrTornDown) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}
