package totem

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LuminPulse-AI/Totem/sdk/golang/internal/clock"
)

// ErrTornDown is returned by Kiosk methods called after Stop.
var ErrTornDown = errors.New("kiosk is stopped")

// DefaultPaymentTimeout is how long a payment session may stay pending
// before the watchdog fails it.
const DefaultPaymentTimeout = 10 * time.Minute

// ============================================================================
// Config
// ============================================================================

// Config configures a Kiosk. Session.URL and Queue.URL default to the push
// channels derived from BaseURL and TenantID.
type Config struct {
	BaseURL  string
	TenantID string
	KioskID  string
	APIKey   string

	Session        ConnectionConfig
	Queue          ConnectionConfig
	Poll           PollerConfig
	PaymentTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Session.URL == "" && c.BaseURL != "" {
		c.Session.URL = SessionSocketURL(c.BaseURL, c.TenantID)
	}
	if c.Queue.URL == "" && c.BaseURL != "" {
		c.Queue.URL = QueueSocketURL(c.BaseURL, c.TenantID)
	}
	if c.PaymentTimeout == 0 {
		c.PaymentTimeout = DefaultPaymentTimeout
	}
}

func (c *Config) validate() error {
	if c.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if c.Session.URL == "" || c.Queue.URL == "" {
		return errors.New("base url is required")
	}
	return nil
}

// Option customizes a Kiosk.
type Option func(*Kiosk)

// WithClock replaces the wall clock; tests pass clock.Fake.
func WithClock(c clock.Clock) Option {
	return func(k *Kiosk) { k.clock = c }
}

// WithTransport replaces the WebSocket transport of both push channels.
func WithTransport(t Transport) Option {
	return func(k *Kiosk) { k.transport = t }
}

// WithFetcher replaces the REST client used for fallback polling.
func WithFetcher(f Fetcher) Option {
	return func(k *Kiosk) { k.fetcher = f }
}

func WithNotifier(n Notifier) Option {
	return func(k *Kiosk) { k.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(k *Kiosk) { k.logger = l }
}

func WithCallbacks(cb Callbacks) Option {
	return func(k *Kiosk) { k.callbacks = cb }
}

// ============================================================================
// Kiosk
// ============================================================================

// Kiosk is the sync layer of one kiosk: two push channels (payment/ticket
// session and public queue), the fallback poller that covers for them, the
// reconciled store and the notification dispatcher.
//
// All methods are safe for concurrent use.
type Kiosk struct {
	cfg       Config
	clock     clock.Clock
	transport Transport
	fetcher   Fetcher
	notifier  Notifier
	logger    *slog.Logger
	callbacks Callbacks

	loop       *Loop
	sched      *Scheduler
	machine    *Machine
	store      *Store
	router     *Router
	poller     *Poller
	dispatcher *Dispatcher
	session    *ConnectionManager
	queue      *ConnectionManager

	watchdog  *Timer
	connected bool
	started   bool
	stopped   bool
}

// New builds a stopped kiosk. Call Start to connect.
func New(cfg Config, opts ...Option) (*Kiosk, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	k := &Kiosk{cfg: cfg}
	for _, opt := range opts {
		opt(k)
	}
	if k.clock == nil {
		k.clock = clock.Real()
	}
	if k.transport == nil {
		k.transport = &WebSocketTransport{}
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	k.logger = k.logger.With("tenant", cfg.TenantID)
	if k.fetcher == nil {
		k.fetcher = NewClient(cfg.BaseURL, WithAPIKey(cfg.APIKey), WithKioskID(cfg.KioskID))
	}

	k.loop = NewLoop()
	k.sched = NewScheduler(k.clock, k.loop)
	k.machine = NewMachine(k.logger)
	k.store = NewStore(cfg.TenantID, k.machine, k.clock.Now, k.logger)
	k.dispatcher = NewDispatcher(k.notifier, k.loop, k.store, k.callbacks, k.logger)
	k.router = NewRouter(k.store, k.dispatcher.Raw, k.logger)
	k.poller = NewPoller(cfg.Poll, k.loop, k.sched, k.fetcher, k.store, k.logger)

	k.machine.OnTransition(k.onTransition)
	k.store.OnQueue(k.dispatcher.QueueUpdated)

	k.session = NewConnectionManager(cfg.Session, k.loop, k.sched, k.transport, ConnectionHandlers{
		OnStatus:    func(s ConnectionStatus) { k.onChannelStatus(ConcernPayment, s) },
		OnMessage:   k.onFrame,
		OnExhausted: func(int) { k.onExhausted("session") },
	}, k.logger.With("channel", "session"))
	k.queue = NewConnectionManager(cfg.Queue, k.loop, k.sched, k.transport, ConnectionHandlers{
		OnStatus:    func(s ConnectionStatus) { k.onChannelStatus(ConcernQueue, s) },
		OnMessage:   k.onFrame,
		OnExhausted: func(int) { k.onExhausted("queue") },
	}, k.logger.With("channel", "queue"))

	return k, nil
}

// Start opens both push channels and starts fallback polling for every
// channel that is not open yet.
func (k *Kiosk) Start() error {
	var err error
	k.loop.Do(func() {
		if k.stopped {
			err = ErrTornDown
			return
		}
		if k.started {
			return
		}
		k.started = true
		k.poller.Start()
		k.session.Connect()
		k.queue.Connect()
		k.logger.Info("kiosk started")
	})
	return err
}

// Stop tears everything down: sockets close with the normal-closure code,
// every reconnect, poll and watchdog timer is cancelled, and late events
// become no-ops. Stop is idempotent.
func (k *Kiosk) Stop() {
	k.loop.Do(func() {
		if k.stopped {
			return
		}
		k.stopped = true
		k.cancelWatchdog()
		k.poller.Stop()
		k.session.Disconnect()
		k.queue.Disconnect()
		k.sched.Close()
		k.logger.Info("kiosk stopped")
	})
}

// BeginPayment starts tracking payment session id as pending and arms the
// payment watchdog. Any previous session and its ticket are replaced.
func (k *Kiosk) BeginPayment(id, method string, amount float64) error {
	if id == "" {
		return errors.New("payment session id is required")
	}
	var err error
	k.loop.Do(func() {
		if k.stopped {
			err = ErrTornDown
			return
		}
		k.cancelWatchdog()
		k.store.BeginPayment(id, method, amount)
		k.armWatchdog(id)
	})
	return err
}

// ResetSession forgets the payment session and ticket, for example when the
// user goes back to service selection. The pending watchdog is cancelled.
func (k *Kiosk) ResetSession() {
	k.loop.Do(func() {
		if k.stopped {
			return
		}
		k.cancelWatchdog()
		k.store.Reset()
		k.router.Forget()
	})
}

// TrackTicket follows a ticket that was issued without a payment.
func (k *Kiosk) TrackTicket(id, number string) error {
	if id == "" {
		return errors.New("ticket id is required")
	}
	var err error
	k.loop.Do(func() {
		if k.stopped {
			err = ErrTornDown
			return
		}
		k.store.TrackTicket(id, number)
	})
	return err
}

// RequestQueueUpdate asks the server to push the current queue. It reports
// false when the queue channel is not open.
func (k *Kiosk) RequestQueueUpdate() bool {
	var ok bool
	k.loop.Do(func() {
		if k.stopped {
			return
		}
		ok = k.queue.Send(Command{Type: CommandRequestQueueUpdate})
	})
	return ok
}

// Retry restarts the reconnect budget of every channel that is not open.
func (k *Kiosk) Retry() error {
	var err error
	k.loop.Do(func() {
		if k.stopped {
			err = ErrTornDown
			return
		}
		if !k.started {
			return
		}
		for _, m := range []*ConnectionManager{k.session, k.queue} {
			if !m.IsOpen() {
				m.Retry()
			}
		}
	})
	return err
}

// IsConnected reports whether both push channels are open.
func (k *Kiosk) IsConnected() bool {
	var c bool
	k.loop.Do(func() { c = k.connected })
	return c
}

// ConnectionStatus returns the status of the session and queue channels.
func (k *Kiosk) ConnectionStatus() (session, queue ConnectionStatus) {
	k.loop.Do(func() {
		session, queue = k.session.Status(), k.queue.Status()
	})
	return session, queue
}

// Snapshot is a consistent copy of the kiosk state.
type Snapshot struct {
	TenantID       string           `json:"tenant_id"`
	Payment        *PaymentSession  `json:"payment,omitempty"`
	Ticket         *Ticket          `json:"ticket,omitempty"`
	Queue          *QueueSnapshot   `json:"queue,omitempty"`
	SessionChannel ConnectionStatus `json:"session_channel"`
	QueueChannel   ConnectionStatus `json:"queue_channel"`
	Connected      bool             `json:"connected"`
	Polling        []PollConcern    `json:"polling,omitempty"`
	Stopped        bool             `json:"stopped"`
}

// Snapshot returns the current state.
func (k *Kiosk) Snapshot() Snapshot {
	var s Snapshot
	k.loop.Do(func() {
		s = Snapshot{
			TenantID:       k.cfg.TenantID,
			SessionChannel: k.session.Status(),
			QueueChannel:   k.queue.Status(),
			Connected:      k.connected,
			Stopped:        k.stopped,
		}
		if p, ok := k.store.Payment(); ok {
			s.Payment = &p
		}
		if t, ok := k.store.Ticket(); ok {
			s.Ticket = &t
		}
		if q, ok := k.store.Queue(); ok {
			s.Queue = &q
		}
		for _, c := range []PollConcern{ConcernPayment, ConcernQueue} {
			if k.poller.Active(c) {
				s.Polling = append(s.Polling, c)
			}
		}
	})
	return s
}

// ── loop-side handlers ────────────────────────────────────

func (k *Kiosk) onFrame(frame []byte) {
	k.router.Route(frame)
}

func (k *Kiosk) onChannelStatus(concern PollConcern, s ConnectionStatus) {
	k.poller.SetChannelOpen(concern, s == StatusOpen)
	if concern == ConcernQueue && s == StatusOpen {
		if !k.queue.Send(Command{Type: CommandRequestQueueUpdate}) {
			k.logger.Warn("could not request queue update")
		}
	}

	connected := k.session.IsOpen() && k.queue.IsOpen()
	if connected != k.connected {
		k.connected = connected
		k.dispatcher.ConnectionChanged(connected)
	}
}

func (k *Kiosk) onExhausted(channel string) {
	k.logger.Error("push channel unavailable, staying on fallback polling", "channel", channel)
	k.dispatcher.ConnectionChanged(false)
}

func (k *Kiosk) onTransition(ev TransitionEvent) {
	if ev.Entity == EntityPayment && PaymentStatus(ev.To).Terminal() {
		k.cancelWatchdog()
	}
	k.dispatcher.Handle(ev)
}

func (k *Kiosk) armWatchdog(id string) {
	k.watchdog = k.sched.Schedule(k.cfg.PaymentTimeout, func() {
		k.watchdog = nil
		if live, ok := k.store.PendingPaymentID(); !ok || live != id {
			return
		}
		k.logger.Warn("payment session timed out", "session", id, "after", k.cfg.PaymentTimeout)
		k.store.Apply(PaymentCandidate{
			Payment: PaymentSession{ID: id, Status: PaymentFailed},
			Source:  SourceLocal,
			Reason:  ReasonTimeout,
		})
	})
}

func (k *Kiosk) cancelWatchdog() {
	k.watchdog.Cancel()
	k.watchdog = nil
}
