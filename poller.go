package totem

import (
	"context"
	"log/slog"
	"time"
)

// PollConcern names one independently polled piece of state.
type PollConcern string

const (
	ConcernPayment PollConcern = "payment"
	ConcernQueue   PollConcern = "queue"
)

// PollerConfig configures the fallback poller.
type PollerConfig struct {
	PaymentInterval time.Duration
	QueueInterval   time.Duration
	FetchTimeout    time.Duration
}

func (c *PollerConfig) defaults() {
	if c.PaymentInterval == 0 {
		c.PaymentInterval = 5 * time.Second
	}
	if c.QueueInterval == 0 {
		c.QueueInterval = 30 * time.Second
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 10 * time.Second
	}
}

// Poller re-fetches state over the REST API while a push channel is down.
// Each concern polls on its own fixed interval and only while its channel is
// not open. Results go through Store.Apply exactly like push updates.
//
// Poller is not safe for concurrent use; call it from inside its Loop.
type Poller struct {
	cfg     PollerConfig
	loop    *Loop
	sched   *Scheduler
	fetcher Fetcher
	store   *Store
	logger  *slog.Logger

	concerns map[PollConcern]*pollConcern
	started  bool
	closed   bool
}

type pollConcern struct {
	name        PollConcern
	interval    time.Duration
	channelOpen bool
	timer       *Timer
	// generation changes every time the interval stops, so results of
	// fetches issued by an earlier interval are recognised and dropped.
	generation uint64

	target func() (string, bool)
	fetch  func(ctx context.Context, target string) (Candidate, error)
}

// NewPoller returns a stopped poller. sched must fire on loop.
func NewPoller(cfg PollerConfig, loop *Loop, sched *Scheduler, fetcher Fetcher, store *Store, logger *slog.Logger) *Poller {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		cfg:     cfg,
		loop:    loop,
		sched:   sched,
		fetcher: fetcher,
		store:   store,
		logger:  logger,
	}
	p.concerns = map[PollConcern]*pollConcern{
		ConcernPayment: {
			name:     ConcernPayment,
			interval: cfg.PaymentInterval,
			target:   store.PendingPaymentID,
			fetch: func(ctx context.Context, id string) (Candidate, error) {
				session, err := fetcher.FetchPaymentSession(ctx, id)
				if err != nil {
					return nil, err
				}
				return PaymentCandidate{Payment: *session, Source: SourcePoll}, nil
			},
		},
		ConcernQueue: {
			name:     ConcernQueue,
			interval: cfg.QueueInterval,
			target: func() (string, bool) {
				id := store.TenantID()
				return id, id != ""
			},
			fetch: func(ctx context.Context, tenantID string) (Candidate, error) {
				queue, err := fetcher.FetchPublicQueue(ctx, tenantID)
				if err != nil {
					return nil, err
				}
				return QueueCandidate{Queue: *queue, Source: SourcePoll}, nil
			},
		},
	}
	return p
}

// Start activates every concern whose channel is not open.
func (p *Poller) Start() {
	if p.closed {
		return
	}
	p.started = true
	for _, c := range p.concerns {
		p.sync(c)
	}
}

// Stop cancels every interval for good. Fetches still in flight complete
// but their results are dropped.
func (p *Poller) Stop() {
	p.closed = true
	for _, c := range p.concerns {
		p.sync(c)
	}
}

// SetChannelOpen records the state of the push channel serving concern.
// Opening cancels the concern's interval before its next tick.
func (p *Poller) SetChannelOpen(concern PollConcern, open bool) {
	c, ok := p.concerns[concern]
	if !ok {
		return
	}
	c.channelOpen = open
	p.sync(c)
}

// Active reports whether concern is currently polling.
func (p *Poller) Active(concern PollConcern) bool {
	c, ok := p.concerns[concern]
	return ok && c.timer.Active()
}

func (p *Poller) sync(c *pollConcern) {
	run := p.started && !p.closed && !c.channelOpen
	switch {
	case run && !c.timer.Active():
		p.logger.Info("fallback polling started", "concern", c.name, "interval", c.interval)
		c.timer = p.sched.Every(c.interval, func() { p.tick(c) })
	case !run && c.timer.Active():
		p.logger.Info("fallback polling stopped", "concern", c.name)
		c.timer.Cancel()
		c.timer = nil
		c.generation++
	}
}

func (p *Poller) tick(c *pollConcern) {
	target, ok := c.target()
	if !ok {
		return
	}
	gen := c.generation
	p.loop.Detach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FetchTimeout)
		candidate, err := c.fetch(ctx, target)
		cancel()
		p.loop.Do(func() { p.deliver(c, gen, target, candidate, err) })
	})
}

func (p *Poller) deliver(c *pollConcern, gen uint64, target string, candidate Candidate, err error) {
	if p.closed || gen != c.generation {
		p.logger.Debug("discarding poll result from stopped interval", "concern", c.name)
		return
	}
	if err != nil {
		p.logger.Warn("poll failed", "concern", c.name, "target", target, "err", err)
		return
	}
	// The kiosk may have moved on while the fetch was out.
	if live, ok := c.target(); !ok || live != target {
		p.logger.Debug("discarding poll result for stale target", "concern", c.name, "target", target)
		return
	}
	result := p.store.Apply(candidate)
	p.logger.Debug("poll applied", "concern", c.name, "result", result)
}
