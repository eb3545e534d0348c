package totem

import (
	"errors"
	"testing"
	"time"
)

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.kiosk.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func (h *harness) openAll(t *testing.T) {
	t.Helper()
	h.session(t).open()
	h.queue(t).open()
}

func (h *harness) payment(t *testing.T) PaymentSession {
	t.Helper()
	s := h.kiosk.Snapshot()
	if s.Payment == nil {
		t.Fatal("no payment session")
	}
	return *s.Payment
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"derived urls", Config{BaseURL: "https://api.test", TenantID: "t1"}, true},
		{"explicit urls", Config{TenantID: "t1", Session: ConnectionConfig{URL: "ws://a"}, Queue: ConnectionConfig{URL: "ws://b"}}, true},
		{"missing tenant", Config{BaseURL: "https://api.test"}, false},
		{"missing urls", Config{TenantID: "t1"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg, WithTransport(&fakeTransport{}), WithFetcher(newFakeFetcher()), WithLogger(quietLogger()))
			if (err == nil) != tc.ok {
				t.Errorf("New() error = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestKioskPaymentScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.openAll(t)

	if err := h.kiosk.BeginPayment("p1", "card", 25); err != nil {
		t.Fatalf("BeginPayment() error = %v", err)
	}

	paid := PaymentSession{ID: "p1", Status: PaymentPaid, TicketID: "t1", UpdatedAt: "2026-03-02T09:00:30Z"}
	h.session(t).deliver(KindPaymentUpdate, paid)
	h.session(t).deliver(KindPaymentUpdate, paid)

	// a poll that raced the push and still saw the session pending
	var late ApplyResult
	h.kiosk.loop.Do(func() {
		late = h.kiosk.store.Apply(PaymentCandidate{
			Payment: PaymentSession{ID: "p1", Status: PaymentPending, UpdatedAt: "2026-03-02T09:00:20Z"},
			Source:  SourcePoll,
		})
	})
	if late != Rejected {
		t.Errorf("late pending poll = %v, want rejected", late)
	}

	if got := h.payment(t).Status; got != PaymentPaid {
		t.Fatalf("status = %s, want paid", got)
	}
	sounds := h.rec.soundList()
	if countSound(sounds, SoundSuccess) != 1 || countSound(sounds, SoundPaymentStarted) != 1 {
		t.Errorf("sounds = %v", sounds)
	}
	if got := h.rec.successList(); len(got) != 1 || got[0].ID != "p1" {
		t.Errorf("successes = %+v", got)
	}

	t.Run("ticket follows the paid session", func(t *testing.T) {
		h.session(t).deliver(KindTicketUpdate, Ticket{ID: "t1", Number: "A12", Status: TicketInQueue, Position: 3, UpdatedAt: "2026-03-02T09:00:31Z"})
		called := Ticket{ID: "t1", Status: TicketCalled, Counter: "4", UpdatedAt: "2026-03-02T09:05:00Z"}
		h.session(t).deliver(KindTicketStatusChanged, called)
		h.session(t).deliver(KindTicketStatusChanged, called)

		snap := h.kiosk.Snapshot()
		if snap.Ticket == nil || snap.Ticket.Status != TicketCalled || snap.Ticket.Number != "A12" || snap.Ticket.Counter != "4" {
			t.Fatalf("ticket = %+v", snap.Ticket)
		}
		sounds := h.rec.soundList()
		if countSound(sounds, SoundTicketCalled) != 1 || countSound(sounds, SoundBeep) != 1 {
			t.Errorf("sounds = %v", sounds)
		}
		screens := h.rec.screenList()
		want := []Screen{ScreenPayment, ScreenTicket, ScreenTicketCalled}
		if len(screens) != len(want) {
			t.Fatalf("screens = %v, want %v", screens, want)
		}
		for i := range want {
			if screens[i] != want[i] {
				t.Fatalf("screens = %v, want %v", screens, want)
			}
		}
	})
}

func TestKioskTicketRecoveredByPolling(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.setPayment(PaymentSession{ID: "p1", Status: PaymentPaid, TicketID: "t1", UpdatedAt: "2026-03-02T09:00:04Z"})
	h.fetcher.setQueue(QueueSnapshot{TenantID: "tenant-1", Tickets: []Ticket{
		{ID: "t1", Number: "A1", Status: TicketInQueue, Position: 1},
	}})
	h.start(t)
	if err := h.kiosk.BeginPayment("p1", "card", 10); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(30 * time.Second)
	snap := h.kiosk.Snapshot()
	if snap.Payment.Status != PaymentPaid || snap.Ticket == nil || snap.Ticket.Status != TicketInQueue {
		t.Fatalf("payment = %+v ticket = %+v, want paid and in_queue", snap.Payment, snap.Ticket)
	}

	h.openAll(t)
	h.session(t).deliver(KindTicketStatusChanged, Ticket{ID: "t1", Status: TicketCalled, Counter: "3", UpdatedAt: "2026-03-02T09:02:00Z"})

	if got := h.kiosk.Snapshot().Ticket.Status; got != TicketCalled {
		t.Fatalf("ticket status = %s, want called", got)
	}
	if n := countSound(h.rec.soundList(), SoundTicketCalled); n != 1 {
		t.Errorf("ticket_called sounds = %d, want 1", n)
	}
	screens := h.rec.screenList()
	if len(screens) == 0 || screens[len(screens)-1] != ScreenTicketCalled {
		t.Errorf("screens = %v", screens)
	}
}

func TestKioskTicketJumpRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.openAll(t)
	if err := h.kiosk.TrackTicket("t9", "B3"); err != nil {
		t.Fatal(err)
	}
	h.session(t).deliver(KindTicketStatusChanged, Ticket{ID: "t9", Status: TicketCalled, UpdatedAt: "2026-03-02T09:00:00Z"})

	snap := h.kiosk.Snapshot()
	if snap.Ticket.Status != TicketNone {
		t.Errorf("status = %s, want none", snap.Ticket.Status)
	}
	if got := h.rec.soundList(); len(got) != 0 {
		t.Errorf("sounds = %v", got)
	}
}

func TestKioskChannelNeverOpens(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.setPayment(PaymentSession{ID: "p1", Status: PaymentPending})
	h.start(t)
	if err := h.kiosk.BeginPayment("p1", "card", 10); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 40; i++ {
		h.session(t).drop()
		h.queue(t).drop()
		h.clock.Advance(3 * time.Second)
		if h.kiosk.IsConnected() {
			t.Fatal("IsConnected() = true while no channel ever opened")
		}
		snap := h.kiosk.Snapshot()
		if len(snap.Polling) != 2 {
			t.Fatalf("polling = %v at step %d, want both concerns", snap.Polling, i)
		}
	}

	// 120s elapsed: 24 payment polls, 4 queue polls
	p, q := h.fetcher.calls()
	if p != 24 || q != 4 {
		t.Errorf("poll calls = %d/%d, want 24/4", p, q)
	}
	if h.transport.opened("/ws?") != 6 || h.transport.opened("/totem") != 6 {
		t.Errorf("sockets = %d/%d, want 6/6", h.transport.opened("/ws?"), h.transport.opened("/totem"))
	}
	for _, c := range h.rec.connectionList() {
		if c {
			t.Fatal("OnConnectionChange(true) without an open channel")
		}
	}
	if got := len(h.rec.connectionList()); got != 2 {
		t.Errorf("exhaustion reports = %d, want 2", got)
	}

	t.Run("retry after exhaustion", func(t *testing.T) {
		if err := h.kiosk.Retry(); err != nil {
			t.Fatal(err)
		}
		if h.transport.opened("/ws?") != 7 || h.transport.opened("/totem") != 7 {
			t.Fatal("Retry did not reconnect both channels")
		}
		h.openAll(t)
		if !h.kiosk.IsConnected() {
			t.Error("IsConnected() = false with both channels open")
		}
		if len(h.kiosk.Snapshot().Polling) != 0 {
			t.Error("still polling with both channels open")
		}
	})
}

func TestKioskConnectivity(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.session(t).open()
	if h.kiosk.IsConnected() {
		t.Fatal("connected with only the session channel open")
	}
	h.queue(t).open()
	if !h.kiosk.IsConnected() {
		t.Fatal("not connected with both channels open")
	}
	if got := h.queue(t).sentTypes(); len(got) != 1 || got[0] != CommandRequestQueueUpdate {
		t.Errorf("queue channel sent %v on open", got)
	}
	if !h.kiosk.RequestQueueUpdate() {
		t.Error("RequestQueueUpdate() = false while open")
	}

	h.queue(t).drop()
	if h.kiosk.RequestQueueUpdate() {
		t.Error("RequestQueueUpdate() = true while closed")
	}
	if got := h.rec.connectionList(); len(got) != 2 || !got[0] || got[1] {
		t.Errorf("connection changes = %v, want [true false]", got)
	}
	snap := h.kiosk.Snapshot()
	if len(snap.Polling) != 1 || snap.Polling[0] != ConcernQueue {
		t.Errorf("polling = %v, want [queue]", snap.Polling)
	}

	t.Run("queue push reaches the consumer", func(t *testing.T) {
		h.session(t).deliver(KindQueueUpdate, QueueSnapshot{TenantID: "tenant-1", Stats: QueueStats{Waiting: 7}, UpdatedAt: "2026-03-02T09:00:00Z"})
		h.rec.mu.Lock()
		n := len(h.rec.queues)
		h.rec.mu.Unlock()
		if n != 1 {
			t.Fatalf("queue updates = %d, want 1", n)
		}
		if q := h.kiosk.Snapshot().Queue; q == nil || q.Stats.Waiting != 7 {
			t.Errorf("queue = %+v", q)
		}
	})

	t.Run("raw frames reach the consumer", func(t *testing.T) {
		h.session(t).deliverRaw([]byte("pong"))
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		if len(h.rec.raw) != 1 || string(h.rec.raw[0]) != "pong" {
			t.Errorf("raw = %q", h.rec.raw)
		}
	})
}

func TestKioskWatchdog(t *testing.T) {
	t.Run("fires exactly once at ten minutes", func(t *testing.T) {
		h := newHarness(t, nil)
		h.start(t)
		h.openAll(t)
		if err := h.kiosk.BeginPayment("p1", "card", 10); err != nil {
			t.Fatal(err)
		}

		h.clock.Advance(10*time.Minute - time.Millisecond)
		if got := h.payment(t).Status; got != PaymentPending {
			t.Fatalf("status before deadline = %s", got)
		}
		h.clock.Advance(time.Millisecond)
		p := h.payment(t)
		if p.Status != PaymentFailed || p.FailureReason != ReasonTimeout {
			t.Fatalf("payment = %+v, want failed/timeout", p)
		}
		h.clock.Advance(time.Hour)

		if got := h.rec.errorList(); len(got) != 1 || got[0] != "Payment timed out. Please try again." {
			t.Errorf("errors = %q", got)
		}
		if n := countSound(h.rec.soundList(), SoundError); n != 1 {
			t.Errorf("error sounds = %d, want 1", n)
		}
		h.rec.mu.Lock()
		last := h.rec.changes[len(h.rec.changes)-1]
		h.rec.mu.Unlock()
		if !last.At.Equal(epoch.Add(10*time.Minute)) || last.Source != SourceLocal {
			t.Errorf("timeout event = %+v", last)
		}
	})

	t.Run("fires once while payment polls land on the deadline", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fetcher.setPayment(PaymentSession{ID: "p1", Status: PaymentPending})
		h.start(t)
		h.queue(t).open()
		if err := h.kiosk.BeginPayment("p1", "card", 10); err != nil {
			t.Fatal(err)
		}

		h.clock.Advance(10 * time.Minute)
		if calls, _ := h.fetcher.calls(); calls < 119 {
			t.Fatalf("payment polls = %d, want polling throughout", calls)
		}
		p := h.payment(t)
		if p.Status != PaymentFailed || p.FailureReason != ReasonTimeout {
			t.Fatalf("payment = %+v, want failed/timeout", p)
		}

		h.fetcher.setPayment(PaymentSession{ID: "p1", Status: PaymentPaid, UpdatedAt: "2026-03-02T09:10:01Z"})
		h.clock.Advance(time.Minute)
		var late ApplyResult
		h.kiosk.loop.Do(func() {
			late = h.kiosk.store.Apply(PaymentCandidate{
				Payment: PaymentSession{ID: "p1", Status: PaymentPaid},
				Source:  SourcePoll,
			})
		})
		if late != Rejected {
			t.Errorf("late paid poll = %v, want rejected", late)
		}
		h.session(t).open()
		h.session(t).deliver(KindPaymentUpdate, PaymentSession{ID: "p1", Status: PaymentPaid, UpdatedAt: "2026-03-02T09:11:30Z"})

		if got := h.payment(t).Status; got != PaymentFailed {
			t.Errorf("status = %s, want failed", got)
		}
		failed := 0
		h.rec.mu.Lock()
		for _, ev := range h.rec.changes {
			if ev.Entity == EntityPayment && ev.To == string(PaymentFailed) {
				failed++
			}
		}
		h.rec.mu.Unlock()
		if failed != 1 {
			t.Errorf("failed transitions = %d, want 1", failed)
		}
		if n := countSound(h.rec.soundList(), SoundError); n != 1 {
			t.Errorf("error sounds = %d, want 1", n)
		}
		if n := countSound(h.rec.soundList(), SoundSuccess); n != 0 {
			t.Errorf("success sounds = %d, want 0", n)
		}
	})

	t.Run("terminal status cancels it", func(t *testing.T) {
		h := newHarness(t, nil)
		h.start(t)
		h.openAll(t)
		_ = h.kiosk.BeginPayment("p1", "card", 10)
		h.session(t).deliver(KindPaymentUpdate, PaymentSession{ID: "p1", Status: PaymentPaid, UpdatedAt: "2026-03-02T09:01:00Z"})
		h.clock.Advance(time.Hour)
		if got := h.payment(t).Status; got != PaymentPaid {
			t.Errorf("status = %s, want paid", got)
		}
		if got := h.rec.errorList(); len(got) != 0 {
			t.Errorf("errors = %q", got)
		}
	})

	t.Run("reset cancels it", func(t *testing.T) {
		h := newHarness(t, nil)
		h.start(t)
		h.openAll(t)
		_ = h.kiosk.BeginPayment("p1", "card", 10)
		h.clock.Advance(5 * time.Minute)
		h.kiosk.ResetSession()
		h.clock.Advance(time.Hour)
		if h.kiosk.Snapshot().Payment != nil {
			t.Error("payment survived reset")
		}
		if got := h.rec.errorList(); len(got) != 0 {
			t.Errorf("errors = %q", got)
		}
	})

	t.Run("new session re-arms from its own start", func(t *testing.T) {
		h := newHarness(t, nil)
		h.start(t)
		h.openAll(t)
		_ = h.kiosk.BeginPayment("p1", "card", 10)
		h.clock.Advance(6 * time.Minute)
		_ = h.kiosk.BeginPayment("p2", "pix", 10)
		h.clock.Advance(6 * time.Minute)
		if got := h.payment(t); got.ID != "p2" || got.Status != PaymentPending {
			t.Fatalf("payment = %+v, want p2 pending", got)
		}
		h.clock.Advance(4 * time.Minute)
		if got := h.payment(t).Status; got != PaymentFailed {
			t.Errorf("status = %s, want failed", got)
		}
	})
}

func TestKioskStop(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.openAll(t)
	_ = h.kiosk.BeginPayment("p1", "card", 10)
	queue := h.queue(t)
	h.session(t).drop()

	h.kiosk.Stop()
	h.kiosk.Stop()

	if closed, code := queue.closedWith(); !closed || code != StatusNormalClosure {
		t.Errorf("queue socket closed=%v code=%d", closed, code)
	}
	h.clock.Advance(time.Hour)
	if p, q := h.fetcher.calls(); p != 0 || q != 0 {
		t.Errorf("polls after stop = %d/%d", p, q)
	}
	if n := h.transport.opened("/ws?"); n != 1 {
		t.Errorf("reconnects after stop: %d sockets", n)
	}
	if got := h.rec.errorList(); len(got) != 0 {
		t.Errorf("watchdog fired after stop: %q", got)
	}

	queue.deliver(KindQueueUpdate, QueueSnapshot{TenantID: "tenant-1"})
	if h.kiosk.Snapshot().Queue != nil {
		t.Error("late frame applied after stop")
	}
	if err := h.kiosk.BeginPayment("p2", "card", 1); !errors.Is(err, ErrTornDown) {
		t.Errorf("BeginPayment() error = %v, want ErrTornDown", err)
	}
	if err := h.kiosk.Start(); !errors.Is(err, ErrTornDown) {
		t.Errorf("Start() error = %v, want ErrTornDown", err)
	}
}
