package totem

import (
	"errors"
	"testing"
	"time"

	"github.com/LuminPulse-AI/Totem/sdk/golang/internal/clock"
)

type pollFixture struct {
	clock   *clock.FakeClock
	loop    *Loop
	store   *Store
	fetcher *fakeFetcher
	poller  *Poller
}

func newPollFixture() *pollFixture {
	f := &pollFixture{
		clock:   clock.Fake(epoch),
		loop:    NewLoop(),
		fetcher: newFakeFetcher(),
	}
	sched := NewScheduler(f.clock, f.loop)
	f.store = NewStore("tenant-1", NewMachine(quietLogger()), f.clock.Now, quietLogger())
	f.poller = NewPoller(PollerConfig{}, f.loop, sched, f.fetcher, f.store, quietLogger())
	f.loop.Do(f.poller.Start)
	return f
}

func (f *pollFixture) setOpen(c PollConcern, open bool) {
	f.loop.Do(func() { f.poller.SetChannelOpen(c, open) })
}

func (f *pollFixture) payment() PaymentSession {
	var p PaymentSession
	f.loop.Do(func() { p, _ = f.store.Payment() })
	return p
}

func TestPoller(t *testing.T) {
	t.Run("queue polls every 30s while its channel is down", func(t *testing.T) {
		f := newPollFixture()
		f.fetcher.setQueue(QueueSnapshot{TenantID: "tenant-1", Stats: QueueStats{Waiting: 3}})

		f.clock.Advance(29 * time.Second)
		if _, q := f.fetcher.calls(); q != 0 {
			t.Fatalf("queue polled early: %d", q)
		}
		f.clock.Advance(time.Second)
		f.clock.Advance(60 * time.Second)
		if _, q := f.fetcher.calls(); q != 3 {
			t.Fatalf("queue calls = %d, want 3", q)
		}
		var waiting int
		f.loop.Do(func() {
			q, _ := f.store.Queue()
			waiting = q.Stats.Waiting
		})
		if waiting != 3 {
			t.Errorf("waiting = %d, want 3", waiting)
		}
	})

	t.Run("payment polls only while a session is pending", func(t *testing.T) {
		f := newPollFixture()
		f.clock.Advance(10 * time.Second)
		if p, _ := f.fetcher.calls(); p != 0 {
			t.Fatalf("payment polled without a session: %d", p)
		}

		f.loop.Do(func() { f.store.BeginPayment("p1", "card", 10) })
		f.fetcher.setPayment(PaymentSession{ID: "p1", Status: PaymentPending})
		f.clock.Advance(10 * time.Second)
		if p, _ := f.fetcher.calls(); p != 2 {
			t.Fatalf("payment calls = %d, want 2", p)
		}

		f.fetcher.setPayment(PaymentSession{ID: "p1", Status: PaymentPaid, TicketID: "t1"})
		f.clock.Advance(5 * time.Second)
		if got := f.payment().Status; got != PaymentPaid {
			t.Fatalf("status = %s, want paid", got)
		}
		f.clock.Advance(time.Minute)
		if p, _ := f.fetcher.calls(); p != 3 {
			t.Errorf("payment calls after paid = %d, want 3", p)
		}
	})

	t.Run("opening the channel stops polling at once", func(t *testing.T) {
		f := newPollFixture()
		f.loop.Do(func() { f.store.BeginPayment("p1", "card", 10) })
		f.fetcher.setPayment(PaymentSession{ID: "p1", Status: PaymentPending})

		f.setOpen(ConcernPayment, true)
		f.setOpen(ConcernQueue, true)
		if f.poller.Active(ConcernPayment) || f.poller.Active(ConcernQueue) {
			t.Fatal("poller active with channels open")
		}
		f.clock.Advance(time.Hour)
		if p, q := f.fetcher.calls(); p != 0 || q != 0 {
			t.Errorf("calls while open = %d/%d", p, q)
		}

		f.setOpen(ConcernPayment, false)
		f.clock.Advance(5 * time.Second)
		if p, q := f.fetcher.calls(); p != 1 || q != 0 {
			t.Errorf("calls after payment channel closed = %d/%d, want 1/0", p, q)
		}
	})

	t.Run("errors are swallowed and the interval continues", func(t *testing.T) {
		f := newPollFixture()
		f.loop.Do(func() { f.store.BeginPayment("p1", "card", 10) })
		f.fetcher.setErr(errors.New("503"))
		f.clock.Advance(15 * time.Second)
		if p, _ := f.fetcher.calls(); p != 3 {
			t.Fatalf("payment calls = %d, want 3", p)
		}
		f.fetcher.setErr(nil)
		f.fetcher.setPayment(PaymentSession{ID: "p1", Status: PaymentFailed})
		f.clock.Advance(5 * time.Second)
		if got := f.payment().Status; got != PaymentFailed {
			t.Errorf("status = %s, want failed", got)
		}
	})

	t.Run("result after deactivation is discarded", func(t *testing.T) {
		f := newPollFixture()
		f.loop.Do(func() { f.store.BeginPayment("p1", "card", 10) })
		f.fetcher.setPayment(PaymentSession{ID: "p1", Status: PaymentPaid})
		f.fetcher.beforeReturn = func() { f.setOpen(ConcernPayment, true) }

		f.clock.Advance(5 * time.Second)
		if p, _ := f.fetcher.calls(); p != 1 {
			t.Fatalf("payment calls = %d, want 1", p)
		}
		if got := f.payment().Status; got != PaymentPending {
			t.Errorf("status = %s, want pending", got)
		}
	})

	t.Run("result for a replaced session is discarded", func(t *testing.T) {
		f := newPollFixture()
		f.loop.Do(func() { f.store.BeginPayment("p1", "card", 10) })
		f.fetcher.setPayment(PaymentSession{ID: "p1", Status: PaymentPaid})
		f.fetcher.beforeReturn = func() {
			f.loop.Do(func() { f.store.BeginPayment("p2", "card", 10) })
		}

		f.clock.Advance(5 * time.Second)
		p := f.payment()
		if p.ID != "p2" || p.Status != PaymentPending {
			t.Errorf("payment = %+v, want p2 pending", p)
		}
	})

	t.Run("stop cancels both concerns", func(t *testing.T) {
		f := newPollFixture()
		f.loop.Do(func() { f.store.BeginPayment("p1", "card", 10) })
		f.loop.Do(f.poller.Stop)
		f.setOpen(ConcernQueue, false)
		f.clock.Advance(time.Hour)
		if p, q := f.fetcher.calls(); p != 0 || q != 0 {
			t.Errorf("calls after stop = %d/%d", p, q)
		}
	})
}
