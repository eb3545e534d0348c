package totem

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LuminPulse-AI/Totem/sdk/golang/internal/clock"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── fake transport ────────────────────────────────────────

type fakeTransport struct {
	mu      sync.Mutex
	sockets []*fakeSocket
}

func (t *fakeTransport) Open(url string, events SocketEvents) Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &fakeSocket{url: url, events: events}
	t.sockets = append(t.sockets, s)
	return s
}

// opened returns how many sockets were opened for urls containing substr.
func (t *fakeTransport) opened(substr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sockets {
		if strings.Contains(s.url, substr) {
			n++
		}
	}
	return n
}

// last returns the newest socket whose url contains substr.
func (t *fakeTransport) last(tb testing.TB, substr string) *fakeSocket {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sockets) - 1; i >= 0; i-- {
		if strings.Contains(t.sockets[i].url, substr) {
			return t.sockets[i]
		}
	}
	tb.Fatalf("no socket opened for %q", substr)
	return nil
}

type fakeSocket struct {
	url    string
	events SocketEvents

	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	closeCode int
}

func (s *fakeSocket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("socket closed")
	}
	s.sent = append(s.sent, frame)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCode = code
	return nil
}

func (s *fakeSocket) open() { s.events.OnOpen() }
func (s *fakeSocket) drop() { s.events.OnClose(statusAbnormalClosure, "network lost") }
func (s *fakeSocket) closeWith(code int) { s.events.OnClose(code, "") }
func (s *fakeSocket) fail(err error) { s.events.OnError(err) }
func (s *fakeSocket) deliverRaw(b []byte) { s.events.OnMessage(b) }
func (s *fakeSocket) deliver(kind MessageKind, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	frame, err := json.Marshal(Envelope{Type: string(kind), Data: raw})
	if err != nil {
		panic(err)
	}
	s.events.OnMessage(frame)
}

func (s *fakeSocket) sentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []string
	for _, f := range s.sent {
		var c Command
		if err := json.Unmarshal(f, &c); err == nil {
			types = append(types, c.Type)
		}
	}
	return types
}

func (s *fakeSocket) closedWith() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode
}

// ── fake fetcher ──────────────────────────────────────────

type fakeFetcher struct {
	mu           sync.Mutex
	payments     map[string]PaymentSession
	queue        *QueueSnapshot
	err          error
	paymentCalls int
	queueCalls   int
	// beforeReturn runs after the call is counted and before the result is
	// handed back, outside the kiosk loop.
	beforeReturn func()
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{payments: make(map[string]PaymentSession)}
}

func (f *fakeFetcher) setPayment(p PaymentSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.ID] = p
}

func (f *fakeFetcher) setQueue(q QueueSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = &q
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) calls() (payment, queue int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paymentCalls, f.queueCalls
}

func (f *fakeFetcher) FetchPaymentSession(ctx context.Context, id string) (*PaymentSession, error) {
	f.mu.Lock()
	f.paymentCalls++
	hook := f.beforeReturn
	err := f.err
	p, ok := f.payments[id]
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &APIError{Code: "NOT_FOUND", Message: "no such session"}
	}
	return &p, nil
}

func (f *fakeFetcher) FetchPublicQueue(ctx context.Context, tenantID string) (*QueueSnapshot, error) {
	f.mu.Lock()
	f.queueCalls++
	hook := f.beforeReturn
	err := f.err
	q := f.queue
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if q == nil {
		return &QueueSnapshot{TenantID: tenantID}, nil
	}
	out := q.clone()
	return &out, nil
}

// ── recording notifier and callbacks ──────────────────────

type recorder struct {
	mu          sync.Mutex
	sounds      []Sound
	screens     []Screen
	errs        []string
	successes   []PaymentSession
	changes     []TransitionEvent
	connections []bool
	queues      []QueueSnapshot
	raw         [][]byte
}

func (r *recorder) Play(s Sound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sounds = append(r.sounds, s)
	return nil
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnSuccess: func(p PaymentSession) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.successes = append(r.successes, p)
		},
		OnError: func(msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, msg)
		},
		OnStatusChange: func(ev TransitionEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.changes = append(r.changes, ev)
		},
		OnConnectionChange: func(c bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connections = append(r.connections, c)
		},
		OnNavigate: func(s Screen) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.screens = append(r.screens, s)
		},
		OnQueueUpdate: func(q QueueSnapshot) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.queues = append(r.queues, q)
		},
		OnRaw: func(b []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.raw = append(r.raw, b)
		},
	}
}

func (r *recorder) soundList() []Sound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sound(nil), r.sounds...)
}

func (r *recorder) screenList() []Screen {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Screen(nil), r.screens...)
}

func (r *recorder) errorList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errs...)
}

func (r *recorder) connectionList() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.connections...)
}

func (r *recorder) successList() []PaymentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PaymentSession(nil), r.successes...)
}

func countSound(sounds []Sound, want Sound) int {
	n := 0
	for _, s := range sounds {
		if s == want {
			n++
		}
	}
	return n
}

// ── kiosk harness ─────────────────────────────────────────

type harness struct {
	kiosk     *Kiosk
	clock     *clock.FakeClock
	transport *fakeTransport
	fetcher   *fakeFetcher
	rec       *recorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:     clock.Fake(epoch),
		transport: &fakeTransport{},
		fetcher:   newFakeFetcher(),
		rec:       &recorder{},
	}
	cfg := Config{
		BaseURL:  "https://api.totem.test",
		TenantID: "tenant-1",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	k, err := New(cfg,
		WithClock(h.clock),
		WithTransport(h.transport),
		WithFetcher(h.fetcher),
		WithNotifier(h.rec),
		WithCallbacks(h.rec.callbacks()),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.kiosk = k
	t.Cleanup(k.Stop)
	return h
}

func (h *harness) session(t *testing.T) *fakeSocket { return h.transport.last(t, "/ws?") }
func (h *harness) queue(t *testing.T) *fakeSocket { return h.transport.last(t, "/totem") }
