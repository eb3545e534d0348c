// Package devserver simulates the kiosk backend: the REST poll endpoints,
// both push channels and a small admin API to move payments and tickets
// through their lifecycle. It backs `totem simulate` and the end-to-end
// tests.
package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"nhooyr.io/websocket"

	totem "github.com/LuminPulse-AI/Totem/sdk/golang"
)

const (
	channelSession = "session"
	channelQueue   = "queue"

	// minutes per waiting ticket used for the estimated wait
	minutesPerTicket = 5
)

// Server is an in-memory kiosk backend.
type Server struct {
	logger *slog.Logger
	router *mux.Router
	now    func() time.Time

	mu       sync.Mutex
	payments map[string]*payment
	tickets  map[string]*ticket
	seq      int
	subs     map[*subscriber]struct{}
}

type payment struct {
	tenant  string
	session totem.PaymentSession
}

type ticket struct {
	tenant string
	seq    int
	ticket totem.Ticket
}

type subscriber struct {
	tenant  string
	channel string
	conn    *websocket.Conn
	send    chan []byte
}

// New returns a server with no sessions.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:   logger,
		now:      time.Now,
		payments: make(map[string]*payment),
		tickets:  make(map[string]*ticket),
		subs:     make(map[*subscriber]struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	}).Methods("GET")

	r.HandleFunc("/api/payments/sessions/{id}", s.getPayment).Methods("GET")
	r.HandleFunc("/api/queue/public/{tenant}", s.getQueue).Methods("GET")

	r.HandleFunc("/admin/payments", s.createPayment).Methods("POST")
	r.HandleFunc("/admin/payments/{id}/status", s.setPaymentStatus).Methods("POST")
	r.HandleFunc("/admin/tickets/{id}/status", s.setTicketStatus).Methods("POST")
	r.HandleFunc("/admin/tenants/{tenant}/drop", s.dropTenant).Methods("POST")

	r.HandleFunc("/ws", s.sessionSocket).Methods("GET").Queries("tenant_id", "{tenant}")
	r.HandleFunc("/{tenant}/totem", s.queueSocket).Methods("GET")
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ============================================================================
// REST
// ============================================================================

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, envelope{Error: &apiError{Code: code, Message: msg}})
}

func (s *Server) getPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	p, ok := s.payments[id]
	var session totem.PaymentSession
	if ok {
		session = p.session
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown payment session")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: session})
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	s.mu.Lock()
	q := s.queueLocked(tenant)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: q})
}

// CreatePaymentRequest registers a pending payment session.
type CreatePaymentRequest struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenant_id"`
	Method   string  `json:"method"`
	Amount   float64 `json:"amount"`
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "tenant_id is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	s.mu.Lock()
	now := s.now()
	p := &payment{tenant: req.TenantID, session: totem.PaymentSession{
		ID:        req.ID,
		Status:    totem.PaymentPending,
		Method:    req.Method,
		Amount:    req.Amount,
		UpdatedAt: now.Format(time.RFC3339Nano),
		CreatedAt: now,
	}}
	s.payments[req.ID] = p
	session := p.session
	s.mu.Unlock()

	s.logger.Info("payment created", "session", req.ID, "tenant", req.TenantID)
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: session})
}

// PaymentStatusRequest moves a payment session. A paid session with a
// TicketID issues that ticket into the queue.
type PaymentStatusRequest struct {
	Status        totem.PaymentStatus `json:"status"`
	TicketID      string              `json:"ticket_id,omitempty"`
	TicketNumber  string              `json:"ticket_number,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
}

func (s *Server) setPaymentStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req PaymentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request")
		return
	}

	s.mu.Lock()
	p, ok := s.payments[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown payment session")
		return
	}
	if !totem.CanTransitionPayment(p.session.Status, req.Status) {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", string(p.session.Status)+" -> "+string(req.Status))
		return
	}
	now := s.now()
	p.session.Status = req.Status
	p.session.FailureReason = req.FailureReason
	p.session.UpdatedAt = now.Format(time.RFC3339Nano)
	if req.Status == totem.PaymentPaid && req.TicketID != "" {
		p.session.TicketID = req.TicketID
	}
	session := p.session
	s.mu.Unlock()

	s.broadcast(p.tenant, channelSession, totem.KindPaymentUpdate, session)

	if session.Status == totem.PaymentPaid && session.TicketID != "" {
		s.issueTicket(p.tenant, session.TicketID, req.TicketNumber)
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: session})
}

func (s *Server) issueTicket(tenant, id, number string) {
	s.mu.Lock()
	s.seq++
	if number == "" {
		number = "A" + strconv.Itoa(s.seq)
	}
	t := &ticket{tenant: tenant, seq: s.seq, ticket: totem.Ticket{
		ID:        id,
		Number:    number,
		Status:    totem.TicketInQueue,
		UpdatedAt: s.now().Format(time.RFC3339Nano),
	}}
	s.tickets[id] = t
	q := s.queueLocked(tenant)
	issued := s.positionLocked(t)
	s.mu.Unlock()

	s.broadcast(tenant, channelSession, totem.KindTicketUpdate, issued)
	s.broadcast(tenant, channelQueue, totem.KindQueueUpdate, q)
}

// TicketStatusRequest moves a ticket.
type TicketStatusRequest struct {
	Status  totem.TicketStatus `json:"status"`
	Counter string             `json:"counter,omitempty"`
}

type ticketStatusChanged struct {
	totem.Ticket
	PreviousStatus totem.TicketStatus `json:"previous_status"`
}

func (s *Server) setTicketStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req TicketStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request")
		return
	}

	s.mu.Lock()
	t, ok := s.tickets[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown ticket")
		return
	}
	if !totem.CanTransitionTicket(t.ticket.Status, req.Status) {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", string(t.ticket.Status)+" -> "+string(req.Status))
		return
	}
	prev := t.ticket.Status
	t.ticket.Status = req.Status
	if req.Counter != "" {
		t.ticket.Counter = req.Counter
	}
	t.ticket.UpdatedAt = s.now().Format(time.RFC3339Nano)
	changed := ticketStatusChanged{Ticket: s.positionLocked(t), PreviousStatus: prev}
	q := s.queueLocked(t.tenant)
	s.mu.Unlock()

	s.broadcast(t.tenant, channelSession, totem.KindTicketStatusChanged, changed)
	s.broadcast(t.tenant, channelQueue, totem.KindQueueUpdate, q)
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: changed.Ticket})
}

// dropTenant closes every push socket of a tenant without a normal closure,
// the way a network failure would look to the kiosk.
func (s *Server) dropTenant(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	s.mu.Lock()
	var targets []*subscriber
	for sub := range s.subs {
		if sub.tenant == tenant {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range targets {
		_ = sub.conn.Close(websocket.StatusGoingAway, "server restart")
	}
	s.logger.Info("dropped push sockets", "tenant", tenant, "count", len(targets))
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]int{"dropped": len(targets)}})
}

// queueLocked builds the public queue of tenant. Callers hold s.mu.
func (s *Server) queueLocked(tenant string) totem.QueueSnapshot {
	var waiting []*ticket
	serving := 0
	for _, t := range s.tickets {
		if t.tenant != tenant {
			continue
		}
		switch t.ticket.Status {
		case totem.TicketInQueue:
			waiting = append(waiting, t)
		case totem.TicketCalled, totem.TicketInProgress:
			serving++
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].seq < waiting[j].seq })

	q := totem.QueueSnapshot{
		TenantID:  tenant,
		Tickets:   make([]totem.Ticket, 0, len(waiting)),
		UpdatedAt: s.now().Format(time.RFC3339Nano),
	}
	for i, t := range waiting {
		tk := t.ticket
		tk.Position = i + 1
		q.Tickets = append(q.Tickets, tk)
	}
	q.Stats = totem.QueueStats{
		Waiting:              len(waiting),
		Serving:              serving,
		AverageWaitMinutes:   minutesPerTicket,
		EstimatedWaitMinutes: float64(len(waiting) * minutesPerTicket),
	}
	return q
}

// positionLocked returns t with its current queue position filled in.
func (s *Server) positionLocked(t *ticket) totem.Ticket {
	tk := t.ticket
	if tk.Status != totem.TicketInQueue {
		tk.Position = 0
		return tk
	}
	pos := 1
	for _, other := range s.tickets {
		if other.tenant == t.tenant && other.ticket.Status == totem.TicketInQueue && other.seq < t.seq {
			pos++
		}
	}
	tk.Position = pos
	return tk
}

// ============================================================================
// Push channels
// ============================================================================

func (s *Server) sessionSocket(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, mux.Vars(r)["tenant"], channelSession)
}

func (s *Server) queueSocket(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, mux.Vars(r)["tenant"], channelQueue)
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, tenant, channel string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := &subscriber{
		tenant:  tenant,
		channel: channel,
		conn:    conn,
		send:    make(chan []byte, 64),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("push client connected", "tenant", tenant, "channel", channel)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.writeLoop(ctx, sub)

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		s.logger.Info("push client disconnected", "tenant", tenant, "channel", channel)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd totem.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		if cmd.Type == totem.CommandRequestQueueUpdate {
			s.mu.Lock()
			q := s.queueLocked(tenant)
			s.mu.Unlock()
			s.enqueue(sub, totem.KindQueueUpdate, q)
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-sub.send:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := sub.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) broadcast(tenant, channel string, kind totem.MessageKind, data interface{}) {
	s.mu.Lock()
	var targets []*subscriber
	for sub := range s.subs {
		if sub.tenant == tenant && sub.channel == channel {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range targets {
		s.enqueue(sub, kind, data)
	}
}

func (s *Server) enqueue(sub *subscriber, kind totem.MessageKind, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("encode push payload", "err", err)
		return
	}
	frame, err := json.Marshal(totem.Envelope{Type: string(kind), Data: raw})
	if err != nil {
		s.logger.Error("encode push frame", "err", err)
		return
	}
	select {
	case sub.send <- frame:
	default:
		s.logger.Warn("push client too slow, dropping frame", "tenant", sub.tenant, "type", kind)
	}
}

// Subscribers returns the number of connected push clients of tenant.
func (s *Server) Subscribers(tenant string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sub := range s.subs {
		if sub.tenant == tenant {
			n++
		}
	}
	return n
}
