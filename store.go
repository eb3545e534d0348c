package totem

import (
	"errors"
	"log/slog"
	"time"
)

// ApplyResult reports what Store.Apply did with a candidate.
type ApplyResult int

const (
	// Applied means the candidate changed the store.
	Applied ApplyResult = iota
	// Unchanged means the candidate carried nothing new: the same status,
	// no status at all, or an older queue snapshot.
	Unchanged
	// Rejected means the status change is not allowed from the current
	// status.
	Rejected
	// Stale means the candidate targets an entity the store no longer
	// tracks.
	Stale
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	case Rejected:
		return "rejected"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Candidate is a proposed update for the store. Implementations are
// PaymentCandidate, TicketCandidate and QueueCandidate.
type Candidate interface {
	origin() Source
}

// PaymentCandidate proposes a new state for the live payment session.
type PaymentCandidate struct {
	Payment PaymentSession
	Source  Source
	Reason  string
}

// TicketCandidate proposes a new state for the tracked ticket.
type TicketCandidate struct {
	Ticket Ticket
	Source Source
}

// QueueCandidate proposes a replacement queue snapshot.
type QueueCandidate struct {
	Queue  QueueSnapshot
	Source Source
}

func (c PaymentCandidate) origin() Source { return c.Source }
func (c TicketCandidate) origin() Source  { return c.Source }
func (c QueueCandidate) origin() Source   { return c.Source }

// Store is the single owner of the kiosk's payment session, ticket and queue
// snapshot. Push and poll updates both go through Apply and the same merge
// rule: a status change is accepted only if the status graph allows it from
// the currently recorded status.
//
// Store is not safe for concurrent use; drive it from inside a Loop.
type Store struct {
	tenantID string
	machine  *Machine
	now      func() time.Time
	logger   *slog.Logger

	payment *PaymentSession
	ticket  *Ticket
	queue   *QueueSnapshot

	onQueue []func(QueueSnapshot)
}

// NewStore returns an empty store for tenantID. now supplies transition
// timestamps; nil means time.Now.
func NewStore(tenantID string, machine *Machine, now func() time.Time, logger *slog.Logger) *Store {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if machine == nil {
		machine = NewMachine(logger)
	}
	return &Store{
		tenantID: tenantID,
		machine:  machine,
		now:      now,
		logger:   logger,
	}
}

// OnQueue registers a listener for accepted queue snapshots.
func (s *Store) OnQueue(fn func(QueueSnapshot)) {
	s.onQueue = append(s.onQueue, fn)
}

// TenantID returns the tenant whose queue the store follows.
func (s *Store) TenantID() string { return s.tenantID }

// ── Session lifecycle ─────────────────────────────────────

// BeginPayment starts a new pending payment session, replacing any previous
// session and forgetting the ticket that belonged to it.
func (s *Store) BeginPayment(id, method string, amount float64) PaymentSession {
	now := s.now()
	s.payment = &PaymentSession{
		ID:        id,
		Status:    PaymentPending,
		Method:    method,
		Amount:    amount,
		CreatedAt: now,
	}
	s.ticket = nil
	s.machine.Emit(TransitionEvent{
		Entity: EntityPayment,
		ID:     id,
		To:     string(PaymentPending),
		Source: SourceLocal,
		At:     now,
	})
	return *s.payment
}

// TrackTicket starts following ticket id from status none. Tracking the
// ticket that is already followed is a no-op.
func (s *Store) TrackTicket(id, number string) {
	if s.ticket != nil && s.ticket.ID == id {
		return
	}
	s.ticket = &Ticket{
		ID:          id,
		Number:      number,
		Status:      TicketNone,
		Transitions: map[TicketStatus]time.Time{TicketNone: s.now()},
	}
	s.logger.Debug("tracking ticket", "ticket", id)
}

// Reset forgets the payment session and ticket. The queue snapshot is public
// tenant data and survives.
func (s *Store) Reset() {
	s.payment = nil
	s.ticket = nil
}

// ── Read accessors ────────────────────────────────────────

// CurrentPaymentID returns the live payment session id, or "".
func (s *Store) CurrentPaymentID() string {
	if s.payment == nil {
		return ""
	}
	return s.payment.ID
}

// PendingPaymentID returns the live session id while it is still pending.
func (s *Store) PendingPaymentID() (string, bool) {
	if s.payment == nil || s.payment.Status != PaymentPending {
		return "", false
	}
	return s.payment.ID, true
}

// CurrentTicketID returns the tracked ticket id, or "".
func (s *Store) CurrentTicketID() string {
	if s.ticket == nil {
		return ""
	}
	return s.ticket.ID
}

// Payment returns a copy of the live payment session.
func (s *Store) Payment() (PaymentSession, bool) {
	if s.payment == nil {
		return PaymentSession{}, false
	}
	return *s.payment, true
}

// Ticket returns a copy of the tracked ticket.
func (s *Store) Ticket() (Ticket, bool) {
	if s.ticket == nil {
		return Ticket{}, false
	}
	return s.ticket.clone(), true
}

// Queue returns a copy of the latest queue snapshot.
func (s *Store) Queue() (QueueSnapshot, bool) {
	if s.queue == nil {
		return QueueSnapshot{}, false
	}
	return s.queue.clone(), true
}

// ── Merge ─────────────────────────────────────────────────

// Apply merges a candidate into the store. Updates are applied in call
// order; ordering problems between push and poll are resolved by the
// transition graph, not by arrival time.
func (s *Store) Apply(c Candidate) ApplyResult {
	var result ApplyResult
	switch c := c.(type) {
	case PaymentCandidate:
		result = s.applyPayment(c)
	case TicketCandidate:
		result = s.applyTicket(c)
	case QueueCandidate:
		result = s.applyQueue(c)
	default:
		s.logger.Warn("unsupported candidate", "type", c)
		return Rejected
	}
	if result != Applied {
		s.logger.Debug("candidate not applied", "result", result, "source", c.origin())
	}
	return result
}

func (s *Store) applyPayment(c PaymentCandidate) ApplyResult {
	cur := s.payment
	next := c.Payment
	if cur == nil || next.ID != cur.ID {
		return Stale
	}
	if next.Status == "" {
		return Unchanged
	}
	if err := s.machine.ValidatePayment(cur.ID, cur.Status, next.Status, c.Source); err != nil {
		return resultFor(err)
	}

	from := cur.Status
	cur.Status = next.Status
	if next.TicketID != "" {
		cur.TicketID = next.TicketID
	}
	if next.Method != "" {
		cur.Method = next.Method
	}
	if next.Amount != 0 {
		cur.Amount = next.Amount
	}
	if next.UpdatedAt != "" {
		cur.UpdatedAt = next.UpdatedAt
	}
	reason := c.Reason
	if reason == "" {
		reason = next.FailureReason
	}
	if cur.Status == PaymentFailed {
		cur.FailureReason = reason
	}

	if cur.Status == PaymentPaid && cur.TicketID != "" {
		s.TrackTicket(cur.TicketID, "")
	}

	s.machine.Emit(TransitionEvent{
		Entity: EntityPayment,
		ID:     cur.ID,
		From:   string(from),
		To:     string(cur.Status),
		Source: c.Source,
		Reason: reason,
		At:     s.now(),
	})
	return Applied
}

func (s *Store) applyTicket(c TicketCandidate) ApplyResult {
	cur := s.ticket
	next := c.Ticket
	if cur == nil || next.ID != cur.ID {
		return Stale
	}
	if next.Status == "" {
		return Unchanged
	}
	if err := s.machine.ValidateTicket(cur.ID, cur.Status, next.Status, c.Source); err != nil {
		return resultFor(err)
	}

	now := s.now()
	from := cur.Status
	cur.Status = next.Status
	if next.Number != "" {
		cur.Number = next.Number
	}
	if next.Counter != "" {
		cur.Counter = next.Counter
	}
	if next.Position != 0 {
		cur.Position = next.Position
	}
	if next.UpdatedAt != "" {
		cur.UpdatedAt = next.UpdatedAt
	}
	if cur.Transitions == nil {
		cur.Transitions = make(map[TicketStatus]time.Time)
	}
	cur.Transitions[cur.Status] = now

	s.machine.Emit(TransitionEvent{
		Entity: EntityTicket,
		ID:     cur.ID,
		From:   string(from),
		To:     string(cur.Status),
		Source: c.Source,
		At:     now,
	})
	return Applied
}

func (s *Store) applyQueue(c QueueCandidate) ApplyResult {
	next := c.Queue.clone()
	if next.TenantID == "" {
		next.TenantID = s.tenantID
	}
	if s.tenantID != "" && next.TenantID != s.tenantID {
		return Stale
	}
	if s.queue != nil {
		curAt, ok := parseUpdatedAt(s.queue.UpdatedAt)
		nextAt, ok2 := parseUpdatedAt(next.UpdatedAt)
		if ok && ok2 && nextAt.Before(curAt) {
			return Unchanged
		}
	}
	s.queue = &next
	for _, fn := range s.onQueue {
		fn(next.clone())
	}
	s.syncTicket(next, c.Source)
	return Applied
}

// syncTicket runs the tracked ticket's queue entry through the ticket merge
// rule, so a missed ticket push is recovered by the next queue snapshot.
func (s *Store) syncTicket(q QueueSnapshot, src Source) {
	if s.ticket == nil {
		return
	}
	for _, t := range q.Tickets {
		if t.ID != s.ticket.ID {
			continue
		}
		if t.Status == s.ticket.Status && t.Position != 0 {
			s.ticket.Position = t.Position
		}
		if result := s.applyTicket(TicketCandidate{Ticket: t, Source: src}); result == Applied {
			s.logger.Debug("ticket advanced from queue snapshot", "ticket", t.ID, "status", t.Status)
		}
		return
	}
}

func resultFor(err error) ApplyResult {
	if errors.Is(err, ErrUnchanged) {
		return Unchanged
	}
	return Rejected
}
