package totem

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the kiosk backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// apiResult is the envelope returned by the REST endpoints.
type apiResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// decode unmarshals the data payload into v.
func (r *apiResult) decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Payment
// ============================================================================

// PaymentStatus is the lifecycle state of a payment session.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed
}

// PaymentSession is the payment flow the kiosk is currently driving.
type PaymentSession struct {
	ID            string        `json:"id"`
	Status        PaymentStatus `json:"status"`
	TicketID      string        `json:"ticket_id,omitempty"`
	Method        string        `json:"method,omitempty"`
	Amount        float64       `json:"amount,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	UpdatedAt     string        `json:"updated_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ============================================================================
// Ticket
// ============================================================================

// TicketStatus is the lifecycle state of a queue ticket.
type TicketStatus string

const (
	TicketNone       TicketStatus = "none"
	TicketInQueue    TicketStatus = "in_queue"
	TicketCalled     TicketStatus = "called"
	TicketInProgress TicketStatus = "in_progress"
	TicketCompleted  TicketStatus = "completed"
	TicketCancelled  TicketStatus = "cancelled"
	TicketExpired    TicketStatus = "expired"
)

// Terminal reports whether no further transition can leave s.
func (s TicketStatus) Terminal() bool {
	return s == TicketCompleted || s == TicketCancelled || s == TicketExpired
}

// Ticket is the customer's place in the service queue.
type Ticket struct {
	ID        string       `json:"id"`
	Number    string       `json:"number,omitempty"`
	Status    TicketStatus `json:"status"`
	Position  int          `json:"position,omitempty"`
	Counter   string       `json:"counter,omitempty"`
	UpdatedAt string       `json:"updated_at,omitempty"`

	// Transitions records when the kiosk observed each status.
	Transitions map[TicketStatus]time.Time `json:"transitions,omitempty"`
}

func (t Ticket) clone() Ticket {
	if t.Transitions != nil {
		m := make(map[TicketStatus]time.Time, len(t.Transitions))
		for k, v := range t.Transitions {
			m[k] = v
		}
		t.Transitions = m
	}
	return t
}

// ============================================================================
// Queue
// ============================================================================

// QueueStats aggregates the public queue.
type QueueStats struct {
	Waiting              int     `json:"waiting"`
	Serving              int     `json:"serving"`
	AverageWaitMinutes   float64 `json:"average_wait_minutes"`
	EstimatedWaitMinutes float64 `json:"estimated_wait_minutes"`
}

// QueueSnapshot is the public queue of a tenant. It is always replaced as a
// whole, never patched.
type QueueSnapshot struct {
	TenantID  string     `json:"tenant_id"`
	Tickets   []Ticket   `json:"tickets"`
	Stats     QueueStats `json:"stats"`
	UpdatedAt string     `json:"updated_at,omitempty"`
}

func (q QueueSnapshot) clone() QueueSnapshot {
	if q.Tickets != nil {
		tickets := make([]Ticket, len(q.Tickets))
		for i, t := range q.Tickets {
			tickets[i] = t.clone()
		}
		q.Tickets = tickets
	}
	return q
}

// parseUpdatedAt interprets a server timestamp. The boolean is false when
// the value is absent or not RFC 3339.
func parseUpdatedAt(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
