package totem

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ============================================================================
// Inbound Messages
// ============================================================================

// ErrNotJSON is returned by DecodeMessage for frames that are not JSON.
var ErrNotJSON = errors.New("frame is not JSON")

// MessageKind is the "type" tag of an inbound frame.
type MessageKind string

const (
	KindTicketUpdate        MessageKind = "ticket_update"
	KindTicketStatusChanged MessageKind = "ticket_status_changed"
	KindQueueUpdate         MessageKind = "queue_update"
	KindPaymentUpdate       MessageKind = "payment_update"
	KindUnrecognized        MessageKind = "unrecognized"
)

// Envelope is the wire format of every push frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is an outbound frame.
type Command struct {
	Type string `json:"type"`
}

// CommandRequestQueueUpdate asks the server to push the current queue.
const CommandRequestQueueUpdate = "request_queue_update"

// Message is a decoded push frame. The concrete types are TicketUpdate,
// TicketStatusChanged, QueueUpdate, PaymentUpdate and Unrecognized.
type Message interface {
	Kind() MessageKind
}

// TicketUpdate carries the full state of a ticket.
type TicketUpdate struct{ Ticket Ticket }

// TicketStatusChanged announces a ticket status change.
type TicketStatusChanged struct {
	Ticket         Ticket
	PreviousStatus TicketStatus
}

// QueueUpdate carries a full public queue snapshot.
type QueueUpdate struct{ Queue QueueSnapshot }

// PaymentUpdate carries the state of a payment session.
type PaymentUpdate struct{ Payment PaymentSession }

// Unrecognized is any frame whose type tag this client does not know.
type Unrecognized struct {
	Type string
	Data json.RawMessage
}

func (TicketUpdate) Kind() MessageKind        { return KindTicketUpdate }
func (TicketStatusChanged) Kind() MessageKind { return KindTicketStatusChanged }
func (QueueUpdate) Kind() MessageKind         { return KindQueueUpdate }
func (PaymentUpdate) Kind() MessageKind       { return KindPaymentUpdate }
func (Unrecognized) Kind() MessageKind        { return KindUnrecognized }

type ticketStatusChangedData struct {
	Ticket
	PreviousStatus TicketStatus `json:"previous_status,omitempty"`
}

// DecodeMessage parses a frame into its Message variant. It returns
// ErrNotJSON for non-JSON frames and a wrapped error when a known type
// carries a malformed payload.
func DecodeMessage(frame []byte) (Message, error) {
	if !json.Valid(frame) {
		return nil, ErrNotJSON
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch MessageKind(env.Type) {
	case KindTicketUpdate:
		var t Ticket
		if err := decodeData(env, &t); err != nil {
			return nil, err
		}
		return TicketUpdate{Ticket: t}, nil
	case KindTicketStatusChanged:
		var d ticketStatusChangedData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return TicketStatusChanged{Ticket: d.Ticket, PreviousStatus: d.PreviousStatus}, nil
	case KindQueueUpdate:
		var q QueueSnapshot
		if err := decodeData(env, &q); err != nil {
			return nil, err
		}
		return QueueUpdate{Queue: q}, nil
	case KindPaymentUpdate:
		var p PaymentSession
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		return PaymentUpdate{Payment: p}, nil
	default:
		return Unrecognized{Type: env.Type, Data: env.Data}, nil
	}
}

func decodeData(env Envelope, v interface{}) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: decode data: %w", env.Type, err)
	}
	return nil
}

// dedupKey returns the logical channel and updated_at of m. The boolean is
// false when the message cannot be deduplicated.
func dedupKey(m Message) (channel, updatedAt string, ok bool) {
	var id string
	switch m := m.(type) {
	case TicketUpdate:
		id, updatedAt = m.Ticket.ID, m.Ticket.UpdatedAt
	case TicketStatusChanged:
		id, updatedAt = m.Ticket.ID, m.Ticket.UpdatedAt
	case QueueUpdate:
		id, updatedAt = m.Queue.TenantID, m.Queue.UpdatedAt
	case PaymentUpdate:
		id, updatedAt = m.Payment.ID, m.Payment.UpdatedAt
	default:
		return "", "", false
	}
	if updatedAt == "" {
		return "", "", false
	}
	return string(m.Kind()) + "/" + id, updatedAt, true
}

// candidateFor converts a message into a store candidate.
func candidateFor(m Message, src Source) Candidate {
	switch m := m.(type) {
	case TicketUpdate:
		return TicketCandidate{Ticket: m.Ticket, Source: src}
	case TicketStatusChanged:
		return TicketCandidate{Ticket: m.Ticket, Source: src}
	case QueueUpdate:
		return QueueCandidate{Queue: m.Queue, Source: src}
	case PaymentUpdate:
		return PaymentCandidate{Payment: m.Payment, Source: src}
	}
	return nil
}

// ============================================================================
// Router
// ============================================================================

// Router classifies push frames, drops replays and forwards the rest to the
// store. It must be driven from inside the Loop.
type Router struct {
	store  *Store
	logger *slog.Logger
	onRaw  func([]byte)

	// last processed updated_at per logical channel (kind + entity id)
	seen map[string]string
}

// NewRouter returns a router feeding store. onRaw receives non-JSON frames
// verbatim and may be nil.
func NewRouter(store *Store, onRaw func([]byte), logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:  store,
		logger: logger,
		onRaw:  onRaw,
		seen:   make(map[string]string),
	}
}

// Route handles one inbound frame. It reports whether the frame reached the
// store.
func (r *Router) Route(frame []byte) bool {
	msg, err := DecodeMessage(frame)
	if errors.Is(err, ErrNotJSON) {
		if r.onRaw != nil {
			r.onRaw(frame)
		}
		return false
	}
	if err != nil {
		r.logger.Warn("dropping malformed message", "err", err)
		return false
	}
	return r.Dispatch(msg)
}

// Dispatch forwards an already decoded message.
func (r *Router) Dispatch(msg Message) bool {
	if u, ok := msg.(Unrecognized); ok {
		r.logger.Info("ignoring unrecognized message", "type", u.Type)
		return false
	}

	channel, updatedAt, keyed := dedupKey(msg)
	if keyed && r.seen[channel] == updatedAt {
		r.logger.Debug("dropping replayed message", "channel", channel, "updated_at", updatedAt)
		return false
	}

	result := r.store.Apply(candidateFor(msg, SourcePush))
	// A stale frame was never processed; its replay must get through.
	if keyed && result != Stale {
		r.seen[channel] = updatedAt
	}
	r.logger.Debug("routed message", "kind", msg.Kind(), "result", result)
	return true
}

// Forget clears the replay memory, used when the session is reset.
func (r *Router) Forget() {
	r.seen = make(map[string]string)
}
