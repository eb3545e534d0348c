package totem

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrInvalidTransition is returned when a proposed status change is not an
// edge of the entity's status graph.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrUnchanged is returned when a proposed status equals the current one.
var ErrUnchanged = errors.New("status unchanged")

// Entity names the kind of object a transition applies to.
type Entity string

const (
	EntityPayment Entity = "payment"
	EntityTicket  Entity = "ticket"
)

// Source tells where a candidate update came from.
type Source string

const (
	SourcePush  Source = "push"
	SourcePoll  Source = "poll"
	SourceLocal Source = "local"
)

var paymentTransitions = map[PaymentStatus]map[PaymentStatus]struct{}{
	PaymentPending: {
		PaymentPaid:   {},
		PaymentFailed: {},
	},
}

var ticketTransitions = map[TicketStatus]map[TicketStatus]struct{}{
	TicketNone: {
		TicketInQueue: {},
	},
	TicketInQueue: {
		TicketCalled:    {},
		TicketCancelled: {},
		TicketExpired:   {},
	},
	TicketCalled: {
		TicketInProgress: {},
		TicketCancelled:  {},
		TicketExpired:    {},
	},
	TicketInProgress: {
		TicketCompleted: {},
		TicketCancelled: {},
		TicketExpired:   {},
	},
}

// CanTransitionPayment reports whether from -> to is a payment graph edge.
func CanTransitionPayment(from, to PaymentStatus) bool {
	_, ok := paymentTransitions[from][to]
	return ok
}

// CanTransitionTicket reports whether from -> to is a ticket graph edge.
func CanTransitionTicket(from, to TicketStatus) bool {
	_, ok := ticketTransitions[from][to]
	return ok
}

// TransitionEvent describes one accepted status change. From is empty for
// the creation of a payment session.
type TransitionEvent struct {
	Entity Entity    `json:"entity"`
	ID     string    `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Source Source    `json:"source"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func (e TransitionEvent) String() string {
	from := e.From
	if from == "" {
		from = "(new)"
	}
	return fmt.Sprintf("%s %s: %s -> %s", e.Entity, e.ID, from, e.To)
}

// Machine validates status changes for both entity kinds and emits an event
// for every accepted one. It holds no entity state itself; the Store does.
type Machine struct {
	logger    *slog.Logger
	listeners []func(TransitionEvent)
}

// NewMachine returns a machine with no listeners.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{logger: logger}
}

// OnTransition registers a listener. Listeners run in registration order,
// synchronously with the transition.
func (m *Machine) OnTransition(fn func(TransitionEvent)) {
	m.listeners = append(m.listeners, fn)
}

// ValidatePayment reports whether a payment may move from -> to. Rejected
// proposals are logged here so every caller gets the same trail.
func (m *Machine) ValidatePayment(id string, from, to PaymentStatus, src Source) error {
	if from == to {
		return ErrUnchanged
	}
	if !CanTransitionPayment(from, to) {
		m.logger.Warn("rejected payment transition",
			"session", id, "from", from, "to", to, "source", src)
		return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidateTicket reports whether a ticket may move from -> to.
func (m *Machine) ValidateTicket(id string, from, to TicketStatus, src Source) error {
	if from == to {
		return ErrUnchanged
	}
	if !CanTransitionTicket(from, to) {
		m.logger.Warn("rejected ticket transition",
			"ticket", id, "from", from, "to", to, "source", src)
		return fmt.Errorf("%w: ticket %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Emit delivers an accepted transition to every listener. Callers commit the
// new status before emitting so listeners observe it.
func (m *Machine) Emit(ev TransitionEvent) {
	m.logger.Info("status transition",
		"entity", ev.Entity, "id", ev.ID, "from", ev.From, "to", ev.To, "source", ev.Source)
	for _, fn := range m.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("transition listener panicked", "panic", r, "id", ev.ID)
				}
			}()
			fn(ev)
		}()
	}
}
