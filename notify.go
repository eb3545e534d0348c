package totem

import (
	"log/slog"
)

// ============================================================================
// Sounds & Screens
// ============================================================================

// Sound is a short audio cue played by the kiosk.
type Sound string

const (
	SoundPaymentStarted Sound = "payment_started"
	SoundTicketCalled   Sound = "ticket_called"
	SoundSuccess        Sound = "success"
	SoundError          Sound = "error"
	SoundBeep           Sound = "beep"
)

// Notifier plays sounds. Play is called inside the kiosk's loop and must not
// call back into the Kiosk.
type Notifier interface {
	Play(s Sound) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Sound) error

func (f NotifierFunc) Play(s Sound) error { return f(s) }

type silentNotifier struct{}

func (silentNotifier) Play(Sound) error { return nil }

// Screen is a page of the kiosk UI.
type Screen string

const (
	ScreenPayment       Screen = "payment"
	ScreenPaymentFailed Screen = "payment_failed"
	ScreenTicket        Screen = "ticket"
	ScreenTicketCalled  Screen = "ticket_called"
	ScreenFinished      Screen = "finished"
	ScreenTicketClosed  Screen = "ticket_closed"
)

// ReasonTimeout is the failure reason recorded by the payment watchdog.
const ReasonTimeout = "timeout"

// SoundFor returns the cue for a transition, if it has one.
func SoundFor(ev TransitionEvent) (Sound, bool) {
	switch ev.Entity {
	case EntityPayment:
		switch PaymentStatus(ev.To) {
		case PaymentPending:
			return SoundPaymentStarted, ev.From == ""
		case PaymentPaid:
			return SoundSuccess, true
		case PaymentFailed:
			return SoundError, true
		}
	case EntityTicket:
		switch TicketStatus(ev.To) {
		case TicketInQueue:
			return SoundBeep, true
		case TicketCalled:
			return SoundTicketCalled, true
		case TicketCompleted:
			return SoundSuccess, true
		case TicketCancelled, TicketExpired:
			return SoundError, true
		}
	}
	return "", false
}

// ScreenFor returns the page a transition navigates to. Transitions that keep
// the current page (a ticket entering the queue, a ticket being served)
// return false.
func ScreenFor(ev TransitionEvent) (Screen, bool) {
	switch ev.Entity {
	case EntityPayment:
		switch PaymentStatus(ev.To) {
		case PaymentPending:
			return ScreenPayment, ev.From == ""
		case PaymentPaid:
			return ScreenTicket, true
		case PaymentFailed:
			return ScreenPaymentFailed, true
		}
	case EntityTicket:
		switch TicketStatus(ev.To) {
		case TicketCalled:
			return ScreenTicketCalled, true
		case TicketCompleted:
			return ScreenFinished, true
		case TicketCancelled, TicketExpired:
			return ScreenTicketClosed, true
		}
	}
	return "", false
}

func errorMessage(ev TransitionEvent) (string, bool) {
	switch {
	case ev.Entity == EntityPayment && PaymentStatus(ev.To) == PaymentFailed:
		if ev.Reason == ReasonTimeout {
			return "Payment timed out. Please try again.", true
		}
		if ev.Reason != "" {
			return "Payment failed: " + ev.Reason + ". Please try again.", true
		}
		return "Payment failed. Please try again.", true
	case ev.Entity == EntityTicket && TicketStatus(ev.To) == TicketCancelled:
		return "Your ticket was cancelled.", true
	case ev.Entity == EntityTicket && TicketStatus(ev.To) == TicketExpired:
		return "Your ticket has expired.", true
	}
	return "", false
}

// ============================================================================
// Dispatcher
// ============================================================================

// Callbacks is the consumer surface of a Kiosk. Every callback runs outside
// the kiosk's loop, so it may call Kiosk methods. Any of them may be nil.
//
// OnConnectionChange reports IsConnected flips. It additionally reports false
// once for each channel whose reconnect budget runs out, even when the kiosk
// was already disconnected; that repeat is the cue to offer Retry.
type Callbacks struct {
	OnSuccess          func(PaymentSession)
	OnError            func(message string)
	OnStatusChange     func(TransitionEvent)
	OnConnectionChange func(connected bool)
	OnNavigate         func(Screen)
	OnQueueUpdate      func(QueueSnapshot)
	OnRaw              func(frame []byte)
}

// Dispatcher turns accepted transitions into sounds and consumer callbacks.
// Each transition is emitted once by the Machine, so every sound and every
// navigation happens at most once per transition.
type Dispatcher struct {
	notifier  Notifier
	loop      *Loop
	store     *Store
	callbacks Callbacks
	logger    *slog.Logger
}

// NewDispatcher returns a dispatcher. A nil notifier plays nothing.
func NewDispatcher(notifier Notifier, loop *Loop, store *Store, callbacks Callbacks, logger *slog.Logger) *Dispatcher {
	if notifier == nil {
		notifier = silentNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		notifier:  notifier,
		loop:      loop,
		store:     store,
		callbacks: callbacks,
		logger:    logger,
	}
}

// Handle reacts to one transition. It must run inside the loop; the sound
// plays immediately and the callbacks are queued until the loop is released.
func (d *Dispatcher) Handle(ev TransitionEvent) {
	if sound, ok := SoundFor(ev); ok {
		d.play(sound)
	}

	if cb := d.callbacks.OnStatusChange; cb != nil {
		d.call("OnStatusChange", func() { cb(ev) })
	}
	if screen, ok := ScreenFor(ev); ok && d.callbacks.OnNavigate != nil {
		cb := d.callbacks.OnNavigate
		d.call("OnNavigate", func() { cb(screen) })
	}
	if ev.Entity == EntityPayment && PaymentStatus(ev.To) == PaymentPaid && d.callbacks.OnSuccess != nil {
		if p, ok := d.store.Payment(); ok && p.ID == ev.ID {
			cb := d.callbacks.OnSuccess
			d.call("OnSuccess", func() { cb(p) })
		}
	}
	if msg, ok := errorMessage(ev); ok {
		d.Error(msg)
	}
}

// Error surfaces a user-visible message.
func (d *Dispatcher) Error(msg string) {
	if cb := d.callbacks.OnError; cb != nil {
		d.call("OnError", func() { cb(msg) })
	}
}

// ConnectionChanged reports the overall push connectivity.
func (d *Dispatcher) ConnectionChanged(connected bool) {
	if cb := d.callbacks.OnConnectionChange; cb != nil {
		d.call("OnConnectionChange", func() { cb(connected) })
	}
}

// QueueUpdated forwards an accepted queue snapshot.
func (d *Dispatcher) QueueUpdated(q QueueSnapshot) {
	if cb := d.callbacks.OnQueueUpdate; cb != nil {
		d.call("OnQueueUpdate", func() { cb(q) })
	}
}

// Raw forwards a non-JSON frame.
func (d *Dispatcher) Raw(frame []byte) {
	if cb := d.callbacks.OnRaw; cb != nil {
		d.call("OnRaw", func() { cb(frame) })
	}
}

func (d *Dispatcher) play(s Sound) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notifier panicked", "sound", s, "panic", r)
		}
	}()
	if err := d.notifier.Play(s); err != nil {
		d.logger.Warn("play sound", "sound", s, "err", err)
	}
}

func (d *Dispatcher) call(name string, fn func()) {
	d.loop.Detach(func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("callback panicked", "callback", name, "panic", r)
			}
		}()
		fn()
	})
}
