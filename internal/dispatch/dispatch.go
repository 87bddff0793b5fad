// Package dispatch decodes inbound command payloads and routes them to
// the actuator.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/gdo/internal/actuator"
	"github.com/nugget/gdo/internal/messaging"
)

// ToggleLiteral is the only payload that actuates the door.
const ToggleLiteral = "TOGGLE"

// Command is a decoded inbound command.
type Command int

const (
	// CommandNone is any payload that is not a recognized command.
	CommandNone Command = iota
	// CommandToggle pulses the door relay.
	CommandToggle
)

// String returns a human-readable command name.
func (c Command) String() string {
	switch c {
	case CommandToggle:
		return "toggle"
	default:
		return "none"
	}
}

// Decode maps a payload to a command. Only the exact bytes of
// [ToggleLiteral] decode to [CommandToggle]; matching is case sensitive
// and allows no surrounding bytes.
func Decode(payload []byte) Command {
	if string(payload) == ToggleLiteral {
		return CommandToggle
	}
	return CommandNone
}

// Outcome is the result of handling one inbound message.
type Outcome int

const (
	// OutcomeIgnored means the payload was not a command.
	OutcomeIgnored Outcome = iota
	// OutcomeToggled means the relay was pulsed.
	OutcomeToggled
	// OutcomeBusy means a toggle was refused because a pulse was in
	// progress when it arrived.
	OutcomeBusy
	// OutcomeFailed means the actuator reported an error.
	OutcomeFailed
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeToggled:
		return "toggled"
	case OutcomeBusy:
		return "busy"
	case OutcomeFailed:
		return "failed"
	default:
		return "ignored"
	}
}

// Toggler actuates the door.
type Toggler interface {
	Toggle(ctx context.Context) error
	// Busy reports whether a Toggle is running.
	Busy() bool
	// ReleasedAt returns when the last Toggle finished.
	ReleasedAt() time.Time
}

// Dispatcher handles inbound messages. It holds no state of its own.
type Dispatcher struct {
	toggler  Toggler
	logger   *slog.Logger
	observer func(topic string, cmd Command, outcome Outcome)
}

// New returns a Dispatcher that actuates t.
func New(t Toggler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{toggler: t, logger: logger}
}

// OnOutcome registers fn to be called after every handled message.
func (d *Dispatcher) OnOutcome(fn func(topic string, cmd Command, outcome Outcome)) {
	d.observer = fn
}

// Handle decodes msg and performs the command. Unrecognized payloads
// are not errors.
//
// A toggle that was received while an earlier pulse was still running is
// dropped with [OutcomeBusy], even though it is only handled after that
// pulse ends. Messages with a zero Received time are never dropped this
// way.
func (d *Dispatcher) Handle(ctx context.Context, msg messaging.Message) Outcome {
	d.logger.Info("inbound message", "topic", msg.Topic, "payload", string(msg.Payload))

	cmd := Decode(msg.Payload)
	outcome := d.perform(ctx, cmd, msg)

	if d.observer != nil {
		d.observer(msg.Topic, cmd, outcome)
	}
	return outcome
}

// overlaps reports whether a toggle received at t arrived while the
// relay was busy. Arrival at the release instant counts as overlapping.
func (d *Dispatcher) overlaps(t time.Time) bool {
	if d.toggler.Busy() {
		return true
	}
	released := d.toggler.ReleasedAt()
	return !t.IsZero() && !released.IsZero() && !t.After(released)
}

func (d *Dispatcher) perform(ctx context.Context, cmd Command, msg messaging.Message) Outcome {
	switch cmd {
	case CommandToggle:
		if d.overlaps(msg.Received) {
			d.logger.Warn("toggle dropped, received during previous pulse",
				"received", msg.Received,
				"released", d.toggler.ReleasedAt(),
			)
			return OutcomeBusy
		}
		err := d.toggler.Toggle(ctx)
		switch {
		case err == nil:
			return OutcomeToggled
		case errors.Is(err, actuator.ErrBusy):
			return OutcomeBusy
		default:
			d.logger.Error("toggle failed", "error", err)
			return OutcomeFailed
		}
	default:
		d.logger.Debug("ignoring unrecognized payload", "len", len(msg.Payload))
		return OutcomeIgnored
	}
}
