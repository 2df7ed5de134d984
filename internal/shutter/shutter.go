package shutter

import (
	"context"

	"github.com/jkaflik/cover2mqtt/internal/travel"
)

const (
	ShutterOpenState    = "open"
	ShutterClosedState  = "closed"
	ShutterOpeningState = "opening"
	ShutterClosingState = "closing"
	ShutterUnknownState = "unknown"
)

type ShutterUpdateHandler func(state string, position int)

type Shutter interface {
	Name() string
	FullOpenPosition() int
	FullClosePosition() int

	// Position returns false while the position was never observed.
	Position() (int, bool)
	State() string

	OnUpdate(h ShutterUpdateHandler)

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Stop(ctx context.Context) error
	SetPosition(ctx context.Context, position int) error
}

// StatelessShutter has no position sensor of its own. Its position comes
// from estimation and from outside.
type StatelessShutter interface {
	Shutter

	// ResetPosition overrides the position, e.g. restoring it after a restart.
	ResetPosition(position int) error
	// ConfirmPosition takes position feedback reported by the device.
	ConfirmPosition(position int) error
}

// StateOf derives the reported state from a travel calculator.
func StateOf(c *travel.Calculator) string {
	if _, known := c.CurrentPosition(); !known {
		return ShutterUnknownState
	}

	switch {
	case c.IsOpening():
		return ShutterOpeningState
	case c.IsClosing():
		return ShutterClosingState
	case c.IsFullyClosed():
		return ShutterClosedState
	}

	return ShutterOpenState
}
