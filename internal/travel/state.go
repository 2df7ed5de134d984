package travel

import (
	"time"

	"github.com/pkg/errors"
)

const (
	PositionOpen   = 0
	PositionClosed = 100
)

var ErrOutOfRange = errors.New("position out of range")

type PositionKnowledge int

const (
	Unknown PositionKnowledge = iota
	Calculated
	Confirmed
)

func (k PositionKnowledge) String() string {
	switch k {
	case Unknown:
		return "unknown"
	case Calculated:
		return "calculated"
	case Confirmed:
		return "confirmed"
	}

	return "invalid"
}

// Direction of travel. Opening moves towards PositionOpen (decreasing
// values), Closing towards PositionClosed (increasing values).
type Direction int

const (
	Stopped Direction = iota
	Opening
	Closing
)

func (d Direction) String() string {
	switch d {
	case Stopped:
		return "stopped"
	case Opening:
		return "opening"
	case Closing:
		return "closing"
	}

	return "invalid"
}

// State is the mutable part of a Calculator. It is what needs to be
// persisted to survive a restart.
type State struct {
	Knowledge         PositionKnowledge
	LastKnownPosition int

	Target    int
	HasTarget bool

	// TravelStartedAt is meaningless when Direction is Stopped.
	TravelStartedAt time.Time
	Direction       Direction
}

func (s State) Equal(o State) bool {
	return s.Knowledge == o.Knowledge &&
		s.LastKnownPosition == o.LastKnownPosition &&
		s.Target == o.Target &&
		s.HasTarget == o.HasTarget &&
		s.TravelStartedAt.Equal(o.TravelStartedAt) &&
		s.Direction == o.Direction
}

func (s State) validate() error {
	if err := checkPosition(s.LastKnownPosition); err != nil {
		return errors.Wrap(err, "last known position")
	}
	if s.HasTarget {
		if err := checkPosition(s.Target); err != nil {
			return errors.Wrap(err, "target position")
		}
	}

	switch s.Knowledge {
	case Unknown:
		if s.Direction != Stopped {
			return errors.Errorf("unknown position cannot be %s", s.Direction)
		}
	case Calculated:
		if !s.HasTarget {
			return errors.New("calculated position requires a target")
		}
	case Confirmed:
		if !s.HasTarget || s.Target != s.LastKnownPosition {
			return errors.New("confirmed position must match the target")
		}
	default:
		return errors.Errorf("invalid position knowledge %d", s.Knowledge)
	}

	if s.Direction < Stopped || s.Direction > Closing {
		return errors.Errorf("invalid direction %d", s.Direction)
	}

	return nil
}

func checkPosition(position int) error {
	if position < PositionOpen || position > PositionClosed {
		return errors.Wrapf(ErrOutOfRange, "%d is outside %d..%d", position, PositionOpen, PositionClosed)
	}

	return nil
}
