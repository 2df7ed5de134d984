// Package travel predicts the position of a cover which reports only travel
// commands and occasional position feedback.
//
// Positions are integers from PositionOpen (0) to PositionClosed (100).
// While a cover travels, its position is interpolated linearly from the
// last anchor point using the calibrated full travel time for the
// direction of travel. Nothing in this package performs I/O or reads the
// wall clock directly: time comes from the injected Clock.
//
// A Calculator is not safe for concurrent use.
package travel

import (
	"time"
)

type Calculator struct {
	state State

	travelTimeOpening time.Duration
	travelTimeClosing time.Duration

	clock Clock
}

type Option func(c *Calculator)

func WithClock(clock Clock) Option {
	return func(c *Calculator) {
		c.clock = clock
	}
}

// NewCalculator returns a calculator in the Unknown state. Travel times are
// the durations of a full 0..100 traversal in each direction.
func NewCalculator(travelTimeOpening, travelTimeClosing time.Duration, opts ...Option) *Calculator {
	c := &Calculator{
		travelTimeOpening: travelTimeOpening,
		travelTimeClosing: travelTimeClosing,
		clock:             SystemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetKnownPosition records an authoritative position and makes it the
// target. It does not imply motion.
func (c *Calculator) SetKnownPosition(position int) error {
	if err := checkPosition(position); err != nil {
		return err
	}

	c.state.Target = position
	c.state.HasTarget = true

	return c.UpdateKnownPosition(position)
}

// UpdateKnownPosition records observed position feedback. The position
// becomes Confirmed once it matches the target.
func (c *Calculator) UpdateKnownPosition(position int) error {
	if err := checkPosition(position); err != nil {
		return err
	}

	// moving anchor point: interpolation restarts from the observed position
	if c.state.Direction != Stopped && c.state.LastKnownPosition != position {
		c.state.TravelStartedAt = c.clock.Now()
	}
	c.state.LastKnownPosition = position

	onTarget := c.state.HasTarget && position == c.state.Target
	if c.state.Direction == Stopped && c.state.Knowledge != Unknown {
		// a resting cover is where it was observed
		c.state.Target = position
	}

	switch {
	case onTarget:
		c.state.Knowledge = Confirmed
	case c.state.Knowledge == Confirmed:
		c.state.Knowledge = Calculated
	}

	return nil
}

// Stop freezes the estimated position. There is nothing to freeze while
// the position is unknown.
func (c *Calculator) Stop() {
	if c.state.Knowledge == Unknown {
		return
	}

	position, _ := c.CurrentPosition()
	c.state.LastKnownPosition = position
	c.state.Target = position
	c.state.HasTarget = true
	c.state.Knowledge = Calculated
	c.state.Direction = Stopped
}

// StartTravel begins a traversal towards position from the current
// estimate. Without any known position there is no anchor to interpolate
// from and the target is taken as known immediately.
func (c *Calculator) StartTravel(position int) error {
	if err := checkPosition(position); err != nil {
		return err
	}

	if c.state.Knowledge == Unknown {
		return c.SetKnownPosition(position)
	}

	c.Stop()

	c.state.TravelStartedAt = c.clock.Now()
	c.state.Target = position
	c.state.HasTarget = true
	c.state.Knowledge = Calculated
	c.state.Direction = directionBetween(c.state.LastKnownPosition, position)

	return nil
}

// RestartTravel restarts the travel time of the current traversal from
// the last known position, for a motor that engaged later than the travel
// was started. It does nothing when not traveling.
func (c *Calculator) RestartTravel() {
	if c.state.Knowledge != Calculated || c.state.Direction == Stopped {
		return
	}

	c.state.TravelStartedAt = c.clock.Now()
}

func (c *Calculator) StartTravelToOpen() {
	_ = c.StartTravel(PositionOpen)
}

func (c *Calculator) StartTravelToClose() {
	_ = c.StartTravel(PositionClosed)
}

// CurrentPosition returns the best known position, or false when no
// position was ever observed.
func (c *Calculator) CurrentPosition() (int, bool) {
	switch c.state.Knowledge {
	case Unknown:
		return 0, false
	case Confirmed:
		return c.state.LastKnownPosition, true
	}

	return c.calculatePosition(c.clock.Now()), true
}

func (c *Calculator) TargetPosition() (int, bool) {
	return c.state.Target, c.state.HasTarget
}

func (c *Calculator) Direction() Direction {
	return c.state.Direction
}

func (c *Calculator) Knowledge() PositionKnowledge {
	return c.state.Knowledge
}

func (c *Calculator) IsTraveling() bool {
	position, known := c.CurrentPosition()
	target, hasTarget := c.TargetPosition()
	if known != hasTarget {
		return true
	}

	return known && position != target
}

func (c *Calculator) IsOpening() bool {
	return c.IsTraveling() && c.state.Direction == Opening
}

func (c *Calculator) IsClosing() bool {
	return c.IsTraveling() && c.state.Direction == Closing
}

func (c *Calculator) PositionReached() bool {
	return !c.IsTraveling()
}

func (c *Calculator) IsFullyOpen() bool {
	position, known := c.CurrentPosition()
	return known && position == PositionOpen
}

func (c *Calculator) IsFullyClosed() bool {
	position, known := c.CurrentPosition()
	return known && position == PositionClosed
}

// TravelTime returns how long a traversal between two positions takes.
func (c *Calculator) TravelTime(from, to int) time.Duration {
	return c.travelTimeFor(directionBetween(from, to), to-from)
}

// RemainingTravelTime returns the time left until the current traversal
// completes by the clock. It is zero when the cover is not traveling.
func (c *Calculator) RemainingTravelTime() time.Duration {
	if c.state.Knowledge != Calculated || c.positionReachedOrExceeded() {
		return 0
	}

	remaining := c.requiredTravelTime() - c.elapsed(c.clock.Now())
	if remaining < 0 {
		return 0
	}

	return remaining
}

func (c *Calculator) State() State {
	return c.state
}

// Restore replaces the mutable state, e.g. with one persisted before a
// restart. Calibration is not part of the state.
func (c *Calculator) Restore(state State) error {
	if err := state.validate(); err != nil {
		return err
	}

	c.state = state
	return nil
}

// Equal reports whether both calculators hold the same state and
// calibration. The clock is not compared.
func (c *Calculator) Equal(o *Calculator) bool {
	if c == nil || o == nil {
		return c == o
	}

	return c.state.Equal(o.state) &&
		c.travelTimeOpening == o.travelTimeOpening &&
		c.travelTimeClosing == o.travelTimeClosing
}

func (c *Calculator) calculatePosition(now time.Time) int {
	if c.state.Direction == Stopped {
		return c.state.LastKnownPosition
	}
	if c.positionReachedOrExceeded() {
		return c.state.Target
	}

	required := c.requiredTravelTime()
	elapsed := c.elapsed(now)
	if elapsed >= required {
		return c.state.Target
	}

	// truncates the interpolated position, not the offset
	delta := int64(c.state.Target - c.state.LastKnownPosition)
	anchor := int64(c.state.LastKnownPosition) * int64(required)
	return int((anchor + delta*int64(elapsed)) / int64(required))
}

// positionReachedOrExceeded is true when the anchor already is at or
// beyond the target in the direction of travel.
func (c *Calculator) positionReachedOrExceeded() bool {
	delta := c.state.Target - c.state.LastKnownPosition

	switch c.state.Direction {
	case Closing:
		return delta <= 0
	case Opening:
		return delta >= 0
	}

	return true
}

func (c *Calculator) requiredTravelTime() time.Duration {
	return c.travelTimeFor(c.state.Direction, c.state.Target-c.state.LastKnownPosition)
}

func (c *Calculator) elapsed(now time.Time) time.Duration {
	elapsed := now.Sub(c.state.TravelStartedAt)
	if elapsed < 0 {
		return 0
	}

	return elapsed
}

func (c *Calculator) travelTimeFor(direction Direction, delta int) time.Duration {
	if delta < 0 {
		delta = -delta
	}

	full := c.travelTimeClosing
	if direction == Opening {
		full = c.travelTimeOpening
	}

	return full * time.Duration(delta) / (PositionClosed - PositionOpen)
}

func directionBetween(from, to int) Direction {
	if to > from {
		return Closing
	}

	return Opening
}
