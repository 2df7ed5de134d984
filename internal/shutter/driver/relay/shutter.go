package relay

import (
	"context"
	"sync"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/shutter"
	"github.com/jkaflik/cover2mqtt/internal/travel"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultUpdateInterval = time.Second

// RelaysShutter is a shutter without position sensor, moved by an up and
// a down relay. Its position is estimated from the time a relay is enabled.
type RelaysShutter struct {
	rUp   Relay
	rDown Relay

	name           string
	timeToOpen     time.Duration
	timeToClose    time.Duration
	updateInterval time.Duration
	clock          travel.Clock

	mu            sync.Mutex
	travel        *travel.Calculator
	updateHandler shutter.ShutterUpdateHandler

	// generation identifies the latest command; relay runs of older
	// commands must not touch the travel state.
	generation           uint64
	cancelCurrentContext context.CancelFunc
}

type Option func(s *RelaysShutter)

func WithClock(clock travel.Clock) Option {
	return func(s *RelaysShutter) {
		s.clock = clock
	}
}

// WithUpdateInterval sets how often position is published while moving.
func WithUpdateInterval(interval time.Duration) Option {
	return func(s *RelaysShutter) {
		s.updateInterval = interval
	}
}

func NewRelaysShutter(name string, up Relay, down Relay, timeToOpen time.Duration, timeToClose time.Duration, opts ...Option) *RelaysShutter {
	s := &RelaysShutter{
		rUp:            up,
		rDown:          down,
		name:           name,
		timeToOpen:     timeToOpen,
		timeToClose:    timeToClose,
		updateInterval: defaultUpdateInterval,
		clock:          travel.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.travel = travel.NewCalculator(timeToOpen, timeToClose, travel.WithClock(s.clock))

	return s
}

func (s *RelaysShutter) Name() string {
	return s.name
}

func (s *RelaysShutter) FullOpenPosition() int {
	return travel.PositionOpen
}

func (s *RelaysShutter) FullClosePosition() int {
	return travel.PositionClosed
}

func (s *RelaysShutter) Position() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.travel.CurrentPosition()
}

func (s *RelaysShutter) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return shutter.StateOf(s.travel)
}

func (s *RelaysShutter) OnUpdate(h shutter.ShutterUpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateHandler = h
}

func (s *RelaysShutter) ResetPosition(position int) error {
	s.mu.Lock()
	err := s.travel.SetKnownPosition(position)
	s.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "%s: reset position", s.name)
	}

	logrus.Infof("%s: position reset to %d", s.name, position)
	s.notify()

	return nil
}

// ConfirmPosition takes feedback reported by the device. Feedback of a
// resting shutter also becomes its target, feedback during travel only
// moves the interpolation anchor.
func (s *RelaysShutter) ConfirmPosition(position int) error {
	s.mu.Lock()
	var err error
	if s.travel.Knowledge() == travel.Unknown || s.travel.Direction() == travel.Stopped {
		err = s.travel.SetKnownPosition(position)
	} else {
		err = s.travel.UpdateKnownPosition(position)
	}
	s.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "%s: confirm position", s.name)
	}

	logrus.Debugf("%s: position %d confirmed", s.name, position)
	s.notify()

	return nil
}

func (s *RelaysShutter) Open(ctx context.Context) error {
	logrus.Infof("%s: open", s.name)

	return s.setPosition(ctx, travel.PositionOpen)
}

func (s *RelaysShutter) Close(ctx context.Context) error {
	logrus.Infof("%s: close", s.name)

	return s.setPosition(ctx, travel.PositionClosed)
}

func (s *RelaysShutter) Stop(_ context.Context) error {
	logrus.Infof("%s: stop", s.name)

	s.mu.Lock()
	s.cancelCurrent()
	s.generation++
	s.travel.Stop()
	s.mu.Unlock()

	s.notify()

	return nil
}

func (s *RelaysShutter) SetPosition(ctx context.Context, targetPosition int) error {
	logrus.Infof("%s: set position to %d", s.name, targetPosition)

	if targetPosition < travel.PositionOpen || targetPosition > travel.PositionClosed {
		return errors.Wrapf(
			travel.ErrOutOfRange,
			"%s: %d is out of range open/close position (%d/%d)",
			s.name,
			targetPosition,
			travel.PositionOpen,
			travel.PositionClosed,
		)
	}

	return s.setPosition(ctx, targetPosition)
}

func (s *RelaysShutter) setPosition(ctx context.Context, targetPosition int) error {
	s.mu.Lock()

	var relay Relay
	var duration time.Duration

	if _, known := s.travel.CurrentPosition(); !known {
		// with no position to start from, only running into an end stop
		// gives a known position
		switch targetPosition {
		case travel.PositionOpen:
			relay, duration = s.rUp, s.timeToOpen
		case travel.PositionClosed:
			relay, duration = s.rDown, s.timeToClose
		default:
			s.mu.Unlock()
			return errors.Errorf("%s: position unknown, fully open or close first", s.name)
		}
	}

	if err := s.travel.StartTravel(targetPosition); err != nil {
		s.mu.Unlock()
		return errors.Wrapf(err, "%s: start travel", s.name)
	}

	ctx = s.retainContext(ctx)
	s.generation++
	generation := s.generation

	if relay == nil {
		if s.travel.PositionReached() {
			s.cancelCurrent()
			s.mu.Unlock()
			logrus.Debugf("%s: already on a position %d", s.name, targetPosition)
			s.notify()
			return nil
		}

		relay = s.rUp
		if s.travel.IsClosing() {
			relay = s.rDown
		}
		duration = s.travel.RemainingTravelTime()
	}
	s.mu.Unlock()

	s.notify()

	relayCtx := WithEngaged(ctx, func() {
		s.relayEngaged(generation)
	})

	go s.publishPositionDuringMove(ctx, generation)
	go s.enableRelay(relayCtx, generation, relay, targetPosition, duration)

	return nil
}

// relayEngaged moves the start of travel to the moment the motor got
// power. Waiting for a pool slot or the interlock is not travel.
func (s *RelaysShutter) relayEngaged(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		return
	}

	s.travel.RestartTravel()
}

func (s *RelaysShutter) enableRelay(ctx context.Context, generation uint64, relay Relay, targetPosition int, duration time.Duration) {
	logrus.Debugf("%s: enable relay for %s", s.name, duration.String())
	err := relay.EnableFor(ctx, duration)

	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		logrus.Debugf("%s: move to %d superseded", s.name, targetPosition)
		return
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logrus.Infof("%s: set position %d canceled", s.name, targetPosition)
		} else {
			logrus.Errorf("%s: enable relay error: %s", s.name, err)
		}
	}

	// the relay is released, so the shutter rests wherever it got to
	s.travel.Stop()
	s.cancelCurrent()
	state := shutter.StateOf(s.travel)
	position, _ := s.travel.CurrentPosition()
	s.mu.Unlock()

	logrus.Infof("%s: updated state %s, position %d", s.name, state, position)
	s.notify()
}

func (s *RelaysShutter) publishPositionDuringMove(ctx context.Context, generation uint64) {
	logrus.Debugf("%s: begin position publishing", s.name)

	every := time.NewTicker(s.updateInterval)
	defer every.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Debugf("%s: exit position publishing", s.name)
			return
		case <-every.C:
			s.mu.Lock()
			moving := generation == s.generation && s.travel.IsTraveling()
			s.mu.Unlock()
			if !moving {
				logrus.Debugf("%s: position publishing done", s.name)
				return
			}

			logrus.Tracef("%s: publish calculated position", s.name)
			s.notify()
		}
	}
}

// retainContext cancels the operation in progress and derives the context
// of a new one. Must be called with s.mu held.
func (s *RelaysShutter) retainContext(parent context.Context) (ctx context.Context) {
	if s.cancelCurrentContext != nil {
		logrus.Debugf("%s: found previous operation context, cancel", s.name)
	}
	s.cancelCurrent()

	ctx, s.cancelCurrentContext = context.WithCancel(parent)
	return ctx
}

func (s *RelaysShutter) cancelCurrent() {
	if s.cancelCurrentContext != nil {
		s.cancelCurrentContext()
		s.cancelCurrentContext = nil
	}
}

func (s *RelaysShutter) notify() {
	s.mu.Lock()
	handler := s.updateHandler
	state := shutter.StateOf(s.travel)
	position, known := s.travel.CurrentPosition()
	s.mu.Unlock()

	if handler == nil {
		return
	}
	if !known {
		logrus.Debugf("%s: position unknown, update skipped", s.name)
		return
	}

	handler(state, position)
}
