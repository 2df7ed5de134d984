package relay

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
	"github.com/sirupsen/logrus"
)

type SetPin interface {
	High() error
	Low() error
}

type Mcp23017Pin struct {
	device *mcp23017.Device
	pin    uint8
}

func NewMcp23017Pin(device *mcp23017.Device, pin uint8) (*Mcp23017Pin, error) {
	if err := device.PinMode(pin, mcp23017.OUTPUT); err != nil {
		return nil, errors.Wrapf(err, "mcp23017: pin %d output mode", pin)
	}

	return &Mcp23017Pin{device: device, pin: pin}, nil
}

func (m *Mcp23017Pin) High() error {
	return m.device.DigitalWrite(m.pin, mcp23017.HIGH)
}

func (m *Mcp23017Pin) Low() error {
	return m.device.DigitalWrite(m.pin, mcp23017.LOW)
}

// Wired switches a relay module through an output pin. Relay modules are
// commonly active low, so a normally open relay is enabled by a low pin.
type Wired struct {
	Name         string
	Pin          SetPin
	NormalClosed bool

	mu        sync.Mutex
	isEnabled bool
}

func (w *Wired) EnableFor(ctx context.Context, duration time.Duration) error {
	if err := w.enable(); err != nil {
		return errors.Wrapf(err, "%s: wired relay enable", w.Name)
	}
	defer func() {
		if err := w.disable(); err != nil {
			logrus.Errorf("%s: wired relay disable failed: %s", w.Name, err)
		}
	}()
	engaged(ctx)

	t := time.NewTimer(duration)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		logrus.Debugf("%s: wired relay released", w.Name)
		return ctx.Err()
	}
}

func (w *Wired) IsEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.isEnabled
}

func (w *Wired) enable() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	if !w.NormalClosed {
		err = w.Pin.Low()
	} else {
		err = w.Pin.High()
	}
	w.isEnabled = err == nil

	return err
}

func (w *Wired) disable() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.isEnabled = false
	if !w.NormalClosed {
		return w.Pin.High()
	}

	return w.Pin.Low()
}
