package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Relay energizes a shutter motor for a given time. A canceled context
// releases it early.
type Relay interface {
	EnableFor(ctx context.Context, duration time.Duration) error
	IsEnabled() bool
}

type engagedKey struct{}

// WithEngaged returns a context whose relay run calls fn once the relay
// is actually switched on, after any wait for a pool slot or interlock.
func WithEngaged(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, engagedKey{}, fn)
}

func engaged(ctx context.Context) {
	if fn, ok := ctx.Value(engagedKey{}).(func()); ok && fn != nil {
		fn()
	}
}

// PoolProxy limits how many relays sharing one pool are enabled at once.
type PoolProxy struct {
	r Relay
	c chan struct{}
}

func NewPoolProxy(r Relay, pool chan struct{}) *PoolProxy {
	return &PoolProxy{r: r, c: pool}
}

func (p *PoolProxy) EnableFor(ctx context.Context, duration time.Duration) error {
	select {
	case p.c <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		<-p.c
	}()

	return p.r.EnableFor(ctx, duration)
}

func (p *PoolProxy) IsEnabled() bool {
	return p.r.IsEnabled()
}

// Dumb drives nothing. It only logs, for setups without hardware.
type Dumb struct {
	Name string

	mu        sync.Mutex
	isEnabled bool
}

func (r *Dumb) EnableFor(ctx context.Context, duration time.Duration) error {
	r.setEnabled(true)
	defer r.setEnabled(false)
	engaged(ctx)

	t := time.NewTimer(duration)
	defer t.Stop()

	logrus.Debugf("%s: dumb relay enabled for %s", r.Name, duration.String())

	select {
	case <-t.C:
		logrus.Debugf("%s: dumb relay done", r.Name)
		return nil
	case <-ctx.Done():
		logrus.Debugf("%s: dumb relay released", r.Name)
		return ctx.Err()
	}
}

func (r *Dumb) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.isEnabled
}

func (r *Dumb) setEnabled(enabled bool) {
	r.mu.Lock()
	r.isEnabled = enabled
	r.mu.Unlock()
}
