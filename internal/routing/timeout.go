package routing

import (
	"time"
)

// Stopper cancels a scheduled function. It matches *time.Timer.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f to run after d. It matches time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// timeoutGuard bounds how long a single attempt may wait for its callback.
// At most one timer is live; arming always disarms the previous one.
type timeoutGuard struct {
	afterFunc AfterFunc
	timer     Stopper
	timedOut  bool
}

// arm schedules fire(seq) after d.
func (g *timeoutGuard) arm(d time.Duration, seq int, fire func(seq int)) {
	g.disarm()
	g.timer = g.afterFunc(d, func() { fire(seq) })
}

// disarm stops the live timer, if any.
func (g *timeoutGuard) disarm() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// armed reports whether a timer is live.
func (g *timeoutGuard) armed() bool {
	return g.timer != nil
}
