// Package tick implements the periodic-future "sync" utility,
// named tick to avoid colliding with the standard library's sync package.
// It layers a min/max interval future on top of reactor.Future: Create
// fulfills every min seconds; Then registers a callback that additionally
// guarantees to run within max seconds of the last fulfillment even if the
// periodic timer falls behind, matching the overlay's keepalive/idle-detection
// cadence.
package tick

import (
	"time"

	"github.com/garlick/flux-core/internal/reactor"
)

// Ticker fulfills its underlying streaming future every min seconds.
type Ticker struct {
	r     *reactor.Reactor
	fut   *reactor.Future
	timer *reactor.TimerWatcher
	min   time.Duration
}

// Create starts a ticker bound to r that fulfills every min.
func Create(r *reactor.Reactor, min time.Duration) *Ticker {
	t := &Ticker{r: r, fut: reactor.NewStreamingFuture(r), min: min}
	t.timer = reactor.NewTimer(r, min, min, func() {
		t.fut.Fulfill(time.Now(), nil)
		t.fut.Reset()
	})
	t.timer.Start()
	return t
}

// Stop halts the underlying timer; the ticker will no longer fulfill.
func (t *Ticker) Stop() { t.timer.Stop() }

// Then registers cb to run on every fulfillment (i.e. every min seconds),
// and additionally arms a backstop timer that fires cb at most max seconds
// after the last fulfillment even if, for some reason, the periodic timer
// falls behind (a paused process, a long-running handler). This gives
// overlay callers a single hook for "run every min, and never more than max
// seconds stale".
func (t *Ticker) Then(cb func(), max time.Duration) {
	var backstop *reactor.TimerWatcher
	var rearm func()
	rearm = func() {
		if backstop != nil {
			backstop.Stop()
		}
		backstop = reactor.NewTimer(t.r, max, 0, func() {
			cb()
			rearm()
		})
		backstop.Start()
	}
	var step func(*reactor.Future)
	step = func(f *reactor.Future) {
		cb()
		rearm()
		f.Then(step)
	}
	rearm()
	t.fut.Then(step)
}
