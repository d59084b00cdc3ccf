package reactor

// Future represents a pending asynchronous result fulfilled exactly once
// (request/response RPCs) or repeatedly (streaming RPCs). Every
// continuation registered via Then runs on the reactor thread via Post, so
// it may freely touch overlay/dispatch state.
type Future struct {
	r         *Reactor
	streaming bool
	fulfilled bool
	val       any
	err       error
	// queue holds fulfillments that arrived while a streaming future was
	// still fulfilled (producer outpacing consumer); Reset pops the next.
	queue     []result
	thens     []func(*Future)
	cancelled bool
	onCancel  func()
}

type result struct {
	val any
	err error
}

// NewFuture creates a one-shot future bound to r.
func NewFuture(r *Reactor) *Future {
	return &Future{r: r}
}

// NewStreamingFuture creates a future that may be fulfilled, consumed via
// Then, and Reset any number of times — the shape scratchpad's sc-stream
// and overlay.monitor RPCs need. Fulfillments that arrive before the
// consumer Resets are queued in order, never lost.
func NewStreamingFuture(r *Reactor) *Future {
	return &Future{r: r, streaming: true}
}

// Fulfill completes the future with (val, err) and schedules every
// registered continuation on the reactor thread. Fulfilling a non-streaming
// future twice panics; fulfilling a streaming future that has not been
// Reset yet enqueues the result for the next Reset.
func (f *Future) Fulfill(val any, err error) {
	if f.cancelled {
		return
	}
	if f.fulfilled {
		if !f.streaming {
			panic("future: fulfilled twice")
		}
		f.queue = append(f.queue, result{val, err})
		return
	}
	f.val, f.err = val, err
	f.fulfilled = true
	f.dispatch()
}

func (f *Future) dispatch() {
	thens := f.thens
	f.thens = nil
	for _, cb := range thens {
		cb := cb
		f.r.Post(func() { cb(f) })
	}
}

// Then registers cb to run on the reactor thread once the future is
// fulfilled (immediately scheduled if it already is). A streaming
// consumer's cb should read Value, call Reset, then Then itself again to
// await the next fulfillment.
func (f *Future) Then(cb func(*Future)) {
	if f.cancelled {
		return
	}
	if f.fulfilled {
		f.r.Post(func() { cb(f) })
		return
	}
	f.thens = append(f.thens, cb)
}

// Reset rearms a streaming future. If fulfillments queued up while the
// current one was being consumed, the oldest is promoted immediately and
// continuations registered afterwards fire for it. Calling Reset on a
// non-streaming future panics.
func (f *Future) Reset() {
	if !f.streaming {
		panic("future: Reset on a non-streaming future")
	}
	f.fulfilled = false
	f.val, f.err = nil, nil
	if len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		f.val, f.err = next.val, next.err
		f.fulfilled = true
		f.dispatch()
	}
}

// Cancel marks the future as cancelled: pending continuations and queued
// fulfillments are dropped and any future Fulfill/Then calls become
// no-ops. onCancel, if set via OnCancel, runs synchronously.
func (f *Future) Cancel() {
	if f.cancelled {
		return
	}
	f.cancelled = true
	f.thens = nil
	f.queue = nil
	if f.onCancel != nil {
		f.onCancel()
	}
}

func (f *Future) OnCancel(cb func()) { f.onCancel = cb }

func (f *Future) Cancelled() bool { return f.cancelled }

// Value returns the fulfilled value and error, or panics if not yet
// fulfilled — callers should only call this from within a Then callback.
func (f *Future) Value() (any, error) {
	if !f.fulfilled {
		panic("future: Value() called before fulfillment")
	}
	return f.val, f.err
}

func (f *Future) Fulfilled() bool { return f.fulfilled }
