package reactor

import (
	"container/heap"
	"os"
	"os/signal"
	"time"
)

// watcherCore holds the active/referenced bits shared by every watcher
// kind, following the lifecycle rules: starting an already-active watcher is a
// no-op, and Ref/Unref are idempotent regardless of active state.
type watcherCore struct {
	r          *Reactor
	active     bool
	referenced bool
	repeat     time.Duration // >0 for repeating timers; consulted by fireDueTimers
}

func newCore(r *Reactor) *watcherCore {
	return &watcherCore{r: r, referenced: true}
}

func (w *watcherCore) Active() bool { return w.active }

func (w *watcherCore) Ref() {
	w.referenced = true
}

func (w *watcherCore) Unref() {
	w.referenced = false
}

//
// Timer
//

type TimerWatcher struct {
	core *watcherCore
	cb   func()
	initial, repeat time.Duration
	entry *timerEntry
}

type timerEntry struct {
	at      time.Time
	cb      func()
	watcher *watcherCore
	index   int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// NewTimer creates a watcher that fires cb once after `initial`, then every
// `repeat` thereafter if repeat > 0 (a one-shot if repeat == 0).
func NewTimer(r *Reactor, initial, repeat time.Duration, cb func()) *TimerWatcher {
	core := newCore(r)
	core.repeat = repeat
	return &TimerWatcher{core: core, cb: cb, initial: initial, repeat: repeat}
}

func (t *TimerWatcher) Start() {
	if t.core.active {
		return
	}
	t.core.active = true
	t.core.r.register(t.core)
	t.entry = &timerEntry{at: time.Now().Add(t.initial), cb: t.cb, watcher: t.core}
	t.core.r.mu.Lock()
	heap.Push(&t.core.r.timers, t.entry)
	t.core.r.mu.Unlock()
}

func (t *TimerWatcher) Stop() {
	if !t.core.active {
		return
	}
	t.core.active = false
	t.core.r.unregister(t.core)
}

func (t *TimerWatcher) Active() bool { return t.core.Active() }
func (t *TimerWatcher) Ref()         { t.core.Ref() }
func (t *TimerWatcher) Unref()       { t.core.Unref() }

//
// FD (readiness signalled by a blocking helper goroutine reading/writing
// then posting back to the reactor; see package doc)
//

type FDWatcher struct {
	core   *watcherCore
	poll   func() error
	cb     func(error)
	stopCh chan struct{}
}

// NewFD wraps a blocking readiness function (typically a syscall-level poll
// on one fd). While started, a helper goroutine calls poll in a loop and
// invokes cb on the reactor thread with each result; a non-nil poll error
// ends the loop after its final cb delivery.
func NewFD(r *Reactor, poll func() error, cb func(error)) *FDWatcher {
	return &FDWatcher{core: newCore(r), poll: poll, cb: cb, stopCh: make(chan struct{})}
}

func (f *FDWatcher) run(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		err := f.poll()
		done := make(chan struct{})
		f.core.r.Post(func() {
			if f.core.active {
				f.cb(err)
			}
			close(done)
		})
		<-done
		if err != nil {
			return
		}
	}
}

func (f *FDWatcher) Start() {
	if f.core.active {
		return
	}
	f.core.active = true
	f.core.r.register(f.core)
	go f.run(f.stopCh)
}

func (f *FDWatcher) Stop() {
	if !f.core.active {
		return
	}
	f.core.active = false
	f.core.r.unregister(f.core)
	close(f.stopCh)
	f.stopCh = make(chan struct{})
}

func (f *FDWatcher) Active() bool { return f.core.Active() }
func (f *FDWatcher) Ref()         { f.core.Ref() }
func (f *FDWatcher) Unref()       { f.core.Unref() }

//
// Signal
//

type SignalWatcher struct {
	core *watcherCore
	ch   chan os.Signal
	sig  os.Signal
	cb   func(os.Signal)
}

func NewSignal(r *Reactor, sig os.Signal, cb func(os.Signal)) *SignalWatcher {
	return &SignalWatcher{core: newCore(r), sig: sig, cb: cb}
}

func (s *SignalWatcher) Start() {
	if s.core.active {
		return
	}
	s.core.active = true
	s.core.r.register(s.core)
	s.ch = make(chan os.Signal, 1)
	signal.Notify(s.ch, s.sig)
	go func() {
		for sig := range s.ch {
			s.core.r.Post(func() {
				if s.core.active {
					s.cb(sig)
				}
			})
		}
	}()
}

func (s *SignalWatcher) Stop() {
	if !s.core.active {
		return
	}
	s.core.active = false
	s.core.r.unregister(s.core)
	signal.Stop(s.ch)
	close(s.ch)
}

func (s *SignalWatcher) Active() bool { return s.core.Active() }
func (s *SignalWatcher) Ref()         { s.core.Ref() }
func (s *SignalWatcher) Unref()       { s.core.Unref() }

//
// Child
//

type ChildWatcher struct {
	core *watcherCore
	proc *os.Process
	cb   func(*os.ProcessState, error)
}

func NewChild(r *Reactor, proc *os.Process, cb func(*os.ProcessState, error)) *ChildWatcher {
	return &ChildWatcher{core: newCore(r), proc: proc, cb: cb}
}

func (c *ChildWatcher) Start() {
	if c.core.active {
		return
	}
	c.core.active = true
	c.core.r.register(c.core)
	go func() {
		state, err := c.proc.Wait()
		c.core.r.Post(func() {
			if c.core.active {
				c.cb(state, err)
			}
			c.core.active = false
			c.core.r.unregister(c.core)
		})
	}()
}

func (c *ChildWatcher) Stop() {
	if !c.core.active {
		return
	}
	c.core.active = false
	c.core.r.unregister(c.core)
}

func (c *ChildWatcher) Active() bool { return c.core.Active() }
func (c *ChildWatcher) Ref()         { c.core.Ref() }
func (c *ChildWatcher) Unref()       { c.core.Unref() }

//
// Prepare / Check / Idle
//

type PrepareWatcher struct{ core *watcherCore }

func NewPrepare(r *Reactor, cb func()) *PrepareWatcher {
	p := &PrepareWatcher{core: newCore(r)}
	r.addPrepare(func() {
		if p.core.active {
			cb()
		}
	})
	return p
}

func (p *PrepareWatcher) Start() {
	if p.core.active {
		return
	}
	p.core.active = true
	p.core.r.register(p.core)
}
func (p *PrepareWatcher) Stop() {
	if !p.core.active {
		return
	}
	p.core.active = false
	p.core.r.unregister(p.core)
}
func (p *PrepareWatcher) Active() bool { return p.core.Active() }
func (p *PrepareWatcher) Ref()         { p.core.Ref() }
func (p *PrepareWatcher) Unref()       { p.core.Unref() }

type CheckWatcher struct{ core *watcherCore }

func NewCheck(r *Reactor, cb func()) *CheckWatcher {
	c := &CheckWatcher{core: newCore(r)}
	r.addCheck(func() {
		if c.core.active {
			cb()
		}
	})
	return c
}

func (c *CheckWatcher) Start() {
	if c.core.active {
		return
	}
	c.core.active = true
	c.core.r.register(c.core)
}
func (c *CheckWatcher) Stop() {
	if !c.core.active {
		return
	}
	c.core.active = false
	c.core.r.unregister(c.core)
}
func (c *CheckWatcher) Active() bool { return c.core.Active() }
func (c *CheckWatcher) Ref()         { c.core.Ref() }
func (c *CheckWatcher) Unref()       { c.core.Unref() }

// IdleWatcher forces the loop to run without blocking in poll by posting a
// no-op continuously while active; used sparingly (e.g. to drain a backlog
// queue promptly) since it spins the loop.
type IdleWatcher struct {
	core *watcherCore
	cb   func()
}

func NewIdle(r *Reactor, cb func()) *IdleWatcher {
	return &IdleWatcher{core: newCore(r), cb: cb}
}

func (i *IdleWatcher) Start() {
	if i.core.active {
		return
	}
	i.core.active = true
	i.core.r.register(i.core)
	i.core.r.addCheck(func() {
		if i.core.active {
			i.cb()
			i.core.r.Post(func() {})
		}
	})
}

func (i *IdleWatcher) Stop() {
	if !i.core.active {
		return
	}
	i.core.active = false
	i.core.r.unregister(i.core)
}

func (i *IdleWatcher) Active() bool { return i.core.Active() }
func (i *IdleWatcher) Ref()         { i.core.Ref() }
func (i *IdleWatcher) Unref()       { i.core.Unref() }
