package tick

import (
	"testing"
	"time"

	"github.com/garlick/flux-core/internal/reactor"
)

func TestTickerFulfillsPeriodically(t *testing.T) {
	r := reactor.New()
	tk := Create(r, 5*time.Millisecond)
	n := 0
	tk.Then(func() {
		n++
		if n >= 3 {
			tk.Stop()
			r.Stop()
		}
	}, time.Second)

	done := make(chan struct{})
	go func() { r.Run(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		r.Stop()
		<-done
		t.Fatal("ticker did not fire 3 times within timeout")
	}
	if n < 3 {
		t.Fatalf("ticker fired %d times, want >= 3", n)
	}
}

func TestBackstopFiresWhenNoPeriodicActivity(t *testing.T) {
	r := reactor.New()
	tk := Create(r, time.Hour) // effectively never fires on its own
	fired := false
	tk.Then(func() {
		fired = true
		tk.Stop()
		r.Stop()
	}, 10*time.Millisecond)

	done := make(chan struct{})
	go func() { r.Run(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		r.Stop()
		<-done
	}
	if !fired {
		t.Fatal("backstop should have fired cb within max even with no periodic tick")
	}
}
