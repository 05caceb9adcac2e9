package flow

import (
	"strings"
	"sync"
	"time"
)

// Timer is a cancellable deferred callback. Stop reports whether the
// callback was prevented from running.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules a callback after a delay. The default factory wraps
// time.AfterFunc; tests substitute a synchronous factory to fire timeouts
// deterministically.
type TimerFactory func(d time.Duration, fn func()) Timer

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

func defaultTimerFactory(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

// timerRegistry tracks the pending fan-in timeout of each synchronization
// point, keyed by run id and fan-in path. Fan-in timeouts are deferred
// events, not polls: each is scheduled once on first arrival and cancelled
// when the fan-in activates first.
type timerRegistry struct {
	mu      sync.Mutex
	factory TimerFactory
	timers  map[string]Timer
}

func newTimerRegistry(factory TimerFactory) *timerRegistry {
	if factory == nil {
		factory = defaultTimerFactory
	}
	return &timerRegistry{factory: factory, timers: make(map[string]Timer)}
}

func timerKey(runID, fanInPath string) string {
	return runID + "|" + fanInPath
}

// schedule registers a timeout for a fan-in point. A point already holding
// a pending timer keeps it; fan-in records are created once, so a second
// schedule for the same key is a replay.
func (r *timerRegistry) schedule(runID, fanInPath string, d time.Duration, fn func()) {
	key := timerKey(runID, fanInPath)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.timers[key]; exists {
		return
	}
	r.timers[key] = r.factory(d, func() {
		r.mu.Lock()
		delete(r.timers, key)
		r.mu.Unlock()
		fn()
	})
}

// cancel stops the pending timeout of one fan-in point, if any.
func (r *timerRegistry) cancel(runID, fanInPath string) {
	key := timerKey(runID, fanInPath)
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
}

// cancelRun stops every pending timeout of a run. Called when the run
// reaches a terminal status.
func (r *timerRegistry) cancelRun(runID string) {
	prefix := runID + "|"
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.timers {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(r.timers, key)
		}
	}
}
