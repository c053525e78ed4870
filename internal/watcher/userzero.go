package watcher

import (
	"log/slog"
	"sync"
	"time"
)

// UserZeroWatcher is an edge detector over externally pushed population
// samples: it fires exactly on a transition from a positive count to zero,
// gated by a minimum uptime since the server started.
type UserZeroWatcher struct {
	log       *slog.Logger
	onTrigger func()

	mu        sync.Mutex
	enabled   bool
	minUptime time.Duration
	lastCount int
	hasLast   bool
	fired     bool
	startTime time.Time

	now func() time.Time
}

func NewUserZeroWatcher(log *slog.Logger, onTrigger func()) *UserZeroWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &UserZeroWatcher{
		log:       log.With("component", "userzero-watcher"),
		onTrigger: onTrigger,
		now:       time.Now,
	}
}

// Enable turns the watcher on or off; disabling clears the sample memory.
func (w *UserZeroWatcher) Enable(enabled bool, minUptime time.Duration) {
	w.mu.Lock()
	w.enabled = enabled
	w.minUptime = minUptime
	if !enabled {
		w.hasLast = false
		w.fired = false
	}
	w.mu.Unlock()
}

// SetServerStartTime records when the managed process came up; a fresh
// start also resets the sample memory. The zero time means not running.
func (w *UserZeroWatcher) SetServerStartTime(t time.Time) {
	w.mu.Lock()
	w.startTime = t
	if !t.IsZero() {
		w.hasLast = false
		w.fired = false
	}
	w.mu.Unlock()
}

// Reset forgets the last sample and re-arms the watcher without touching
// enablement.
func (w *UserZeroWatcher) Reset() {
	w.mu.Lock()
	w.hasLast = false
	w.fired = false
	w.mu.Unlock()
}

// Observe feeds one total-population sample.
func (w *UserZeroWatcher) Observe(totalUsers int) {
	w.mu.Lock()
	if !w.enabled || w.startTime.IsZero() || w.now().Sub(w.startTime) < w.minUptime {
		w.mu.Unlock()
		return
	}
	fire := false
	if !w.fired && w.hasLast && w.lastCount > 0 && totalUsers == 0 {
		// Forget the sample so the next identical zero cannot re-fire, and
		// latch until the next process start: one fire per server run.
		w.hasLast = false
		w.fired = true
		fire = true
	} else {
		w.lastCount = totalUsers
		w.hasLast = true
	}
	w.mu.Unlock()

	if fire {
		w.log.Info("population dropped to zero, proposing restart")
		if w.onTrigger != nil {
			w.onTrigger()
		}
	}
}
