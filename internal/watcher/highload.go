package watcher

import (
	"log/slog"
	"sync"
	"time"
)

// HighLoadWatcher fires once CPU or memory usage has stayed at or above
// its threshold continuously for the configured sustain duration. Samples
// are pushed in by the caller (one per minute); the watcher keeps no
// sampling loop of its own.
type HighLoadWatcher struct {
	log       *slog.Logger
	onTrigger func()

	mu            sync.Mutex
	enabled       bool
	cpuThreshold  float64
	memThreshold  float64
	sustain       time.Duration
	disabledUntil time.Time
	highSince     time.Time

	now func() time.Time
}

func NewHighLoadWatcher(log *slog.Logger, onTrigger func()) *HighLoadWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &HighLoadWatcher{
		log:       log.With("component", "highload-watcher"),
		onTrigger: onTrigger,
		now:       time.Now,
	}
}

// Start arms the watcher with thresholds (percent), the sustain duration,
// and an optional cooldown end carried over from persisted status.
func (w *HighLoadWatcher) Start(enabled bool, cpuThreshold, memThreshold float64, sustain time.Duration, disabledUntil time.Time) {
	w.mu.Lock()
	w.enabled = enabled
	w.cpuThreshold = cpuThreshold
	w.memThreshold = memThreshold
	w.sustain = sustain
	w.disabledUntil = disabledUntil
	w.highSince = time.Time{}
	w.mu.Unlock()
	if enabled {
		w.log.Info("high load watcher started",
			"cpu_threshold", cpuThreshold, "mem_threshold", memThreshold, "sustain", sustain)
	}
}

// Stop disarms the watcher and forgets the current episode.
func (w *HighLoadWatcher) Stop() {
	w.mu.Lock()
	w.enabled = false
	w.highSince = time.Time{}
	w.mu.Unlock()
}

// SetDisabledUntil imposes a cooldown window; while it is in the future no
// trigger can fire and the episode timer is held at unset.
func (w *HighLoadWatcher) SetDisabledUntil(t time.Time) {
	w.mu.Lock()
	w.disabledUntil = t
	w.mu.Unlock()
}

// Observe feeds one CPU%/memory% sample.
func (w *HighLoadWatcher) Observe(cpuPercent, memPercent float64) {
	w.mu.Lock()
	if !w.enabled {
		w.mu.Unlock()
		return
	}
	now := w.now()
	if now.Before(w.disabledUntil) {
		if !w.highSince.IsZero() {
			w.log.Info("high load ignored during cooldown", "until", w.disabledUntil)
			w.highSince = time.Time{}
		}
		w.mu.Unlock()
		return
	}

	high := cpuPercent >= w.cpuThreshold || memPercent >= w.memThreshold
	fire := false
	switch {
	case high && w.highSince.IsZero():
		w.highSince = now
		w.log.Info("high load detected", "cpu", cpuPercent, "mem", memPercent, "sustain", w.sustain)
	case high:
		if now.Sub(w.highSince) >= w.sustain {
			// Clearing highSince prevents the same episode from re-firing.
			w.highSince = time.Time{}
			fire = true
		}
	case !w.highSince.IsZero():
		w.log.Info("load back to normal")
		w.highSince = time.Time{}
	}
	w.mu.Unlock()

	if fire {
		w.log.Warn("sustained high load, proposing restart", "cpu", cpuPercent, "mem", memPercent)
		if w.onTrigger != nil {
			w.onTrigger()
		}
	}
}
