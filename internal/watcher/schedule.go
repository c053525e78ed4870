package watcher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultCheckInterval is the wall-clock polling cadence.
	DefaultCheckInterval = time.Minute
	// DefaultPreparingLead is how long before a due time the preparing
	// window opens.
	DefaultPreparingLead = 30 * time.Minute
)

// RuleKind selects how a schedule rule recurs.
type RuleKind string

const (
	RuleOnce   RuleKind = "once"
	RuleWeekly RuleKind = "weekly"
	RuleDaily  RuleKind = "daily"
)

// ClockTime is an hour:minute of day.
type ClockTime struct {
	Hour   int `json:"hour" mapstructure:"hour"`
	Minute int `json:"minute" mapstructure:"minute"`
}

// DateSpec is an absolute local date-time, minute precision.
type DateSpec struct {
	Year   int `json:"year" mapstructure:"year"`
	Month  int `json:"month" mapstructure:"month"`
	Day    int `json:"day" mapstructure:"day"`
	Hour   int `json:"hour" mapstructure:"hour"`
	Minute int `json:"minute" mapstructure:"minute"`
}

// WaitOverride lets a single rule override the global wait-control timings
// (minutes).
type WaitOverride struct {
	ForceRestartTimeout int `json:"forceRestartTimeout" mapstructure:"forceRestartTimeout"`
	ActionTiming        int `json:"actionTiming" mapstructure:"actionTiming"`
}

// Rule is one scheduled-restart recurrence. Kind decides which of the
// time fields apply. Weekday uses 0=Sunday..6=Saturday.
type Rule struct {
	ID          string        `json:"id" mapstructure:"id"`
	Enabled     bool          `json:"enabled" mapstructure:"enabled"`
	Kind        RuleKind      `json:"type" mapstructure:"type"`
	Date        *DateSpec     `json:"specificDate,omitempty" mapstructure:"specificDate"`
	Weekday     *int          `json:"weeklyDay,omitempty" mapstructure:"weeklyDay"`
	WeeklyTime  *ClockTime    `json:"weeklyTime,omitempty" mapstructure:"weeklyTime"`
	DailyTime   *ClockTime    `json:"dailyTime,omitempty" mapstructure:"dailyTime"`
	ConfigFile  string        `json:"configFile" mapstructure:"configFile"`
	WaitControl *WaitOverride `json:"waitControl,omitempty" mapstructure:"waitControl"`
}

// ScheduleEvent describes a rule entering its preparing window or firing.
type ScheduleEvent struct {
	RuleID     string
	ConfigFile string
	Due        time.Time
}

// ScheduleWatcher polls wall-clock time once a minute and emits a
// preparing event a fixed lead before each due rule and a trigger event at
// the due minute. Callbacks run on the watcher goroutine and must not
// block for long.
type ScheduleWatcher struct {
	log         *slog.Logger
	onPreparing func(ScheduleEvent)
	onTrigger   func(ScheduleEvent)

	mu        sync.Mutex
	rules     []Rule
	enabled   bool
	quit      chan struct{}
	firedOnce map[string]struct{}
	preparing map[string]struct{}

	// test seams
	now      func() time.Time
	interval time.Duration
	lead     time.Duration
}

func NewScheduleWatcher(log *slog.Logger, onPreparing, onTrigger func(ScheduleEvent)) *ScheduleWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &ScheduleWatcher{
		log:         log.With("component", "schedule-watcher"),
		onPreparing: onPreparing,
		onTrigger:   onTrigger,
		firedOnce:   make(map[string]struct{}),
		preparing:   make(map[string]struct{}),
		now:         time.Now,
		interval:    DefaultCheckInterval,
		lead:        DefaultPreparingLead,
	}
}

// Start replaces the rule set and (re)starts polling. Disabled rules are
// dropped; with nothing to watch the poller is stopped instead. An
// immediate check runs before the first tick.
func (w *ScheduleWatcher) Start(rules []Rule, enabled bool) {
	w.mu.Lock()
	filtered := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			filtered = append(filtered, r)
		}
	}
	w.rules = filtered
	w.enabled = enabled
	w.stopLocked()
	if !enabled || len(filtered) == 0 {
		w.mu.Unlock()
		return
	}
	quit := make(chan struct{})
	w.quit = quit
	interval := w.interval
	w.mu.Unlock()

	w.log.Info("schedule watcher started", "rules", len(filtered))
	w.check()
	go w.loop(quit, interval)
}

// Stop halts polling. Rule state (fired once-rules) is kept.
func (w *ScheduleWatcher) Stop() {
	w.mu.Lock()
	w.stopLocked()
	w.mu.Unlock()
}

func (w *ScheduleWatcher) stopLocked() {
	if w.quit != nil {
		close(w.quit)
		w.quit = nil
	}
}

func (w *ScheduleWatcher) loop(quit chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
			w.check()
		}
	}
}

// PreparingActive reports whether any rule is inside its preparing window.
// The orchestrator suppresses high-load triggers while this holds.
func (w *ScheduleWatcher) PreparingActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.preparing) > 0
}

// NextScheduled returns the earliest upcoming due time across all rules.
func (w *ScheduleWatcher) NextScheduled() (ScheduleEvent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled {
		return ScheduleEvent{}, false
	}
	from := w.now()
	var best ScheduleEvent
	found := false
	for _, r := range w.rules {
		due, ok := w.nextDueLocked(r, from)
		if !ok {
			continue
		}
		if !found || due.Before(best.Due) {
			best = ScheduleEvent{RuleID: r.ID, ConfigFile: r.ConfigFile, Due: due}
			found = true
		}
	}
	return best, found
}

func (w *ScheduleWatcher) check() {
	w.mu.Lock()
	now := w.now()
	var prepEvents, trigEvents []ScheduleEvent

	for _, r := range w.rules {
		due, ok := w.nextDueLocked(r, now)
		if !ok {
			delete(w.preparing, r.ID)
			continue
		}
		diff := due.Sub(now)
		switch {
		case diff > 0 && diff <= w.lead:
			if _, already := w.preparing[r.ID]; !already {
				w.preparing[r.ID] = struct{}{}
				prepEvents = append(prepEvents, ScheduleEvent{RuleID: r.ID, ConfigFile: r.ConfigFile, Due: due})
			}
		case diff > w.lead:
			// Covers config edits moving the due time back out.
			delete(w.preparing, r.ID)
		}
	}

	for _, r := range w.rules {
		if !w.shouldTriggerLocked(r, now) {
			continue
		}
		delete(w.preparing, r.ID)
		if r.Kind == RuleOnce {
			w.firedOnce[onceKey(r)] = struct{}{}
		}
		trigEvents = append(trigEvents, ScheduleEvent{RuleID: r.ID, ConfigFile: r.ConfigFile, Due: now})
	}
	w.mu.Unlock()

	for _, e := range prepEvents {
		w.log.Info("scheduled restart approaching", "rule", e.RuleID, "due", e.Due)
		if w.onPreparing != nil {
			w.onPreparing(e)
		}
	}
	for _, e := range trigEvents {
		w.log.Info("scheduled restart due", "rule", e.RuleID)
		if w.onTrigger != nil {
			w.onTrigger(e)
		}
	}
}

// shouldTriggerLocked compares the rule's fields against the current
// minute directly; the due-time computed by nextDueLocked already rolled
// past "now" the moment the minute started.
func (w *ScheduleWatcher) shouldTriggerLocked(r Rule, now time.Time) bool {
	switch r.Kind {
	case RuleOnce:
		if r.Date == nil {
			return false
		}
		if _, fired := w.firedOnce[onceKey(r)]; fired {
			return false
		}
		target := time.Date(r.Date.Year, time.Month(r.Date.Month), r.Date.Day, r.Date.Hour, r.Date.Minute, 0, 0, now.Location())
		return target.Equal(now.Truncate(time.Minute))
	case RuleWeekly:
		if r.Weekday == nil || r.WeeklyTime == nil {
			return false
		}
		return int(now.Weekday()) == *r.Weekday &&
			now.Hour() == r.WeeklyTime.Hour && now.Minute() == r.WeeklyTime.Minute
	case RuleDaily:
		if r.DailyTime == nil {
			return false
		}
		return now.Hour() == r.DailyTime.Hour && now.Minute() == r.DailyTime.Minute
	}
	return false
}

func (w *ScheduleWatcher) nextDueLocked(r Rule, from time.Time) (time.Time, bool) {
	switch r.Kind {
	case RuleOnce:
		if r.Date == nil {
			return time.Time{}, false
		}
		if _, fired := w.firedOnce[onceKey(r)]; fired {
			return time.Time{}, false
		}
		due := time.Date(r.Date.Year, time.Month(r.Date.Month), r.Date.Day, r.Date.Hour, r.Date.Minute, 0, 0, from.Location())
		if !due.After(from) {
			return time.Time{}, false
		}
		return due, true
	case RuleWeekly:
		if r.Weekday == nil || r.WeeklyTime == nil {
			return time.Time{}, false
		}
		days := (*r.Weekday - int(from.Weekday()) + 7) % 7
		if days == 0 && !beforeClock(from, *r.WeeklyTime) {
			days = 7
		}
		due := time.Date(from.Year(), from.Month(), from.Day(), r.WeeklyTime.Hour, r.WeeklyTime.Minute, 0, 0, from.Location())
		return due.AddDate(0, 0, days), true
	case RuleDaily:
		if r.DailyTime == nil {
			return time.Time{}, false
		}
		due := time.Date(from.Year(), from.Month(), from.Day(), r.DailyTime.Hour, r.DailyTime.Minute, 0, 0, from.Location())
		if !beforeClock(from, *r.DailyTime) {
			due = due.AddDate(0, 0, 1)
		}
		return due, true
	}
	return time.Time{}, false
}

// beforeClock reports whether t's time of day is strictly before c.
func beforeClock(t time.Time, c ClockTime) bool {
	return t.Hour() < c.Hour || (t.Hour() == c.Hour && t.Minute() < c.Minute)
}

// onceKey identifies a once-rule firing so editing the rule's date re-arms
// it.
func onceKey(r Rule) string {
	d := r.Date
	return fmt.Sprintf("%s-%d-%d-%d-%d-%d", r.ID, d.Year, d.Month, d.Day, d.Hour, d.Minute)
}
