// Package watcher holds the three independent restart-trigger sources:
// wall-clock schedules, sustained resource pressure, and population
// dropping to zero. Watchers only decide WHEN a restart is proposed; the
// restart package arbitrates and executes.
package watcher

// TriggerKind identifies what proposed a restart. It determines both
// arbitration priority and whether the pre-restart ritual runs at all.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerHighLoad  TriggerKind = "highLoad"
	TriggerUserZero  TriggerKind = "userZero"
	TriggerManual    TriggerKind = "manual"
	// TriggerForced skips the pre-restart ritual entirely.
	TriggerForced TriggerKind = "forced"
)

func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerScheduled, TriggerHighLoad, TriggerUserZero, TriggerManual, TriggerForced:
		return true
	}
	return false
}
