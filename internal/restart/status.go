package restart

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/soracane/warden/internal/watcher"
)

// Status is the externally visible restart state, served to clients and
// persisted across supervisor restarts.
type Status struct {
	NextScheduledRestart NextScheduledRestart `json:"nextScheduledRestart"`
	CurrentUptimeSeconds int64                `json:"currentUptime"`
	LastRestart          LastRestart          `json:"lastRestart"`
	// HighLoadTriggerDisabledUntil is the cooldown end after a fresh server
	// start or a completed high-load restart.
	HighLoadTriggerDisabledUntil *time.Time        `json:"highLoadTriggerDisabledUntil,omitempty"`
	RestartInProgress            bool              `json:"restartInProgress"`
	WaitingForUsers              bool              `json:"waitingForUsers"`
	ScheduledPreparing           PreparingSnapshot `json:"scheduledRestartPreparing"`
}

type NextScheduledRestart struct {
	ScheduleID string     `json:"scheduleId,omitempty"`
	Time       *time.Time `json:"datetime,omitempty"`
	ConfigFile string     `json:"configFile,omitempty"`
}

type LastRestart struct {
	Timestamp  *time.Time          `json:"timestamp,omitempty"`
	Trigger    watcher.TriggerKind `json:"trigger,omitempty"`
	ScheduleID string              `json:"scheduleId,omitempty"`
}

// PreparingSnapshot mirrors the schedule watcher's preparing window so
// clients can show the countdown.
type PreparingSnapshot struct {
	Preparing     bool       `json:"preparing"`
	ScheduleID    string     `json:"scheduleId,omitempty"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`
	ConfigFile    string     `json:"configFile,omitempty"`
}

// StatusStore persists restart status as JSON. Only the durable fields
// survive a reload: the last restart record and the high-load cooldown.
// Everything transient (in-progress flags, preparing windows, uptime) is
// recomputed from the live process.
type StatusStore struct {
	mu   sync.Mutex
	path string
}

func NewStatusStore(path string) *StatusStore {
	return &StatusStore{path: path}
}

// Load reads the persisted status, keeping durable fields only. A missing
// or unreadable file yields the zero status.
func (s *StatusStore) Load() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		return Status{}
	}
	var st Status
	if err := json.Unmarshal(b, &st); err != nil {
		return Status{}
	}
	return Status{
		LastRestart:                  st.LastRestart,
		HighLoadTriggerDisabledUntil: st.HighLoadTriggerDisabledUntil,
	}
}

// Save persists the status document.
func (s *StatusStore) Save(st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}
