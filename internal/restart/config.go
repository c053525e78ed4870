package restart

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/soracane/warden/internal/watcher"
)

// Config is the restart policy document, persisted as JSON and editable
// while the supervisor runs.
type Config struct {
	Triggers         Triggers         `json:"triggers" mapstructure:"triggers"`
	PreRestartAction PreRestartAction `json:"preRestartActions" mapstructure:"preRestartActions"`
	Failsafe         Failsafe         `json:"failsafe" mapstructure:"failsafe"`
}

// Triggers groups the three automatic restart sources.
type Triggers struct {
	Scheduled ScheduledTrigger `json:"scheduled" mapstructure:"scheduled"`
	HighLoad  HighLoadTrigger  `json:"highLoad" mapstructure:"highLoad"`
	UserZero  UserZeroTrigger  `json:"userZero" mapstructure:"userZero"`
}

type ScheduledTrigger struct {
	Enabled   bool           `json:"enabled" mapstructure:"enabled"`
	Schedules []watcher.Rule `json:"schedules" mapstructure:"schedules"`
}

// HighLoadTrigger fires after CPU or memory stays at or above its
// threshold (percent) for DurationMinutes straight.
type HighLoadTrigger struct {
	Enabled         bool    `json:"enabled" mapstructure:"enabled"`
	CPUThreshold    float64 `json:"cpuThreshold" mapstructure:"cpuThreshold"`
	MemoryThreshold float64 `json:"memoryThreshold" mapstructure:"memoryThreshold"`
	DurationMinutes int     `json:"durationMinutes" mapstructure:"durationMinutes"`
}

// UserZeroTrigger fires when the population falls from positive to zero,
// but only once the server has been up for MinUptimeMinutes.
type UserZeroTrigger struct {
	Enabled          bool `json:"enabled" mapstructure:"enabled"`
	MinUptimeMinutes int  `json:"minUptimeMinutes" mapstructure:"minUptimeMinutes"`
}

// PreRestartAction configures the countdown and the courtesy ritual run
// against the live server before it is stopped.
type PreRestartAction struct {
	WaitControl    WaitControl    `json:"waitControl" mapstructure:"waitControl"`
	ChatMessage    ChatMessage    `json:"chatMessage" mapstructure:"chatMessage"`
	ItemSpawn      ItemSpawn      `json:"itemSpawn" mapstructure:"itemSpawn"`
	SessionChanges SessionChanges `json:"sessionChanges" mapstructure:"sessionChanges"`
}

// WaitControl shapes the pre-restart countdown (minutes). The ritual runs
// ActionTiming minutes before the force deadline; WaitForZeroUsers is the
// extra grace granted when the population reaches zero early.
type WaitControl struct {
	ForceRestartTimeout int `json:"forceRestartTimeout" mapstructure:"forceRestartTimeout"`
	ActionTiming        int `json:"actionTiming" mapstructure:"actionTiming"`
	WaitForZeroUsers    int `json:"waitForZeroUsers" mapstructure:"waitForZeroUsers"`
}

type ChatMessage struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Message string `json:"message" mapstructure:"message"`
}

type ItemSpawn struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	ItemType string `json:"itemType" mapstructure:"itemType"`
	ItemURL  string `json:"itemUrl" mapstructure:"itemUrl"`
	Message  string `json:"message" mapstructure:"message"`
}

type SessionChanges struct {
	SetPrivate        bool              `json:"setPrivate" mapstructure:"setPrivate"`
	SetMaxUserToOne   bool              `json:"setMaxUserToOne" mapstructure:"setMaxUserToOne"`
	ChangeSessionName ChangeSessionName `json:"changeSessionName" mapstructure:"changeSessionName"`
}

type ChangeSessionName struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	NewName string `json:"newName" mapstructure:"newName"`
}

// Failsafe governs retrying a failed restart.
type Failsafe struct {
	RetryCount           int `json:"retryCount" mapstructure:"retryCount"`
	RetryIntervalSeconds int `json:"retryIntervalSeconds" mapstructure:"retryIntervalSeconds"`
}

// DefaultConfig returns the policy written out when no config file exists
// yet. Only the user-zero trigger is armed; schedules and the high-load
// trigger stay off until configured.
func DefaultConfig() Config {
	return Config{
		Triggers: Triggers{
			Scheduled: ScheduledTrigger{Enabled: false, Schedules: []watcher.Rule{}},
			HighLoad: HighLoadTrigger{
				Enabled:         false,
				CPUThreshold:    80,
				MemoryThreshold: 80,
				DurationMinutes: 10,
			},
			UserZero: UserZeroTrigger{Enabled: true, MinUptimeMinutes: 240},
		},
		PreRestartAction: PreRestartAction{
			WaitControl: WaitControl{
				ForceRestartTimeout: 180,
				ActionTiming:        2,
				WaitForZeroUsers:    5,
			},
			ChatMessage: ChatMessage{
				Enabled: true,
				Message: "The server will restart shortly. Please save your work.",
			},
			ItemSpawn: ItemSpawn{
				Enabled:  true,
				ItemType: "url",
				Message:  "A restart notice has been placed in the session.",
			},
			SessionChanges: SessionChanges{
				SetPrivate:      false,
				SetMaxUserToOne: true,
				ChangeSessionName: ChangeSessionName{
					Enabled: false,
				},
			},
		},
		Failsafe: Failsafe{RetryCount: 3, RetryIntervalSeconds: 30},
	}
}

// Validate checks cross-field constraints. A config failing here must not
// be applied; the previous one stays active.
func (c *Config) Validate() error {
	wc := c.PreRestartAction.WaitControl
	if wc.ForceRestartTimeout < 1 || wc.ForceRestartTimeout > 1440 {
		return fmt.Errorf("waitControl.forceRestartTimeout %d out of range 1..1440", wc.ForceRestartTimeout)
	}
	if wc.ActionTiming < 1 || wc.ActionTiming > wc.ForceRestartTimeout {
		return fmt.Errorf("waitControl.actionTiming %d must be within 1..forceRestartTimeout(%d)", wc.ActionTiming, wc.ForceRestartTimeout)
	}
	if wc.WaitForZeroUsers < 0 || wc.WaitForZeroUsers > 1440 {
		return fmt.Errorf("waitControl.waitForZeroUsers %d out of range 0..1440", wc.WaitForZeroUsers)
	}
	hl := c.Triggers.HighLoad
	if hl.CPUThreshold < 1 || hl.CPUThreshold > 100 {
		return fmt.Errorf("highLoad.cpuThreshold %.1f out of range 1..100", hl.CPUThreshold)
	}
	if hl.MemoryThreshold < 1 || hl.MemoryThreshold > 100 {
		return fmt.Errorf("highLoad.memoryThreshold %.1f out of range 1..100", hl.MemoryThreshold)
	}
	if hl.DurationMinutes < 1 || hl.DurationMinutes > 1440 {
		return fmt.Errorf("highLoad.durationMinutes %d out of range 1..1440", hl.DurationMinutes)
	}
	if c.Triggers.UserZero.MinUptimeMinutes < 0 {
		return errors.New("userZero.minUptimeMinutes must not be negative")
	}
	if c.Failsafe.RetryCount < 0 || c.Failsafe.RetryCount > 20 {
		return fmt.Errorf("failsafe.retryCount %d out of range 0..20", c.Failsafe.RetryCount)
	}
	if c.Failsafe.RetryIntervalSeconds < 1 || c.Failsafe.RetryIntervalSeconds > 3600 {
		return fmt.Errorf("failsafe.retryIntervalSeconds %d out of range 1..3600", c.Failsafe.RetryIntervalSeconds)
	}
	for i, r := range c.Triggers.Scheduled.Schedules {
		if err := validateRule(r); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
	}
	return nil
}

func validateRule(r watcher.Rule) error {
	switch r.Kind {
	case watcher.RuleOnce:
		if r.Date == nil {
			return errors.New("once rule needs specificDate")
		}
	case watcher.RuleWeekly:
		if r.Weekday == nil || r.WeeklyTime == nil {
			return errors.New("weekly rule needs weeklyDay and weeklyTime")
		}
		if *r.Weekday < 0 || *r.Weekday > 6 {
			return fmt.Errorf("weeklyDay %d out of range 0..6", *r.Weekday)
		}
	case watcher.RuleDaily:
		if r.DailyTime == nil {
			return errors.New("daily rule needs dailyTime")
		}
	default:
		return fmt.Errorf("unknown rule type %q", r.Kind)
	}
	if wc := r.WaitControl; wc != nil {
		if wc.ForceRestartTimeout < 1 || wc.ForceRestartTimeout > 1440 {
			return fmt.Errorf("waitControl.forceRestartTimeout %d out of range 1..1440", wc.ForceRestartTimeout)
		}
		if wc.ActionTiming < 1 || wc.ActionTiming > wc.ForceRestartTimeout {
			return fmt.Errorf("waitControl.actionTiming %d must be within 1..forceRestartTimeout(%d)", wc.ActionTiming, wc.ForceRestartTimeout)
		}
	}
	return nil
}

// newRuleID assigns identity to schedule rules written without one.
func newRuleID() string { return uuid.NewString() }

// FileStore loads and saves the restart config document.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load reads the config file. A missing file materializes the defaults on
// disk and returns them; a present but invalid file is an error so a typo
// cannot silently revert the policy to defaults.
func (s *FileStore) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := s.saveLocked(cfg); err != nil {
			return Config{}, fmt.Errorf("write default restart config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read restart config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse restart config %s: %w", s.path, err)
	}
	changed := false
	for i := range cfg.Triggers.Scheduled.Schedules {
		if cfg.Triggers.Scheduled.Schedules[i].ID == "" {
			cfg.Triggers.Scheduled.Schedules[i].ID = newRuleID()
			changed = true
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("restart config %s: %w", s.path, err)
	}
	if changed {
		if err := s.saveLocked(cfg); err != nil {
			return Config{}, fmt.Errorf("persist generated schedule ids: %w", err)
		}
	}
	return cfg, nil
}

// Save validates and persists the config.
func (s *FileStore) Save(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cfg)
}

func (s *FileStore) saveLocked(cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}
