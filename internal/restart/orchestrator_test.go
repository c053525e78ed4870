package restart

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soracane/warden/internal/ringlog"
	"github.com/soracane/warden/internal/supervisor"
	"github.com/soracane/warden/internal/watcher"
)

// fakeSupervisor stands in for the process supervisor: it tracks
// start/stop calls, broadcasts status changes, and answers console
// commands with canned dumps.
type fakeSupervisor struct {
	mu            sync.Mutex
	st            supervisor.Status
	subs          map[int]func(supervisor.Status)
	nextSub       int
	lastConfig    string
	configDir     string
	startAttempts int
	starts        int
	stops         int
	failStarts    int
	startPaths    []string
	commands      []string
	worldsDump    []string
	usersDump     []string
}

func newFakeSupervisor(running bool) *fakeSupervisor {
	f := &fakeSupervisor{
		subs: make(map[int]func(supervisor.Status)),
		worldsDump: []string{
			"[0] Hangout Users: 2 Present: 1 AccessLevel: Anyone MaxUsers: 16",
			"Hangout>",
		},
		usersDump: []string{
			"Alice ID: U-alice Role: Admin Present: True Ping: 20 ms FPS: 60 Silenced: False",
			"Bob ID: U-bob Role: Guest Present: False Ping: 31 ms FPS: 59.9 Silenced: False",
			"Hangout>",
		},
	}
	if running {
		f.st = supervisor.Status{Running: true, PID: 4242, ConfigPath: "main.json", StartedAt: time.Now()}
	}
	return f
}

func (f *fakeSupervisor) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeSupervisor) Start(configPath string) error {
	f.mu.Lock()
	f.startAttempts++
	if f.failStarts > 0 {
		f.failStarts--
		f.mu.Unlock()
		return errors.New("boot failure")
	}
	if configPath == "" {
		configPath = "main.json"
	}
	f.starts++
	f.startPaths = append(f.startPaths, configPath)
	f.st = supervisor.Status{Running: true, PID: 4242 + f.starts, ConfigPath: configPath, StartedAt: time.Now()}
	st := f.st
	f.mu.Unlock()
	f.broadcast(st)
	return nil
}

func (f *fakeSupervisor) Stop(grace, kill time.Duration) error {
	f.mu.Lock()
	if !f.st.Running {
		f.mu.Unlock()
		return nil
	}
	f.stops++
	f.st.Running = false
	f.st.ExitRequested = true
	f.st.StoppedAt = time.Now()
	st := f.st
	f.mu.Unlock()
	f.broadcast(st)
	return nil
}

// crash simulates the process dying without a stop request.
func (f *fakeSupervisor) crash(code int) {
	f.mu.Lock()
	f.st.Running = false
	f.st.ExitRequested = false
	f.st.ExitCode = code
	st := f.st
	f.mu.Unlock()
	f.broadcast(st)
}

func (f *fakeSupervisor) SendCommand(text string) error {
	f.mu.Lock()
	f.commands = append(f.commands, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSupervisor) ExecuteCommand(text string, timeout time.Duration, opts *supervisor.ExecOptions) ([]ringlog.Entry, error) {
	f.mu.Lock()
	f.commands = append(f.commands, text)
	var lines []string
	switch strings.Fields(text)[0] {
	case "worlds":
		lines = f.worldsDump
	case "users":
		lines = f.usersDump
	default:
		lines = []string{"Hangout>"}
	}
	f.mu.Unlock()

	entries := make([]ringlog.Entry, 0, len(lines))
	for i, l := range lines {
		entries = append(entries, ringlog.Entry{ID: uint64(i + 1), Time: time.Now(), Stream: ringlog.StreamStdout, Text: l})
	}
	return entries, nil
}

func (f *fakeSupervisor) SubscribeStatus(fn func(supervisor.Status)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeSupervisor) broadcast(st supervisor.Status) {
	f.mu.Lock()
	fns := make([]func(supervisor.Status), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (f *fakeSupervisor) LastStartedConfig() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastConfig
}

func (f *fakeSupervisor) SetLastStartedConfig(path string) {
	f.mu.Lock()
	f.lastConfig = path
	f.mu.Unlock()
}

func (f *fakeSupervisor) ConfigDir() string { return f.configDir }

func (f *fakeSupervisor) counts() (attempts, starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startAttempts, f.starts, f.stops
}

func (f *fakeSupervisor) commandList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// newTestManager builds a Manager on top of the fake supervisor with
// millisecond-scale timing. users is the live population sample source.
func newTestManager(t *testing.T, fake *fakeSupervisor, users *atomic.Int64, mutate func(*Config)) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Triggers.UserZero.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	path := filepath.Join(dir, "restart.json")
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(Options{
		Supervisor: fake,
		ConfigPath: path,
		StatusPath: filepath.Join(dir, "restart-status.json"),
		UserCount:  func() (int, error) { return int(users.Load()), nil },
		Load:       func(pid int) (float64, float64, error) { return 0, 0, nil },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.minute = 20 * time.Millisecond
	m.pollInterval = 5 * time.Millisecond
	m.settle = time.Millisecond
	m.sleep = func(d time.Duration, abort <-chan struct{}) bool {
		select {
		case <-abort:
			return false
		default:
			return true
		}
	}
	if err := m.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestForcedRestartSkipsCountdownAndRitual(t *testing.T) {
	fake := newFakeSupervisor(true)
	var users atomic.Int64
	users.Store(5)
	m := newTestManager(t, fake, &users, nil)

	if err := m.TriggerRestart(watcher.TriggerForced); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitUntil(t, 3*time.Second, func() bool {
		_, starts, stops := fake.counts()
		return starts == 1 && stops == 1
	})
	if cmds := fake.commandList(); len(cmds) != 0 {
		t.Fatalf("forced restart ran console commands: %v", cmds)
	}
	st := m.Status()
	if st.LastRestart.Trigger != watcher.TriggerForced {
		t.Fatalf("last restart trigger = %q, want forced", st.LastRestart.Trigger)
	}
}

func TestManualRestartRunsRitualThenRestartsAtForceTimeout(t *testing.T) {
	fake := newFakeSupervisor(true)
	var users atomic.Int64
	users.Store(5)
	m := newTestManager(t, fake, &users, func(cfg *Config) {
		cfg.PreRestartAction.WaitControl = WaitControl{ForceRestartTimeout: 5, ActionTiming: 4, WaitForZeroUsers: 3}
		cfg.PreRestartAction.ChatMessage = ChatMessage{Enabled: true, Message: "restarting soon"}
		cfg.PreRestartAction.ItemSpawn.Enabled = false
		cfg.PreRestartAction.SessionChanges.SetMaxUserToOne = true
	})

	if err := m.TriggerRestart(watcher.TriggerManual); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitUntil(t, 3*time.Second, func() bool {
		_, starts, _ := fake.counts()
		return starts == 1
	})

	cmds := strings.Join(fake.commandList(), "\n")
	for _, want := range []string{"worlds", "focus 0", "users", "message Alice restarting soon", "maxusers 1"} {
		if !strings.Contains(cmds, want) {
			t.Errorf("ritual did not run %q; commands:\n%s", want, cmds)
		}
	}
	if strings.Contains(cmds, "message Bob") {
		t.Errorf("absent user Bob should not be messaged; commands:\n%s", cmds)
	}
}

func TestZeroPopulationRestartsAfterGrace(t *testing.T) {
	fake := newFakeSupervisor(true)
	var users atomic.Int64 // starts at zero
	m := newTestManager(t, fake, &users, func(cfg *Config) {
		cfg.PreRestartAction.WaitControl = WaitControl{ForceRestartTimeout: 50, ActionTiming: 2, WaitForZeroUsers: 3}
	})

	began := time.Now()
	if err := m.TriggerRestart(watcher.TriggerManual); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitUntil(t, 3*time.Second, func() bool {
		_, starts, _ := fake.counts()
		return starts == 1
	})
	// Force timeout is 1s at this scale; the empty server must go earlier.
	if elapsed := time.Since(began); elapsed > 600*time.Millisecond {
		t.Fatalf("empty server restarted only after %v", elapsed)
	}
	if cmds := strings.Join(fake.commandList(), "\n"); !strings.Contains(cmds, "worlds") {
		t.Fatalf("ritual should still run before an early restart; commands:\n%s", cmds)
	}
}

func TestPopulationRecoveryCancelsGrace(t *testing.T) {
	fake := newFakeSupervisor(true)
	var users atomic.Int64 // zero: grace arms immediately
	m := newTestManager(t, fake, &users, func(cfg *Config) {
		cfg.PreRestartAction.WaitControl = WaitControl{ForceRestartTimeout: 30, ActionTiming: 1, WaitForZeroUsers: 5}
	})

	if err := m.TriggerRestart(watcher.TriggerManual); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	// Someone joins well before the 100ms grace elapses.
	time.Sleep(30 * time.Millisecond)
	users.Store(2)
	time.Sleep(150 * time.Millisecond)
	if _, starts, _ := fake.counts(); starts != 0 {
		t.Fatalf("restart happened despite population recovering")
	}
	// The force timeout still lands eventually.
	waitUntil(t, 3*time.Second, func() bool {
		_, starts, _ := fake.counts()
		return starts == 1
	})
}

func TestTriggerDroppedWhileRestartInProgress(t *testing.T) {
	fake := newFakeSupervisor(true)
	var users atomic.Int64
	users.Store(5)
	m := newTestManager(t, fake, &users, func(cfg *Config) {
		cfg.PreRestartAction.WaitControl = WaitControl{ForceRestartTimeout: 100, ActionTiming: 1, WaitForZeroUsers: 100}
	})

	if err := m.TriggerRestart(watcher.TriggerManual); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := m.TriggerRestart(watcher.TriggerUserZero); !errors.Is(err, ErrRestartInProgress) {
		t.Fatalf("second trigger error = %v, want ErrRestartInProgress", err)
	}
}

func TestTriggerRejectedWhenServerDown(t *testing.T) {
	fake := newFakeSupervisor(false)
	var users atomic.Int64
	m := newTestManager(t, fake, &users, nil)

	if err := m.TriggerRestart(watcher.TriggerManual); !errors.Is(err, ErrServerNotRunning) {
		t.Fatalf("error = %v, want ErrServerNotRunning", err)
	}
}

func TestRestartAbandonedWhenServerStopsDuringWait(t *testing.T) {
	fake := newFakeSupervisor(true)
	var users atomic.Int64
	users.Store(5)
	m := newTestManager(t, fake, &users, func(cfg *Config) {
		cfg.PreRestartAction.WaitControl = WaitControl{ForceRestartTimeout: 100, ActionTiming: 1, WaitForZeroUsers: 100}
	})

	if err := m.TriggerRestart(watcher.TriggerManual); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	fake.crash(7)

	waitUntil(t, 3*time.Second, func() bool { return !m.Status().RestartInProgress })
	if _, starts, _ := fake.counts(); starts != 0 {
		t.Fatalf("abandoned restart still started the server")
	}
}

func TestFailsafeRetriesUntilSuccess(t *testing.T) {
	fake := newFakeSupervisor(true)
	fake.failStarts = 2
	var users atomic.Int64
	users.Store(5)
	m := newTestManager(t, fake, &users, func(cfg *Config) {
		cfg.Failsafe = Failsafe{RetryCount: 3, RetryIntervalSeconds: 1}
	})

	if err := m.TriggerRestart(watcher.TriggerForced); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitUntil(t, 3*time.Second, func() bool {
		_, starts, _ := fake.counts()
		return starts == 1
	})
	if attempts, _, _ := fake.counts(); attempts != 3 {
		t.Fatalf("start attempts = %d, want 3", attempts)
	}
	if !fake.Status().Running {
		t.Fatalf("server should be running after retries")
	}
}

func TestFailsafeGivesUpAfterRetries(t *testing.T) {
	fake := newFakeSupervisor(true)
	fake.failStarts = 10
	var users atomic.Int64
	users.Store(5)
	m := newTestManager(t, fake, &users, func(cfg *Config) {
		cfg.Failsafe = Failsafe{RetryCount: 2, RetryIntervalSeconds: 1}
	})

	if err := m.TriggerRestart(watcher.TriggerForced); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitUntil(t, 3*time.Second, func() bool { return !m.Status().RestartInProgress })
	if attempts, starts, _ := fake.counts(); attempts != 3 || starts != 0 {
		t.Fatalf("attempts = %d starts = %d, want 3 failed attempts", attempts, starts)
	}
	if m.Status().LastRestart.Timestamp != nil {
		t.Fatalf("failed cycle must not record a completed restart")
	}
}

func TestScheduledRestartPinsRuleConfig(t *testing.T) {
	fake := newFakeSupervisor(true)
	dir := t.TempDir()
	fake.configDir = dir
	eventConfig := filepath.Join(dir, "event.json")
	if err := os.WriteFile(eventConfig, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	var users atomic.Int64
	users.Store(5)
	m := newTestManager(t, fake, &users, nil)

	err := m.propose(request{
		kind:   watcher.TriggerScheduled,
		ruleID: "r1",
		config: "event.json",
		wait:   WaitControl{ForceRestartTimeout: 1, ActionTiming: 1, WaitForZeroUsers: 50},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	waitUntil(t, 3*time.Second, func() bool {
		_, starts, _ := fake.counts()
		return starts == 1
	})
	fake.mu.Lock()
	startPath := fake.startPaths[0]
	fake.mu.Unlock()
	if startPath != eventConfig {
		t.Fatalf("started with %q, want the schedule's config %q", startPath, eventConfig)
	}
	st := m.Status()
	if st.LastRestart.ScheduleID != "r1" || st.LastRestart.Trigger != watcher.TriggerScheduled {
		t.Fatalf("last restart = %+v, want scheduled r1", st.LastRestart)
	}
}

func TestHighLoadCooldownArmedOnStart(t *testing.T) {
	fake := newFakeSupervisor(true)
	var users atomic.Int64
	users.Store(5)
	m := newTestManager(t, fake, &users, nil)

	st := m.Status()
	if st.HighLoadTriggerDisabledUntil == nil || !st.HighLoadTriggerDisabledUntil.After(time.Now().Add(-time.Second)) {
		t.Fatalf("cooldown should be armed after a server start: %v", st.HighLoadTriggerDisabledUntil)
	}
}

func TestHighLoadDroppedDuringSchedulePreparing(t *testing.T) {
	fake := newFakeSupervisor(true)
	var users atomic.Int64
	users.Store(5)
	due := time.Now().Add(10 * time.Minute)
	m := newTestManager(t, fake, &users, func(cfg *Config) {
		cfg.Triggers.Scheduled.Enabled = true
		cfg.Triggers.Scheduled.Schedules = []watcher.Rule{{
			ID:      "window",
			Enabled: true,
			Kind:    watcher.RuleOnce,
			Date: &watcher.DateSpec{
				Year:   due.Year(),
				Month:  int(due.Month()),
				Day:    due.Day(),
				Hour:   due.Hour(),
				Minute: due.Minute(),
			},
			ConfigFile: "event.json",
		}}
	})

	// The schedule watcher checks once on start, so the rule is already
	// inside its preparing window.
	waitUntil(t, time.Second, func() bool { return m.Status().ScheduledPreparing.Preparing })

	m.onHighLoadTrigger()

	if m.Status().RestartInProgress {
		t.Fatalf("high-load trigger started a restart during the preparing window")
	}
	if attempts, starts, stops := fake.counts(); attempts != 0 || starts != 0 || stops != 0 {
		t.Fatalf("dropped trigger touched the supervisor: attempts=%d starts=%d stops=%d", attempts, starts, stops)
	}
	// Only high-load is suppressed by the window; a manual trigger still
	// begins a cycle.
	if err := m.TriggerRestart(watcher.TriggerManual); err != nil {
		t.Fatalf("manual trigger during window: %v", err)
	}
}
