// Package restart arbitrates restart triggers and drives the restart
// cycle: the pre-restart countdown with its courtesy ritual, the
// stop/start handover, and the failsafe retry loop. Watchers propose;
// exactly one proposal is executed at a time and the rest are dropped.
package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/soracane/warden/internal/console"
	"github.com/soracane/warden/internal/history"
	"github.com/soracane/warden/internal/metrics"
	"github.com/soracane/warden/internal/ringlog"
	"github.com/soracane/warden/internal/supervisor"
	"github.com/soracane/warden/internal/watcher"
)

var (
	ErrRestartInProgress = errors.New("a restart is already in progress")
	ErrServerNotRunning  = errors.New("server is not running")
)

const (
	// DefaultHighLoadCooldown suppresses the high-load trigger after every
	// server start so boot-time load spikes cannot restart a fresh server.
	DefaultHighLoadCooldown = 30 * time.Minute
	// DefaultHandoverSettle is the pause between the old process exiting
	// and the replacement starting, letting sockets and file locks clear.
	DefaultHandoverSettle = 5 * time.Second
	// DefaultPollInterval is the population and load sampling cadence.
	DefaultPollInterval = time.Minute

	actionCommandTimeout = 15 * time.Second
	reloadDebounce       = 500 * time.Millisecond
)

// SupervisorAPI is the slice of the process supervisor the orchestrator
// drives.
type SupervisorAPI interface {
	Status() supervisor.Status
	Start(configPath string) error
	Stop(grace, kill time.Duration) error
	SendCommand(text string) error
	ExecuteCommand(text string, timeout time.Duration, opts *supervisor.ExecOptions) ([]ringlog.Entry, error)
	SubscribeStatus(fn func(supervisor.Status)) func()
	LastStartedConfig() string
	SetLastStartedConfig(path string)
	ConfigDir() string
}

// Options configure a Manager.
type Options struct {
	Logger     *slog.Logger
	Supervisor SupervisorAPI
	// ConfigPath is the restart policy JSON document.
	ConfigPath string
	// StatusPath persists restart status across supervisor runs.
	StatusPath string
	// History receives lifecycle and restart outcome events. Optional.
	History history.Sink
	// Table overrides the console detection patterns.
	Table *console.DetectionTable
	// UserCount overrides the population sampler. The default queries the
	// console worlds dump.
	UserCount func() (int, error)
	// Load overrides the CPU/memory sampler for the given PID.
	Load func(pid int) (cpu, mem float64, err error)
	// WatchConfig reloads ConfigPath when the file changes on disk.
	WatchConfig bool
}

// request is one accepted restart proposal.
type request struct {
	kind   watcher.TriggerKind
	ruleID string
	// config is the relative or absolute config file a schedule rule wants
	// the next run started with. Empty keeps the current one.
	config string
	wait   WaitControl
}

// Manager owns the restart policy, the three watchers, and the single
// restart cycle that may be in flight.
type Manager struct {
	log       *slog.Logger
	sup       SupervisorAPI
	store     *FileStore
	statusDoc *StatusStore
	sink      history.Sink
	table     console.DetectionTable
	userCount func() (int, error)
	load      func(pid int) (float64, float64, error)
	watchCfg  bool

	schedule *watcher.ScheduleWatcher
	highLoad *watcher.HighLoadWatcher
	userZero *watcher.UserZeroWatcher

	mu          sync.Mutex
	cfg         Config
	st          Status
	inProgress  bool
	procRunning bool
	procStop    chan struct{}
	quit        chan struct{}
	started     bool

	unsub func()
	fsw   *fsnotify.Watcher
	wg    sync.WaitGroup

	// test seams
	now          func() time.Time
	minute       time.Duration
	pollInterval time.Duration
	settle       time.Duration
	cooldown     time.Duration
	sleep        func(d time.Duration, abort <-chan struct{}) bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Supervisor == nil {
		return nil, errors.New("restart: supervisor is required")
	}
	if opts.ConfigPath == "" {
		return nil, errors.New("restart: config path is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "restart")

	table := console.DefaultTable()
	if opts.Table != nil {
		table = *opts.Table
	}

	m := &Manager{
		log:          log,
		sup:          opts.Supervisor,
		store:        NewFileStore(opts.ConfigPath),
		sink:         opts.History,
		table:        table,
		userCount:    opts.UserCount,
		load:         opts.Load,
		watchCfg:     opts.WatchConfig,
		now:          time.Now,
		minute:       time.Minute,
		pollInterval: DefaultPollInterval,
		settle:       DefaultHandoverSettle,
		cooldown:     DefaultHighLoadCooldown,
		sleep: func(d time.Duration, abort <-chan struct{}) bool {
			select {
			case <-time.After(d):
				return true
			case <-abort:
				return false
			}
		},
	}
	if opts.StatusPath != "" {
		m.statusDoc = NewStatusStore(opts.StatusPath)
	}
	if m.userCount == nil {
		m.userCount = m.consoleUserCount
	}
	if m.load == nil {
		m.load = watcher.SampleLoad
	}

	m.schedule = watcher.NewScheduleWatcher(log, m.onSchedulePreparing, m.onScheduleTrigger)
	m.highLoad = watcher.NewHighLoadWatcher(log, m.onHighLoadTrigger)
	m.userZero = watcher.NewUserZeroWatcher(log, m.onUserZeroTrigger)

	cfg, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	if m.statusDoc != nil {
		m.st = m.statusDoc.Load()
	}
	return m, nil
}

// Run arms the watchers, starts the sampling loop, subscribes to process
// lifecycle events, and (optionally) begins watching the config file.
func (m *Manager) Run() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("restart manager already running")
	}
	m.started = true
	m.quit = make(chan struct{})
	cfg := m.cfg
	m.mu.Unlock()

	m.unsub = m.sup.SubscribeStatus(m.onProcessStatus)
	// Catch a process that was already up before we subscribed.
	m.onProcessStatus(m.sup.Status())

	m.applyConfig(cfg)

	m.wg.Add(1)
	go m.pollLoop()

	if m.watchCfg {
		if err := m.watchConfigFile(); err != nil {
			m.log.Warn("config watch unavailable", "error", err)
		}
	}
	m.persistStatus()
	return nil
}

// Close stops the watchers and background loops. An in-flight restart
// cycle is allowed to finish its current step but retry sleeps abort.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	close(m.quit)
	m.mu.Unlock()

	if m.unsub != nil {
		m.unsub()
	}
	if m.fsw != nil {
		_ = m.fsw.Close()
	}
	m.schedule.Stop()
	m.highLoad.Stop()
	m.userZero.Enable(false, 0)
	m.wg.Wait()
	return nil
}

// Config returns the active restart policy.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// UpdateConfig validates, persists, and applies a new policy.
func (m *Manager) UpdateConfig(cfg Config) error {
	for i := range cfg.Triggers.Scheduled.Schedules {
		if cfg.Triggers.Scheduled.Schedules[i].ID == "" {
			cfg.Triggers.Scheduled.Schedules[i].ID = newRuleID()
		}
	}
	if err := m.store.Save(cfg); err != nil {
		return err
	}
	m.applyConfig(cfg)
	return nil
}

// ReloadConfig re-reads the policy from disk. An invalid file keeps the
// previous policy active.
func (m *Manager) ReloadConfig() error {
	cfg, err := m.store.Load()
	if err != nil {
		m.log.Error("restart config reload rejected, keeping previous policy", "error", err)
		return err
	}
	m.applyConfig(cfg)
	m.log.Info("restart config reloaded", "path", m.store.Path())
	return nil
}

func (m *Manager) applyConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	disabledUntil := time.Time{}
	if m.st.HighLoadTriggerDisabledUntil != nil {
		disabledUntil = *m.st.HighLoadTriggerDisabledUntil
	}
	m.mu.Unlock()

	m.schedule.Start(cfg.Triggers.Scheduled.Schedules, cfg.Triggers.Scheduled.Enabled)
	m.highLoad.Start(
		cfg.Triggers.HighLoad.Enabled,
		cfg.Triggers.HighLoad.CPUThreshold,
		cfg.Triggers.HighLoad.MemoryThreshold,
		time.Duration(cfg.Triggers.HighLoad.DurationMinutes)*time.Minute,
		disabledUntil,
	)
	m.userZero.Enable(
		cfg.Triggers.UserZero.Enabled,
		time.Duration(cfg.Triggers.UserZero.MinUptimeMinutes)*time.Minute,
	)
	m.persistStatus()
}

// Status assembles the externally visible restart state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := m.st
	m.mu.Unlock()

	ps := m.sup.Status()
	if ps.Running && !ps.StartedAt.IsZero() {
		st.CurrentUptimeSeconds = int64(m.now().Sub(ps.StartedAt) / time.Second)
	} else {
		st.CurrentUptimeSeconds = 0
	}
	if next, ok := m.schedule.NextScheduled(); ok {
		due := next.Due
		st.NextScheduledRestart = NextScheduledRestart{
			ScheduleID: next.RuleID,
			Time:       &due,
			ConfigFile: next.ConfigFile,
		}
	} else {
		st.NextScheduledRestart = NextScheduledRestart{}
	}
	return st
}

// TriggerRestart proposes a manual or forced restart. Forced restarts skip
// the countdown and ritual entirely.
func (m *Manager) TriggerRestart(kind watcher.TriggerKind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown trigger kind %q", kind)
	}
	m.mu.Lock()
	wait := m.cfg.PreRestartAction.WaitControl
	m.mu.Unlock()
	return m.propose(request{kind: kind, wait: wait})
}

// propose is the single arbitration point: at most one restart cycle runs
// at a time, and nothing is accepted while the server is down.
func (m *Manager) propose(req request) error {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		metrics.IncDroppedTrigger(string(req.kind))
		m.log.Info("restart trigger dropped, cycle already running", "kind", req.kind)
		return ErrRestartInProgress
	}
	if !m.procRunning {
		m.mu.Unlock()
		metrics.IncDroppedTrigger(string(req.kind))
		m.log.Info("restart trigger dropped, server not running", "kind", req.kind)
		return ErrServerNotRunning
	}
	m.inProgress = true
	m.st.RestartInProgress = true
	cfg := m.cfg
	procStop := m.procStop
	m.mu.Unlock()

	metrics.IncTrigger(string(req.kind))
	metrics.SetRestartInProgress(true)
	m.persistStatus()
	m.log.Info("restart accepted", "kind", req.kind, "rule", req.ruleID, "config", req.config)

	m.wg.Add(1)
	go m.performRestart(cfg, req, procStop)
	return nil
}

func (m *Manager) performRestart(cfg Config, req request, procStop <-chan struct{}) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.inProgress = false
		m.st.RestartInProgress = false
		m.st.WaitingForUsers = false
		m.mu.Unlock()
		metrics.SetRestartInProgress(false)
		m.persistStatus()
	}()

	if req.kind != watcher.TriggerForced {
		if err := m.runPreRestart(cfg, req, procStop); err != nil {
			m.log.Warn("restart abandoned", "kind", req.kind, "reason", err)
			m.record(history.Event{
				Type:       history.EventRestartFailed,
				OccurredAt: m.now(),
				Trigger:    string(req.kind),
				RuleID:     req.ruleID,
				Detail:     "abandoned: " + err.Error(),
			})
			return
		}
	}
	m.executeRestart(cfg, req)
}

// runPreRestart is the countdown before the handover. Three things can end
// the wait: the force deadline, the population staying at zero for the
// zero-users grace, or the server going away underneath us. The courtesy
// ritual runs once, either at its scheduled lead before the force deadline
// or right before an early zero-users exit.
func (m *Manager) runPreRestart(cfg Config, req request, procStop <-chan struct{}) error {
	force := time.Duration(req.wait.ForceRestartTimeout) * m.minute
	lead := time.Duration(req.wait.ActionTiming) * m.minute
	grace := time.Duration(req.wait.WaitForZeroUsers) * m.minute
	actionDelay := force - lead
	if actionDelay < 0 {
		actionDelay = 0
	}

	m.setWaiting(true)
	defer m.setWaiting(false)
	m.log.Info("pre-restart wait started",
		"force_timeout", force, "action_lead", lead, "zero_grace", grace)

	forceT := time.NewTimer(force)
	defer forceT.Stop()
	actionT := time.NewTimer(actionDelay)
	defer actionT.Stop()
	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()

	var graceT *time.Timer
	var graceCh <-chan time.Time
	defer func() {
		if graceT != nil {
			graceT.Stop()
		}
	}()
	armGrace := func() {
		graceT = time.NewTimer(grace)
		graceCh = graceT.C
		m.log.Info("population at zero, holding grace before restart", "grace", grace)
	}
	disarmGrace := func() {
		graceT.Stop()
		graceT, graceCh = nil, nil
		m.log.Info("population recovered, grace cancelled")
	}

	if total, err := m.userCount(); err == nil && total == 0 {
		armGrace()
	}

	ranActions := false
	actions := func() {
		if !ranActions {
			ranActions = true
			m.runActions(cfg, req)
		}
	}

	for {
		select {
		case <-procStop:
			return errors.New("server stopped during pre-restart wait")
		case <-m.quit:
			return errors.New("manager shutting down")
		case <-forceT.C:
			m.log.Info("force restart timeout reached")
			actions()
			return nil
		case <-graceCh:
			m.log.Info("zero-users grace elapsed, restarting early")
			actions()
			return nil
		case <-actionT.C:
			actions()
		case <-poll.C:
			total, err := m.userCount()
			if err != nil {
				m.log.Debug("population sample failed during wait", "error", err)
				continue
			}
			switch {
			case total == 0 && graceCh == nil:
				armGrace()
			case total > 0 && graceCh != nil:
				disarmGrace()
			}
		}
	}
}

// runActions performs the courtesy ritual against every session the server
// hosts: warn present users, drop the restart notice item, and lock the
// session down so nobody new joins mid-restart. Failures are logged per
// action and never stop the restart.
func (m *Manager) runActions(cfg Config, req request) {
	pa := cfg.PreRestartAction
	if !pa.ChatMessage.Enabled && !pa.ItemSpawn.Enabled &&
		!pa.SessionChanges.SetPrivate && !pa.SessionChanges.SetMaxUserToOne &&
		!pa.SessionChanges.ChangeSessionName.Enabled {
		return
	}
	m.log.Info("running pre-restart actions", "kind", req.kind)

	worlds, err := m.queryWorlds()
	if err != nil {
		m.log.Warn("worlds query failed, skipping pre-restart actions", "error", err)
		metrics.IncRitualFailure("worlds")
		return
	}

	for _, sess := range worlds.Sessions {
		if err := m.runSessionActions(pa, sess); err != nil {
			m.log.Warn("pre-restart actions incomplete for session",
				"session", sess.Name, "error", err)
		}
	}
}

func (m *Manager) runSessionActions(pa PreRestartAction, sess console.Session) error {
	if _, err := m.exec("focus "+sess.FocusTarget, console.Prompt()); err != nil {
		metrics.IncRitualFailure("focus")
		return fmt.Errorf("focus %s: %w", sess.FocusTarget, err)
	}

	var firstErr error
	keep := func(action string, err error) {
		if err == nil {
			return
		}
		metrics.IncRitualFailure(action)
		m.log.Warn("pre-restart action failed", "action", action, "session", sess.Name, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if pa.ChatMessage.Enabled && pa.ChatMessage.Message != "" {
		keep("message", m.messagePresentUsers(pa.ChatMessage.Message))
	}
	if pa.ItemSpawn.Enabled && pa.ItemSpawn.ItemURL != "" {
		_, err := m.exec("spawn "+pa.ItemSpawn.ItemURL+" true", console.Prompt())
		keep("spawn", err)
		if err == nil && pa.ItemSpawn.Message != "" {
			keep("message", m.messagePresentUsers(pa.ItemSpawn.Message))
		}
	}
	if pa.SessionChanges.SetPrivate {
		_, err := m.exec("accesslevel private", console.Prompt())
		keep("accesslevel", err)
	}
	if pa.SessionChanges.SetMaxUserToOne {
		_, err := m.exec("maxusers 1", console.Prompt())
		keep("maxusers", err)
	}
	if sc := pa.SessionChanges.ChangeSessionName; sc.Enabled && sc.NewName != "" {
		_, err := m.exec("name "+sc.NewName, console.Prompt())
		keep("name", err)
	}
	return firstErr
}

// messagePresentUsers warns every present user in the focused session. The
// headless account itself never shows as present for its own messages.
func (m *Manager) messagePresentUsers(text string) error {
	entries, err := m.exec("users", console.DataThenPrompt(m.table.UsersData))
	if err != nil {
		return fmt.Errorf("users: %w", err)
	}
	users := console.ParseUsers(console.FlattenOutput(entries))
	host := m.sup.Status().ObservedUserName
	var firstErr error
	for _, u := range users {
		if !u.Present || (host != "" && u.Name == host) {
			continue
		}
		if _, err := m.exec(fmt.Sprintf("message %s %s", u.Name, text), console.Prompt()); err != nil {
			m.log.Warn("message delivery failed", "user", u.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// executeRestart is the stop/start handover plus the failsafe loop. Every
// attempt stops whatever is running, waits for the handover settle, and
// starts the last recorded config.
func (m *Manager) executeRestart(cfg Config, req request) {
	if req.config != "" {
		path := req.config
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.sup.ConfigDir(), path)
		}
		m.sup.SetLastStartedConfig(path)
		m.log.Info("next run pinned to schedule config", "config", path)
	}

	attempts := cfg.Failsafe.RetryCount + 1
	interval := time.Duration(cfg.Failsafe.RetryIntervalSeconds) * time.Second
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			m.log.Warn("restart attempt failed, retrying",
				"attempt", attempt, "of", attempts, "retry_in", interval, "error", lastErr)
			if !m.sleep(interval, m.quit) {
				return
			}
		}
		if lastErr = m.restartOnce(); lastErr == nil {
			m.finishRestart(req)
			return
		}
	}

	m.log.Error("restart failed after all retries", "kind", req.kind, "error", lastErr)
	metrics.IncRestartFailed()
	m.record(history.Event{
		Type:       history.EventRestartFailed,
		OccurredAt: m.now(),
		Trigger:    string(req.kind),
		RuleID:     req.ruleID,
		Detail:     fmt.Sprintf("failed after %d attempts: %v", attempts, lastErr),
	})
}

func (m *Manager) restartOnce() error {
	if err := m.sup.Stop(0, 0); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	if !m.sleep(m.settle, m.quit) {
		return errors.New("manager shutting down")
	}
	path := m.sup.LastStartedConfig()
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			m.log.Warn("recorded config missing, starting with first available", "path", path)
			path = ""
		}
	}
	if err := m.sup.Start(path); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	return nil
}

func (m *Manager) finishRestart(req request) {
	now := m.now()
	m.mu.Lock()
	m.st.LastRestart = LastRestart{Timestamp: &now, Trigger: req.kind, ScheduleID: req.ruleID}
	m.mu.Unlock()
	m.persistStatus()

	metrics.IncRestartCompleted()
	m.log.Info("restart completed", "kind", req.kind, "rule", req.ruleID)
	m.record(history.Event{
		Type:       history.EventRestartCompleted,
		OccurredAt: now,
		Trigger:    string(req.kind),
		RuleID:     req.ruleID,
		ConfigPath: m.sup.Status().ConfigPath,
		PID:        m.sup.Status().PID,
	})
}

// ---- watcher callbacks ----

func (m *Manager) onSchedulePreparing(e watcher.ScheduleEvent) {
	due := e.Due
	m.mu.Lock()
	m.st.ScheduledPreparing = PreparingSnapshot{
		Preparing:     true,
		ScheduleID:    e.RuleID,
		ScheduledTime: &due,
		ConfigFile:    e.ConfigFile,
	}
	m.mu.Unlock()
	m.persistStatus()
}

func (m *Manager) onScheduleTrigger(e watcher.ScheduleEvent) {
	m.mu.Lock()
	wait := m.cfg.PreRestartAction.WaitControl
	for _, r := range m.cfg.Triggers.Scheduled.Schedules {
		if r.ID == e.RuleID && r.WaitControl != nil {
			wait.ForceRestartTimeout = r.WaitControl.ForceRestartTimeout
			wait.ActionTiming = r.WaitControl.ActionTiming
			break
		}
	}
	m.st.ScheduledPreparing = PreparingSnapshot{}
	m.mu.Unlock()
	m.persistStatus()

	_ = m.propose(request{
		kind:   watcher.TriggerScheduled,
		ruleID: e.RuleID,
		config: e.ConfigFile,
		wait:   wait,
	})
}

func (m *Manager) onHighLoadTrigger() {
	if m.schedule.PreparingActive() {
		metrics.IncDroppedTrigger(string(watcher.TriggerHighLoad))
		m.log.Info("high-load trigger dropped, scheduled restart is preparing")
		return
	}
	m.mu.Lock()
	wait := m.cfg.PreRestartAction.WaitControl
	m.mu.Unlock()
	_ = m.propose(request{kind: watcher.TriggerHighLoad, wait: wait})
}

func (m *Manager) onUserZeroTrigger() {
	m.mu.Lock()
	wait := m.cfg.PreRestartAction.WaitControl
	m.mu.Unlock()
	_ = m.propose(request{kind: watcher.TriggerUserZero, wait: wait})
}

// ---- process lifecycle ----

func (m *Manager) onProcessStatus(ps supervisor.Status) {
	m.mu.Lock()
	was := m.procRunning
	m.procRunning = ps.Running
	var stopCh chan struct{}
	if ps.Running && !was {
		m.procStop = make(chan struct{})
	} else if !ps.Running && was {
		stopCh = m.procStop
		m.procStop = nil
	} else {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		m.handleStopped(ps)
		return
	}
	m.handleStarted(ps)
}

func (m *Manager) handleStarted(ps supervisor.Status) {
	until := m.now().Add(m.cooldown)
	m.mu.Lock()
	m.st.HighLoadTriggerDisabledUntil = &until
	m.mu.Unlock()
	m.highLoad.SetDisabledUntil(until)
	m.userZero.SetServerStartTime(ps.StartedAt)
	m.persistStatus()
	m.record(history.Event{
		Type:       history.EventStarted,
		OccurredAt: m.now(),
		ConfigPath: ps.ConfigPath,
		PID:        ps.PID,
	})
}

func (m *Manager) handleStopped(ps supervisor.Status) {
	m.userZero.SetServerStartTime(time.Time{})
	m.mu.Lock()
	m.st.ScheduledPreparing = PreparingSnapshot{}
	m.mu.Unlock()
	m.persistStatus()

	ev := history.Event{
		Type:       history.EventStopped,
		OccurredAt: m.now(),
		ConfigPath: ps.ConfigPath,
		PID:        ps.PID,
		ExitCode:   ps.ExitCode,
	}
	if !ps.ExitRequested {
		ev.Type = history.EventCrashed
		ev.Detail = "signal: " + ps.ExitSignal
		if ps.ExitSignal == "" {
			ev.Detail = ""
		}
	}
	m.record(ev)
}

// ObserveLoad feeds one externally measured CPU/memory sample (percent).
// Callers with their own monitoring push through here instead of the
// built-in probe.
func (m *Manager) ObserveLoad(cpuPercent, memPercent float64) {
	if m.sampleable() {
		m.highLoad.Observe(cpuPercent, memPercent)
	}
}

// CheckUserCount feeds one externally measured population sample.
func (m *Manager) CheckUserCount(total int) {
	if m.sampleable() {
		m.userZero.Observe(total)
	}
}

func (m *Manager) sampleable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procRunning && !m.inProgress
}

// ---- sampling ----

func (m *Manager) pollLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-t.C:
			m.sample()
		}
	}
}

func (m *Manager) sample() {
	m.mu.Lock()
	running := m.procRunning
	busy := m.inProgress
	m.mu.Unlock()
	if !running || busy {
		return
	}
	ps := m.sup.Status()
	if cpu, mem, err := m.load(ps.PID); err == nil {
		m.highLoad.Observe(cpu, mem)
	} else {
		m.log.Debug("load sample failed", "pid", ps.PID, "error", err)
	}
	if total, err := m.userCount(); err == nil {
		m.userZero.Observe(total)
	} else {
		m.log.Debug("population sample failed", "error", err)
	}
}

func (m *Manager) consoleUserCount() (int, error) {
	worlds, err := m.queryWorlds()
	if err != nil {
		return 0, err
	}
	return console.TotalUsers(worlds), nil
}

func (m *Manager) queryWorlds() (console.Worlds, error) {
	entries, err := m.exec("worlds", console.DataThenPrompt(m.table.WorldsData))
	if err != nil {
		return console.Worlds{}, err
	}
	return console.ParseWorlds(console.FlattenOutput(entries)), nil
}

func (m *Manager) exec(command string, stopWhen console.Detector) ([]ringlog.Entry, error) {
	return m.sup.ExecuteCommand(command, actionCommandTimeout, &supervisor.ExecOptions{StopWhen: stopWhen})
}

// ---- persistence and plumbing ----

func (m *Manager) setWaiting(v bool) {
	m.mu.Lock()
	m.st.WaitingForUsers = v
	m.mu.Unlock()
	m.persistStatus()
}

func (m *Manager) persistStatus() {
	if m.statusDoc == nil {
		return
	}
	if err := m.statusDoc.Save(m.Status()); err != nil {
		m.log.Warn("cannot persist restart status", "error", err)
	}
}

func (m *Manager) record(ev history.Event) {
	if m.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sink.Record(ctx, ev); err != nil {
		m.log.Warn("history record failed", "event", ev.Type, "error", err)
	}
}

// watchConfigFile reloads the policy when the file changes. Editors often
// replace the file instead of writing in place, so the watch is on the
// directory and filtered by name, with a debounce for write bursts.
func (m *Manager) watchConfigFile() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.store.Path())
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return err
	}
	m.fsw = fsw
	target := filepath.Base(m.store.Path())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var debounce *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-m.quit:
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(reloadDebounce)
					fire = debounce.C
				} else {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(reloadDebounce)
				}
			case <-fire:
				debounce, fire = nil, nil
				_ = m.ReloadConfig()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				m.log.Warn("config watch error", "error", err)
			}
		}
	}()
	return nil
}
