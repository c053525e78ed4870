// Package supervisor owns the lifecycle of the single managed server
// process: spawning it with a chosen config file, decoding its console
// output into the ring store, correlating commands with their output, and
// escalating shutdown when the console shutdown command is ignored.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/soracane/warden/internal/console"
	"github.com/soracane/warden/internal/metrics"
	"github.com/soracane/warden/internal/ringlog"
)

var (
	ErrNotRunning     = errors.New("server process is not running")
	ErrAlreadyRunning = errors.New("server process is already running")
	ErrNoConfigs      = errors.New("no server config files found")
)

const (
	DefaultConfigFlag      = "-HeadlessConfig"
	DefaultShutdownCommand = "shutdown"
	DefaultStopGrace       = 10 * time.Second
	DefaultStopKill        = 15 * time.Second
	DefaultCommandTimeout  = 4 * time.Second
	DefaultSettle          = 120 * time.Millisecond
)

// Config describes how to run and observe the server process.
type Config struct {
	// Command is the server executable. Required.
	Command string
	// ExtraArgs are appended after the config flag and path.
	ExtraArgs []string
	// Env replaces the process environment when non-nil; nil inherits.
	Env []string
	// ConfigDir holds the server's *.json config files.
	ConfigDir string
	// ConfigFlag is the flag the config path is passed with.
	ConfigFlag string
	// WorkDir defaults to the executable's directory.
	WorkDir string
	// Encoding of the console byte stream: "utf-8" (default) or "shift-jis".
	Encoding string
	// RingSize caps the console ring store.
	RingSize int
	// ShutdownCommand is sent to the console as the polite stop step.
	ShutdownCommand string
	// RuntimeStatePath persists the last started config path.
	RuntimeStatePath string
	// MirrorPath, when set, appends every console line to a rotating file.
	MirrorPath       string
	MirrorMaxSizeMB  int
	MirrorMaxBackups int
	// Table overrides the console detection patterns.
	Table *console.DetectionTable

	Logger *slog.Logger
}

// Status is a snapshot of the managed process.
type Status struct {
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	ConfigPath string    `json:"configPath,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	StoppedAt  time.Time `json:"stoppedAt"`
	ExitCode   int       `json:"exitCode"`
	ExitSignal string    `json:"exitSignal,omitempty"`
	// ExitRequested distinguishes a requested stop from a crash once
	// Running turns false.
	ExitRequested bool `json:"exitRequested,omitempty"`
	// Observed identity scraped from the console login announcement.
	ObservedUserName string `json:"observedUserName,omitempty"`
	ObservedUserID   string `json:"observedUserId,omitempty"`
}

// Supervisor manages one server process at a time. All methods are safe
// for concurrent use.
type Supervisor struct {
	cfg    Config
	log    *slog.Logger
	table  console.DetectionTable
	store  *ringlog.Store
	mirror io.WriteCloser

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.Writer
	status        Status
	starting      bool
	waitDone      chan struct{}
	stopDone      chan struct{}
	stopErr       error
	stopRequested bool

	subMu      sync.Mutex
	statusSubs map[int]func(Status)
	logSubs    map[int]func(ringlog.Entry)
	nextSub    int
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Command == "" {
		return nil, errors.New("supervisor: command is required")
	}
	if cfg.ConfigFlag == "" {
		cfg.ConfigFlag = DefaultConfigFlag
	}
	if cfg.ShutdownCommand == "" {
		cfg.ShutdownCommand = DefaultShutdownCommand
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	table := console.DefaultTable()
	if cfg.Table != nil {
		table = *cfg.Table
	}
	s := &Supervisor{
		cfg:        cfg,
		log:        cfg.Logger.With("component", "supervisor"),
		table:      table,
		store:      ringlog.New(cfg.RingSize),
		statusSubs: make(map[int]func(Status)),
		logSubs:    make(map[int]func(ringlog.Entry)),
	}
	if cfg.MirrorPath != "" {
		s.mirror = &lumberjack.Logger{
			Filename:   cfg.MirrorPath,
			MaxSize:    cfg.MirrorMaxSizeMB,
			MaxBackups: cfg.MirrorMaxBackups,
			Compress:   true,
		}
	}
	return s, nil
}

// Status returns a snapshot of the process state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Logs returns up to limit most-recent console lines, newest-last.
func (s *Supervisor) Logs(limit int) []ringlog.Entry {
	return s.store.Tail(limit)
}

// ListConfigs returns the *.json files in the config dir, sorted by name.
func (s *Supervisor) ListConfigs() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("read config dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		out = append(out, filepath.Join(s.cfg.ConfigDir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Start spawns the server with the given config path. An empty path picks
// the first config file in the config dir. Returns ErrAlreadyRunning when
// a process is up.
func (s *Supervisor) Start(configPath string) error {
	s.mu.Lock()
	if s.status.Running || s.starting {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	// Holds the slot while the spawn is in flight so a concurrent Start
	// cannot pass the running check and launch a second process.
	s.starting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	path := configPath
	if path == "" {
		configs, err := s.ListConfigs()
		if err != nil {
			return err
		}
		if len(configs) == 0 {
			return ErrNoConfigs
		}
		path = configs[0]
	} else if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("server config %s: %w", path, err)
	}

	args := append([]string{s.cfg.ConfigFlag, path}, s.cfg.ExtraArgs...)
	cmd := exec.Command(s.cfg.Command, args...)
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	} else {
		cmd.Dir = filepath.Dir(s.cfg.Command)
	}
	if s.cfg.Env != nil {
		cmd.Env = s.cfg.Env
	}
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.waitDone = make(chan struct{})
	s.stopDone = nil
	s.stopErr = nil
	s.stopRequested = false
	s.status = Status{
		Running:    true,
		PID:        cmd.Process.Pid,
		ConfigPath: path,
		StartedAt:  time.Now(),
	}
	st := s.status
	wd := s.waitDone
	s.mu.Unlock()

	s.rememberStartedConfig(path)
	metrics.IncProcessStart()
	metrics.SetProcessRunning(true)
	s.log.Info("server process started", "pid", st.PID, "config", path)

	go s.pump(stdout, ringlog.StreamStdout)
	go s.pump(stderr, ringlog.StreamStderr)
	go s.monitor(cmd, wd)

	s.broadcastStatus(st)
	return nil
}

// Stop shuts the server down: console shutdown command first, SIGTERM to
// the process group at grace, SIGKILL at kill (measured from the stop
// request). A second concurrent Stop shares the first one's outcome; Stop
// on a stopped server is a no-op.
func (s *Supervisor) Stop(grace, kill time.Duration) error {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	if kill <= grace {
		kill = grace + (DefaultStopKill - DefaultStopGrace)
	}

	s.mu.Lock()
	if !s.status.Running {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		ch := s.stopDone
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
		err := s.stopErr
		s.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	s.stopDone = done
	s.stopRequested = true
	cmd := s.cmd
	wd := s.waitDone
	s.mu.Unlock()

	metrics.IncProcessStop()
	err := s.escalateStop(cmd, wd, grace, kill)

	s.mu.Lock()
	s.stopErr = err
	s.mu.Unlock()
	close(done)
	return err
}

func (s *Supervisor) escalateStop(cmd *exec.Cmd, wd chan struct{}, grace, kill time.Duration) error {
	pid := cmd.Process.Pid
	if err := s.SendCommand(s.cfg.ShutdownCommand); err != nil {
		s.log.Debug("shutdown command not delivered", "error", err)
	}
	select {
	case <-wd:
		return nil
	case <-time.After(grace):
	}
	s.log.Warn("graceful shutdown timed out, signaling process group", "pid", pid)
	terminateProcess(pid)
	select {
	case <-wd:
		return nil
	case <-time.After(kill - grace):
	}
	s.log.Warn("killing process group", "pid", pid)
	killProcess(pid)
	select {
	case <-wd:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("process %d did not exit after kill", pid)
	}
}

// SendCommand writes one line to the server's stdin and mirrors the echo
// into the ring store.
func (s *Supervisor) SendCommand(text string) error {
	s.mu.Lock()
	if !s.status.Running || s.stdin == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	stdin := s.stdin
	s.mu.Unlock()

	if _, err := io.WriteString(stdin, text+"\n"); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	s.ingest(ringlog.StreamStdout, "> "+text)
	return nil
}

// ExecOptions tune how ExecuteCommand decides the output is complete.
type ExecOptions struct {
	// StopWhen marks a collected line as completing the command. Without
	// it the call runs to its full timeout.
	StopWhen console.Detector
	// Settle is the quiet period required after StopWhen fires; output
	// arriving within it re-arms the wait. Defaults to DefaultSettle.
	Settle time.Duration
}

// ExecuteCommand sends a command and gathers the console lines produced
// until completion: detector match plus settle, the timeout, or process
// exit. Timeout resolves with whatever was collected; process exit is an
// error alongside the partial output.
func (s *Supervisor) ExecuteCommand(text string, timeout time.Duration, opts *ExecOptions) ([]ringlog.Entry, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	var detect console.Detector
	settle := DefaultSettle
	if opts != nil {
		detect = opts.StopWhen
		if opts.Settle > 0 {
			settle = opts.Settle
		}
	}

	s.mu.Lock()
	if !s.status.Running {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	wd := s.waitDone
	s.mu.Unlock()

	col := s.store.OpenCollector(s.store.NextID())
	defer col.Dispose()

	if err := s.SendCommand(text); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var settleTimer *time.Timer
	var settleCh <-chan time.Time
	defer func() {
		if settleTimer != nil {
			settleTimer.Stop()
		}
	}()

	matched := false
	seen := 0
	for {
		select {
		case <-deadline.C:
			return col.Collect(), nil
		case <-wd:
			return col.Collect(), fmt.Errorf("server process exited during command %q", text)
		case <-settleCh:
			return col.Collect(), nil
		case <-col.Notify():
			entries := col.Collect()
			fresh := entries[seen:]
			seen = len(entries)
			if len(fresh) == 0 {
				continue
			}
			if !matched && detect != nil {
				for _, e := range fresh {
					if detect(e) {
						matched = true
						break
					}
				}
			}
			if !matched {
				continue
			}
			if settleTimer == nil {
				settleTimer = time.NewTimer(settle)
				settleCh = settleTimer.C
			} else {
				if !settleTimer.Stop() {
					select {
					case <-settleTimer.C:
					default:
					}
				}
				settleTimer.Reset(settle)
			}
		}
	}
}

// SubscribeStatus registers fn for status change events. The returned
// function unsubscribes. Callbacks run synchronously in emission order and
// must not block.
func (s *Supervisor) SubscribeStatus(fn func(Status)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.statusSubs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.statusSubs, id)
		s.subMu.Unlock()
	}
}

// SubscribeLogs registers fn for every ingested console line.
func (s *Supervisor) SubscribeLogs(fn func(ringlog.Entry)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.logSubs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.logSubs, id)
		s.subMu.Unlock()
	}
}

// Close releases the mirror writer. The managed process is left alone;
// callers stop it explicitly.
func (s *Supervisor) Close() error {
	if s.mirror != nil {
		return s.mirror.Close()
	}
	return nil
}

func (s *Supervisor) broadcastStatus(st Status) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, fn := range s.statusSubs {
		fn(st)
	}
}

func (s *Supervisor) broadcastLog(e ringlog.Entry) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, fn := range s.logSubs {
		fn(e)
	}
}

func decodeReader(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(encoding) {
	case "shift-jis", "shift_jis", "sjis":
		return transform.NewReader(r, japanese.ShiftJIS.NewDecoder())
	default:
		return r
	}
}

func (s *Supervisor) pump(r io.Reader, stream ringlog.Stream) {
	sc := bufio.NewScanner(decodeReader(r, s.cfg.Encoding))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		s.ingest(stream, sc.Text())
	}
}

func (s *Supervisor) ingest(stream ringlog.Stream, text string) {
	e := s.store.Push(stream, text)
	metrics.IncConsoleLine(string(stream))
	if s.mirror != nil {
		fmt.Fprintf(s.mirror, "%s [%s] %s\n", e.Time.Format(time.RFC3339), stream, text)
	}
	s.scanIdentity(text)
	s.broadcastLog(e)
}

// scanIdentity watches the stream for the login announcement and records
// the account the server signed in with.
func (s *Supervisor) scanIdentity(text string) {
	name, id := "", ""
	if s.table.LoginName != nil {
		if m := s.table.LoginName.FindStringSubmatch(text); m != nil {
			name = strings.TrimSpace(m[1])
		}
	}
	if s.table.LoginID != nil {
		if m := s.table.LoginID.FindStringSubmatch(text); m != nil {
			id = m[1]
		}
	}
	if name == "" && id == "" {
		return
	}
	s.mu.Lock()
	changed := false
	if name != "" && s.status.ObservedUserName != name {
		s.status.ObservedUserName = name
		changed = true
	}
	if id != "" && s.status.ObservedUserID != id {
		s.status.ObservedUserID = id
		changed = true
	}
	st := s.status
	s.mu.Unlock()
	if changed {
		s.broadcastStatus(st)
	}
}

func (s *Supervisor) monitor(cmd *exec.Cmd, wd chan struct{}) {
	err := cmd.Wait()

	s.mu.Lock()
	s.status.Running = false
	s.status.StoppedAt = time.Now()
	s.status.ExitRequested = s.stopRequested
	if cmd.ProcessState != nil {
		s.status.ExitCode = cmd.ProcessState.ExitCode()
		s.status.ExitSignal = exitSignal(cmd.ProcessState)
	}
	st := s.status
	s.mu.Unlock()
	close(wd)

	metrics.SetProcessRunning(false)
	if st.ExitRequested {
		s.log.Info("server process stopped",
			"pid", st.PID, "exit_code", st.ExitCode, "signal", st.ExitSignal)
	} else {
		metrics.IncProcessCrash()
		s.log.Warn("server process exited unexpectedly",
			"pid", st.PID, "exit_code", st.ExitCode, "signal", st.ExitSignal, "error", err)
	}
	s.broadcastStatus(st)
}
