//go:build !windows

package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soracane/warden/internal/console"
	"github.com/soracane/warden/internal/ringlog"
)

// fakeServer is a stand-in child that speaks just enough of the console
// protocol: a login announcement, a status dump, and a shutdown command.
const fakeServer = `#!/bin/sh
echo "logged in as TestUser"
echo "signed in with U-test"
while read line; do
  case "$line" in
    status)
      echo "Name: TestWorld"
      echo "Current Users: 2"
      echo "TestWorld>"
      ;;
    die)
      exit 7
      ;;
    shutdown)
      exit 0
      ;;
    *)
      echo "ok: $line"
      echo ">"
      ;;
  esac
done
`

func newTestSupervisor(t *testing.T, script string) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "server.sh")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	cfgDir := filepath.Join(dir, "configs")
	if err := os.MkdirAll(cfgDir, 0o750); err != nil {
		t.Fatalf("mkdir configs: %v", err)
	}
	for _, name := range []string{"beta.json", "alpha.json"} {
		if err := os.WriteFile(filepath.Join(cfgDir, name), []byte("{}"), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	s, err := New(Config{
		Command:          bin,
		ConfigDir:        cfgDir,
		RuntimeStatePath: filepath.Join(dir, "runtime-state.json"),
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Stop(100*time.Millisecond, 300*time.Millisecond)
		_ = s.Close()
	})
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestStartResolvesFirstConfig(t *testing.T) {
	s := newTestSupervisor(t, fakeServer)
	if err := s.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := s.Status()
	if !st.Running || st.PID == 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if filepath.Base(st.ConfigPath) != "alpha.json" {
		t.Fatalf("expected alpha.json (sorted first), got %s", st.ConfigPath)
	}
	if got := s.LastStartedConfig(); got != st.ConfigPath {
		t.Fatalf("runtime state not persisted: %q", got)
	}
}

func TestStartWhileRunning(t *testing.T) {
	s := newTestSupervisor(t, fakeServer)
	if err := s.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(""); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		s := newTestSupervisor(t, fakeServer)

		const callers = 4
		var ready, done sync.WaitGroup
		release := make(chan struct{})
		errs := make([]error, callers)
		ready.Add(callers)
		done.Add(callers)
		for i := 0; i < callers; i++ {
			go func(i int) {
				defer done.Done()
				ready.Done()
				<-release
				errs[i] = s.Start("")
			}(i)
		}
		ready.Wait()
		close(release)
		done.Wait()

		var ok int
		for _, err := range errs {
			switch err {
			case nil:
				ok++
			case ErrAlreadyRunning:
			default:
				t.Fatalf("round %d: unexpected error: %v", round, err)
			}
		}
		if ok != 1 {
			t.Fatalf("round %d: %d Starts succeeded, want exactly 1", round, ok)
		}
		if err := s.Stop(100*time.Millisecond, 300*time.Millisecond); err != nil {
			t.Fatalf("round %d: stop: %v", round, err)
		}
	}
}

func TestStartMissingConfigDir(t *testing.T) {
	s, err := New(Config{Command: "/bin/sh", ConfigDir: "/nonexistent-warden-test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(""); err == nil {
		t.Fatalf("expected error for missing config dir")
	}
}

func TestListConfigsSorted(t *testing.T) {
	s := newTestSupervisor(t, fakeServer)
	configs, err := s.ListConfigs()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}
	if filepath.Base(configs[0]) != "alpha.json" || filepath.Base(configs[1]) != "beta.json" {
		t.Fatalf("not sorted: %v", configs)
	}
}

func TestExecuteCommandWithDetector(t *testing.T) {
	s := newTestSupervisor(t, fakeServer)
	if err := s.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	table := console.DefaultTable()
	start := time.Now()
	entries, err := s.ExecuteCommand("status", 5*time.Second, &ExecOptions{
		StopWhen: console.DataThenPrompt(table.StatusData),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Detector plus settle must finish well before the timeout.
	if time.Since(start) > 2*time.Second {
		t.Fatalf("command took %v, detector did not fire", time.Since(start))
	}
	out := console.FlattenOutput(entries)
	if !strings.Contains(out, "Name: TestWorld") {
		t.Fatalf("missing status output: %q", out)
	}
	if strings.Contains(out, "> status") {
		t.Fatalf("echo should be flattened away: %q", out)
	}
}

func TestExecuteCommandTimeoutCollects(t *testing.T) {
	s := newTestSupervisor(t, fakeServer)
	if err := s.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	entries, err := s.ExecuteCommand("ping", 400*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 350*time.Millisecond {
		t.Fatalf("resolved before timeout: %v", elapsed)
	}
	var sawReply bool
	for _, e := range entries {
		if strings.Contains(e.Text, "ok: ping") {
			sawReply = true
		}
	}
	if !sawReply {
		t.Fatalf("reply not collected: %+v", entries)
	}
}

func TestExecuteCommandProcessExit(t *testing.T) {
	s := newTestSupervisor(t, fakeServer)
	if err := s.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.ExecuteCommand("die", 5*time.Second, nil); err == nil {
		t.Fatalf("expected error when process exits mid-command")
	}
}

func TestStopGraceful(t *testing.T) {
	s := newTestSupervisor(t, fakeServer)
	if err := s.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(2*time.Second, 4*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st := s.Status()
	if st.Running || !st.ExitRequested {
		t.Fatalf("unexpected status after stop: %+v", st)
	}
	// Idempotent on a stopped server.
	if err := s.Stop(time.Second, 2*time.Second); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestConcurrentStopSharesOutcome(t *testing.T) {
	s := newTestSupervisor(t, fakeServer)
	if err := s.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}

	const callers = 2
	var ready, done sync.WaitGroup
	release := make(chan struct{})
	errs := make([]error, callers)
	ready.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			ready.Done()
			<-release
			errs[i] = s.Stop(2*time.Second, 4*time.Second)
		}(i)
	}
	ready.Wait()
	close(release)
	done.Wait()

	// The late caller joins the in-flight stop and gets its result.
	if errs[0] != errs[1] {
		t.Fatalf("stop outcomes differ: %v vs %v", errs[0], errs[1])
	}
	if errs[0] != nil {
		t.Fatalf("stop: %v", errs[0])
	}
	st := s.Status()
	if st.Running || !st.ExitRequested {
		t.Fatalf("unexpected status after concurrent stop: %+v", st)
	}
}

func TestStopEscalatesWhenShutdownIgnored(t *testing.T) {
	// Child that never honors the shutdown command.
	deaf := "#!/bin/sh\nwhile read line; do :; done\n"
	s := newTestSupervisor(t, deaf)
	if err := s.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	if err := s.Stop(150*time.Millisecond, 500*time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("escalation too slow: %v", elapsed)
	}
	if s.Status().Running {
		t.Fatalf("still running after escalation")
	}
}

func TestCrashBroadcast(t *testing.T) {
	crasher := "#!/bin/sh\nexit 3\n"
	s := newTestSupervisor(t, crasher)

	var got []Status
	var rec statusRecorder
	unsub := s.SubscribeStatus(func(st Status) { rec.record(st) })
	defer unsub()

	if err := s.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		got = rec.snapshot()
		return len(got) > 0 && !got[len(got)-1].Running
	})
	last := got[len(got)-1]
	if last.ExitRequested {
		t.Fatalf("crash flagged as requested stop: %+v", last)
	}
	if last.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", last.ExitCode)
	}
}

func TestIdentityScan(t *testing.T) {
	s := newTestSupervisor(t, fakeServer)
	if err := s.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		st := s.Status()
		return st.ObservedUserName == "TestUser" && st.ObservedUserID == "U-test"
	})
}

func TestLogsAndSubscription(t *testing.T) {
	s := newTestSupervisor(t, fakeServer)
	var lines lineRecorder
	unsub := s.SubscribeLogs(func(e ringlog.Entry) { lines.record(e) })
	defer unsub()

	if err := s.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(s.Logs(0)) >= 2 })
	waitFor(t, 3*time.Second, func() bool { return len(lines.snapshot()) >= 2 })
	if got := s.Logs(1); len(got) != 1 {
		t.Fatalf("limit ignored: %d", len(got))
	}
}

type statusRecorder struct {
	mu   sync.Mutex
	list []Status
}

func (r *statusRecorder) record(st Status) {
	r.mu.Lock()
	r.list = append(r.list, st)
	r.mu.Unlock()
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.list))
	copy(out, r.list)
	return out
}

type lineRecorder struct {
	mu   sync.Mutex
	list []ringlog.Entry
}

func (r *lineRecorder) record(e ringlog.Entry) {
	r.mu.Lock()
	r.list = append(r.list, e)
	r.mu.Unlock()
}

func (r *lineRecorder) snapshot() []ringlog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ringlog.Entry, len(r.list))
	copy(out, r.list)
	return out
}
