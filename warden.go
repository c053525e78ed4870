// Package warden supervises a single headless world server over its
// interactive console: it owns the process lifecycle, turns the console
// stream into addressable command/response exchanges, and restarts the
// server on schedule, on sustained load, or when the last user leaves.
package warden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soracane/warden/internal/config"
	"github.com/soracane/warden/internal/console"
	"github.com/soracane/warden/internal/history"
	"github.com/soracane/warden/internal/logger"
	"github.com/soracane/warden/internal/metrics"
	"github.com/soracane/warden/internal/restart"
	"github.com/soracane/warden/internal/ringlog"
	"github.com/soracane/warden/internal/supervisor"
	"github.com/soracane/warden/internal/watcher"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Status = supervisor.Status

type LogEntry = ringlog.Entry

type RestartConfig = restart.Config

type RestartStatus = restart.Status

type TriggerKind = watcher.TriggerKind

const (
	TriggerScheduled = watcher.TriggerScheduled
	TriggerHighLoad  = watcher.TriggerHighLoad
	TriggerUserZero  = watcher.TriggerUserZero
	TriggerManual    = watcher.TriggerManual
	TriggerForced    = watcher.TriggerForced
)

// Parsed console dump shapes, for embedding callers building their own
// surfaces on top.

type ConsoleStatus = console.Status

type ConsoleUser = console.User

type ConsoleWorlds = console.Worlds

// Warden wires the supervisor, restart orchestrator, history sinks,
// metrics, and logging from one controller config file.
type Warden struct {
	cfg       *config.FileConfig
	log       *slog.Logger
	logCloser io.Closer
	table     console.DetectionTable
	sup       *supervisor.Supervisor
	mgr       *restart.Manager
	sink      history.Sink
}

// New loads the controller config at path and wires all components.
// Nothing runs until Run.
func New(configPath string) (*Warden, error) {
	fc, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, logCloser, err := logger.New(fc.Log)
	if err != nil {
		return nil, err
	}

	table := console.DefaultTable()
	if err := table.Override(fc.Console.Detection); err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	env, err := fc.GlobalEnv()
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	sup, err := supervisor.New(supervisor.Config{
		Command:          fc.Server.Command,
		ExtraArgs:        fc.Server.ExtraArgs,
		Env:              env,
		ConfigDir:        fc.Server.ConfigDir,
		ConfigFlag:       fc.Server.ConfigFlag,
		WorkDir:          fc.Server.WorkDir,
		Encoding:         fc.Server.Encoding,
		RingSize:         fc.Server.RingSize,
		ShutdownCommand:  fc.Server.ShutdownCommand,
		RuntimeStatePath: fc.Server.RuntimeStatePath,
		MirrorPath:       fc.Console.MirrorPath,
		MirrorMaxSizeMB:  fc.Console.MirrorMaxSizeMB,
		MirrorMaxBackups: fc.Console.MirrorMaxBackups,
		Table:            &table,
		Logger:           log,
	})
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	sink, err := buildHistory(fc.History.DSNs)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	mgr, err := restart.NewManager(restart.Options{
		Logger:      log,
		Supervisor:  sup,
		ConfigPath:  fc.Restart.ConfigPath,
		StatusPath:  fc.Restart.StatusPath,
		History:     sink,
		Table:       &table,
		WatchConfig: fc.Restart.Watch,
	})
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		_ = logCloser.Close()
		return nil, err
	}

	return &Warden{
		cfg:       fc,
		log:       log,
		logCloser: logCloser,
		table:     table,
		sup:       sup,
		mgr:       mgr,
		sink:      sink,
	}, nil
}

func buildHistory(dsns []string) (history.Sink, error) {
	if len(dsns) == 0 {
		return nil, nil
	}
	var fan history.Fanout
	for _, dsn := range dsns {
		s, err := history.NewSinkFromDSN(dsn)
		if err != nil {
			_ = fan.Close()
			return nil, fmt.Errorf("history sink %s: %w", dsn, err)
		}
		fan = append(fan, s)
	}
	return fan, nil
}

// Run starts the orchestrator, optionally the server itself and the
// metrics endpoint, then blocks until ctx is cancelled. On return the
// server has been stopped and all resources released.
func (w *Warden) Run(ctx context.Context) error {
	var metricsSrv *http.Server
	if w.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              w.cfg.Metrics.Listen,
			Handler:           mux,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.log.Error("metrics endpoint failed", "addr", w.cfg.Metrics.Listen, "error", err)
			}
		}()
		w.log.Info("metrics endpoint listening", "addr", w.cfg.Metrics.Listen)
	}

	if err := w.mgr.Run(); err != nil {
		return err
	}
	if w.cfg.AutoStartEnabled() {
		if err := w.sup.Start(""); err != nil {
			w.log.Error("initial server start failed", "error", err)
		}
	}

	<-ctx.Done()
	w.log.Info("shutting down")

	_ = w.mgr.Close()
	stopErr := w.sup.Stop(w.stopGrace())
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	_ = w.sup.Close()
	if w.sink != nil {
		_ = w.sink.Close()
	}
	_ = w.logCloser.Close()
	return stopErr
}

func (w *Warden) stopGrace() (grace, kill time.Duration) {
	grace = time.Duration(w.cfg.Server.StopGraceSeconds) * time.Second
	kill = time.Duration(w.cfg.Server.StopKillSeconds) * time.Second
	return grace, kill
}

// ---- server surface ----

func (w *Warden) Status() Status                 { return w.sup.Status() }
func (w *Warden) Logs(limit int) []LogEntry      { return w.sup.Logs(limit) }
func (w *Warden) ListConfigs() ([]string, error) { return w.sup.ListConfigs() }
func (w *Warden) StartServer(configPath string) error {
	return w.sup.Start(configPath)
}
func (w *Warden) StopServer() error {
	return w.sup.Stop(w.stopGrace())
}
func (w *Warden) SendCommand(text string) error { return w.sup.SendCommand(text) }
func (w *Warden) ExecuteCommand(text string, timeout time.Duration) ([]LogEntry, error) {
	return w.sup.ExecuteCommand(text, timeout, &supervisor.ExecOptions{StopWhen: console.Prompt()})
}
func (w *Warden) SubscribeStatus(fn func(Status)) func() { return w.sup.SubscribeStatus(fn) }
func (w *Warden) SubscribeLogs(fn func(LogEntry)) func() { return w.sup.SubscribeLogs(fn) }

// ---- restart surface ----

func (w *Warden) RestartStatus() RestartStatus      { return w.mgr.Status() }
func (w *Warden) RestartConfigValue() RestartConfig { return w.mgr.Config() }
func (w *Warden) UpdateRestartConfig(c RestartConfig) error {
	return w.mgr.UpdateConfig(c)
}
func (w *Warden) ReloadRestartConfig() error { return w.mgr.ReloadConfig() }
func (w *Warden) TriggerRestart(kind TriggerKind) error {
	return w.mgr.TriggerRestart(kind)
}
func (w *Warden) ObserveLoad(cpu, mem float64) { w.mgr.ObserveLoad(cpu, mem) }
func (w *Warden) CheckUserCount(total int)     { w.mgr.CheckUserCount(total) }

// ---- parsed console queries ----

// RuntimeStatus runs the `status` console command and parses the dump.
func (w *Warden) RuntimeStatus(timeout time.Duration) (ConsoleStatus, error) {
	entries, err := w.sup.ExecuteCommand("status", timeout,
		&supervisor.ExecOptions{StopWhen: console.DataThenPrompt(w.table.StatusData)})
	if err != nil {
		return ConsoleStatus{}, err
	}
	return console.ParseStatus(console.FlattenOutput(entries)), nil
}

// RuntimeUsers runs the `users` console command and parses the roster.
func (w *Warden) RuntimeUsers(timeout time.Duration) ([]ConsoleUser, error) {
	entries, err := w.sup.ExecuteCommand("users", timeout,
		&supervisor.ExecOptions{StopWhen: console.DataThenPrompt(w.table.UsersData)})
	if err != nil {
		return nil, err
	}
	return console.ParseUsers(console.FlattenOutput(entries)), nil
}

// RuntimeWorlds runs the `worlds` console command and parses the session
// list, including the focused-session resolution.
func (w *Warden) RuntimeWorlds(timeout time.Duration) (ConsoleWorlds, error) {
	entries, err := w.sup.ExecuteCommand("worlds", timeout,
		&supervisor.ExecOptions{StopWhen: console.DataThenPrompt(w.table.WorldsData)})
	if err != nil {
		return ConsoleWorlds{}, err
	}
	return console.ParseWorlds(console.FlattenOutput(entries)), nil
}
