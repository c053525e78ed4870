// Package config loads the warden controller configuration: one TOML file
// describing the managed server, console handling, restart policy paths,
// history sinks, metrics, and logging. The restart policy itself lives in
// its own JSON document (see the restart package); this file only says
// where to find it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/soracane/warden/internal/logger"
)

// FileConfig is the top-level TOML structure.
type FileConfig struct {
	Server   ServerConfig  `toml:"server" mapstructure:"server"`
	Console  ConsoleConfig `toml:"console" mapstructure:"console"`
	Restart  RestartConfig `toml:"restart" mapstructure:"restart"`
	History  HistoryConfig `toml:"history" mapstructure:"history"`
	Metrics  MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Log      logger.Config `toml:"log" mapstructure:"log"`
	Env      []string      `toml:"env" mapstructure:"env"`
	EnvFiles []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool          `toml:"use_os_env" mapstructure:"use_os_env"`
}

// ServerConfig describes the managed server process.
type ServerConfig struct {
	Command          string   `toml:"command" mapstructure:"command"`
	ConfigDir        string   `toml:"config_dir" mapstructure:"config_dir"`
	ConfigFlag       string   `toml:"config_flag" mapstructure:"config_flag"`
	ExtraArgs        []string `toml:"extra_args" mapstructure:"extra_args"`
	WorkDir          string   `toml:"workdir" mapstructure:"workdir"`
	Encoding         string   `toml:"encoding" mapstructure:"encoding"`
	RingSize         int      `toml:"ring_size" mapstructure:"ring_size"`
	ShutdownCommand  string   `toml:"shutdown_command" mapstructure:"shutdown_command"`
	StopGraceSeconds int      `toml:"stop_grace_seconds" mapstructure:"stop_grace_seconds"`
	StopKillSeconds  int      `toml:"stop_kill_seconds" mapstructure:"stop_kill_seconds"`
	RuntimeStatePath string   `toml:"runtime_state_path" mapstructure:"runtime_state_path"`
	AutoStart        *bool    `toml:"autostart" mapstructure:"autostart"`
}

// ConsoleConfig tunes console capture and command correlation.
type ConsoleConfig struct {
	MirrorPath       string `toml:"mirror_path" mapstructure:"mirror_path"`
	MirrorMaxSizeMB  int    `toml:"mirror_max_size_mb" mapstructure:"mirror_max_size_mb"`
	MirrorMaxBackups int    `toml:"mirror_max_backups" mapstructure:"mirror_max_backups"`
	// Detection overrides the built-in console patterns. Keys: status_data,
	// users_data, worlds_data, login_name, login_id.
	Detection map[string]string `toml:"detection" mapstructure:"detection"`
}

// RestartConfig points at the restart policy and status documents.
type RestartConfig struct {
	ConfigPath string `toml:"config_path" mapstructure:"config_path"`
	StatusPath string `toml:"status_path" mapstructure:"status_path"`
	Watch      bool   `toml:"watch" mapstructure:"watch"`
}

// HistoryConfig lists event sink DSNs (sqlite path, postgres:// or
// clickhouse:// URL). Multiple sinks receive every event.
type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// Load reads and validates the controller config. Relative state paths
// resolve against the config file's directory.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	fc.applyDefaults(filepath.Dir(path))
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) applyDefaults(baseDir string) {
	if fc.Restart.ConfigPath == "" {
		fc.Restart.ConfigPath = "restart.json"
	}
	if fc.Restart.StatusPath == "" {
		fc.Restart.StatusPath = "restart-status.json"
	}
	if fc.Server.RuntimeStatePath == "" {
		fc.Server.RuntimeStatePath = "runtime-state.json"
	}
	if fc.Metrics.Listen == "" {
		fc.Metrics.Listen = "127.0.0.1:9464"
	}
	fc.Restart.ConfigPath = resolve(baseDir, fc.Restart.ConfigPath)
	fc.Restart.StatusPath = resolve(baseDir, fc.Restart.StatusPath)
	fc.Server.RuntimeStatePath = resolve(baseDir, fc.Server.RuntimeStatePath)
	if fc.Console.MirrorPath != "" {
		fc.Console.MirrorPath = resolve(baseDir, fc.Console.MirrorPath)
	}
	if fc.Log.Path != "" {
		fc.Log.Path = resolve(baseDir, fc.Log.Path)
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func (fc *FileConfig) Validate() error {
	if fc.Server.Command == "" {
		return errors.New("server.command is required")
	}
	if fc.Server.ConfigDir == "" {
		return errors.New("server.config_dir is required")
	}
	if fc.Server.StopKillSeconds != 0 && fc.Server.StopKillSeconds <= fc.Server.StopGraceSeconds {
		return fmt.Errorf("server.stop_kill_seconds (%d) must exceed stop_grace_seconds (%d)",
			fc.Server.StopKillSeconds, fc.Server.StopGraceSeconds)
	}
	return nil
}

// AutoStartEnabled reports whether the server should be spawned on boot.
// Unset means yes.
func (fc *FileConfig) AutoStartEnabled() bool {
	return fc.Server.AutoStart == nil || *fc.Server.AutoStart
}

// GlobalEnv merges the environment for the managed process. Precedence:
// OS env (when use_os_env) as base, then env_files in order, then the
// top-level env list last. Nil means inherit the parent environment.
func (fc *FileConfig) GlobalEnv() ([]string, error) {
	if !fc.UseOSEnv && len(fc.EnvFiles) == 0 && len(fc.Env) == 0 {
		return nil, nil
	}
	m := make(map[string]string)
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines; blank lines and # comments are
// skipped.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
