package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// runtimeState is the small JSON document the supervisor persists next to
// its other state files. The restart orchestrator uses the last started
// config to bring the server back with the same world after a restart.
type runtimeState struct {
	LastStartedConfig string    `json:"lastStartedConfigPath,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// LastStartedConfig returns the config path recorded by the most recent
// successful Start, or "" when nothing was recorded yet.
func (s *Supervisor) LastStartedConfig() string {
	if s.cfg.RuntimeStatePath == "" {
		return ""
	}
	b, err := os.ReadFile(s.cfg.RuntimeStatePath)
	if err != nil {
		return ""
	}
	var st runtimeState
	if err := json.Unmarshal(b, &st); err != nil {
		s.log.Warn("runtime state unreadable, ignoring", "path", s.cfg.RuntimeStatePath, "error", err)
		return ""
	}
	return st.LastStartedConfig
}

// SetLastStartedConfig overrides the persisted last-started config path.
// The restart orchestrator pre-switches it when a schedule rule carries
// its own config file.
func (s *Supervisor) SetLastStartedConfig(path string) {
	s.rememberStartedConfig(path)
}

// ConfigDir returns the directory holding the server's config files.
func (s *Supervisor) ConfigDir() string { return s.cfg.ConfigDir }

func (s *Supervisor) rememberStartedConfig(path string) {
	if s.cfg.RuntimeStatePath == "" {
		return
	}
	st := runtimeState{LastStartedConfig: path, UpdatedAt: time.Now()}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.RuntimeStatePath), 0o750); err != nil {
		s.log.Warn("cannot create runtime state dir", "error", err)
		return
	}
	if err := os.WriteFile(s.cfg.RuntimeStatePath, b, 0o600); err != nil {
		s.log.Warn("cannot persist runtime state", "error", err)
	}
}
