// Package console holds the heuristics that carve command/response
// exchanges out of the managed process's free-text console stream. The
// process has no structured response framing; completion is inferred from
// a trailing prompt character and, for data dumps, from recognizable
// key/value lines arriving first. Any wording change upstream breaks
// detection silently (the call just runs to its full timeout), which is
// why the patterns live in an overridable table instead of constants.
package console

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/soracane/warden/internal/ringlog"
)

// Detector reports whether a collected console line completes a command.
// Detectors may be stateful; build a fresh one per ExecuteCommand call.
type Detector func(e ringlog.Entry) bool

// isPrompt matches the interactive prompt the managed process prints after
// finishing a command: either a bare ">" or "<world name>>". Lines that
// start with ">" are command echoes, not prompts.
func isPrompt(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if trimmed == ">" {
		return true
	}
	return strings.HasSuffix(trimmed, ">") && !strings.HasPrefix(trimmed, ">")
}

// Prompt returns a detector that fires on the first prompt line.
func Prompt() Detector {
	return func(e ringlog.Entry) bool { return isPrompt(e.Text) }
}

// DataThenPrompt returns a detector that fires on a prompt line only after
// at least one line matching data has been seen. Without the data gate the
// echo of the prompt left over from a previous exchange would terminate
// the command before its output arrives.
func DataThenPrompt(data *regexp.Regexp) Detector {
	sawData := false
	return func(e ringlog.Entry) bool {
		trimmed := strings.TrimSpace(e.Text)
		if trimmed == "" {
			return false
		}
		if !sawData && data.MatchString(trimmed) {
			sawData = true
		}
		if !sawData {
			return false
		}
		return isPrompt(trimmed)
	}
}

// DetectionTable collects every pattern the supervisor and orchestrator use
// to locate structure in the console stream.
type DetectionTable struct {
	// StatusData/UsersData/WorldsData recognize the first data line of the
	// corresponding dump, gating the prompt detector.
	StatusData *regexp.Regexp
	UsersData  *regexp.Regexp
	WorldsData *regexp.Regexp
	// LoginName/LoginID capture the identity announcement printed once the
	// managed process signs in; first capture group is the value.
	LoginName *regexp.Regexp
	LoginID   *regexp.Regexp
}

// DefaultTable returns the patterns matching the managed process's current
// wording.
func DefaultTable() DetectionTable {
	return DetectionTable{
		StatusData: regexp.MustCompile(`(?i)^(Name|SessionID|Current Users|Present Users|Max Users|Access Level|Hidden from listing|Mobile Friendly|Description|Tags|Users):`),
		UsersData:  regexp.MustCompile(`(?i)^.+\s+ID:\s+`),
		WorldsData: regexp.MustCompile(`(?i)^(\[\d+\]\s+.+\s+Users:\s+\d+|Name:\s+)`),
		LoginName:  regexp.MustCompile(`(?i)logged in as\s+(.+?)\s*$`),
		LoginID:    regexp.MustCompile(`(?i)\b(U-[A-Za-z0-9_-]+)\b`),
	}
}

// Override replaces individual table patterns from user-supplied regex
// strings. Keys: status_data, users_data, worlds_data, login_name, login_id.
func (t *DetectionTable) Override(patterns map[string]string) error {
	for key, expr := range patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("detection pattern %s: %w", key, err)
		}
		switch key {
		case "status_data":
			t.StatusData = re
		case "users_data":
			t.UsersData = re
		case "worlds_data":
			t.WorldsData = re
		case "login_name":
			t.LoginName = re
		case "login_id":
			t.LoginID = re
		default:
			return fmt.Errorf("unknown detection pattern key: %s", key)
		}
	}
	return nil
}
