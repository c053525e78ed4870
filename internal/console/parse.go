package console

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/soracane/warden/internal/ringlog"
)

// FlattenOutput joins collected entries into a clean text block: carriage
// returns stripped, blank lines and command echoes ("> ...") dropped.
// Prompt lines survive here; the worlds parser needs the trailing prompt
// to resolve the focused session.
func FlattenOutput(entries []ringlog.Entry) string {
	var lines []string
	for _, e := range entries {
		text := strings.TrimRight(strings.ReplaceAll(e.Text, "\r", ""), " \t")
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, ">") {
			continue
		}
		lines = append(lines, text)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Status is the parsed form of the `status` console dump. Numeric and
// boolean fields are pointers because the dump omits lines freely.
type Status struct {
	Name              string   `json:"name"`
	SessionID         string   `json:"sessionId"`
	CurrentUsers      *int     `json:"currentUsers,omitempty"`
	PresentUsers      *int     `json:"presentUsers,omitempty"`
	MaxUsers          *int     `json:"maxUsers,omitempty"`
	Uptime            string   `json:"uptime,omitempty"`
	AccessLevel       string   `json:"accessLevel,omitempty"`
	HiddenFromListing *bool    `json:"hiddenFromListing,omitempty"`
	MobileFriendly    *bool    `json:"mobileFriendly,omitempty"`
	Description       string   `json:"description"`
	Tags              []string `json:"tags"`
	Users             []string `json:"users"`
}

var kvLineRegex = regexp.MustCompile(`^([^:]+):\s*(.*)$`)

// ParseStatus extracts key/value fields from a `status` dump.
func ParseStatus(output string) Status {
	kv := map[string]string{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := kvLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		kv[strings.TrimSpace(m[1])] = strings.TrimSpace(m[2])
	}
	st := Status{
		Name:              kv["Name"],
		SessionID:         kv["SessionID"],
		CurrentUsers:      parseOptionalInt(kv["Current Users"]),
		PresentUsers:      parseOptionalInt(kv["Present Users"]),
		MaxUsers:          parseOptionalInt(kv["Max Users"]),
		Uptime:            kv["Uptime"],
		AccessLevel:       kv["Access Level"],
		HiddenFromListing: parseOptionalBool(kv["Hidden from listing"]),
		MobileFriendly:    parseOptionalBool(kv["Mobile Friendly"]),
		Description:       kv["Description"],
		Tags:              splitCommaList(kv["Tags"]),
		Users:             splitCommaList(kv["Users"]),
	}
	return st
}

// User is one row of the `users` console dump.
type User struct {
	Name     string  `json:"name"`
	ID       string  `json:"id"`
	Role     string  `json:"role"`
	Present  bool    `json:"present"`
	PingMs   float64 `json:"pingMs"`
	FPS      float64 `json:"fps"`
	Silenced bool    `json:"silenced"`
}

var usersLineRegex = regexp.MustCompile(`(?i)^(\S+)\s+ID:\s+(\S+)\s+Role:\s+(\S+)\s+Present:\s+(True|False)\s+Ping:\s+([0-9.]+)\s+ms\s+FPS:\s+([0-9.]+)\s+Silenced:\s+(True|False)$`)

// ParseUsers extracts user rows from a `users` dump. Lines that do not
// match the row shape are skipped rather than reported; the dump mixes in
// headers and the prompt.
func ParseUsers(output string) []User {
	var users []User
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ">") {
			continue
		}
		m := usersLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ping, _ := strconv.ParseFloat(m[5], 64)
		fps, _ := strconv.ParseFloat(m[6], 64)
		users = append(users, User{
			Name:     m[1],
			ID:       m[2],
			Role:     m[3],
			Present:  strings.EqualFold(m[4], "true"),
			PingMs:   ping,
			FPS:      fps,
			Silenced: strings.EqualFold(m[7], "true"),
		})
	}
	return users
}

// Session is one world/session entry from the `worlds` console dump.
// FocusTarget is the argument to pass to the `focus` command: the numeric
// index when the dump used the indexed format, otherwise the session ID.
type Session struct {
	Name              string `json:"name"`
	SessionID         string `json:"sessionId"`
	CurrentUsers      *int   `json:"currentUsers,omitempty"`
	PresentUsers      *int   `json:"presentUsers,omitempty"`
	MaxUsers          *int   `json:"maxUsers,omitempty"`
	AccessLevel       string `json:"accessLevel,omitempty"`
	HiddenFromListing *bool  `json:"hiddenFromListing,omitempty"`
	FocusTarget       string `json:"focusTarget"`
	Raw               string `json:"raw"`
	Focused           bool   `json:"focused"`
}

// Worlds is the parsed `worlds` dump plus the focused-session resolution
// derived from the trailing "<world name>>" prompt.
type Worlds struct {
	Sessions           []Session `json:"sessions"`
	FocusedSessionID   string    `json:"focusedSessionId,omitempty"`
	FocusedSessionName string    `json:"focusedSessionName,omitempty"`
	FocusedFocusTarget string    `json:"focusedFocusTarget,omitempty"`
}

var worldsIndexLineRegex = regexp.MustCompile(`(?i)^\[(\d+)\]\s+(.+?)\s+Users:\s+(\d+)\s+Present:\s+(\d+)\s+AccessLevel:\s+(\S+)\s+MaxUsers:\s+(\d+)`)

// ParseWorlds handles both dump formats the managed process emits: the
// compact indexed listing ("[0] Name Users: N Present: N ...") and the
// multi-line key/value blocks separated by SessionID lines. The last
// prompt line names the focused world.
func ParseWorlds(output string) Worlds {
	rawLines := strings.Split(output, "\n")

	focusedName := ""
	for i := len(rawLines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(rawLines[i])
		if strings.HasSuffix(line, ">") {
			focusedName = strings.TrimSpace(strings.TrimSuffix(line, ">"))
			break
		}
	}

	var lines []string
	for _, line := range rawLines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ">") {
			continue
		}
		lines = append(lines, line)
	}

	var sessions []Session
	for _, line := range lines {
		m := worldsIndexLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[2])
		sessions = append(sessions, Session{
			Name:         name,
			SessionID:    name,
			CurrentUsers: parseOptionalInt(m[3]),
			PresentUsers: parseOptionalInt(m[4]),
			MaxUsers:     parseOptionalInt(m[6]),
			AccessLevel:  m[5],
			FocusTarget:  m[1],
			Raw:          line,
		})
	}
	if len(sessions) > 0 {
		return finalizeWorldsFocus(sessions, focusedName)
	}
	return finalizeWorldsFocus(parseWorldsBlocks(lines), focusedName)
}

// parseWorldsBlocks is the key/value fallback: blocks are delimited by a
// repeated SessionID key, with Name/SessionID interchangeable as identity.
func parseWorldsBlocks(lines []string) []Session {
	var sessions []Session
	var cur *Session
	var raw []string

	commit := func() {
		if cur == nil {
			return
		}
		if cur.SessionID == "" {
			cur.SessionID = cur.Name
		}
		if cur.SessionID == "" {
			cur, raw = nil, nil
			return
		}
		if cur.Name == "" {
			cur.Name = cur.SessionID
		}
		cur.FocusTarget = cur.SessionID
		cur.Raw = strings.Join(raw, "\n")
		sessions = append(sessions, *cur)
		cur, raw = nil, nil
	}

	for _, line := range lines {
		m := kvLineRegex.FindStringSubmatch(line)
		if m == nil {
			if cur != nil {
				raw = append(raw, line)
			}
			continue
		}
		key := strings.ToLower(strings.TrimSpace(m[1]))
		value := strings.TrimSpace(m[2])

		if cur == nil {
			cur = &Session{}
		}
		if (key == "sessionid" || key == "session id") && cur.SessionID != "" {
			commit()
			cur = &Session{SessionID: value}
		}
		raw = append(raw, line)

		switch key {
		case "name":
			cur.Name = value
		case "sessionid", "session id":
			cur.SessionID = value
		case "current users":
			cur.CurrentUsers = parseOptionalInt(value)
		case "present users":
			cur.PresentUsers = parseOptionalInt(value)
		case "max users":
			cur.MaxUsers = parseOptionalInt(value)
		case "access level":
			cur.AccessLevel = value
		case "hidden from listing", "hidden":
			cur.HiddenFromListing = parseOptionalBool(value)
		}
	}
	commit()
	return sessions
}

func finalizeWorldsFocus(sessions []Session, focusedName string) Worlds {
	w := Worlds{Sessions: sessions, FocusedSessionName: focusedName}
	if focusedName == "" {
		return w
	}
	for i := range sessions {
		s := &sessions[i]
		if s.Name == focusedName || s.SessionID == focusedName || s.FocusTarget == focusedName {
			s.Focused = true
			w.FocusedSessionID = s.SessionID
			w.FocusedFocusTarget = s.FocusTarget
		} else {
			s.Focused = false
		}
	}
	return w
}

// TotalUsers sums current users across sessions. Sessions that did not
// report a count contribute zero.
func TotalUsers(w Worlds) int {
	total := 0
	for _, s := range w.Sessions {
		if s.CurrentUsers != nil {
			total += *s.CurrentUsers
		}
	}
	return total
}

var nonNumeric = regexp.MustCompile(`[^0-9.-]`)

func parseOptionalInt(value string) *int {
	if value == "" {
		return nil
	}
	cleaned := nonNumeric.ReplaceAllString(value, "")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	n := int(f)
	return &n
}

func parseOptionalBool(value string) *bool {
	switch strings.ToLower(value) {
	case "true":
		v := true
		return &v
	case "false":
		v := false
		return &v
	}
	return nil
}

func splitCommaList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
