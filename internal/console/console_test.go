package console

import (
	"testing"

	"github.com/soracane/warden/internal/ringlog"
)

func entry(text string) ringlog.Entry {
	return ringlog.Entry{Stream: ringlog.StreamStdout, Text: text}
}

func TestPromptDetector(t *testing.T) {
	d := Prompt()
	cases := []struct {
		line string
		want bool
	}{
		{">", true},
		{"  >  ", true},
		{"GrandOasis>", true},
		{"Grand Oasis>", true},
		{"> status", false},
		{"", false},
		{"plain output", false},
	}
	for _, c := range cases {
		if got := d(entry(c.line)); got != c.want {
			t.Fatalf("prompt(%q) = %v, want %v", c.line, got, c.want)
		}
	}
}

func TestDataThenPromptIgnoresEarlyPrompt(t *testing.T) {
	table := DefaultTable()
	d := DataThenPrompt(table.StatusData)
	if d(entry("GrandOasis>")) {
		t.Fatalf("prompt before data must not complete")
	}
	if d(entry("Name: Grand Oasis")) {
		t.Fatalf("data line itself must not complete")
	}
	if !d(entry("GrandOasis>")) {
		t.Fatalf("prompt after data must complete")
	}
}

func TestDataThenPromptDataLineEndingInPrompt(t *testing.T) {
	table := DefaultTable()
	d := DataThenPrompt(table.UsersData)
	// A single line can both carry data and end with the prompt.
	if !d(entry("Alice ID: U-alice>")) {
		t.Fatalf("combined data+prompt line should complete")
	}
}

func TestOverride(t *testing.T) {
	table := DefaultTable()
	if err := table.Override(map[string]string{"status_data": `^Custom:`}); err != nil {
		t.Fatalf("override failed: %v", err)
	}
	if !table.StatusData.MatchString("Custom: yes") {
		t.Fatalf("override not applied")
	}
	if err := table.Override(map[string]string{"status_data": `(`}); err == nil {
		t.Fatalf("invalid pattern should error")
	}
	if err := table.Override(map[string]string{"bogus": `.`}); err == nil {
		t.Fatalf("unknown key should error")
	}
}

func TestFlattenOutput(t *testing.T) {
	entries := []ringlog.Entry{
		entry("> status"),
		entry("Name: Grand Oasis\r"),
		entry("   "),
		entry("SessionID: S-123"),
	}
	got := FlattenOutput(entries)
	want := "Name: Grand Oasis\nSessionID: S-123"
	if got != want {
		t.Fatalf("flatten = %q, want %q", got, want)
	}
}

func TestParseStatus(t *testing.T) {
	output := `Name: Grand Oasis
SessionID: S-U-host:oasis
Current Users: 3
Present Users: 2
Max Users: 16
Uptime: 01:22:33
Access Level: Anyone
Hidden from listing: False
Mobile Friendly: True
Description: come hang out
Tags: social, hangout
Users: Alice, Bob, Carol`

	st := ParseStatus(output)
	if st.Name != "Grand Oasis" || st.SessionID != "S-U-host:oasis" {
		t.Fatalf("identity fields wrong: %+v", st)
	}
	if st.CurrentUsers == nil || *st.CurrentUsers != 3 {
		t.Fatalf("current users wrong: %+v", st.CurrentUsers)
	}
	if st.MaxUsers == nil || *st.MaxUsers != 16 {
		t.Fatalf("max users wrong")
	}
	if st.HiddenFromListing == nil || *st.HiddenFromListing {
		t.Fatalf("hidden should be false")
	}
	if st.MobileFriendly == nil || !*st.MobileFriendly {
		t.Fatalf("mobile friendly should be true")
	}
	if len(st.Tags) != 2 || st.Tags[1] != "hangout" {
		t.Fatalf("tags wrong: %v", st.Tags)
	}
	if len(st.Users) != 3 || st.Users[0] != "Alice" {
		t.Fatalf("users wrong: %v", st.Users)
	}
}

func TestParseStatusMissingFields(t *testing.T) {
	st := ParseStatus("Name: Lonely")
	if st.CurrentUsers != nil || st.HiddenFromListing != nil {
		t.Fatalf("missing fields should stay nil")
	}
	if st.Tags != nil || st.Users != nil {
		t.Fatalf("missing lists should stay nil")
	}
}

func TestParseUsers(t *testing.T) {
	output := `Alice	ID: U-alice	Role: Admin	Present: True	Ping: 42 ms	FPS: 59.9	Silenced: False
Bob	ID: U-bob	Role: Guest	Present: False	Ping: 120.5 ms	FPS: 30 ms garbage
headless	ID: U-headless	Role: Admin	Present: True	Ping: 0 ms	FPS: 60 	Silenced: False
GrandOasis>`

	users := ParseUsers(output)
	if len(users) != 2 {
		t.Fatalf("expected 2 parsed users, got %d: %+v", len(users), users)
	}
	if users[0].Name != "Alice" || users[0].ID != "U-alice" || !users[0].Present {
		t.Fatalf("alice wrong: %+v", users[0])
	}
	if users[0].PingMs != 42 || users[0].FPS != 59.9 || users[0].Silenced {
		t.Fatalf("alice numbers wrong: %+v", users[0])
	}
	if users[1].Name != "headless" || !users[1].Present {
		t.Fatalf("headless wrong: %+v", users[1])
	}
}

func TestParseWorldsIndexedFormat(t *testing.T) {
	output := `[0] Grand Oasis	Users: 3	Present: 2	AccessLevel: Anyone	MaxUsers: 16
[1] Workshop	Users: 1	Present: 0	AccessLevel: Private	MaxUsers: 8
Grand Oasis>`

	w := ParseWorlds(output)
	if len(w.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(w.Sessions))
	}
	s := w.Sessions[0]
	if s.Name != "Grand Oasis" || s.FocusTarget != "0" || s.AccessLevel != "Anyone" {
		t.Fatalf("session 0 wrong: %+v", s)
	}
	if s.CurrentUsers == nil || *s.CurrentUsers != 3 {
		t.Fatalf("session 0 users wrong")
	}
	if !s.Focused || w.Sessions[1].Focused {
		t.Fatalf("focus resolution wrong: %+v", w)
	}
	if w.FocusedSessionName != "Grand Oasis" || w.FocusedFocusTarget != "0" {
		t.Fatalf("focused fields wrong: %+v", w)
	}
}

func TestParseWorldsKeyValueFormat(t *testing.T) {
	output := `Name: Grand Oasis
SessionID: S-1
Current Users: 3
Max Users: 16
Name: Workshop
SessionID: S-2
Current Users: 1
S-2>`

	w := ParseWorlds(output)
	if len(w.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d: %+v", len(w.Sessions), w.Sessions)
	}
	if w.Sessions[0].SessionID != "S-1" || w.Sessions[1].SessionID != "S-2" {
		t.Fatalf("session ids wrong: %+v", w.Sessions)
	}
	if w.FocusedSessionID != "S-2" {
		t.Fatalf("focused id wrong: %q", w.FocusedSessionID)
	}
	if w.Sessions[1].FocusTarget != "S-2" {
		t.Fatalf("key/value focus target should be the session id")
	}
}

func TestTotalUsers(t *testing.T) {
	three, one := 3, 1
	w := Worlds{Sessions: []Session{
		{CurrentUsers: &three},
		{CurrentUsers: &one},
		{},
	}}
	if got := TotalUsers(w); got != 4 {
		t.Fatalf("total = %d, want 4", got)
	}
}
