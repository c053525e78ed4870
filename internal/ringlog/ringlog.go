package ringlog

import (
	"sync"
	"time"
)

// Stream marks which output stream of the managed process a line came from.
// Synthetic entries (command echoes, supervisor notices) reuse these values.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Entry is one decoded console line. Entries are immutable after Push;
// IDs are strictly increasing and never reused until the store is cleared.
type Entry struct {
	ID     uint64    `json:"id"`
	Time   time.Time `json:"timestamp"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
}

const DefaultCapacity = 1000

// Store is a fixed-capacity ring buffer of console lines. Once capacity is
// reached, every Push overwrites the oldest entry. Collectors registered on
// the store receive subsequently pushed entries for in-flight commands.
type Store struct {
	mu         sync.Mutex
	buf        []Entry
	capacity   int
	nextID     uint64
	index      int
	size       int
	collectors map[int]*Collector
	nextCol    int
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		buf:        make([]Entry, capacity),
		capacity:   capacity,
		nextID:     1,
		collectors: make(map[int]*Collector),
	}
}

// Push appends a line, overwriting the oldest entry when full, and feeds
// every open collector whose since-ID is at or below the new entry's ID.
func (s *Store) Push(stream Stream, text string) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Entry{
		ID:     s.nextID,
		Time:   time.Now(),
		Stream: stream,
		Text:   text,
	}
	s.nextID++
	s.buf[s.index] = e
	s.index = (s.index + 1) % s.capacity
	if s.size < s.capacity {
		s.size++
	}
	for _, c := range s.collectors {
		if e.ID >= c.since {
			c.append(e)
		}
	}
	return e
}

// Tail returns up to limit most-recent entries, newest-last.
// limit <= 0 returns everything currently buffered.
func (s *Store) Tail(limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		idx := (s.index - n + i + s.capacity) % s.capacity
		out[i] = s.buf[idx]
	}
	return out
}

// NextID previews the ID the next Push will receive. Callers mark a "since"
// point with it before issuing a command so no output can slip past the
// collector they open next.
func (s *Store) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// Len reports the number of buffered entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Clear drops all entries and resets the ID sequence. Open collectors keep
// whatever they already gathered but receive nothing from before the clear.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = 0
	s.size = 0
	s.nextID = 1
	for i := range s.buf {
		s.buf[i] = Entry{}
	}
}

// Collector accumulates entries pushed after a since-ID for one in-flight
// command. Dispose is mandatory on every code path, including timeout and
// error, so accumulators do not pile up on the store.
type Collector struct {
	store   *Store
	id      int
	since   uint64
	mu      sync.Mutex
	entries []Entry
	notify  chan struct{}
}

// OpenCollector registers a collector for entries with ID >= since.
// Entries already buffered in that range are backfilled atomically, so the
// NextID/OpenCollector pair cannot lose a line pushed in between.
func (s *Store) OpenCollector(since uint64) *Collector {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Collector{
		store:  s,
		id:     s.nextCol,
		since:  since,
		notify: make(chan struct{}, 1),
	}
	s.nextCol++
	for i := 0; i < s.size; i++ {
		idx := (s.index - s.size + i + s.capacity) % s.capacity
		if s.buf[idx].ID >= since {
			c.entries = append(c.entries, s.buf[idx])
		}
	}
	s.collectors[c.id] = c
	return c
}

func (c *Collector) append(e Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Collect returns a snapshot of everything gathered so far.
func (c *Collector) Collect() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Notify signals after new entries arrive; at most one signal is pending.
func (c *Collector) Notify() <-chan struct{} { return c.notify }

// Dispose unregisters the collector from the store.
func (c *Collector) Dispose() {
	c.store.mu.Lock()
	delete(c.store.collectors, c.id)
	c.store.mu.Unlock()
}
