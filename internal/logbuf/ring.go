package logbuf

import (
	"fmt"
	"sync"
	"time"
)

// Stream identifies which output of the child produced a line.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Entry is one buffered output line.
type Entry struct {
	Stream Stream
	Text   string
	At     time.Time
}

func (e Entry) String() string {
	if e.Stream == Stderr {
		return fmt.Sprintf("%s [stderr] %s", e.At.Format(time.TimeOnly), e.Text)
	}
	return fmt.Sprintf("%s %s", e.At.Format(time.TimeOnly), e.Text)
}

// Ring is a thread-safe ring buffer that keeps the last N output lines of a
// supervised process.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	full    bool
}

// New creates a ring buffer that stores the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{
		entries: make([]Entry, n),
		size:    n,
	}
}

// Add appends a line, evicting the oldest when full.
func (r *Ring) Add(stream Stream, text string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.pos] = Entry{Stream: stream, Text: text, At: at}
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

// Entries returns all stored entries in order, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]Entry, r.pos)
		copy(result, r.entries[:r.pos])
		return result
	}

	result := make([]Entry, r.size)
	copy(result, r.entries[r.pos:])
	copy(result[r.size-r.pos:], r.entries[:r.pos])
	return result
}

// Last returns the last n entries. If fewer exist, returns all of them.
func (r *Ring) Last(n int) []Entry {
	all := r.Entries()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Reset drops all buffered lines.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = 0
	r.full = false
	clear(r.entries)
}
