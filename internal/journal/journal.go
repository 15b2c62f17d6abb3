// Package journal records supervisor lifecycle events.
//
// Every process start, stop and exit, and every scheduler escalation, is
// appended to ~/.aosup/events.log as newline-delimited JSON.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Action describes what happened.
type Action string

const (
	ActionProcessStart     Action = "process_start"
	ActionProcessStop      Action = "process_stop"
	ActionProcessExit      Action = "process_exit"
	ActionProcessError     Action = "process_error"
	ActionScheduleEscalate Action = "schedule_escalate"
)

// Entry is a single journal record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Process   string    `json:"process"`
	PID       int       `json:"pid,omitempty"`
	Mode      string    `json:"mode,omitempty"` // "foreground", "background"
	ExitCode  *int      `json:"exit_code,omitempty"`
	Detail    string    `json:"detail,omitempty"` // e.g. the escalation action name
	Error     string    `json:"error,omitempty"`
}

// Logger appends entries to a file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// DefaultPath returns ~/.aosup/events.log.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aosup", "events.log")
}

// Open creates or opens a journal file for appending.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Log writes an entry. A nil Logger discards it.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}

// Tail returns the last n entries of the journal at path, oldest first.
// Lines that fail to parse are skipped. A missing file yields no entries.
func Tail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	return entries, scanner.Err()
}
