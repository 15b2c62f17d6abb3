// Package store persists the processes started by aosup so later invocations
// can list and stop them.
//
// Records live in a single JSON document keyed by process name. Writes go
// through a temp file and rename, and every read-modify-write cycle holds an
// flock on a sibling lock file so concurrent aosup invocations do not lose
// each other's updates.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrNotFound is returned by Get when no record exists for a name.
var ErrNotFound = errors.New("process record not found")

// Record is the persisted state of a started process.
type Record struct {
	Name      string          `json:"name"`
	PID       int             `json:"pid"`
	StartTime time.Time       `json:"startTime"`
	Config    json.RawMessage `json:"config,omitempty"`
	// ProcStart is the OS-reported start time, used to detect PID reuse.
	ProcStart int64 `json:"procStart,omitempty"`
}

// Store is the persistence the supervisor needs.
type Store interface {
	Put(rec Record) error
	Get(name string) (Record, error)
	List() ([]Record, error)
	Delete(name string) error
}

// FileStore keeps records in a JSON file.
type FileStore struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

// DefaultPath returns ~/.aosup/processes.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aosup", "processes.json")
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Put writes rec under rec.Name, replacing any existing record for that name.
func (s *FileStore) Put(rec Record) error {
	if rec.Name == "" {
		return fmt.Errorf("record name is required")
	}
	return s.update(func(records map[string]Record) {
		records[rec.Name] = rec
	})
}

// Get returns the record for name.
func (s *FileStore) Get(name string) (Record, error) {
	records, err := s.load()
	if err != nil {
		return Record{}, err
	}
	rec, ok := records[name]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rec, nil
}

// List returns all records sorted by name.
func (s *FileStore) List() ([]Record, error) {
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the record for name. Deleting a missing name is not an error.
func (s *FileStore) Delete(name string) error {
	return s.update(func(records map[string]Record) {
		delete(records, name)
	})
}

func (s *FileStore) load() (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDir(); err != nil {
		return nil, err
	}
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	return s.loadUnsafe()
}

func (s *FileStore) update(mutate func(map[string]Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDir(); err != nil {
		return err
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	records, err := s.loadUnsafe()
	if err != nil {
		return err
	}
	mutate(records)
	return s.saveUnsafe(records)
}

func (s *FileStore) ensureDir() error {
	return os.MkdirAll(filepath.Dir(s.path), 0700)
}

// loadUnsafe reads without locking; caller must hold s.mu and the file lock.
func (s *FileStore) loadUnsafe() (map[string]Record, error) {
	records := make(map[string]Record)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return records, nil
		}
		return nil, fmt.Errorf("reading store: %w", err)
	}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing store: %w", err)
	}
	return records, nil
}

func (s *FileStore) saveUnsafe(records map[string]Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}
