package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// isoFormat matches the millisecond UTC form consumers of the file expect,
// e.g. 2024-05-01T12:00:00.000Z.
const isoFormat = "2006-01-02T15:04:05.000Z07:00"

// TimestampStore persists each chain's last successful download as a JSON
// object of chain ID to ISO-8601 timestamp. Update checks compare it with
// the publish date of the newest remote release.
//
// Thread Safety: all methods are safe for concurrent use within a process.
type TimestampStore struct {
	path string
	mu   sync.Mutex
}

// NewTimestampStore returns a store backed by path. The file is created on
// the first Set.
func NewTimestampStore(path string) *TimestampStore {
	return &TimestampStore{path: path}
}

// All returns every recorded timestamp. A missing file is an empty map.
func (s *TimestampStore) All() (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Get returns the timestamp for chainID and whether one is recorded.
func (s *TimestampStore) Get(chainID string) (time.Time, bool, error) {
	all, err := s.All()
	if err != nil {
		return time.Time{}, false, err
	}
	t, ok := all[chainID]
	return t, ok, nil
}

// Set records t for chainID.
func (s *TimestampStore) Set(chainID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if err != nil {
		return err
	}
	all[chainID] = t
	return s.write(all)
}

// Delete forgets chainID.
func (s *TimestampStore) Delete(chainID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := all[chainID]; !ok {
		return nil
	}
	delete(all, chainID)
	return s.write(all)
}

func (s *TimestampStore) read() (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading timestamps: %w", err)
	}
	if len(data) == 0 {
		return out, nil
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing timestamps: %w", err)
	}
	for id, v := range raw {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			// One bad entry should not hide the rest.
			continue
		}
		out[id] = t
	}
	return out, nil
}

// write replaces the file atomically via a sibling temp file.
func (s *TimestampStore) write(all map[string]time.Time) error {
	raw := make(map[string]string, len(all))
	for id, t := range all {
		raw[id] = t.UTC().Format(isoFormat)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding timestamps: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".timestamps-*")
	if err != nil {
		return fmt.Errorf("writing timestamps: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing timestamps: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing timestamps: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing timestamps: %w", err)
	}
	return nil
}
