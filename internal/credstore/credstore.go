// Package credstore persists the single credential record issued by the
// memory service and exposes the current credentials to the rest of the
// process through an explicit Holder, so no component reads mutable
// package-level state.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound reports that no credential record has been persisted yet.
// This is the normal state before the first successful registration.
var ErrNotFound = errors.New("credential record not found")

// DefaultProjectID is used when the service omits a project id at
// registration time.
const DefaultProjectID = "default"

// Record is the one credential record memrelay persists. Everything needed
// to talk to the memory service lives here; there is no multi-account
// support.
type Record struct {
	APIKey      string `json:"api_key"`
	ProjectID   string `json:"project_id"`
	UserID      string `json:"user_id,omitempty"`
	APIBaseURL  string `json:"api_base_url"`
	Initialized bool   `json:"initialized"`
}

// HasKey reports whether the record carries a usable API key.
func (r Record) HasKey() bool {
	return r.APIKey != ""
}

// Store reads and writes the credential record at a fixed path.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// DefaultPath returns ~/.memrelay/credentials.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".memrelay", "credentials.json"), nil
}

// Load reads the persisted record. A missing file maps to ErrNotFound; a
// present but unreadable or corrupt file is a real error.
func (s *Store) Load() (Record, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read credentials: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode credentials: %w", err)
	}
	return rec, nil
}

// Save writes the record atomically: a temp file in the same directory is
// synced and renamed over the target, so readers never observe a partial
// record. The file is private to the owning user.
func (s *Store) Save(rec Record) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("create temp credentials: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp credentials: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credentials: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// Holder is the in-process view of the current record. Components read it
// on every call, so a registration completing mid-run becomes visible
// without restarts.
type Holder struct {
	mu  sync.RWMutex
	rec Record
}

func NewHolder() *Holder {
	return &Holder{}
}

func (h *Holder) Set(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rec = rec
}

// Current returns a copy of the record.
func (h *Holder) Current() Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rec
}

// Present reports whether a usable API key is held.
func (h *Holder) Present() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rec.HasKey()
}
