// Package store persists optimization run records as JSON files, one per
// run, with atomic replacement so readers never observe a half-written
// record.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qsimlab/beopt/internal/optimization"
)

// Run statuses as persisted in records.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusConverged = "converged"
	StatusExhausted = "exhausted"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// RunRecord is the persisted state of one optimization run.
type RunRecord struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Solver    string    `json:"solver"`
	OnlyChem  bool      `json:"only_chemical_potential,omitempty"`
	Potential []float64 `json:"potential,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Result is set once the run finishes.
	Result *optimization.Result `json:"result,omitempty"`

	// Error holds the failure message of a failed run.
	Error string `json:"error,omitempty"`

	// Output is the captured iteration report.
	Output string `json:"output,omitempty"`
}

// NotFoundError reports a run id with no stored record.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("store: run %s not found", e.ID)
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// FS is a directory-backed run store.
type FS struct {
	dir string
	mu  sync.Mutex
}

// NewFS opens (creating if needed) a run store rooted at dir.
func NewFS(dir string) (*FS, error) {
	if dir == "" {
		return nil, errors.New("store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &FS{dir: dir}, nil
}

// Save writes or replaces the record for rec.ID. The record lands under a
// temporary name first and is renamed into place.
func (s *FS) Save(rec *RunRecord) error {
	if err := checkID(rec.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode run %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, rec.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: stage run %s: %w", rec.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: stage run %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: stage run %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmpName, s.path(rec.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: commit run %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads the record for id.
func (s *FS) Get(id string) (*RunRecord, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("store: read run %s: %w", id, err)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode run %s: %w", id, err)
	}
	return &rec, nil
}

// List loads every record, newest first.
func (s *FS) List() ([]*RunRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	var recs []*RunRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			// Skip records that vanished between the listing and the read.
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}

// Delete removes the record for id.
func (s *FS) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{ID: id}
		}
		return fmt.Errorf("store: delete run %s: %w", id, err)
	}
	return nil
}

func (s *FS) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("store: invalid run id %q", id)
	}
	return nil
}
