// Package state persists scan progress so an interrupted scan can resume.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/config"
)

// DefaultPath is the checkpoint file used when none is configured.
const DefaultPath = ".arkenar-state.json"

// ErrNoCheckpoint means there is nothing to resume: the file is absent or
// does not hold a valid checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint to resume")

// ScanState is the checkpoint document. Checkpoint may be called from
// several goroutines as targets complete in parallel.
type ScanState struct {
	ScanID           string            `json:"scan_id"`
	Config           config.Config     `json:"config"`
	PendingURLs      []string          `json:"pending_urls"`
	CompletedResults []schemas.Finding `json:"completed_results"`
	StartedAt        time.Time         `json:"started_at"`
	LastCheckpoint   time.Time         `json:"last_checkpoint"`

	mu   sync.Mutex
	path string
}

// New creates a checkpoint for a fresh scan of targets, persisted at path.
func New(path, scanID string, cfg config.Config, targets []string) *ScanState {
	if path == "" {
		path = DefaultPath
	}
	now := time.Now().UTC()
	return &ScanState{
		ScanID:           scanID,
		Config:           cfg,
		PendingURLs:      append([]string(nil), targets...),
		CompletedResults: []schemas.Finding{},
		StartedAt:        now,
		LastCheckpoint:   now,
		path:             path,
	}
}

// Load reads the checkpoint at path.
func Load(path string) (*ScanState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var s ScanState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %s is not a valid checkpoint: %v", ErrNoCheckpoint, path, err)
	}
	s.path = path
	return &s, nil
}

// Path returns the file the state is saved to.
func (s *ScanState) Path() string {
	return s.path
}

// Save writes the checkpoint to a temporary file and renames it over the
// previous one, so a crash mid-write leaves the old checkpoint intact.
func (s *ScanState) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *ScanState) saveLocked() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	// The temp file is gone after a successful rename.
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Checkpoint removes target from the pending list, appends its findings
// and saves. Safe findings are not kept.
func (s *ScanState) Checkpoint(target string, findings []schemas.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.PendingURLs[:0]
	for _, u := range s.PendingURLs {
		if u != target {
			pending = append(pending, u)
		}
	}
	s.PendingURLs = pending
	for _, f := range findings {
		if !f.IsSafe() {
			s.CompletedResults = append(s.CompletedResults, f)
		}
	}
	s.LastCheckpoint = time.Now().UTC()
	return s.saveLocked()
}

// Pending returns a copy of the targets not yet completed.
func (s *ScanState) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.PendingURLs...)
}

// Results returns a copy of the findings recorded so far.
func (s *ScanState) Results() []schemas.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemas.Finding(nil), s.CompletedResults...)
}

// Delete removes the checkpoint at path. A missing file is not an error.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Exists reports whether a checkpoint file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
