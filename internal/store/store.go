package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is the lifecycle state of a single transfer.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
)

// TransferRecord is the persisted progress and outcome state for one target.
// A record survives process restarts: a prior partial or failed record seeds
// a resume instead of a fresh download.
type TransferRecord struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Status        Status     `json:"status"`
	BytesExpected int64      `json:"bytes_expected,omitempty"`
	BytesReceived int64      `json:"bytes_received"`
	LocalPath     string     `json:"local_path"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	Checksum      string     `json:"checksum,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Failure pairs a failed target with its recorded cause.
type Failure struct {
	ID        string
	LastError string
}

// RunSummary aggregates per-target outcomes at the end of a run.
type RunSummary struct {
	Total     int
	Completed int
	Failed    int
	Partial   int
	Skipped   int
	Planned   []string
	Failures  []Failure
}

// PersistError reports that the status file itself could not be written.
// This is the one storage failure that aborts the whole run: without it no
// progress can be made durable.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist transfer state to %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Store is the durable record of per-target download progress. All records
// are held in memory during a run; every Upsert rewrites the backing file
// via temp-file + rename so a reader never observes a half-written file.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]TransferRecord
}

func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		path:    path,
		logger:  logger,
		records: make(map[string]TransferRecord),
	}
}

// Load reads the status file from a previous run. A missing or unparsable
// file is treated as empty: stale state must never block new downloads.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read status file, starting fresh", "path", s.path, "err", err)
		}

		return
	}

	records := make(map[string]TransferRecord)
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("status file is corrupt, starting fresh", "path", s.path, "err", err)

		return
	}

	s.records = records
	s.logger.Info("loaded transfer state", "path", s.path, "records", len(records))
}

// Get returns a copy of the record for the given target id.
func (s *Store) Get(id string) (TransferRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]

	return rec, ok
}

// Upsert stores the record in memory and atomically rewrites the backing
// file. Concurrent calls from different workers are serialized here.
func (s *Store) Upsert(rec TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ID] = rec

	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return &PersistError{Path: s.path, Err: err}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &PersistError{Path: s.path, Err: err}
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return &PersistError{Path: s.path, Err: err}
	}

	return nil
}

// Snapshot builds a RunSummary over the given target ids, or over every
// known record when ids is nil.
func (s *Store) Snapshot(ids []string) RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ids == nil {
		ids = make([]string, 0, len(s.records))
		for id := range s.records {
			ids = append(ids, id)
		}
	}

	var summary RunSummary
	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok {
			continue
		}

		summary.Total++

		switch rec.Status {
		case StatusCompleted:
			summary.Completed++
		case StatusFailed:
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{ID: rec.ID, LastError: rec.LastError})
		case StatusPartial, StatusInProgress:
			summary.Partial++
		}
	}

	return summary
}

// Path returns the location of the backing status file.
func (s *Store) Path() string {
	return s.path
}

// DefaultPath places the status file alongside the downloads themselves.
func DefaultPath(outputDir string) string {
	return filepath.Join(outputDir, "download_status.json")
}
