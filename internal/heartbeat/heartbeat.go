// Package heartbeat implements the worker liveness record of spec.md §4.6:
// trivial by design, one small JSON file per worker, read and staleness-
// checked by the orchestrator during polling.
package heartbeat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/foundryco/taskforge/internal/errs"
)

// Record is one worker's liveness record (spec.md §6.3).
type Record struct {
	WorkerID    int    `json:"worker_id"`
	Timestamp   string `json:"timestamp"`
	CurrentTask string `json:"current_task,omitempty"`
	Phase       string `json:"phase"`
}

type cacheEntry struct {
	mtime time.Time
	value Record
}

// Monitor reads and writes heartbeat records under
// <state_dir>/heartbeats/<worker_id>.json.
type Monitor struct {
	mu    sync.Mutex
	dir   string
	cache map[int]*cacheEntry
}

// NewMonitor creates a Monitor rooted at stateDir/heartbeats.
func NewMonitor(stateDir string) *Monitor {
	return &Monitor{
		dir:   filepath.Join(stateDir, "heartbeats"),
		cache: make(map[int]*cacheEntry),
	}
}

func (m *Monitor) path(workerID int) string {
	return filepath.Join(m.dir, fmt.Sprintf("%d.json", workerID))
}

// Write records a worker's current liveness, overwriting its prior record.
func (m *Monitor) Write(workerID int, currentTask, phase string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return errs.Wrap(errs.KindState, "create heartbeat directory", err)
	}
	rec := Record{
		WorkerID:    workerID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		CurrentTask: currentTask,
		Phase:       phase,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindState, "marshal heartbeat", err)
	}
	if err := atomicwriter.WriteFile(m.path(workerID), data, 0o644); err != nil {
		return errs.Wrap(errs.KindState, "write heartbeat", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if info, statErr := os.Stat(m.path(workerID)); statErr == nil {
		m.cache[workerID] = &cacheEntry{mtime: info.ModTime(), value: rec}
	}
	return nil
}

// Read returns the worker's current heartbeat record, or false if it has
// never written one.
func (m *Monitor) Read(workerID int) (Record, bool) {
	info, err := os.Stat(m.path(workerID))
	if err != nil {
		return Record{}, false
	}

	m.mu.Lock()
	if entry, ok := m.cache[workerID]; ok && entry.mtime.Equal(info.ModTime()) {
		m.mu.Unlock()
		return entry.value, true
	}
	m.mu.Unlock()

	data, err := os.ReadFile(m.path(workerID))
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false
	}

	m.mu.Lock()
	m.cache[workerID] = &cacheEntry{mtime: info.ModTime(), value: rec}
	m.mu.Unlock()
	return rec, true
}

// Age returns how long it has been since workerID's last heartbeat. A
// worker that has never written one is reported as an arbitrarily large
// age so callers treat it as stale immediately.
func (m *Monitor) Age(workerID int) time.Duration {
	rec, ok := m.Read(workerID)
	if !ok {
		return time.Duration(1<<62 - 1)
	}
	ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(ts)
}

// IsStale reports whether workerID's heartbeat age exceeds threshold
// (spec.md §4.6's is_stale(age_seconds)).
func (m *Monitor) IsStale(workerID int, threshold time.Duration) bool {
	return m.Age(workerID) > threshold
}
