// Package state implements the durable, concurrency-safe per-feature state
// store: atomic JSON writes, mtime-invalidating in-memory cache, and the
// compare-and-swap discipline task claims rely on.
package state

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

// TaskRuntime is the per-task runtime record inside FeatureState.
type TaskRuntime struct {
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
	RetryCount int      `json:"retry_count"`
	WorkerID   *int     `json:"worker_id"`
	OwnedFiles []string `json:"owned_files,omitempty"`
	DurationMs *int64   `json:"duration_ms"`
	UpdatedAt  string   `json:"updated_at"`
}

// WorkerState is the per-worker record inside FeatureState.
type WorkerState struct {
	WorkerID      int     `json:"worker_id"`
	Status        string  `json:"status"`
	PID           *int    `json:"pid"`
	ContainerID   *string `json:"container_id"`
	Branch        string  `json:"branch"`
	CurrentTask   *string `json:"current_task"`
	TasksComplete int     `json:"tasks_completed"`
	ContextUsage  float64 `json:"context_usage"`
	StartedAt     string  `json:"started_at"`
	HealthCheckAt string  `json:"health_check_at"`
	ExitCode      *int    `json:"exit_code"`
}

// LevelState is the per-level record inside FeatureState.
type LevelState struct {
	Status      string `json:"status"`
	MergeStatus string `json:"merge_status"`
}

// LogEntry is one append-only execution-log record.
type LogEntry struct {
	At    string         `json:"at"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// FeatureState is the durable unit: one feature, one JSON file, reconciled
// by the orchestrator and every worker.
type FeatureState struct {
	Feature      string                 `json:"feature"`
	CurrentLevel int                    `json:"current_level"`
	Paused       bool                   `json:"paused"`
	Error        *string                `json:"error"`
	Tasks        map[string]TaskRuntime `json:"tasks"`
	Workers      map[string]WorkerState `json:"workers"`
	Levels       map[string]LevelState  `json:"levels"`
	ExecutionLog []LogEntry             `json:"execution_log"`
}

func newFeatureState(feature string) *FeatureState {
	return &FeatureState{
		Feature: feature,
		Tasks:   make(map[string]TaskRuntime),
		Workers: make(map[string]WorkerState),
		Levels:  make(map[string]LevelState),
	}
}

// cacheEntry is the explicit (mtime, value) record spec.md §9 demands
// in place of a package-level cache: one per loaded feature, owned by a
// Store, never global.
type cacheEntry struct {
	mtime time.Time
	value *FeatureState
}

// Store is a concurrency-safe reader/writer for feature state files rooted
// at a state directory. Create one per process; it holds no package-level
// state.
type Store struct {
	mu        sync.RWMutex
	stateDir  string
	cache     map[string]*cacheEntry
}

// NewStore creates a Store rooted at stateDir, creating the directory if
// it does not already exist.
func NewStore(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errs.State("create state dir", err)
	}
	return &Store{stateDir: stateDir, cache: make(map[string]*cacheEntry)}, nil
}

func (s *Store) path(feature string) string {
	return filepath.Join(s.stateDir, feature+".json")
}

// Load returns the feature's state, served from cache when the on-disk
// file's mtime matches the cached mtime, and initializing fresh state when
// no file exists yet.
func (s *Store) Load(feature string) (*FeatureState, error) {
	path := s.path(feature)

	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			s.mu.Lock()
			defer s.mu.Unlock()
			fresh := newFeatureState(feature)
			return fresh, nil
		}
		return nil, errs.State(fmt.Sprintf("stat %s", path), statErr)
	}

	s.mu.RLock()
	entry, ok := s.cache[feature]
	s.mu.RUnlock()
	if ok && entry.mtime.Equal(info.ModTime()) {
		return entry.value, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.State(fmt.Sprintf("read %s", path), err)
	}
	var fs FeatureState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, errs.State(fmt.Sprintf("parse %s", path), err)
	}
	if fs.Tasks == nil {
		fs.Tasks = make(map[string]TaskRuntime)
	}
	if fs.Workers == nil {
		fs.Workers = make(map[string]WorkerState)
	}
	if fs.Levels == nil {
		fs.Levels = make(map[string]LevelState)
	}

	s.mu.Lock()
	s.cache[feature] = &cacheEntry{mtime: info.ModTime(), value: &fs}
	s.mu.Unlock()
	return &fs, nil
}

// Save writes fs atomically (temp file in the same directory, then rename)
// and updates the cache's recorded mtime so the next Load for this feature
// is served from cache.
func (s *Store) Save(fs *FeatureState) error {
	path := s.path(fs.Feature)
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return errs.State("marshal feature state", err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return errs.State(fmt.Sprintf("write %s", path), err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return errs.State(fmt.Sprintf("stat %s after write", path), err)
	}

	s.mu.Lock()
	s.cache[fs.Feature] = &cacheEntry{mtime: info.ModTime(), value: fs}
	s.mu.Unlock()
	return nil
}

// InvalidateCache forces the next Load for feature to re-read from disk.
func (s *Store) InvalidateCache(feature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, feature)
}

// SetWorkerState upserts a worker's record and saves.
func (s *Store) SetWorkerState(feature string, ws WorkerState) error {
	fs, err := s.Load(feature)
	if err != nil {
		return err
	}
	fs.Workers[fmt.Sprint(ws.WorkerID)] = ws
	return s.Save(fs)
}

// GetWorkerState returns a worker's record, if present.
func (s *Store) GetWorkerState(feature string, workerID int) (WorkerState, bool, error) {
	fs, err := s.Load(feature)
	if err != nil {
		return WorkerState{}, false, err
	}
	w, ok := fs.Workers[fmt.Sprint(workerID)]
	return w, ok, nil
}

// SetTaskStatus upserts a task's status (and optional error) and saves.
func (s *Store) SetTaskStatus(feature, taskID, status string, taskErr error) error {
	fs, err := s.Load(feature)
	if err != nil {
		return err
	}
	tr := fs.Tasks[taskID]
	tr.Status = status
	if taskErr != nil {
		tr.Error = taskErr.Error()
	} else {
		tr.Error = ""
	}
	tr.UpdatedAt = nowISO()
	fs.Tasks[taskID] = tr
	return s.Save(fs)
}

// RecordTaskDuration records a task's execution duration in milliseconds.
func (s *Store) RecordTaskDuration(feature, taskID string, ms int64) error {
	fs, err := s.Load(feature)
	if err != nil {
		return err
	}
	tr := fs.Tasks[taskID]
	tr.DurationMs = &ms
	fs.Tasks[taskID] = tr
	return s.Save(fs)
}

// GetTasksByStatus returns task ids whose status equals the given status.
func (s *Store) GetTasksByStatus(feature, status string) ([]string, error) {
	fs, err := s.Load(feature)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, tr := range fs.Tasks {
		if tr.Status == status {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ClaimTask performs a compare-and-swap claim: re-read current state,
// verify the task is still "ready" or "pending" (or has no record yet), write the claim, then re-read to
// confirm the write stuck and no racing writer claimed it first. Returns
// false (no error) if the task was not claimable.
func (s *Store) ClaimTask(feature, taskID string, workerID int) (bool, error) {
	s.InvalidateCache(feature)
	fs, err := s.Load(feature)
	if err != nil {
		return false, err
	}
	tr, ok := fs.Tasks[taskID]
	if ok && tr.Status != "ready" && tr.Status != "pending" {
		return false, nil
	}
	tr.Status = "claimed"
	wid := workerID
	tr.WorkerID = &wid
	tr.UpdatedAt = nowISO()
	fs.Tasks[taskID] = tr
	if err := s.Save(fs); err != nil {
		return false, err
	}

	s.InvalidateCache(feature)
	confirm, err := s.Load(feature)
	if err != nil {
		return false, err
	}
	confirmed := confirm.Tasks[taskID]
	if confirmed.WorkerID == nil || *confirmed.WorkerID != workerID || confirmed.Status != "claimed" {
		return false, nil
	}
	return true, nil
}

// AppendLog appends an execution-log entry and saves.
func (s *Store) AppendLog(feature, event string, data map[string]any) error {
	fs, err := s.Load(feature)
	if err != nil {
		return err
	}
	fs.ExecutionLog = append(fs.ExecutionLog, LogEntry{At: nowISO(), Event: event, Data: data})
	return s.Save(fs)
}

func nowISO() string {
	return time.Now().Format(time.RFC3339)
}
