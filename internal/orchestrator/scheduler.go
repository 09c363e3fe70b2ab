// Package orchestrator implements the top-level scheduling loop of
// spec.md §4.11: level by level, assign tasks to workers, spawn them in
// isolated worktrees, poll until the level's tasks are terminal, merge,
// advance. One Scheduler instance drives one feature for one invocation.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/foundryco/taskforge/internal/errs"
	"github.com/foundryco/taskforge/internal/graph"
	"github.com/foundryco/taskforge/internal/heartbeat"
	"github.com/foundryco/taskforge/internal/launcher"
	"github.com/foundryco/taskforge/internal/merge"
	"github.com/foundryco/taskforge/internal/state"
	"github.com/foundryco/taskforge/internal/telemetry"
	"github.com/foundryco/taskforge/internal/worktree"
)

// Config parameterizes a Scheduler run. Zero values fall back to the
// defaults spec.md §5 names.
type Config struct {
	WorkerCount         int
	TargetBranch        string
	BranchPrefix        string
	PollInterval        time.Duration
	StallThreshold      time.Duration
	MaxRespawnAttempts  int
	TaskRetryLimit      int
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	RetryPolicy         launcher.RetryPolicy
	BaseBranchForWorker string

	// RepoPath, StateDir, SpecPath, and LogDir are forwarded into every
	// spawned worker's environment (spec.md §6.4); EnvPolicy additionally
	// allowlists and forwards operator-supplied hints.
	RepoPath  string
	StateDir  string
	SpecPath  string
	LogDir    string
	EnvPolicy launcher.EnvPolicy
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 90 * time.Second
	}
	if c.MaxRespawnAttempts <= 0 {
		c.MaxRespawnAttempts = 2
	}
	if c.TaskRetryLimit <= 0 {
		c.TaskRetryLimit = 1
	}
	if c.TargetBranch == "" {
		c.TargetBranch = "main"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "taskforge"
	}
	if c.RetryPolicy.MaxAttempts <= 0 {
		c.RetryPolicy = launcher.RetryPolicy{MaxAttempts: 3, Strategy: launcher.BackoffExponential, BaseSeconds: 2, MaxSeconds: 30}
	}
	return c
}

// Scheduler drives one feature's task graph through every level.
type Scheduler struct {
	Feature string
	Config  Config

	Graph      *graph.Graph
	State      *state.Store
	Launcher   launcher.Launcher
	Worktrees  *worktree.Manager
	Merge      *merge.Coordinator
	Heartbeats *heartbeat.Monitor
	Breaker    *CircuitBreaker

	respawnCounts map[int]int
}

// New builds a Scheduler for one feature.
func New(feature string, cfg Config, g *graph.Graph, st *state.Store, l launcher.Launcher,
	wt *worktree.Manager, mc *merge.Coordinator, hb *heartbeat.Monitor) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		Feature: feature, Config: cfg,
		Graph: g, State: st, Launcher: l, Worktrees: wt, Merge: mc, Heartbeats: hb,
		Breaker:       NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		respawnCounts: make(map[int]int),
	}
}

// Run drives init → level_start → ... → finish for every level in the
// graph, returning the first unrecoverable error (the feature's error
// field is also recorded into state before returning).
func (s *Scheduler) Run(ctx context.Context) error {
	fs, err := s.State.Load(s.Feature)
	if err != nil {
		return err
	}

	levels := s.Graph.Levels()
	if fs.CurrentLevel == 0 && len(levels) > 0 {
		fs.CurrentLevel = levels[0]
		if err := s.State.Save(fs); err != nil {
			return err
		}
	}

	for _, level := range levels {
		if level < fs.CurrentLevel {
			continue
		}
		if err := s.runLevel(ctx, level); err != nil {
			s.recordFeatureError(err)
			return err
		}
		fs, err = s.State.Load(s.Feature)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) recordFeatureError(cause error) {
	fs, err := s.State.Load(s.Feature)
	if err != nil {
		return
	}
	msg := cause.Error()
	fs.Error = &msg
	_ = s.State.Save(fs)
}

// runLevel executes assign → spawn_or_wait → poll_loop → merge_level for
// one level, advancing current_level on success.
func (s *Scheduler) runLevel(ctx context.Context, level int) error {
	tasks := s.Graph.GetTasksForLevel(level)
	if err := s.markLevelTasksReady(tasks); err != nil {
		return err
	}

	assignment := AssignTasks(tasks, s.Config.WorkerCount)
	for workerID := range assignment {
		if err := s.ensureWorkerAlive(ctx, workerID); err != nil {
			telemetry.TrackWorkerSpawn(s.Feature, "failed")
			// Spawn failure is locally recoverable: this worker's tasks
			// simply remain pending until a freed worker picks them up.
			continue
		}
		telemetry.TrackWorkerSpawn(s.Feature, "ok")
	}

	if err := s.pollUntilLevelTerminal(ctx, level); err != nil {
		return err
	}

	return s.mergeLevel(ctx, level)
}

func (s *Scheduler) markLevelTasksReady(tasks []*graph.Task) error {
	fs, err := s.State.Load(s.Feature)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		tr := fs.Tasks[t.ID]
		if tr.Status == "" {
			tr.Status = string(graph.StatusReady)
			fs.Tasks[t.ID] = tr
		}
	}
	return s.State.Save(fs)
}

// ensureWorkerAlive spawns workerID via the configured launcher, with
// retry, if it is not already alive. Respects the spawn circuit breaker.
func (s *Scheduler) ensureWorkerAlive(ctx context.Context, workerID int) error {
	if h, ok := s.Launcher.GetHandle(workerID); ok && h.Status.IsAlive() {
		return nil
	}
	if !s.Breaker.Allow() {
		return errs.Orchestrator(fmt.Sprintf("spawn circuit breaker open for worker %d", workerID), nil)
	}

	info, err := s.Worktrees.Create(ctx, s.Feature, workerID, s.Config.TargetBranch)
	if err != nil {
		s.Breaker.RecordFailure()
		return err
	}

	req := launcher.SpawnRequest{
		WorkerID: workerID, Feature: s.Feature, WorktreePath: info.Path, Branch: info.Branch,
		Env: s.workerEnv(workerID, info),
	}
	result := s.Launcher.SpawnWithRetry(ctx, req, s.Config.RetryPolicy)
	if !result.Success {
		s.Breaker.RecordFailure()
		return errs.Orchestrator(fmt.Sprintf("spawn worker %d: %s", workerID, result.Error), nil)
	}
	s.Breaker.RecordSuccess()
	return nil
}

// workerEnv builds the scheduler-relevant environment variables every
// worker needs (spec.md §6.4) and layers EnvPolicy's allowlisted forwards
// on top.
func (s *Scheduler) workerEnv(workerID int, info worktree.Info) []string {
	scheduler := map[string]string{
		"TASKFORGE_WORKER_ID": fmt.Sprint(workerID),
		"TASKFORGE_FEATURE":   s.Feature,
		"TASKFORGE_WORKTREE":  info.Path,
		"TASKFORGE_BRANCH":    info.Branch,
		"TASKFORGE_REPO_PATH": s.Config.RepoPath,
		"TASKFORGE_STATE_DIR": s.Config.StateDir,
		"TASKFORGE_SPEC_PATH": s.Config.SpecPath,
		"TASKFORGE_LOG_DIR":   s.Config.LogDir,
	}
	for k, v := range scheduler {
		if v == "" {
			delete(scheduler, k)
		}
	}
	return s.Config.EnvPolicy.Resolve(scheduler)
}

// pollUntilLevelTerminal is the bounded-sleep reconciliation loop of
// spec.md §4.11 "Polling loop."
func (s *Scheduler) pollUntilLevelTerminal(ctx context.Context, level int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		telemetry.TrackOrchestratorLoop(s.Feature)
		s.Launcher.SyncState(ctx)

		if err := s.reconcileWorkers(ctx); err != nil {
			return err
		}

		done, stuck, err := s.levelStatus(level)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if stuck {
			return errs.Orchestrator(fmt.Sprintf("level %d stuck: ready tasks remain with no alive workers", level), nil)
		}

		if s.isPaused() {
			sleepCtx(ctx, s.Config.PollInterval)
			continue
		}
		sleepCtx(ctx, s.Config.PollInterval)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *Scheduler) isPaused() bool {
	fs, err := s.State.Load(s.Feature)
	if err != nil {
		return false
	}
	return fs.Paused
}

// reconcileWorkers implements spec.md §4.11 polling step 2: reclaim stale
// claims from stalled workers, terminate them, and respawn crashed workers
// bounded by max_respawn_attempts.
func (s *Scheduler) reconcileWorkers(ctx context.Context) error {
	for _, h := range s.Launcher.GetAllWorkers() {
		status := s.Launcher.Monitor(ctx, h.WorkerID)

		if status == launcher.StatusStalled {
			telemetry.TrackWorkerStalled(s.Feature)
			if err := s.reclaimWorkerTask(h.WorkerID); err != nil {
				return err
			}
			s.Launcher.Terminate(ctx, h.WorkerID, false)
			continue
		}

		if status == launcher.StatusCrashed {
			telemetry.TrackWorkerCrashed(s.Feature)
			if err := s.reclaimWorkerTask(h.WorkerID); err != nil {
				return err
			}
			if s.respawnCounts[h.WorkerID] < s.Config.MaxRespawnAttempts {
				s.respawnCounts[h.WorkerID]++
				telemetry.TrackWorkerRespawn(s.Feature)
				_ = s.ensureWorkerAlive(ctx, h.WorkerID)
			}
		}
	}
	return nil
}

// reclaimWorkerTask resets a stalled/crashed worker's current task back to
// pending (spec.md §4.6, §4.11).
func (s *Scheduler) reclaimWorkerTask(workerID int) error {
	fs, err := s.State.Load(s.Feature)
	if err != nil {
		return err
	}
	ws, ok := fs.Workers[fmt.Sprint(workerID)]
	if !ok || ws.CurrentTask == nil {
		return nil
	}
	taskID := *ws.CurrentTask
	if err := s.State.SetTaskStatus(s.Feature, taskID, string(graph.StatusPending), nil); err != nil {
		return err
	}
	ws.CurrentTask = nil
	return s.State.SetWorkerState(s.Feature, ws)
}

// levelStatus reports whether every task at level is terminal
// (complete/failed/blocked) and whether the level is stuck (ready tasks
// remain with no alive worker to claim them).
func (s *Scheduler) levelStatus(level int) (done, stuck bool, err error) {
	fs, loadErr := s.State.Load(s.Feature)
	if loadErr != nil {
		return false, false, loadErr
	}

	tasks := s.Graph.GetTasksForLevel(level)
	allTerminal := true
	anyReady := false
	for _, t := range tasks {
		status := fs.Tasks[t.ID].Status
		switch status {
		case string(graph.StatusComplete), string(graph.StatusFailed), string(graph.StatusBlocked):
		default:
			allTerminal = false
			if status == string(graph.StatusReady) || status == string(graph.StatusPending) || status == "" {
				anyReady = true
			}
		}
	}
	if allTerminal {
		return true, false, nil
	}

	anyAlive := false
	for _, h := range s.Launcher.GetAllWorkers() {
		if h.Status.IsAlive() {
			anyAlive = true
			break
		}
	}
	return false, anyReady && !anyAlive, nil
}

// mergeLevel runs the full merge flow for level's worker branches and
// advances current_level on success (spec.md §4.11 "Merge on level
// complete").
func (s *Scheduler) mergeLevel(ctx context.Context, level int) error {
	tasks := s.Graph.GetTasksForLevel(level)
	if anyFailed(tasks, s.mustLoad()) {
		return s.failLevel(level, "level has failed tasks; nothing to merge")
	}

	branches := s.workerBranchesForLevel(level)
	result := s.Merge.FullMergeFlow(ctx, level, branches, s.Config.TargetBranch)

	if !result.Success {
		telemetry.TrackMergeAttempt(s.Feature, "failed")
		if len(result.Conflicts) > 0 {
			telemetry.TrackMergeConflict(s.Feature)
		}
		return s.failLevel(level, result.Error)
	}

	telemetry.TrackMergeAttempt(s.Feature, "ok")
	return s.advanceLevel(level)
}

func (s *Scheduler) mustLoad() *state.FeatureState {
	fs, _ := s.State.Load(s.Feature)
	return fs
}

func anyFailed(tasks []*graph.Task, fs *state.FeatureState) bool {
	if fs == nil {
		return false
	}
	for _, t := range tasks {
		if fs.Tasks[t.ID].Status == string(graph.StatusFailed) {
			return true
		}
	}
	return false
}

func (s *Scheduler) failLevel(level int, reason string) error {
	fs, err := s.State.Load(s.Feature)
	if err != nil {
		return err
	}
	ls := fs.Levels[fmt.Sprint(level)]
	ls.MergeStatus = "failed"
	fs.Levels[fmt.Sprint(level)] = ls
	fs.Error = &reason
	if err := s.State.Save(fs); err != nil {
		return err
	}
	return errs.Orchestrator(fmt.Sprintf("level %d merge failed: %s", level, reason), nil)
}

func (s *Scheduler) advanceLevel(level int) error {
	fs, err := s.State.Load(s.Feature)
	if err != nil {
		return err
	}
	ls := fs.Levels[fmt.Sprint(level)]
	ls.Status = "complete"
	ls.MergeStatus = "merged"
	fs.Levels[fmt.Sprint(level)] = ls
	fs.CurrentLevel = level + 1
	return s.State.Save(fs)
}

func (s *Scheduler) workerBranchesForLevel(level int) []string {
	fs, err := s.State.Load(s.Feature)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var branches []string
	for _, t := range s.Graph.GetTasksForLevel(level) {
		tr, ok := fs.Tasks[t.ID]
		if !ok || tr.Status != string(graph.StatusComplete) || tr.WorkerID == nil {
			continue
		}
		ws := fs.Workers[fmt.Sprint(*tr.WorkerID)]
		if ws.Branch == "" || seen[ws.Branch] {
			continue
		}
		seen[ws.Branch] = true
		branches = append(branches, ws.Branch)
	}
	return branches
}
