// Package worker implements the protocol that runs inside each worker
// process (spec.md §4.5): claim a ready task, invoke the coding agent,
// verify and commit its output, report back through the state store, and
// keep a heartbeat alive throughout.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/foundryco/taskforge/internal/errs"
	"github.com/foundryco/taskforge/internal/gitops"
	"github.com/foundryco/taskforge/internal/graph"
	"github.com/foundryco/taskforge/internal/heartbeat"
	"github.com/foundryco/taskforge/internal/state"
	"github.com/foundryco/taskforge/internal/verify"
)

// Exit codes are a protocol (spec.md §6.5), not magic numbers.
const (
	ExitClean      = 0
	ExitCheckpoint = 2
	ExitBlocked    = 3
	ExitEscalation = 4
	ExitCrashed    = 1
)

const defaultHeartbeatInterval = 30 * time.Second

// AgentOutput is what the coding agent reported for one task invocation.
// The agent itself is out of scope; this is the narrow contract a Worker
// needs from it.
type AgentOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// AgentRunner invokes the coding agent against one task inside a worktree.
type AgentRunner interface {
	Execute(ctx context.Context, task *graph.Task, worktreeDir string, env []string) (AgentOutput, error)
}

// Worker runs the claim/execute/verify/report loop for a single worker id
// against one feature's task graph and state.
type Worker struct {
	ID                int
	Feature           string
	Branch            string
	WorktreeDir       string
	Env               []string
	HeartbeatInterval time.Duration

	Graph      *graph.Graph
	State      *state.Store
	Git        *gitops.Client
	Verify     *verify.Executor
	Heartbeats *heartbeat.Monitor
	Agent      AgentRunner

	phaseMu     sync.Mutex
	phase       string
	currentTask string
}

// New builds a Worker. Pid is recorded into WorkerState on signalReady.
func New(id int, feature, branch, worktreeDir string, env []string,
	g *graph.Graph, st *state.Store, git *gitops.Client, ver *verify.Executor,
	hb *heartbeat.Monitor, agent AgentRunner) *Worker {
	return &Worker{
		ID: id, Feature: feature, Branch: branch, WorktreeDir: worktreeDir, Env: env,
		HeartbeatInterval: defaultHeartbeatInterval,
		Graph:             g, State: st, Git: git, Verify: ver, Heartbeats: hb, Agent: agent,
		phase: "initializing",
	}
}

func (w *Worker) setPhase(phase, taskID string) {
	w.phaseMu.Lock()
	w.phase = phase
	w.currentTask = taskID
	w.phaseMu.Unlock()
}

func (w *Worker) snapshotPhase() (string, string) {
	w.phaseMu.Lock()
	defer w.phaseMu.Unlock()
	return w.phase, w.currentTask
}

func (w *Worker) writeHeartbeat() {
	phase, taskID := w.snapshotPhase()
	_ = w.Heartbeats.Write(w.ID, taskID, phase)
}

func (w *Worker) heartbeatLoop(ctx context.Context) func() {
	interval := w.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				w.writeHeartbeat()
			}
		}
	}()
	return func() { close(done) }
}

// Run drives the full worker loop to completion and returns the process
// exit code the caller should use (spec.md §6.5).
func (w *Worker) Run(ctx context.Context) (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			w.markCrashed(fmt.Errorf("panic: %v", r))
			exitCode = ExitCrashed
		}
	}()

	if err := w.signalReady(ctx); err != nil {
		w.markCrashed(err)
		return ExitCrashed
	}

	stopHeartbeat := w.heartbeatLoop(ctx)
	defer stopHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return ExitClean
		default:
		}

		task, err := w.claimNextTask(ctx)
		if err != nil {
			w.markCrashed(err)
			return ExitCrashed
		}
		if task == nil {
			w.setPhase("idle", "")
			return ExitClean
		}

		if err := w.executeTask(ctx, task); err != nil {
			// executeTask has already recorded the failure against the
			// task; the worker keeps polling for further ready work
			// rather than exiting on a single task's failure.
			continue
		}
	}
}

// signalReady writes the worker's initial WorkerState and first heartbeat
// (spec.md §4.5 step 1).
func (w *Worker) signalReady(ctx context.Context) error {
	fs, err := w.State.Load(w.Feature)
	if err != nil {
		return err
	}
	ws := fs.Workers[fmt.Sprint(w.ID)]
	ws.WorkerID = w.ID
	ws.Status = "ready"
	ws.Branch = w.Branch
	pid := os.Getpid()
	ws.PID = &pid
	ws.StartedAt = time.Now().UTC().Format(time.RFC3339)
	if err := w.State.SetWorkerState(w.Feature, ws); err != nil {
		return err
	}
	w.setPhase("ready", "")
	w.writeHeartbeat()
	return nil
}

// claimNextTask compare-and-swaps onto a ready task at the feature's
// current level whose dependencies are complete (spec.md §4.5 step 2).
// Returns (nil, nil) when no claimable task exists.
func (w *Worker) claimNextTask(ctx context.Context) (*graph.Task, error) {
	fs, err := w.State.Load(w.Feature)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool, len(fs.Tasks))
	for id, tr := range fs.Tasks {
		if tr.Status == string(graph.StatusComplete) {
			completed[id] = true
		}
	}

	for _, t := range w.Graph.GetTasksForLevel(fs.CurrentLevel) {
		tr := fs.Tasks[t.ID]
		switch tr.Status {
		case "", string(graph.StatusPending), string(graph.StatusReady):
		default:
			continue
		}
		if !w.Graph.AreDependenciesComplete(t.ID, completed) {
			continue
		}

		ok, err := w.State.ClaimTask(w.Feature, t.ID, w.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
		// Lost the race to another worker; try the next candidate.
	}
	return nil, nil
}

// executeTask runs spec.md §4.5 step 3 in full: mark running, invoke the
// agent, commit any produced changes, verify, and report complete or
// failed.
func (w *Worker) executeTask(ctx context.Context, t *graph.Task) error {
	start := time.Now()
	w.setPhase("running", t.ID)
	if err := w.setWorkerCurrentTask(t.ID, "running"); err != nil {
		return w.reportFailed(t.ID, err)
	}

	_, agentErr := w.Agent.Execute(ctx, t, w.WorktreeDir, w.Env)

	dirty, err := w.Git.HasChanges(ctx, w.WorktreeDir)
	if err != nil {
		return w.reportFailed(t.ID, err)
	}
	if dirty {
		msg := fmt.Sprintf("%s: %s", t.ID, t.Title)
		if err := w.Git.Commit(ctx, w.WorktreeDir, msg, true, false); err != nil {
			return w.reportFailed(t.ID, err)
		}
	}

	if agentErr != nil {
		return w.reportFailed(t.ID, agentErr)
	}

	var spec *verify.Spec
	if t.Verification != nil {
		spec = &verify.Spec{Command: t.Verification.Command, TimeoutSeconds: t.Verification.TimeoutSeconds}
	}
	result := w.Verify.VerifyTask(ctx, t.ID, spec, w.WorktreeDir, w.Env)
	if !result.Success {
		return w.reportFailed(t.ID, errs.TaskVerificationFailed(result.Command, result.ExitCode, result.Stdout, result.Stderr))
	}

	return w.reportComplete(t.ID, time.Since(start).Milliseconds())
}

func (w *Worker) setWorkerCurrentTask(taskID, status string) error {
	fs, err := w.State.Load(w.Feature)
	if err != nil {
		return err
	}
	ws := fs.Workers[fmt.Sprint(w.ID)]
	ws.WorkerID = w.ID
	ws.Status = status
	ws.CurrentTask = &taskID
	ws.HealthCheckAt = time.Now().UTC().Format(time.RFC3339)
	return w.State.SetWorkerState(w.Feature, ws)
}

// reportComplete sets the task complete, clears current_task, increments
// tasks_completed, and records duration (spec.md §4.5 step 3.e).
func (w *Worker) reportComplete(taskID string, durationMs int64) error {
	if err := w.State.SetTaskStatus(w.Feature, taskID, string(graph.StatusComplete), nil); err != nil {
		return err
	}
	if err := w.State.RecordTaskDuration(w.Feature, taskID, durationMs); err != nil {
		return err
	}
	fs, err := w.State.Load(w.Feature)
	if err != nil {
		return err
	}
	ws := fs.Workers[fmt.Sprint(w.ID)]
	ws.WorkerID = w.ID
	ws.Status = "idle"
	ws.CurrentTask = nil
	ws.TasksComplete++
	if err := w.State.SetWorkerState(w.Feature, ws); err != nil {
		return err
	}
	w.setPhase("idle", "")
	_ = w.State.AppendLog(w.Feature, "task_complete", map[string]any{"task_id": taskID, "worker_id": w.ID, "duration_ms": durationMs})
	return nil
}

// reportFailed sets the task failed with the error text, clears
// current_task, and leaves the worktree's diff in place for inspection
// (spec.md §4.5 step 3.f). It always returns a non-nil error so callers
// can distinguish "task failed" from "task completed."
func (w *Worker) reportFailed(taskID string, cause error) error {
	_ = w.State.SetTaskStatus(w.Feature, taskID, string(graph.StatusFailed), cause)
	fs, err := w.State.Load(w.Feature)
	if err == nil {
		ws := fs.Workers[fmt.Sprint(w.ID)]
		ws.WorkerID = w.ID
		ws.Status = "idle"
		ws.CurrentTask = nil
		_ = w.State.SetWorkerState(w.Feature, ws)
	}
	w.setPhase("idle", "")
	_ = w.State.AppendLog(w.Feature, "task_failed", map[string]any{"task_id": taskID, "worker_id": w.ID, "error": cause.Error()})
	return cause
}

// markCrashed sets WorkerState.status=crashed on an unhandled loop
// exception (spec.md §4.5 step 5).
func (w *Worker) markCrashed(cause error) {
	fs, err := w.State.Load(w.Feature)
	if err != nil {
		return
	}
	ws := fs.Workers[fmt.Sprint(w.ID)]
	ws.WorkerID = w.ID
	ws.Status = "crashed"
	_ = w.State.SetWorkerState(w.Feature, ws)
	_ = w.State.AppendLog(w.Feature, "worker_crashed", map[string]any{"worker_id": w.ID, "error": cause.Error()})
}
