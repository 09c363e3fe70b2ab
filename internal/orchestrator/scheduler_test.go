package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryco/taskforge/internal/gitops"
	"github.com/foundryco/taskforge/internal/graph"
	"github.com/foundryco/taskforge/internal/heartbeat"
	"github.com/foundryco/taskforge/internal/launcher"
	"github.com/foundryco/taskforge/internal/merge"
	"github.com/foundryco/taskforge/internal/state"
	"github.com/foundryco/taskforge/internal/worktree"
)

func initSchedRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.invalid",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.invalid")
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func runGitIn(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.invalid",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.invalid")
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v in %s: %s", args, dir, out)
}

// fakeLauncher is a minimal launcher.Launcher stub: spawns never start a
// real process, just record a Handle in memory, with the outcome and
// reported status fully controlled by the test.
type fakeLauncher struct {
	mu          sync.Mutex
	handles     map[int]*launcher.Handle
	spawnFails  bool
	monitorFunc func(workerID int) launcher.WorkerStatus
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{handles: make(map[int]*launcher.Handle)}
}

func (f *fakeLauncher) Spawn(ctx context.Context, req launcher.SpawnRequest) launcher.SpawnResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnFails {
		return launcher.SpawnResult{Success: false, Error: "spawn refused"}
	}
	h := &launcher.Handle{WorkerID: req.WorkerID, PID: 1000 + req.WorkerID, Status: launcher.StatusRunning, StartedAt: time.Now()}
	f.handles[req.WorkerID] = h
	return launcher.SpawnResult{Success: true, Handle: h}
}

func (f *fakeLauncher) SpawnWithRetry(ctx context.Context, req launcher.SpawnRequest, policy launcher.RetryPolicy) launcher.SpawnResult {
	return f.Spawn(ctx, req)
}

func (f *fakeLauncher) Monitor(ctx context.Context, workerID int) launcher.WorkerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.monitorFunc != nil {
		return f.monitorFunc(workerID)
	}
	if h, ok := f.handles[workerID]; ok {
		return h.Status
	}
	return launcher.StatusStopped
}

func (f *fakeLauncher) Terminate(ctx context.Context, workerID int, force bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.handles[workerID]; ok {
		h.Status = launcher.StatusStopped
	}
	return true
}

func (f *fakeLauncher) GetOutput(ctx context.Context, workerID int, tail int) string { return "" }

func (f *fakeLauncher) GetHandle(workerID int) (*launcher.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[workerID]
	return h, ok
}

func (f *fakeLauncher) GetAllWorkers() []*launcher.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*launcher.Handle, 0, len(f.handles))
	for _, h := range f.handles {
		out = append(out, h)
	}
	return out
}

func (f *fakeLauncher) TerminateAll(ctx context.Context, force bool) bool { return true }

func (f *fakeLauncher) SyncState(ctx context.Context) map[int]launcher.WorkerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]launcher.WorkerStatus, len(f.handles))
	for id, h := range f.handles {
		out[id] = h.Status
	}
	return out
}

func newTestScheduler(t *testing.T, dir string, fl *fakeLauncher, tasks []graph.Task, levels map[string]graph.Level) (*Scheduler, *state.Store) {
	t.Helper()
	g, err := graph.FromTasks("feat", tasks, levels, nil)
	require.NoError(t, err)

	st, err := state.NewStore(filepath.Join(dir, "state"))
	require.NoError(t, err)

	gitClient := gitops.NewClient()
	wt := worktree.NewManager(gitClient, dir, filepath.Join(dir, ".worktrees"), "taskforge")
	mc := merge.NewCoordinator(gitClient, nil, dir, "taskforge", "feat", nil, nil)
	hb := heartbeat.NewMonitor(filepath.Join(dir, "heartbeats"))

	cfg := Config{WorkerCount: 1, TargetBranch: "main", PollInterval: 5 * time.Millisecond}
	return New("feat", cfg, g, st, fl, wt, mc, hb), st
}

func TestScheduler_RunLevelCompletesAndMerges(t *testing.T) {
	dir := initSchedRepo(t)
	fl := newFakeLauncher()
	tasks := []graph.Task{{ID: "T1", Level: 0, EstimateMinutes: 5}}
	levels := map[string]graph.Level{"0": {Name: "L0", Tasks: []string{"T1"}}}
	s, st := newTestScheduler(t, dir, fl, tasks, levels)
	ctx := context.Background()

	require.NoError(t, s.markLevelTasksReady(s.Graph.GetTasksForLevel(0)))
	require.NoError(t, s.ensureWorkerAlive(ctx, 0))

	worktreePath := filepath.Join(dir, ".worktrees", "feat", "worker-0")
	branch := "taskforge/feat/worker-0"
	require.NoError(t, os.WriteFile(filepath.Join(worktreePath, "T1.txt"), []byte("done"), 0o644))
	runGitIn(t, worktreePath, "add", ".")
	runGitIn(t, worktreePath, "commit", "-m", "complete T1")

	ok, err := st.ClaimTask("feat", "T1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.SetTaskStatus("feat", "T1", "complete", nil))
	require.NoError(t, st.SetWorkerState("feat", state.WorkerState{WorkerID: 0, Status: "idle", Branch: branch}))

	done, stuck, err := s.levelStatus(0)
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, stuck)

	require.NoError(t, s.pollUntilLevelTerminal(ctx, 0))
	require.NoError(t, s.mergeLevel(ctx, 0))

	fs, err := st.Load("feat")
	require.NoError(t, err)
	assert.Equal(t, 1, fs.CurrentLevel)
	assert.Equal(t, "merged", fs.Levels["0"].MergeStatus)

	out, err := exec.Command("git", "-C", dir, "log", "--oneline", "main").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "integrate")
}

func TestScheduler_StuckWhenNoAliveWorkers(t *testing.T) {
	dir := initSchedRepo(t)
	fl := newFakeLauncher()
	fl.spawnFails = true
	tasks := []graph.Task{{ID: "T1", Level: 0, EstimateMinutes: 5}}
	levels := map[string]graph.Level{"0": {Name: "L0", Tasks: []string{"T1"}}}
	s, _ := newTestScheduler(t, dir, fl, tasks, levels)
	ctx := context.Background()

	err := s.runLevel(ctx, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
}

func TestScheduler_MergeLevelFailsWhenTaskFailed(t *testing.T) {
	dir := initSchedRepo(t)
	fl := newFakeLauncher()
	tasks := []graph.Task{{ID: "T1", Level: 0, EstimateMinutes: 5}}
	levels := map[string]graph.Level{"0": {Name: "L0", Tasks: []string{"T1"}}}
	s, st := newTestScheduler(t, dir, fl, tasks, levels)
	ctx := context.Background()

	require.NoError(t, s.markLevelTasksReady(s.Graph.GetTasksForLevel(0)))
	require.NoError(t, st.SetTaskStatus("feat", "T1", "failed", assert.AnError))

	err := s.mergeLevel(ctx, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed tasks")

	fs, err := st.Load("feat")
	require.NoError(t, err)
	assert.Equal(t, "failed", fs.Levels["0"].MergeStatus)
}
