package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryco/taskforge/internal/cmdexec"
	"github.com/foundryco/taskforge/internal/gitops"
	"github.com/foundryco/taskforge/internal/graph"
	"github.com/foundryco/taskforge/internal/heartbeat"
	"github.com/foundryco/taskforge/internal/state"
	"github.com/foundryco/taskforge/internal/verify"
)

func initRepo(t *testing.T) string {
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

// writingAgent simulates a coding agent that writes a file into the
// worktree for the task it is given.
type writingAgent struct {
	fail bool
}

func (a *writingAgent) Execute(ctx context.Context, task *graph.Task, worktreeDir string, env []string) (AgentOutput, error) {
	if a.fail {
		return AgentOutput{ExitCode: 1}, assert.AnError
	}
	path := filepath.Join(worktreeDir, task.ID+".txt")
	if err := os.WriteFile(path, []byte("done"), 0o644); err != nil {
		return AgentOutput{}, err
	}
	return AgentOutput{ExitCode: 0}, nil
}

func newTestWorker(t *testing.T, id int, tasks []graph.Task, agent AgentRunner) (*Worker, *state.Store, string) {
	t.Helper()
	dir := initRepo(t)
	g, err := graph.FromTasks("feat", tasks, nil, nil)
	require.NoError(t, err)

	stateDir := t.TempDir()
	st, err := state.NewStore(stateDir)
	require.NoError(t, err)

	w := New(id, "feat", "taskforge/feat/worker-0", dir, nil,
		g, st, gitops.NewClient(), verify.NewExecutor(cmdexec.New(nil), 0),
		heartbeat.NewMonitor(stateDir), agent)
	return w, st, dir
}

func TestRun_ClaimsAndCompletesSingleTask(t *testing.T) {
	tasks := []graph.Task{{ID: "T1", Title: "first", Level: 1, EstimateMinutes: 5}}
	w, st, dir := newTestWorker(t, 0, tasks, &writingAgent{})

	code := w.Run(context.Background())
	assert.Equal(t, ExitClean, code)
	assert.FileExists(t, filepath.Join(dir, "T1.txt"))

	fs, err := st.Load("feat")
	require.NoError(t, err)
	assert.Equal(t, "complete", fs.Tasks["T1"].Status)
	assert.Equal(t, 1, fs.Workers["0"].TasksComplete)
	assert.Nil(t, fs.Workers["0"].CurrentTask)
}

func TestRun_NoReadyTaskExitsClean(t *testing.T) {
	w, _, _ := newTestWorker(t, 0, nil, &writingAgent{})
	code := w.Run(context.Background())
	assert.Equal(t, ExitClean, code)
}

func TestRun_DoesNotClaimTaskOutsideCurrentLevel(t *testing.T) {
	tasks := []graph.Task{{ID: "T1", Title: "first", Level: 1, EstimateMinutes: 5}}
	w, st, _ := newTestWorker(t, 0, tasks, &writingAgent{})

	fs, err := st.Load("feat")
	require.NoError(t, err)
	fs.CurrentLevel = 2
	require.NoError(t, st.Save(fs))

	code := w.Run(context.Background())
	assert.Equal(t, ExitClean, code)

	fs, err = st.Load("feat")
	require.NoError(t, err)
	assert.Empty(t, fs.Tasks["T1"].Status)
}

func TestExecuteTask_VerificationFailureReportsFailed(t *testing.T) {
	tasks := []graph.Task{{
		ID: "T1", Title: "first", Level: 1, EstimateMinutes: 5,
		Verification: &graph.Verification{Command: "false", TimeoutSeconds: 5},
	}}
	w, st, _ := newTestWorker(t, 0, tasks, &writingAgent{})

	task, err := w.claimNextTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)

	err = w.executeTask(context.Background(), task)
	require.Error(t, err)

	fs, err := st.Load("feat")
	require.NoError(t, err)
	assert.Equal(t, "failed", fs.Tasks["T1"].Status)
	assert.NotEmpty(t, fs.Tasks["T1"].Error)
}

func TestExecuteTask_AgentFailureReportsFailed(t *testing.T) {
	tasks := []graph.Task{{ID: "T1", Title: "first", Level: 1, EstimateMinutes: 5}}
	w, st, _ := newTestWorker(t, 0, tasks, &writingAgent{fail: true})

	task, err := w.claimNextTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)

	err = w.executeTask(context.Background(), task)
	require.Error(t, err)

	fs, err := st.Load("feat")
	require.NoError(t, err)
	assert.Equal(t, "failed", fs.Tasks["T1"].Status)
}

func TestClaimNextTask_ClaimsEachTaskOnce(t *testing.T) {
	tasks := []graph.Task{
		{ID: "T1", Title: "first", Level: 1, EstimateMinutes: 5},
		{ID: "T2", Title: "second", Level: 1, EstimateMinutes: 5, Dependencies: nil},
	}
	w, _, _ := newTestWorker(t, 0, tasks, &writingAgent{})

	task, err := w.claimNextTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Contains(t, []string{"T1", "T2"}, task.ID)

	second, err := w.claimNextTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, task.ID, second.ID)

	third, err := w.claimNextTask(context.Background())
	require.NoError(t, err)
	assert.Nil(t, third)
}
