package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
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

func TestCurrentBranchAndCommit(t *testing.T) {
	dir := initRepo(t)
	c := NewClient()
	ctx := context.Background()

	branch, err := c.CurrentBranch(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, "main", branch)

	sha, err := c.CurrentCommit(ctx, dir)
	require.NoError(t, err)
	require.Len(t, sha, 40)
}

func TestCreateStagingBranch_Idempotent(t *testing.T) {
	dir := initRepo(t)
	c := NewClient()
	ctx := context.Background()

	name1, err := c.CreateStagingBranch(ctx, dir, "taskforge", "feat", "main")
	require.NoError(t, err)
	name2, err := c.CreateStagingBranch(ctx, dir, "taskforge", "feat", "main")
	require.NoError(t, err)
	require.Equal(t, name1, name2)

	base, err := c.GetCommit(ctx, dir, "main")
	require.NoError(t, err)
	staged, err := c.GetCommit(ctx, dir, name1)
	require.NoError(t, err)
	require.Equal(t, base, staged)
}

func TestMerge_DetectsConflict(t *testing.T) {
	dir := initRepo(t)
	c := NewClient()
	ctx := context.Background()

	require.NoError(t, c.CheckoutNewBranch(ctx, dir, "feature-a", "main"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("feature-a"), 0o644))
	require.NoError(t, c.Commit(ctx, dir, "change a", true, false))

	require.NoError(t, c.Checkout(ctx, dir, "main"))
	require.NoError(t, c.CheckoutNewBranch(ctx, dir, "feature-b", "main"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("feature-b"), 0o644))
	require.NoError(t, c.Commit(ctx, dir, "change b", true, false))

	require.NoError(t, c.Checkout(ctx, dir, "main"))
	_, err := c.Merge(ctx, dir, "feature-a", "merge a")
	require.NoError(t, err)

	_, err = c.Merge(ctx, dir, "feature-b", "merge b")
	require.Error(t, err)

	dirty, err := c.HasChanges(ctx, dir)
	require.NoError(t, err)
	require.False(t, dirty, "merge --abort should leave a clean tree")
}

func TestDeleteFeatureBranches(t *testing.T) {
	dir := initRepo(t)
	c := NewClient()
	ctx := context.Background()

	require.NoError(t, c.CreateBranch(ctx, dir, "taskforge/feat/worker-0", "main"))
	require.NoError(t, c.CreateBranch(ctx, dir, "taskforge/feat/worker-1", "main"))
	_, err := c.CreateStagingBranch(ctx, dir, "taskforge", "feat", "main")
	require.NoError(t, err)

	count, err := c.DeleteFeatureBranches(ctx, dir, "taskforge", "feat")
	require.NoError(t, err)
	require.Equal(t, 3, count)
}
