// Package gitops is a typed, single-process-safe wrapper over the git CLI.
// Every operation invokes git with explicit argv (no shell expansion) and
// raises *errs.Error on failure. Operations are grouped the way spec.md §4.2
// groups them: Query, Mutate, Integrate, Staging, Cleanup.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/foundryco/taskforge/internal/errs"
)

// Client wraps the git CLI. It holds no state of its own; every method
// takes the working directory explicitly, matching the worktree-per-worker
// model where many Clients (or one Client used against many dirs)
// coexist.
type Client struct{}

// NewClient constructs a Client.
func NewClient() *Client { return &Client{} }

var (
	reGitHubPAT = regexp.MustCompile(`https://[^@:]+@github\.com`)
	reBasicAuth = regexp.MustCompile(`https://[^:/]+:[^@/]+@`)
)

// maskingWriter redacts credentials embedded in remote URLs before they
// reach a buffer that might end up in logs or error messages.
type maskingWriter struct{ buf *bytes.Buffer }

func (mw *maskingWriter) Write(p []byte) (int, error) {
	s := string(p)
	s = reGitHubPAT.ReplaceAllString(s, "https://[REDACTED]@github.com")
	s = reBasicAuth.ReplaceAllString(s, "https://[REDACTED]@")
	mw.buf.WriteString(s)
	return len(p), nil
}

// run executes git with the given args in dir, bounded by timeout, with
// output masked of embedded credentials. On non-zero exit it returns a
// *errs.Error of KindGit carrying the masked combined output.
func (c *Client) run(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true")

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &maskingWriter{buf: &outBuf}
	cmd.Stderr = &maskingWriter{buf: &errBuf}

	err := cmd.Run()
	combined := strings.TrimSpace(outBuf.String() + "\n" + errBuf.String())
	if err != nil {
		return combined, errs.Git(fmt.Sprintf("git %s: %s", strings.Join(args, " "), combined), err)
	}
	return combined, nil
}

// ---- Query ----

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, 10*time.Second, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentCommit returns the current HEAD commit sha.
func (c *Client) CurrentCommit(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, 10*time.Second, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasChanges reports whether the working tree is dirty.
func (c *Client) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := c.run(ctx, dir, 10*time.Second, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// BranchExists checks whether a local branch exists.
func (c *Client) BranchExists(ctx context.Context, dir, branch string) bool {
	_, err := c.run(ctx, dir, 10*time.Second, "show-ref", "--verify", "refs/heads/"+branch)
	return err == nil
}

// ListBranches lists local branches matching a glob pattern (e.g.
// "taskforge/my-feature/*").
func (c *Client) ListBranches(ctx context.Context, dir, pattern string) ([]string, error) {
	out, err := c.run(ctx, dir, 10*time.Second, "branch", "--list", pattern, "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(out), nil
}

// ListWorkerBranches lists every worker branch for a feature in git's
// refname order, which is lexical (worker-10 sorts before worker-2).
func (c *Client) ListWorkerBranches(ctx context.Context, dir, prefix, feature string) ([]string, error) {
	return c.ListBranches(ctx, dir, fmt.Sprintf("%s/%s/worker-*", prefix, feature))
}

// GetCommit returns the full sha a ref resolves to.
func (c *Client) GetCommit(ctx context.Context, dir, ref string) (string, error) {
	out, err := c.run(ctx, dir, 10*time.Second, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasConflicts reports whether the working tree currently has unresolved
// merge conflicts (unmerged index entries).
func (c *Client) HasConflicts(ctx context.Context, dir string) (bool, error) {
	files, err := c.GetConflictingFiles(ctx, dir)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// GetConflictingFiles returns the paths with unmerged index entries,
// recognized by git status --porcelain's "UU"/"AA"/"DD"/"AU"/"UA"/"UD"/"DU"
// codes.
func (c *Client) GetConflictingFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := c.run(ctx, dir, 10*time.Second, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	conflictCodes := map[string]bool{
		"UU": true, "AA": true, "DD": true,
		"AU": true, "UA": true, "UD": true, "DU": true,
	}
	var files []string
	for _, line := range splitNonEmptyLines(out) {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		if conflictCodes[code] {
			files = append(files, strings.TrimSpace(line[2:]))
		}
	}
	return files, nil
}

// ---- Mutate ----

// CreateBranch creates a branch from base without checking it out.
func (c *Client) CreateBranch(ctx context.Context, dir, name, base string) error {
	_, err := c.run(ctx, dir, 10*time.Second, "branch", name, base)
	return err
}

// DeleteBranch deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, dir, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.run(ctx, dir, 10*time.Second, "branch", flag, name)
	return err
}

// Checkout switches to an existing ref. CheckoutNewBranch creates and
// switches to a new branch (git checkout -B).
func (c *Client) Checkout(ctx context.Context, dir, ref string) error {
	_, err := c.run(ctx, dir, 30*time.Second, "checkout", ref)
	return err
}

// CheckoutNewBranch creates (or resets, if it exists) and checks out a
// branch in one step.
func (c *Client) CheckoutNewBranch(ctx context.Context, dir, branch, base string) error {
	args := []string{"checkout", "-B", branch}
	if base != "" {
		args = append(args, base)
	}
	_, err := c.run(ctx, dir, 30*time.Second, args...)
	return err
}

// Commit stages (add_all) and commits. allowEmpty permits an empty commit.
func (c *Client) Commit(ctx context.Context, dir, message string, addAll, allowEmpty bool) error {
	if addAll {
		if _, err := c.run(ctx, dir, 30*time.Second, "add", "."); err != nil {
			return err
		}
	}
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	_, err := c.run(ctx, dir, 30*time.Second, args...)
	return err
}

// Stash stashes local changes including untracked files. Returns false if
// there was nothing to stash.
func (c *Client) Stash(ctx context.Context, dir, message string) (bool, error) {
	args := []string{"stash", "push", "--include-untracked"}
	if message != "" {
		args = append(args, "-m", message)
	}
	out, err := c.run(ctx, dir, 30*time.Second, args...)
	if err != nil {
		return false, err
	}
	return !strings.Contains(out, "No local changes to save"), nil
}

// StashPop pops the most recent stash.
func (c *Client) StashPop(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, 30*time.Second, "stash", "pop")
	return err
}

// ---- Integrate ----

// Merge merges branch into the current branch with --no-ff. On conflict it
// aborts the merge and returns an errs.KindMergeConflict error carrying the
// conflicting files.
func (c *Client) Merge(ctx context.Context, dir, branch, message string) (string, error) {
	target, err := c.CurrentBranch(ctx, dir)
	if err != nil {
		return "", err
	}

	args := []string{"merge", "--no-ff", branch}
	if message != "" {
		args = append(args, "-m", message)
	}
	if _, mergeErr := c.run(ctx, dir, 5*time.Minute, args...); mergeErr != nil {
		hasConflicts, checkErr := c.HasConflicts(ctx, dir)
		if checkErr == nil && hasConflicts {
			files, _ := c.GetConflictingFiles(ctx, dir)
			_, _ = c.run(ctx, dir, 30*time.Second, "merge", "--abort")
			return "", errs.MergeConflict(branch, target, files)
		}
		return "", mergeErr
	}
	return c.CurrentCommit(ctx, dir)
}

// Rebase rebases the current branch onto another, aborting and returning a
// MergeConflict error on conflict (the symmetric case to Merge).
func (c *Client) Rebase(ctx context.Context, dir, onto string) error {
	current, err := c.CurrentBranch(ctx, dir)
	if err != nil {
		return err
	}
	if _, rebaseErr := c.run(ctx, dir, 5*time.Minute, "rebase", onto); rebaseErr != nil {
		hasConflicts, checkErr := c.HasConflicts(ctx, dir)
		if checkErr == nil && hasConflicts {
			files, _ := c.GetConflictingFiles(ctx, dir)
			_, _ = c.run(ctx, dir, 30*time.Second, "rebase", "--abort")
			return errs.MergeConflict(current, onto, files)
		}
		return rebaseErr
	}
	return nil
}

// AbortMerge aborts an in-progress merge.
func (c *Client) AbortMerge(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, 30*time.Second, "merge", "--abort")
	return err
}

// AbortRebase aborts an in-progress rebase.
func (c *Client) AbortRebase(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, 30*time.Second, "rebase", "--abort")
	return err
}

// ---- Staging ----

// CreateStagingBranch creates the feature's per-level staging branch from
// base, idempotently: if the branch already exists it is deleted first so
// the result always points at base's current head.
func (c *Client) CreateStagingBranch(ctx context.Context, dir, prefix, feature, base string) (string, error) {
	name := fmt.Sprintf("%s/%s/staging", prefix, feature)
	if c.BranchExists(ctx, dir, name) {
		if err := c.DeleteBranch(ctx, dir, name, true); err != nil {
			return "", err
		}
	}
	if err := c.CreateBranch(ctx, dir, name, base); err != nil {
		return "", err
	}
	return name, nil
}

// ---- Cleanup ----

// DeleteFeatureBranches deletes all worker and staging branches for a
// feature, returning the count deleted. Missing branches are not an error.
func (c *Client) DeleteFeatureBranches(ctx context.Context, dir, prefix, feature string) (int, error) {
	patterns := []string{
		fmt.Sprintf("%s/%s/worker-*", prefix, feature),
		fmt.Sprintf("%s/%s/staging", prefix, feature),
	}
	count := 0
	for _, pattern := range patterns {
		branches, err := c.ListBranches(ctx, dir, pattern)
		if err != nil {
			continue
		}
		for _, b := range branches {
			if err := c.DeleteBranch(ctx, dir, b, true); err == nil {
				count++
			}
		}
	}
	return count, nil
}

// ---- Worktree-adjacent helpers (shared with internal/worktree) ----

// Fetch fetches from remote for a branch ref.
func (c *Client) Fetch(ctx context.Context, dir, remote, branch string) error {
	args := []string{"fetch", remote}
	if branch != "" {
		args = append(args, branch)
	}
	_, err := c.run(ctx, dir, 5*time.Minute, args...)
	return err
}

// WorktreeAdd runs `git worktree add` for a branch at path, creating the
// branch from base if it does not exist.
func (c *Client) WorktreeAdd(ctx context.Context, repoDir, path, branch, base string) error {
	if !c.BranchExists(ctx, repoDir, branch) {
		if err := c.CreateBranch(ctx, repoDir, branch, base); err != nil {
			return err
		}
	}
	_, err := c.run(ctx, repoDir, 30*time.Second, "worktree", "add", path, branch)
	return err
}

// WorktreeRemove removes a worktree; force bypasses the dirty-tree guard.
func (c *Client) WorktreeRemove(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := c.run(ctx, repoDir, 30*time.Second, args...)
	return err
}

// WorktreePrune removes stale worktree administrative entries whose path
// no longer exists on disk.
func (c *Client) WorktreePrune(ctx context.Context, repoDir string) error {
	_, err := c.run(ctx, repoDir, 30*time.Second, "worktree", "prune")
	return err
}

// WorktreeList parses `git worktree list --porcelain` into path/branch
// pairs.
func (c *Client) WorktreeList(ctx context.Context, repoDir string) (map[string]string, error) {
	out, err := c.run(ctx, repoDir, 30*time.Second, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	result := make(map[string]string)
	var currentPath string
	for _, line := range splitNonEmptyLines(out) {
		switch {
		case strings.HasPrefix(line, "worktree "):
			currentPath = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			result[currentPath] = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	return result, nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

var _ io.Writer = (*maskingWriter)(nil)
