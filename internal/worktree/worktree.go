// Package worktree gives each worker a private, branch-backed working copy
// of the repository, layered on top of internal/gitops.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/foundryco/taskforge/internal/errs"
	"github.com/foundryco/taskforge/internal/gitops"
)

// Info describes one worker's worktree.
type Info struct {
	Path   string
	Branch string
}

// Manager creates, lists, and removes worker worktrees for a repository.
type Manager struct {
	git         *gitops.Client
	repoDir     string
	worktreeRoot string
	prefix      string

	mu    sync.Mutex
	known map[string]Info // path -> Info
}

// NewManager creates a Manager. repoDir is the main repository clone;
// worktreeRoot is where per-feature/per-worker worktrees are created under
// (typically <repo>/.worktrees); prefix is the branch-naming prefix
// (spec.md §6.6).
func NewManager(git *gitops.Client, repoDir, worktreeRoot, prefix string) *Manager {
	return &Manager{
		git:          git,
		repoDir:      repoDir,
		worktreeRoot: worktreeRoot,
		prefix:       prefix,
		known:        make(map[string]Info),
	}
}

func (m *Manager) branchName(feature string, workerID int) string {
	return fmt.Sprintf("%s/%s/worker-%d", m.prefix, feature, workerID)
}

func (m *Manager) path(feature string, workerID int) string {
	return filepath.Join(m.worktreeRoot, feature, fmt.Sprintf("worker-%d", workerID))
}

// Create creates (or recreates) a worktree for workerID at its conventional
// path, forcibly removing any existing directory there first per spec.md
// §4.3.
func (m *Manager) Create(ctx context.Context, feature string, workerID int, baseBranch string) (Info, error) {
	branch := m.branchName(feature, workerID)
	path := m.path(feature, workerID)

	if _, err := os.Stat(path); err == nil {
		if delErr := m.Delete(ctx, path, true); delErr != nil {
			return Info{}, errs.Worktree(fmt.Sprintf("remove stale worktree at %s", path), delErr)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Info{}, errs.Worktree("create worktree parent directory", err)
	}

	if err := m.git.WorktreeAdd(ctx, m.repoDir, path, branch, baseBranch); err != nil {
		return Info{}, errs.Worktree(fmt.Sprintf("add worktree for worker %d", workerID), err)
	}

	info := Info{Path: path, Branch: branch}
	m.mu.Lock()
	m.known[path] = info
	m.mu.Unlock()
	return info, nil
}

// Delete removes a worktree. force bypasses the dirty-tree guard. On
// conventional removal failure it falls back to prune + filesystem-
// recursive remove, per spec.md §4.3's documented edge case.
func (m *Manager) Delete(ctx context.Context, path string, force bool) error {
	err := m.git.WorktreeRemove(ctx, m.repoDir, path, force)
	if err != nil {
		_ = m.git.WorktreePrune(ctx, m.repoDir)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return errs.Worktree(fmt.Sprintf("remove worktree dir %s after git-level removal failed", path), rmErr)
		}
	}

	m.mu.Lock()
	delete(m.known, path)
	m.mu.Unlock()
	return nil
}

// DeleteAll removes every worktree under the feature's directory and
// cleans up the (now empty) feature directory.
func (m *Manager) DeleteAll(ctx context.Context, feature string) error {
	featureDir := filepath.Join(m.worktreeRoot, feature)
	entries, err := os.ReadDir(featureDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Worktree(fmt.Sprintf("list worktrees under %s", featureDir), err)
	}
	for _, entry := range entries {
		path := filepath.Join(featureDir, entry.Name())
		if delErr := m.Delete(ctx, path, true); delErr != nil {
			return delErr
		}
	}
	return os.Remove(featureDir)
}

// ListWorktrees returns every worktree git currently tracks for the
// repository, as path -> branch.
func (m *Manager) ListWorktrees(ctx context.Context) (map[string]string, error) {
	return m.git.WorktreeList(ctx, m.repoDir)
}

// Exists reports whether path exists on disk as a directory. It does not
// consult git's worktree registry or the Manager's known paths.
func (m *Manager) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// GetWorktree returns the cached Info for a path, if known.
func (m *Manager) GetWorktree(path string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.known[path]
	return info, ok
}

// SyncWithBase fetches and rebases a worktree's branch onto baseBranch.
func (m *Manager) SyncWithBase(ctx context.Context, path, baseBranch string) error {
	if err := m.git.Fetch(ctx, path, "origin", baseBranch); err != nil {
		return errs.Worktree("fetch base branch into worktree", err)
	}
	if err := m.git.Rebase(ctx, path, baseBranch); err != nil {
		return err
	}
	return nil
}

// Prune removes registry entries whose backing directory is missing,
// handling the "parent repository's worktree registry entry orphaned"
// edge case spec.md §4.3 names.
func (m *Manager) Prune(ctx context.Context) error {
	return m.git.WorktreePrune(ctx, m.repoDir)
}
