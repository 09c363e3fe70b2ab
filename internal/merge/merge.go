// Package merge owns the per-level integration flow: staging branch,
// pre/post-merge quality gates, sequential branch merges, and finalize onto
// the target branch (spec.md §4.10).
package merge

import (
	"context"
	"fmt"

	"github.com/foundryco/taskforge/internal/errs"
	"github.com/foundryco/taskforge/internal/gate"
	"github.com/foundryco/taskforge/internal/gitops"
)

// Status is a single branch's merge outcome within a flow.
type Status string

const (
	StatusMerged   Status = "MERGED"
	StatusConflict Status = "CONFLICT"
	StatusSkipped  Status = "SKIPPED"
)

// Result is one branch's merge outcome.
type Result struct {
	Branch   string
	Status   Status
	CommitSHA string
}

// FlowResult is the outcome of a full_merge_flow run.
type FlowResult struct {
	Success        bool
	Level          int
	SourceBranches []string
	TargetBranch   string
	MergeCommit    string
	Error          string
	Conflicts      []string
	BranchResults  []Result
}

// Coordinator drives the per-level merge flow for a feature.
type Coordinator struct {
	Git        *gitops.Client
	Gates      *gate.Runner
	RepoDir    string
	Prefix     string
	Feature    string
	PreGates   []gate.Gate
	PostGates  []gate.Gate
}

// NewCoordinator builds a Coordinator for one feature's repository.
func NewCoordinator(git *gitops.Client, gates *gate.Runner, repoDir, prefix, feature string, preGates, postGates []gate.Gate) *Coordinator {
	return &Coordinator{
		Git: git, Gates: gates, RepoDir: repoDir, Prefix: prefix, Feature: feature,
		PreGates: preGates, PostGates: postGates,
	}
}

// PrepareMerge creates a fresh staging branch from targetBranch, returning
// its name.
func (c *Coordinator) PrepareMerge(ctx context.Context, targetBranch string) (string, error) {
	return c.Git.CreateStagingBranch(ctx, c.RepoDir, c.Prefix, c.Feature, targetBranch)
}

// RunPreMergeGates runs the configured pre-merge gates in the repo root.
func (c *Coordinator) RunPreMergeGates(ctx context.Context) (bool, []gate.RunResult) {
	if c.Gates == nil || len(c.PreGates) == 0 {
		return true, nil
	}
	return c.Gates.RunAll(ctx, c.PreGates, c.RepoDir, nil, true, true)
}

// RunPostMergeGates runs the configured post-merge gates in the repo root.
func (c *Coordinator) RunPostMergeGates(ctx context.Context) (bool, []gate.RunResult) {
	if c.Gates == nil || len(c.PostGates) == 0 {
		return true, nil
	}
	return c.Gates.RunAll(ctx, c.PostGates, c.RepoDir, nil, true, true)
}

// ExecuteMerge checks out staging and merges each source branch in order,
// no-ff, stopping at the first conflict.
func (c *Coordinator) ExecuteMerge(ctx context.Context, sourceBranches []string, staging string) ([]Result, error) {
	if err := c.Git.Checkout(ctx, c.RepoDir, staging); err != nil {
		return nil, errs.Orchestrator("checkout staging branch", err)
	}

	var results []Result
	for _, branch := range sourceBranches {
		sha, err := c.Git.Merge(ctx, c.RepoDir, branch, fmt.Sprintf("merge %s into %s", branch, staging))
		if err != nil {
			if mergeErr, ok := errs.As(err); ok && mergeErr.Kind == errs.KindMergeConflict {
				results = append(results, Result{Branch: branch, Status: StatusConflict})
				return results, err
			}
			return results, err
		}
		results = append(results, Result{Branch: branch, Status: StatusMerged, CommitSHA: sha})
	}
	return results, nil
}

// Finalize checks out targetBranch and merges staging into it, returning
// the new commit. If originalBranch is non-empty and differs from
// targetBranch, it is restored after finalize.
func (c *Coordinator) Finalize(ctx context.Context, staging, targetBranch, originalBranch string) (string, error) {
	if err := c.Git.Checkout(ctx, c.RepoDir, targetBranch); err != nil {
		return "", errs.Orchestrator("checkout target branch for finalize", err)
	}
	sha, err := c.Git.Merge(ctx, c.RepoDir, staging, fmt.Sprintf("integrate %s into %s", staging, targetBranch))
	if err != nil {
		return "", err
	}
	if originalBranch != "" && originalBranch != targetBranch {
		_ = c.Git.Checkout(ctx, c.RepoDir, originalBranch)
	}
	return sha, nil
}

// Abort deletes the staging branch if present. Idempotent.
func (c *Coordinator) Abort(ctx context.Context, staging string) error {
	if staging == "" {
		return nil
	}
	if !c.Git.BranchExists(ctx, c.RepoDir, staging) {
		return nil
	}
	return c.Git.DeleteBranch(ctx, c.RepoDir, staging, true)
}

// CleanupFeatureBranches deletes all worker and staging branches for the
// feature, intended to run after a successful final-level integration.
func (c *Coordinator) CleanupFeatureBranches(ctx context.Context) (int, error) {
	return c.Git.DeleteFeatureBranches(ctx, c.RepoDir, c.Prefix, c.Feature)
}

// FullMergeFlow runs the entire per-level integration algorithm of
// spec.md §4.10.
func (c *Coordinator) FullMergeFlow(ctx context.Context, level int, workerBranches []string, targetBranch string) FlowResult {
	if targetBranch == "" {
		targetBranch = "main"
	}
	base := FlowResult{Level: level, SourceBranches: workerBranches, TargetBranch: targetBranch}

	if len(workerBranches) == 0 {
		base.Success = true
		return base
	}

	originalBranch, _ := c.Git.CurrentBranch(ctx, c.RepoDir)
	restoreBranch := originalBranch
	if restoreBranch == "" {
		restoreBranch = targetBranch
	}

	staging, err := c.PrepareMerge(ctx, targetBranch)
	if err != nil {
		base.Error = err.Error()
		return base
	}

	passed, _ := c.RunPreMergeGates(ctx)
	if !passed {
		base.Error = "Pre-merge gates failed"
		_ = c.Abort(ctx, staging)
		return base
	}

	results, mergeErr := c.ExecuteMerge(ctx, workerBranches, staging)
	base.BranchResults = results
	if mergeErr != nil {
		if conflictErr, ok := errs.As(mergeErr); ok && conflictErr.Kind == errs.KindMergeConflict {
			base.Conflicts = conflictErr.ConflictingFiles
			base.Error = fmt.Sprintf("merge conflict: %v", conflictErr.ConflictingFiles)
		} else {
			base.Error = mergeErr.Error()
		}
		_ = c.Git.AbortMerge(ctx, c.RepoDir)
		_ = c.Git.Checkout(ctx, c.RepoDir, restoreBranch)
		_ = c.Abort(ctx, staging)
		return base
	}

	passed, _ = c.RunPostMergeGates(ctx)
	if !passed {
		base.Error = "Post-merge gates failed"
		_ = c.Git.Checkout(ctx, c.RepoDir, restoreBranch)
		_ = c.Abort(ctx, staging)
		return base
	}

	commit, err := c.Finalize(ctx, staging, targetBranch, originalBranch)
	if err != nil {
		base.Error = err.Error()
		return base
	}

	base.Success = true
	base.MergeCommit = commit
	return base
}
