// Package verify runs a task's verification command and categorizes the
// result (spec.md §4.8).
package verify

import (
	"context"
	"time"

	"github.com/foundryco/taskforge/internal/cmdexec"
	"github.com/foundryco/taskforge/internal/errs"
)

// Spec is the verification configuration carried by a task.
type Spec struct {
	Command        string
	TimeoutSeconds int
}

// Result is one verification (or retry attempt) outcome.
type Result struct {
	TaskID     string
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	Command    string
	Timestamp  time.Time
}

const defaultTimeoutSeconds = 30

// Executor runs verification commands through the shared command executor.
type Executor struct {
	Cmd        *cmdexec.Executor
	MaxTimeout int
}

// NewExecutor builds an Executor capped at maxTimeoutSeconds (0 means no cap
// beyond the per-task timeout).
func NewExecutor(cmd *cmdexec.Executor, maxTimeoutSeconds int) *Executor {
	return &Executor{Cmd: cmd, MaxTimeout: maxTimeoutSeconds}
}

// VerifyTask runs a task's verification command. A task with no
// verification spec auto-passes.
func (e *Executor) VerifyTask(ctx context.Context, taskID string, spec *Spec, cwd string, env []string) Result {
	if spec == nil || spec.Command == "" {
		return Result{TaskID: taskID, Success: true, Timestamp: time.Now()}
	}

	timeout := spec.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}
	if e.MaxTimeout > 0 && timeout > e.MaxTimeout {
		timeout = e.MaxTimeout
	}

	res, err := e.Cmd.Run(ctx, spec.Command, cwd, time.Duration(timeout)*time.Second, env)
	if err != nil {
		return Result{
			TaskID:    taskID,
			Success:   false,
			Stderr:    err.Error(),
			Command:   spec.Command,
			Timestamp: time.Now(),
		}
	}
	return Result{
		TaskID:     taskID,
		Success:    res.Success,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMs: res.DurationMs,
		Command:    spec.Command,
		Timestamp:  time.Now(),
	}
}

// VerifyWithRetry re-executes the verification command on failure. Every
// attempt is recorded; the returned slice's last element is the final
// attempt and determines overall success.
func (e *Executor) VerifyWithRetry(ctx context.Context, taskID string, spec *Spec, cwd string, env []string, maxRetries int, retryDelay time.Duration) []Result {
	var attempts []Result
	for i := 0; i <= maxRetries; i++ {
		res := e.VerifyTask(ctx, taskID, spec, cwd, env)
		attempts = append(attempts, res)
		if res.Success || i == maxRetries {
			break
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return attempts
		}
	}
	return attempts
}

// CheckResult maps a Result to a typed error when raiseOnFailure is set and
// the verification did not pass.
func CheckResult(r Result, raiseOnFailure bool) error {
	if r.Success || !raiseOnFailure {
		return nil
	}
	return errs.TaskVerificationFailed(r.Command, r.ExitCode, r.Stdout, r.Stderr)
}

// Tier identifies one stage of a three-tier verification run.
type Tier string

const (
	TierSyntax      Tier = "syntax"
	TierCorrectness Tier = "correctness"
	TierQuality     Tier = "quality"
)

// TierSpec pairs a tier with its command.
type TierSpec struct {
	Tier    Tier
	Command string
	Timeout int
}

// TierResult carries the outcome of one tier.
type TierResult struct {
	Tier   Tier
	Result Result
}

// TiersOutcome is the aggregate outcome of a RunTiers run.
type TiersOutcome struct {
	OverallPass    bool
	OverallQuality bool
	Results        []TierResult
}

// RunTiers runs up to three tier commands. Syntax and correctness are
// blocking (a failure aborts further tiers and sets OverallPass false);
// quality is advisory only and never flips OverallPass. If no tier
// commands are configured but the task carries a conventional
// verification spec, that command runs as the correctness tier.
func (e *Executor) RunTiers(ctx context.Context, taskID string, tiers []TierSpec, fallback *Spec, cwd string, env []string) TiersOutcome {
	if len(tiers) == 0 && fallback != nil && fallback.Command != "" {
		tiers = []TierSpec{{Tier: TierCorrectness, Command: fallback.Command, Timeout: fallback.TimeoutSeconds}}
	}

	out := TiersOutcome{OverallPass: true, OverallQuality: true}
	for _, t := range tiers {
		res := e.VerifyTask(ctx, taskID, &Spec{Command: t.Command, TimeoutSeconds: t.Timeout}, cwd, env)
		out.Results = append(out.Results, TierResult{Tier: t.Tier, Result: res})

		if t.Tier == TierQuality {
			out.OverallQuality = out.OverallQuality && res.Success
			continue
		}

		if !res.Success {
			out.OverallPass = false
			break
		}
	}
	return out
}
