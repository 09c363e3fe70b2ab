// Package gate runs quality gates via the shared command executor and
// categorizes their outcomes (spec.md §4.9).
package gate

import (
	"context"
	"time"

	"github.com/foundryco/taskforge/internal/cmdexec"
)

// Category is a gate run's outcome bucket.
type Category string

const (
	Pass    Category = "PASS"
	Fail    Category = "FAIL"
	Timeout Category = "TIMEOUT"
	Err     Category = "ERROR"
	Skip    Category = "SKIP"
)

const defaultTimeoutSeconds = 300

// Gate describes one quality check.
type Gate struct {
	Name               string
	Command            string
	Required           bool
	TimeoutSeconds     int
	CoverageThreshold  float64
}

// RunResult is the outcome of running one Gate.
type RunResult struct {
	Gate       Gate
	Category   Category
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
}

// Runner executes gates through the shared command executor.
type Runner struct {
	Cmd        *cmdexec.Executor
	MaxTimeout int
}

// NewRunner builds a Runner capped at maxTimeoutSeconds (0 means the
// per-gate timeout, or the package default, is used unmodified).
func NewRunner(cmd *cmdexec.Executor, maxTimeoutSeconds int) *Runner {
	return &Runner{Cmd: cmd, MaxTimeout: maxTimeoutSeconds}
}

// RunGate runs g's command and categorizes the result.
func (r *Runner) RunGate(ctx context.Context, g Gate, cwd string, env []string) RunResult {
	if g.Command == "" {
		return RunResult{Gate: g, Category: Err}
	}

	timeout := g.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}
	if r.MaxTimeout > 0 && timeout > r.MaxTimeout {
		timeout = r.MaxTimeout
	}

	if _, err := cmdexec.Tokenize(g.Command); err != nil {
		return RunResult{Gate: g, Category: Err}
	}

	res, err := r.Cmd.Run(ctx, g.Command, cwd, time.Duration(timeout)*time.Second, env)
	if err != nil {
		return RunResult{Gate: g, Category: Err, Stderr: err.Error()}
	}

	result := RunResult{
		Gate:       g,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMs: res.DurationMs,
	}
	switch {
	case res.TimedOut:
		result.Category = Timeout
	case res.Success:
		result.Category = Pass
	default:
		result.Category = Fail
	}
	return result
}

// RunAll iterates gates in declared order. After a required gate fails,
// stopOnFailure records every later required gate as Skip without running
// it; non-required gates still run. requiredOnly skips
// non-required gates entirely. allPassed is true only if every required
// gate (run or not) passed.
func (r *Runner) RunAll(ctx context.Context, gates []Gate, cwd string, env []string, stopOnFailure, requiredOnly bool) (bool, []RunResult) {
	allPassed := true
	var results []RunResult

	for _, g := range gates {
		if requiredOnly && !g.Required {
			continue
		}
		if !allPassed && g.Required && stopOnFailure {
			results = append(results, RunResult{Gate: g, Category: Skip})
			continue
		}

		res := r.RunGate(ctx, g, cwd, env)
		results = append(results, res)

		if g.Required && res.Category != Pass {
			allPassed = false
			if stopOnFailure {
				continue
			}
		}
	}
	return allPassed, results
}

// Summary tallies run results per category.
type Summary struct {
	Pass, Fail, Timeout, Error, Skip int
}

// Summarize counts outcomes by category.
func Summarize(results []RunResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Category {
		case Pass:
			s.Pass++
		case Fail:
			s.Fail++
		case Timeout:
			s.Timeout++
		case Err:
			s.Error++
		case Skip:
			s.Skip++
		}
	}
	return s
}
