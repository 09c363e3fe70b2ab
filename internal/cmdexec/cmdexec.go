// Package cmdexec is the shared, validated external-command execution path.
// Every gate, verification, and diagnostic auto-test command runs through
// here: tokenized with go-shellquote rather than a shell, checked against an
// allowlist, and bounded by a caller-supplied context timeout. No command
// string is ever handed to /bin/sh.
package cmdexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/foundryco/taskforge/internal/errs"
)

// MaxOutputBytes bounds captured stdout/stderr per invocation so a runaway
// command cannot exhaust memory.
const MaxOutputBytes = 64 * 1024

// metacharacters that are refused in any raw command string before
// tokenization, per spec.md §6.7 / §9.
var metacharacters = regexp.MustCompile("[;|&`$()<>]")

// Result is the outcome of running one command.
type Result struct {
	Command    string
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	TimedOut   bool
}

// Executor runs argv commands within an allowlist of permitted binaries.
// A nil or empty Allowlist permits any binary — used for gate/verification
// commands authored by the operator's own config, where the allowlist is
// the set of binaries configured for that purpose rather than a global
// one.
type Executor struct {
	Allowlist map[string]bool
}

// New creates an Executor. Pass the binaries (argv[0] values, not full
// paths) permitted to run; pass nil to permit any binary.
func New(allowlist []string) *Executor {
	e := &Executor{}
	if len(allowlist) > 0 {
		e.Allowlist = make(map[string]bool, len(allowlist))
		for _, bin := range allowlist {
			e.Allowlist[bin] = true
		}
	}
	return e
}

// Tokenize turns a shell-like command string into argv without invoking a
// shell, refusing strings containing shell metacharacters first.
func Tokenize(command string) ([]string, error) {
	if metacharacters.MatchString(command) {
		return nil, errs.Validation("command %q contains disallowed shell metacharacters", command)
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, errs.Validation("could not tokenize command %q: %v", command, err)
	}
	if len(argv) == 0 {
		return nil, errs.Validation("empty command")
	}
	return argv, nil
}

// Validate checks whether command would be accepted by Run, without
// running it.
func (e *Executor) Validate(command string) (bool, string) {
	argv, err := Tokenize(command)
	if err != nil {
		return false, err.Error()
	}
	if e.Allowlist != nil && !e.Allowlist[argv[0]] {
		return false, fmt.Sprintf("binary %q is not on the allowlist", argv[0])
	}
	return true, ""
}

// Run tokenizes and executes command in dir with the given timeout. It
// never returns a process exit failure as a Go error — ExitCode/Success
// communicate that; the returned error is reserved for validation failures
// and the inability to start the process at all.
func (e *Executor) Run(ctx context.Context, command, dir string, timeout time.Duration, env []string) (Result, error) {
	argv, err := Tokenize(command)
	if err != nil {
		return Result{}, err
	}
	if e.Allowlist != nil && !e.Allowlist[argv[0]] {
		return Result{}, errs.Validation("binary %q is not on the allowlist", argv[0])
	}
	return e.RunArgv(ctx, argv, dir, timeout, env)
}

// RunArgv executes a pre-tokenized argv directly, skipping the string
// tokenizer (used by callers, such as recovery-step substitution, that
// build argv programmatically rather than from a free-form string).
func (e *Executor) RunArgv(ctx context.Context, argv []string, dir string, timeout time.Duration, env []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errs.Validation("empty argv")
	}
	if e.Allowlist != nil && !e.Allowlist[argv[0]] {
		return Result{}, errs.Validation("binary %q is not on the allowlist", argv[0])
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	res := Result{
		Command:    strings.Join(argv, " "),
		Stdout:     truncate(stdout.String()),
		Stderr:     truncate(stderr.String()),
		DurationMs: duration.Milliseconds(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		res.Success = false
		return res, nil
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			res.Success = false
			return res, nil
		}
		return res, errs.Wrap(errs.KindTask, fmt.Sprintf("could not start %q", argv[0]), runErr)
	}

	res.ExitCode = 0
	res.Success = true
	return res, nil
}

func truncate(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes] + "\n...[truncated]"
}
