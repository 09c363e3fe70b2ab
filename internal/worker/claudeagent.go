package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/foundryco/taskforge/internal/cmdexec"
	"github.com/foundryco/taskforge/internal/graph"
)

// ClaudeCodeRunner is the concrete AgentRunner used in production: it
// shells out to a coding-agent CLI (by default "claude", the teacher's own
// provider per its original invoke_claude_code handler), passing the
// task's ID, title and file lists as a one-shot prompt. The agent's own reasoning and
// internals are out of scope (spec.md §1 Non-goals) — this is only the
// narrow invocation boundary.
type ClaudeCodeRunner struct {
	Cmd            *cmdexec.Executor
	Binary         string
	TimeoutSeconds int
}

// NewClaudeCodeRunner builds a ClaudeCodeRunner. binary defaults to
// "claude" if empty; timeoutSeconds defaults to 1800 (30 minutes), the
// ceiling a single task's agent invocation is allowed to run for.
func NewClaudeCodeRunner(cmd *cmdexec.Executor, binary string, timeoutSeconds int) *ClaudeCodeRunner {
	if binary == "" {
		binary = "claude"
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 1800
	}
	return &ClaudeCodeRunner{Cmd: cmd, Binary: binary, TimeoutSeconds: timeoutSeconds}
}

func (r *ClaudeCodeRunner) Execute(ctx context.Context, task *graph.Task, worktreeDir string, env []string) (AgentOutput, error) {
	prompt := buildPrompt(task)
	argv := []string{r.Binary, "--print", "--dangerously-skip-permissions", prompt}

	timeout := time.Duration(r.TimeoutSeconds) * time.Second
	result, err := r.Cmd.RunArgv(ctx, argv, worktreeDir, timeout, env)
	if err != nil {
		return AgentOutput{}, err
	}
	return AgentOutput{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode}, nil
}

// buildPrompt renders a task's ID, title and file sets into the single
// prompt string the agent CLI receives on argv.
func buildPrompt(task *graph.Task) string {
	prompt := fmt.Sprintf("Task %s: %s\n", task.ID, task.Title)
	if len(task.Files.Create) > 0 {
		prompt += fmt.Sprintf("\nFiles to create: %v\n", task.Files.Create)
	}
	if len(task.Files.Modify) > 0 {
		prompt += fmt.Sprintf("Files to modify: %v\n", task.Files.Modify)
	}
	return prompt
}
