// Command worker is the thin entry point spec.md §6.4 names: it parses
// exactly the four worker flags and the scheduler-supplied environment,
// wires internal/worker's claim/execute/verify/report loop, and exits with
// the protocol's code (§6.5). No business logic lives here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foundryco/taskforge/internal/cmdexec"
	"github.com/foundryco/taskforge/internal/gitops"
	"github.com/foundryco/taskforge/internal/graph"
	"github.com/foundryco/taskforge/internal/heartbeat"
	"github.com/foundryco/taskforge/internal/state"
	"github.com/foundryco/taskforge/internal/telemetry"
	"github.com/foundryco/taskforge/internal/verify"
	"github.com/foundryco/taskforge/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var workerID int
	var feature, worktreeDir, branch string

	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Runs one worker's claim/execute/verify/report loop against a feature's task graph.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().IntVar(&workerID, "worker-id", -1, "this worker's numeric id")
	cmd.Flags().StringVar(&feature, "feature", "", "feature name")
	cmd.Flags().StringVar(&worktreeDir, "worktree", "", "absolute path to this worker's git worktree")
	cmd.Flags().StringVar(&branch, "branch", "", "this worker's git branch")
	_ = cmd.MarkFlagRequired("worker-id")
	_ = cmd.MarkFlagRequired("feature")
	_ = cmd.MarkFlagRequired("worktree")
	_ = cmd.MarkFlagRequired("branch")

	exitCode := worker.ExitCrashed
	cmd.RunE = func(c *cobra.Command, args []string) error {
		exitCode = runWorker(workerID, feature, worktreeDir, branch)
		return nil
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return worker.ExitCrashed
	}
	return exitCode
}

func runWorker(workerID int, feature, worktreeDir, branch string) int {
	telemetry.InitLogger(os.Getenv("TASKFORGE_DEBUG") != "", os.Getenv("TASKFORGE_LOG_FILE"))

	stateDir := envOrDefault("TASKFORGE_STATE_DIR", ".taskforge/state")
	specPath := os.Getenv("TASKFORGE_SPEC_PATH")

	g, err := graph.Load(specPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load task graph: %v\n", err)
		return worker.ExitCrashed
	}

	st, err := state.NewStore(stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open state store: %v\n", err)
		return worker.ExitCrashed
	}

	hb := heartbeat.NewMonitor(stateDir)
	git := gitops.NewClient()
	cmdExec := cmdexec.New(nil)
	ver := verify.NewExecutor(cmdExec, 0)
	agent := worker.NewClaudeCodeRunner(cmdExec, os.Getenv("TASKFORGE_AGENT_BINARY"), 0)

	env := os.Environ()
	w := worker.New(workerID, feature, branch, worktreeDir, env, g, st, git, ver, hb, agent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return w.Run(ctx)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
