package diagnostic

import (
	"context"
	"time"

	"github.com/foundryco/taskforge/internal/cmdexec"
)

// autoTestTimeout bounds a hypothesis auto-test command, mirroring the
// teacher's fixed subprocess timeouts for short diagnostic commands.
const autoTestTimeout = 30 * time.Second

// ExecutorTester adapts internal/cmdexec.Executor to the CommandTester
// interface AutoTest needs, so the scoring logic above never imports the
// process-execution package directly.
type ExecutorTester struct {
	Executor *cmdexec.Executor
}

// NewExecutorTester builds a CommandTester backed by a cmdexec.Executor.
func NewExecutorTester(e *cmdexec.Executor) *ExecutorTester {
	return &ExecutorTester{Executor: e}
}

func (t *ExecutorTester) Validate(command string) (bool, string) {
	return t.Executor.Validate(command)
}

func (t *ExecutorTester) Run(command, dir string) (bool, error) {
	res, err := t.Executor.Run(context.Background(), command, dir, autoTestTimeout, nil)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}
