package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/foundryco/taskforge/internal/docker"
	"github.com/foundryco/taskforge/internal/gitops"
)

// CheckResult is the outcome of a single pre-flight check.
type CheckResult struct {
	Name     string
	Passed   bool
	Message  string
	Severity string // error | warning
}

// Report aggregates all pre-flight check results.
type Report struct {
	Checks []CheckResult
}

// Passed reports whether every error-severity check passed; warnings never
// block a run.
func (r Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed && c.Severity == "error" {
			return false
		}
	}
	return true
}

func (r Report) Errors() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if !c.Passed && c.Severity == "error" {
			out = append(out, c)
		}
	}
	return out
}

func (r Report) Warnings() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if !c.Passed && c.Severity == "warning" {
			out = append(out, c)
		}
	}
	return out
}

func (r Report) String() string {
	out := ""
	for i, c := range r.Checks {
		symbol := "FAIL"
		if c.Passed {
			symbol = "PASS"
		}
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("[%s] %s: %s", symbol, c.Name, c.Message)
	}
	return out
}

// Checker runs environment readiness checks ahead of a run (spec.md §4.13
// "Pre-flight checks").
type Checker struct {
	Mode           string // container | local | auto
	WorkerCount    int
	RepoPath       string
	PortRangeStart int
	PortRangeEnd   int
	MinDiskGB      float64
	DockerImage    string

	dockerFactory func() (dockerChecker, error)
	gitClient     *gitops.Client
}

// dockerChecker is the subset of internal/docker.Client pre-flight needs,
// narrowed so tests can substitute a fake without a live daemon.
type dockerChecker interface {
	CheckDaemon(ctx context.Context) error
	CheckImage(ctx context.Context, imageRef string) (bool, error)
	Close() error
}

// NewChecker builds a Checker with the given repo path and worker count,
// defaulting the rest to the teacher's pre-flight defaults.
func NewChecker(mode string, workerCount int, repoPath string) *Checker {
	if mode == "" {
		mode = "auto"
	}
	if workerCount <= 0 {
		workerCount = 5
	}
	return &Checker{
		Mode:           mode,
		WorkerCount:    workerCount,
		RepoPath:       repoPath,
		PortRangeStart: 7860,
		PortRangeEnd:   7960,
		MinDiskGB:      1.0,
		DockerImage:    "taskforge-worker:latest",
		dockerFactory: func() (dockerChecker, error) {
			return docker.NewClient()
		},
		gitClient: gitops.NewClient(),
	}
}

// RunAll runs every applicable check and returns the aggregate report.
func (c *Checker) RunAll(ctx context.Context) Report {
	var report Report

	report.Checks = append(report.Checks, c.checkDiskSpace())
	report.Checks = append(report.Checks, c.checkGitRepo())

	if c.Mode == "container" || c.Mode == "auto" {
		report.Checks = append(report.Checks, c.checkDockerAvailable(ctx))
		report.Checks = append(report.Checks, c.checkDockerImage(ctx))
		report.Checks = append(report.Checks, c.checkAuth())
	}

	report.Checks = append(report.Checks, c.checkPorts())
	report.Checks = append(report.Checks, c.checkWorktreeFeasibility(ctx))

	return report
}

func (c *Checker) checkDockerAvailable(ctx context.Context) CheckResult {
	cli, err := c.dockerFactory()
	if err != nil {
		return CheckResult{Name: "Docker daemon", Passed: false, Message: "Docker CLI not found on PATH", Severity: "error"}
	}
	defer cli.Close()

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cli.CheckDaemon(checkCtx); err != nil {
		return CheckResult{Name: "Docker daemon", Passed: false, Message: "Docker daemon not responding", Severity: "error"}
	}
	return CheckResult{Name: "Docker daemon", Passed: true, Message: "Docker is running", Severity: "error"}
}

func (c *Checker) checkDockerImage(ctx context.Context) CheckResult {
	cli, err := c.dockerFactory()
	if err != nil {
		return CheckResult{Name: "Docker image", Passed: false, Message: "Could not inspect Docker image", Severity: "error"}
	}
	defer cli.Close()

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	found, err := cli.CheckImage(checkCtx, c.DockerImage)
	if err != nil {
		return CheckResult{Name: "Docker image", Passed: false, Message: "Could not inspect Docker image", Severity: "error"}
	}
	if found {
		return CheckResult{Name: "Docker image", Passed: true, Message: fmt.Sprintf("Image %q found", c.DockerImage), Severity: "error"}
	}
	return CheckResult{Name: "Docker image", Passed: false, Message: fmt.Sprintf("Image %q not found locally", c.DockerImage), Severity: "error"}
}

// checkAuth verifies a worker credential is available: ANTHROPIC_API_KEY or
// an OAuth credentials directory.
func (c *Checker) checkAuth() CheckResult {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return CheckResult{Name: "Authentication", Passed: true, Message: "ANTHROPIC_API_KEY is set", Severity: "error"}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		if info, statErr := os.Stat(filepath.Join(home, ".claude")); statErr == nil && info.IsDir() {
			return CheckResult{Name: "Authentication", Passed: true, Message: "~/.claude directory found (OAuth)", Severity: "error"}
		}
	}
	return CheckResult{Name: "Authentication", Passed: false, Message: "No ANTHROPIC_API_KEY and no ~/.claude directory", Severity: "error"}
}

// checkPorts probes the configured port range for enough free listeners to
// cover every worker.
func (c *Checker) checkPorts() CheckResult {
	needed := c.WorkerCount
	available := 0

	for port := c.PortRangeStart; port < c.PortRangeEnd && available < needed; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		available++
	}

	if available >= needed {
		return CheckResult{Name: "Port availability", Passed: true, Message: fmt.Sprintf("%d ports available (need %d)", available, needed), Severity: "error"}
	}
	return CheckResult{
		Name:     "Port availability",
		Passed:   false,
		Message:  fmt.Sprintf("Only %d/%d ports available in range %d-%d", available, needed, c.PortRangeStart, c.PortRangeEnd),
		Severity: "error",
	}
}

func (c *Checker) checkWorktreeFeasibility(ctx context.Context) CheckResult {
	gitDir := filepath.Join(c.RepoPath, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		return CheckResult{Name: "Git worktree", Passed: false, Message: "Not a git repository", Severity: "warning"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.gitClient.WorktreeList(checkCtx, c.RepoPath); err != nil {
		return CheckResult{Name: "Git worktree", Passed: false, Message: "Could not verify git worktree support", Severity: "warning"}
	}
	return CheckResult{Name: "Git worktree", Passed: true, Message: fmt.Sprintf("Git worktree supported (%d workers)", c.WorkerCount), Severity: "error"}
}

func (c *Checker) checkDiskSpace() CheckResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.RepoPath, &stat); err != nil {
		return CheckResult{Name: "Disk space", Passed: false, Message: fmt.Sprintf("Could not check disk space: %v", err), Severity: "error"}
	}
	freeGB := float64(stat.Bavail) * float64(stat.Bsize) / (1024 * 1024 * 1024)
	if freeGB >= c.MinDiskGB {
		return CheckResult{Name: "Disk space", Passed: true, Message: fmt.Sprintf("%.1f GB free", freeGB), Severity: "error"}
	}
	return CheckResult{
		Name:     "Disk space",
		Passed:   false,
		Message:  fmt.Sprintf("%.1f GB free (need %.1f GB)", freeGB, c.MinDiskGB),
		Severity: "error",
	}
}

func (c *Checker) checkGitRepo() CheckResult {
	if _, err := os.Stat(filepath.Join(c.RepoPath, ".git")); err == nil {
		return CheckResult{Name: "Git repository", Passed: true, Message: "Git repository detected", Severity: "error"}
	}
	return CheckResult{Name: "Git repository", Passed: false, Message: "No .git directory found", Severity: "error"}
}
