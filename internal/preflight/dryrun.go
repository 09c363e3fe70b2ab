package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/foundryco/taskforge/internal/cmdexec"
	"github.com/foundryco/taskforge/internal/gate"
	"github.com/foundryco/taskforge/internal/graph"
	"github.com/foundryco/taskforge/internal/orchestrator"
)

// LevelTimeline is the simulated wall-clock estimate for one level.
type LevelTimeline struct {
	Level       int
	TaskCount   int
	WallMinutes int
	WorkerLoads map[int]int
}

// TimelineEstimate is the overall simulated timeline across every level.
type TimelineEstimate struct {
	TotalSequentialMinutes    int
	EstimatedWallMinutes      int
	CriticalPathMinutes       int
	ParallelizationEfficiency float64
	PerLevel                  map[int]LevelTimeline
}

// GateCheckResult is a dry-run's view of a single quality gate: either a
// recorded outcome (RunGates true) or a not-run placeholder.
type GateCheckResult struct {
	Name       string
	Command    string
	Required   bool
	Status     string // passed | failed | error | not_run
	DurationMs int64
}

// DryRunReport is the complete simulation output (spec.md §4.13 "Dry-run").
type DryRunReport struct {
	Feature               string
	Workers               int
	Mode                  string
	LevelIssues           []string
	ResourceIssues        []string
	MissingVerifications  []string
	Timeline              TimelineEstimate
	GateResults           []GateCheckResult
	WorkerLoads           map[int][]string
	Preflight             Report
	Risk                  RiskReport
}

// HasErrors reports whether the dry run found any blocking problem.
func (r DryRunReport) HasErrors() bool {
	if len(r.LevelIssues) > 0 || len(r.ResourceIssues) > 0 {
		return true
	}
	for _, g := range r.GateResults {
		if g.Required && g.Status == "failed" {
			return true
		}
	}
	return !r.Preflight.Passed()
}

// HasWarnings reports whether the dry run found any non-blocking concern.
func (r DryRunReport) HasWarnings() bool {
	if len(r.MissingVerifications) > 0 {
		return true
	}
	for _, g := range r.GateResults {
		if !g.Required && g.Status == "failed" {
			return true
		}
	}
	if len(r.Preflight.Warnings()) > 0 {
		return true
	}
	return r.Risk.Grade == "C" || r.Risk.Grade == "D"
}

// Simulator runs a full pipeline simulation without executing any task
// (spec.md §4.13 "Dry-run simulation").
type Simulator struct {
	Graph       *graph.Graph
	Workers     int
	Feature     string
	Mode        string
	RepoPath    string
	RunGates    bool
	Gates       []gate.Gate
	GateRunner  *gate.Runner
}

// NewSimulator builds a Simulator over an already-loaded graph.
func NewSimulator(g *graph.Graph, feature string, workers int, mode, repoPath string) *Simulator {
	if mode == "" {
		mode = "auto"
	}
	return &Simulator{Graph: g, Workers: workers, Feature: feature, Mode: mode, RepoPath: repoPath}
}

// Run executes every dry-run check and returns the aggregate report.
func (s *Simulator) Run(ctx context.Context) DryRunReport {
	report := DryRunReport{Feature: s.Feature, Workers: s.Workers, Mode: s.Mode}

	checker := NewChecker(s.Mode, s.Workers, s.RepoPath)
	report.Preflight = checker.RunAll(ctx)

	report.LevelIssues = s.validateLevelStructure()
	report.ResourceIssues = resourceIssues(s.RepoPath)
	report.MissingVerifications = s.checkMissingVerifications()

	scorer := NewRiskScorer(s.Graph, s.Workers)
	report.Risk = scorer.Score()

	tasks := s.Graph.GetAllTasks()
	assignments := orchestrator.AssignTasks(tasks, s.Workers)
	report.WorkerLoads = workloadSummary(assignments)
	report.Timeline = s.computeTimeline(tasks, assignments, report.Risk)

	report.GateResults = s.checkQualityGates(ctx)

	return report
}

func (s *Simulator) validateLevelStructure() []string {
	var issues []string
	tasks := s.Graph.GetAllTasks()
	if len(tasks) == 0 {
		return []string{"No tasks defined in task graph"}
	}

	seen := make(map[int]bool)
	for _, t := range tasks {
		seen[t.Level] = true
	}
	var levels []int
	for l := range seen {
		levels = append(levels, l)
	}
	sort.Ints(levels)

	var missing []int
	for l := levels[0]; l <= levels[len(levels)-1]; l++ {
		if !seen[l] {
			missing = append(missing, l)
		}
	}
	if len(missing) > 0 {
		issues = append(issues, fmt.Sprintf("Gap in level numbering: missing levels %v", missing))
	}
	return issues
}

func (s *Simulator) checkMissingVerifications() []string {
	var warnings []string
	for _, t := range s.Graph.GetAllTasks() {
		if t.Verification == nil || t.Verification.Command == "" {
			warnings = append(warnings, fmt.Sprintf("Task %s has no verification command", t.ID))
		}
	}
	return warnings
}

func workloadSummary(assignments map[int][]*graph.Task) map[int][]string {
	summary := make(map[int][]string, len(assignments))
	for workerID, tasks := range assignments {
		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		summary[workerID] = ids
	}
	return summary
}

func (s *Simulator) computeTimeline(tasks []*graph.Task, assignments map[int][]*graph.Task, risk RiskReport) TimelineEstimate {
	taskWorker := make(map[string]int, len(tasks))
	for workerID, ts := range assignments {
		for _, t := range ts {
			taskWorker[t.ID] = workerID
		}
	}

	levelTasks := make(map[int][]*graph.Task)
	totalSequential := 0
	for _, t := range tasks {
		levelTasks[t.Level] = append(levelTasks[t.Level], t)
		totalSequential += t.EstimateMinutes
	}

	var levels []int
	for l := range levelTasks {
		levels = append(levels, l)
	}
	sort.Ints(levels)

	perLevel := make(map[int]LevelTimeline, len(levels))
	estimatedWall := 0
	for _, level := range levels {
		workerLoads := make(map[int]int)
		for _, t := range levelTasks[level] {
			if wid, ok := taskWorker[t.ID]; ok {
				workerLoads[wid] += t.EstimateMinutes
			}
		}
		wall := 0
		for _, load := range workerLoads {
			if load > wall {
				wall = load
			}
		}
		perLevel[level] = LevelTimeline{
			Level:       level,
			TaskCount:   len(levelTasks[level]),
			WallMinutes: wall,
			WorkerLoads: workerLoads,
		}
		estimatedWall += wall
	}

	criticalPathMinutes := estimatedWall
	if len(risk.CriticalPath) > 0 {
		sum := 0
		for _, id := range risk.CriticalPath {
			if t, ok := s.Graph.GetTask(id); ok {
				sum += t.EstimateMinutes
			}
		}
		criticalPathMinutes = sum
	}

	efficiency := 0.0
	if estimatedWall > 0 && s.Workers > 0 {
		efficiency = float64(totalSequential) / float64(estimatedWall*s.Workers)
		if efficiency > 1.0 {
			efficiency = 1.0
		}
	}

	return TimelineEstimate{
		TotalSequentialMinutes:    totalSequential,
		EstimatedWallMinutes:      estimatedWall,
		CriticalPathMinutes:       criticalPathMinutes,
		ParallelizationEfficiency: efficiency,
		PerLevel:                  perLevel,
	}
}

func (s *Simulator) checkQualityGates(ctx context.Context) []GateCheckResult {
	if len(s.Gates) == 0 {
		return nil
	}

	if !s.RunGates {
		results := make([]GateCheckResult, len(s.Gates))
		for i, g := range s.Gates {
			results[i] = GateCheckResult{Name: g.Name, Command: g.Command, Required: g.Required, Status: "not_run"}
		}
		return results
	}

	runner := s.GateRunner
	if runner == nil {
		runner = gate.NewRunner(cmdexec.New(nil), 0)
	}
	_, runResults := runner.RunAll(ctx, s.Gates, s.RepoPath, nil, false, false)

	results := make([]GateCheckResult, len(runResults))
	for i, rr := range runResults {
		status := "error"
		switch rr.Category {
		case gate.Pass:
			status = "passed"
		case gate.Fail:
			status = "failed"
		case gate.Timeout, gate.Err:
			status = "error"
		case gate.Skip:
			status = "not_run"
		}
		results[i] = GateCheckResult{
			Name:       rr.Gate.Name,
			Command:    rr.Gate.Command,
			Required:   rr.Gate.Required,
			Status:     status,
			DurationMs: rr.DurationMs,
		}
	}
	return results
}

// resourceIssues is a best-effort standalone check (spec.md's "_check_resources"),
// kept separate from the pre-flight report so a caller without a live
// environment (e.g. a unit test) can still exercise level/dependency
// validation.
func resourceIssues(repoPath string) []string {
	var issues []string
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
		issues = append(issues, "No .git directory found — not a git repository")
	}
	return issues
}
