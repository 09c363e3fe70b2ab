// Package preflight assesses a task graph and execution environment before
// a run starts: risk scoring, environment checks, and dry-run simulation
// (spec.md §4.13).
package preflight

import (
	"fmt"
	"sort"

	"github.com/foundryco/taskforge/internal/graph"
)

// gradeThresholds maps a letter grade to its inclusive upper bound; any
// score above the C threshold grades D.
var gradeThresholds = []struct {
	grade     string
	threshold float64
}{
	{"A", 0.25},
	{"B", 0.50},
	{"C", 0.75},
}

// TaskRisk is the risk assessment for a single task.
type TaskRisk struct {
	TaskID         string
	Score          float64
	Factors        []string
	OnCriticalPath bool
}

// RiskReport is the aggregate risk assessment for a task graph.
type RiskReport struct {
	TaskRisks    []TaskRisk
	CriticalPath []string
	OverallScore float64
	Grade        string
	RiskFactors  []string
}

// HighRiskTasks returns tasks scoring 0.7 or above.
func (r RiskReport) HighRiskTasks() []TaskRisk {
	var out []TaskRisk
	for _, t := range r.TaskRisks {
		if t.Score >= 0.7 {
			out = append(out, t)
		}
	}
	return out
}

// RiskScorer computes risk for a loaded task graph.
type RiskScorer struct {
	Graph       *graph.Graph
	WorkerCount int
}

// NewRiskScorer builds a scorer. workerCount <= 0 defaults to 1 to avoid a
// division by zero in the task-density factor.
func NewRiskScorer(g *graph.Graph, workerCount int) *RiskScorer {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &RiskScorer{Graph: g, WorkerCount: workerCount}
}

// Score computes the full risk report for the scorer's graph.
func (s *RiskScorer) Score() RiskReport {
	var report RiskReport

	tasks := s.Graph.GetAllTasks()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	criticalPath := s.Graph.GetCriticalPath()
	onPath := make(map[string]bool, len(criticalPath))
	for _, id := range criticalPath {
		onPath[id] = true
	}
	report.CriticalPath = criticalPath

	for _, t := range tasks {
		risk := s.scoreTask(t)
		risk.OnCriticalPath = onPath[t.ID]
		report.TaskRisks = append(report.TaskRisks, risk)
	}

	report.RiskFactors = s.identifyRiskFactors(tasks)

	if len(report.TaskRisks) > 0 {
		var totalWeight, weightedSum float64
		for _, tr := range report.TaskRisks {
			weight := 1.0
			if tr.OnCriticalPath {
				weight = 2.0
			}
			weightedSum += tr.Score * weight
			totalWeight += weight
		}
		if totalWeight > 0 {
			report.OverallScore = weightedSum / totalWeight
		}
	}

	if n := len(report.RiskFactors); n > 0 {
		report.OverallScore = min1(report.OverallScore + float64(n)*0.05)
	}

	report.Grade = computeGrade(report.OverallScore)
	return report
}

func (s *RiskScorer) scoreTask(t *graph.Task) TaskRisk {
	var score float64
	var factors []string

	fileCount := len(t.Files.Create) + len(t.Files.Modify)
	switch {
	case fileCount > 5:
		score += 0.2
		factors = append(factors, fmt.Sprintf("High file count (%d)", fileCount))
	case fileCount > 3:
		score += 0.1
		factors = append(factors, fmt.Sprintf("Moderate file count (%d)", fileCount))
	}

	if t.Verification == nil || t.Verification.Command == "" {
		score += 0.25
		factors = append(factors, "No verification command")
	}

	depDepth := s.dependencyDepth(t.ID, make(map[string]bool))
	switch {
	case depDepth > 3:
		score += 0.15
		factors = append(factors, fmt.Sprintf("Deep dependency chain (%d)", depDepth))
	case depDepth > 1:
		score += 0.05
	}

	estimate := t.EstimateMinutes
	if estimate == 0 {
		estimate = 15
	}
	switch {
	case estimate > 30:
		score += 0.15
		factors = append(factors, fmt.Sprintf("Long estimate (%dm)", estimate))
	case estimate > 20:
		score += 0.05
	}

	if len(t.Dependencies) > 3 {
		score += 0.1
		factors = append(factors, fmt.Sprintf("Many dependencies (%d)", len(t.Dependencies)))
	}

	return TaskRisk{TaskID: t.ID, Score: min1(score), Factors: factors}
}

// dependencyDepth finds the longest dependency chain under task id, with
// cycle protection via visited (a cycle can't occur in a validated graph,
// but the scorer stays defensive since it may run against an unvalidated
// draft graph during a dry run).
func (s *RiskScorer) dependencyDepth(id string, visited map[string]bool) int {
	if visited[id] {
		return 0
	}
	visited[id] = true

	t, ok := s.Graph.GetTask(id)
	if !ok || len(t.Dependencies) == 0 {
		return 0
	}

	best := 0
	for _, dep := range t.Dependencies {
		branch := make(map[string]bool, len(visited))
		for k := range visited {
			branch[k] = true
		}
		if d := 1 + s.dependencyDepth(dep, branch); d > best {
			best = d
		}
	}
	return best
}

func (s *RiskScorer) identifyRiskFactors(tasks []*graph.Task) []string {
	var factors []string

	levelFiles := make(map[int]map[string]bool)
	for _, t := range tasks {
		if levelFiles[t.Level] == nil {
			levelFiles[t.Level] = make(map[string]bool)
		}
		for _, f := range t.Files.Modify {
			levelFiles[t.Level][f] = true
		}
	}
	var levels []int
	for l := range levelFiles {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	for i, l1 := range levels {
		for _, l2 := range levels[i+1:] {
			var overlap []string
			for f := range levelFiles[l1] {
				if levelFiles[l2][f] {
					overlap = append(overlap, f)
				}
			}
			if len(overlap) > 0 {
				sort.Strings(overlap)
				factors = append(factors, fmt.Sprintf("Files modified in both L%d and L%d: %s", l1, l2, joinComma(overlap)))
			}
		}
	}

	noVerify := 0
	for _, t := range tasks {
		if t.Verification == nil || t.Verification.Command == "" {
			noVerify++
		}
	}
	if noVerify > 0 {
		factors = append(factors, fmt.Sprintf("%d task(s) missing verification commands", noVerify))
	}

	tasksPerWorker := float64(len(tasks)) / float64(s.WorkerCount)
	if tasksPerWorker > 5 {
		factors = append(factors, fmt.Sprintf("High task density: %.1f tasks/worker", tasksPerWorker))
	}

	levelCounts := make(map[int]int)
	for _, t := range tasks {
		levelCounts[t.Level]++
	}
	if len(levelCounts) > 0 {
		maxTasks, minTasks := 0, -1
		for _, c := range levelCounts {
			if c > maxTasks {
				maxTasks = c
			}
			if minTasks == -1 || c < minTasks {
				minTasks = c
			}
		}
		if minTasks > 0 && maxTasks > 3*minTasks {
			factors = append(factors, fmt.Sprintf("Unbalanced levels: %d-%d tasks per level", minTasks, maxTasks))
		}
	}

	return factors
}

func computeGrade(score float64) string {
	for _, g := range gradeThresholds {
		if score <= g.threshold {
			return g.grade
		}
	}
	return "D"
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}

func joinComma(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ", "
		}
		out += it
	}
	return out
}
