package diagnostic

import (
	"fmt"
	"strings"
)

// DesignEscalationTaskThreshold is the default count of same-level failed
// tasks that triggers a design-escalation recommendation (spec.md §4.12,
// configurable via Thresholds.DesignEscalationTasks).
const DesignEscalationTaskThreshold = 3

// architecturalKeywords flags fix text that implies a redesign rather than
// a mechanical recovery step.
var architecturalKeywords = []string{
	"refactor", "redesign", "new component", "restructure",
	"rearchitect", "split module", "extract service", "new abstraction", "rewrite",
}

// RecoveryStep is a single recovery action.
type RecoveryStep struct {
	Description string
	Command     string
	Risk        string // safe | moderate | destructive
	Reversible  bool
}

// RecoveryPlan is a complete recovery plan with steps and design-escalation
// guidance.
type RecoveryPlan struct {
	Problem              string
	RootCause            string
	Steps                []RecoveryStep
	VerificationCommand   string
	Prevention            string
	NeedsDesign           bool
	DesignReason          string
}

// recoveryTemplates holds the ordered step templates per classification,
// with `{feature}`/`{worker_id}`/`{port}` placeholders substituted by Plan.
var recoveryTemplates = map[string][]RecoveryStep{
	"worker_crash": {
		{Description: "Clean up stale worktrees", Command: "git worktree prune", Risk: "safe", Reversible: true},
		{Description: "Reset failed task states to pending", Command: "taskforge debug --auto-fix", Risk: "moderate", Reversible: true},
		{Description: "Resume the orchestrator", Command: "taskforge run --resume --feature {feature}", Risk: "safe", Reversible: true},
	},
	"state_corruption": {
		{Description: "Restore state from backup", Command: "cp .taskforge/state/{feature}.json.bak .taskforge/state/{feature}.json", Risk: "moderate", Reversible: true},
		{Description: "Validate restored state", Command: "taskforge status --feature {feature}", Risk: "safe", Reversible: true},
	},
	"git_conflict": {
		{Description: "Abort any in-progress merge", Command: "git merge --abort", Risk: "moderate", Reversible: true},
		{Description: "Prune worktrees", Command: "git worktree prune", Risk: "safe", Reversible: true},
	},
	"port_conflict": {
		{Description: "List processes on the conflicting port", Command: "lsof -i :{port}", Risk: "safe", Reversible: true},
	},
	"disk_space": {
		{Description: "Clean up worktrees", Command: "git worktree prune && rm -rf .taskforge/worktrees/*/", Risk: "moderate", Reversible: false},
		{Description: "Clean container artifacts", Command: "docker system prune -f", Risk: "moderate", Reversible: false},
	},
	"import_error": {
		{Description: "Resolve missing dependencies", Command: "go mod tidy", Risk: "safe", Reversible: true},
	},
	"task_failure": {
		{Description: "Review failed task logs", Command: "taskforge logs --worker {worker_id}", Risk: "safe", Reversible: true},
		{Description: "Retry failed tasks", Command: "taskforge retry --feature {feature}", Risk: "safe", Reversible: true},
	},
}

var verificationCommands = map[string]string{
	"state_corruption": "taskforge status --feature {feature}",
	"worker_crash":      "taskforge status",
	"git_conflict":      "git status",
	"port_conflict":     "taskforge status --ports",
	"disk_space":        "df -h .",
	"import_error":      "go build ./...",
	"task_failure":      "taskforge status",
}

var preventionAdvice = map[string]string{
	"state_corruption": "Enable state file backups and validate JSON after writes",
	"worker_crash":      "Monitor worker heartbeats and set appropriate stall thresholds",
	"git_conflict":      "Enforce strict file ownership in the task graph",
	"port_conflict":     "Use a unique port range per feature",
	"disk_space":        "Clean up worktrees after each run",
	"import_error":      "Pin dependency versions and run go mod tidy in CI",
	"task_failure":      "Add retry logic and sharpen verification commands",
}

// RecoveryPlanner classifies diagnosed failures and builds recovery plans.
type RecoveryPlanner struct {
	DesignEscalationTasks int
}

// NewRecoveryPlanner builds a planner. threshold <= 0 uses the default.
func NewRecoveryPlanner(threshold int) *RecoveryPlanner {
	if threshold <= 0 {
		threshold = DesignEscalationTaskThreshold
	}
	return &RecoveryPlanner{DesignEscalationTasks: threshold}
}

// Plan generates a recovery plan from a diagnostic result and optional
// health report (spec.md §4.12 "Recovery planner").
func (p *RecoveryPlanner) Plan(result DiagnosticResult, health *HealthReport) RecoveryPlan {
	category := p.classify(result, health)
	feature := ""
	if health != nil {
		feature = health.Feature
	}

	plan := RecoveryPlan{
		Problem:             result.Symptom,
		RootCause:           result.RootCause,
		Steps:               p.steps(category, health),
		VerificationCommand: substitute(verificationCommands[category], feature, "", ""),
		Prevention:          preventionAdvice[category],
	}
	if plan.VerificationCommand == "" {
		plan.VerificationCommand = "taskforge status"
	}
	if plan.Prevention == "" {
		plan.Prevention = "Review logs and improve error handling"
	}

	plan.NeedsDesign, plan.DesignReason = p.checkDesignEscalation(category, result, health)
	return plan
}

func (p *RecoveryPlanner) classify(result DiagnosticResult, health *HealthReport) string {
	combined := strings.ToLower(result.Symptom + " " + result.RootCause)
	if health != nil && health.GlobalError != "" {
		combined += " " + strings.ToLower(health.GlobalError)
	}

	switch {
	case strings.Contains(combined, "corrupt") || strings.Contains(combined, "json"):
		return "state_corruption"
	case strings.Contains(combined, "worker") && (strings.Contains(combined, "crash") || strings.Contains(combined, "fail")):
		return "worker_crash"
	case strings.Contains(combined, "port") && strings.Contains(combined, "conflict"):
		return "port_conflict"
	case strings.Contains(combined, "address already in use"):
		return "port_conflict"
	case strings.Contains(combined, "merge") || strings.Contains(combined, "git conflict"):
		return "git_conflict"
	case strings.Contains(combined, "conflict"):
		return "git_conflict"
	case strings.Contains(combined, "disk") || strings.Contains(combined, "no space"):
		return "disk_space"
	case strings.Contains(combined, "importerror") || strings.Contains(combined, "modulenotfounderror"):
		return "import_error"
	case strings.Contains(combined, "missing module") || strings.Contains(combined, "no module"):
		return "import_error"
	default:
		return "task_failure"
	}
}

func (p *RecoveryPlanner) steps(category string, health *HealthReport) []RecoveryStep {
	template, ok := recoveryTemplates[category]
	if !ok {
		template = recoveryTemplates["task_failure"]
	}

	feature := "unknown"
	workerID := ""
	if health != nil {
		if health.Feature != "" {
			feature = health.Feature
		}
		if len(health.FailedTasks) > 0 {
			workerID = fmt.Sprint(health.FailedTasks[0].WorkerID)
		}
	}

	steps := make([]RecoveryStep, len(template))
	for i, tmpl := range template {
		steps[i] = RecoveryStep{
			Description: tmpl.Description,
			Command:     substitute(tmpl.Command, feature, workerID, ""),
			Risk:        tmpl.Risk,
			Reversible:  tmpl.Reversible,
		}
	}
	return steps
}

// substitute fills `{feature}`/`{worker_id}`/`{port}` placeholders,
// shell-quoting each value so a malicious feature/worker name cannot break
// out of the command.
func substitute(command, feature, workerID, port string) string {
	if command == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{feature}", shellQuote(feature),
		"{worker_id}", shellQuote(workerID),
		"{port}", shellQuote(port),
	)
	return r.Replace(command)
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// checkDesignEscalation implements spec.md §4.12's four design-escalation
// heuristics, returning the first one that matches.
func (p *RecoveryPlanner) checkDesignEscalation(category string, result DiagnosticResult, health *HealthReport) (bool, string) {
	if health != nil && len(health.FailedTasks) > 0 {
		byLevel := make(map[int]int)
		for _, t := range health.FailedTasks {
			byLevel[t.Level]++
		}
		for level, count := range byLevel {
			if count >= p.DesignEscalationTasks {
				return true, fmt.Sprintf("%d tasks failed at level %d — task graph may have a design flaw", count, level)
			}
		}
	}

	if category == "git_conflict" && health != nil {
		return true, "Git conflicts with active health data — file ownership needs redesign"
	}

	combined := strings.ToLower(result.RootCause + " " + result.Recommendation)
	for _, kw := range architecturalKeywords {
		if strings.Contains(combined, kw) {
			return true, fmt.Sprintf("Root cause/recommendation mentions %q — architectural change needed", kw)
		}
	}

	if health != nil && len(health.FailedTasks) > 0 {
		files := make(map[string]bool)
		for _, t := range health.FailedTasks {
			for _, f := range t.OwnedFiles {
				files[f] = true
			}
		}
		if len(files) >= 3 {
			return true, fmt.Sprintf("Failures span %d files — wide blast radius needs coordinated design", len(files))
		}
	}

	return false, ""
}
