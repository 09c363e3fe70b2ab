package preflight

import "gopkg.in/yaml.v3"

// renderedReport is the YAML-serializable projection of a DryRunReport —
// the non-interactive analogue of the teacher's terminal panels, for
// callers that want a machine-readable summary instead of rendered text
// (spec.md's dry-run output Non-goals exclude table/markdown rendering).
type renderedReport struct {
	Feature              string               `yaml:"feature"`
	Workers              int                  `yaml:"workers"`
	Mode                 string               `yaml:"mode"`
	Passed               bool                 `yaml:"passed"`
	Grade                string               `yaml:"risk_grade"`
	OverallRiskScore     float64              `yaml:"overall_risk_score"`
	LevelIssues          []string             `yaml:"level_issues,omitempty"`
	ResourceIssues       []string             `yaml:"resource_issues,omitempty"`
	MissingVerifications []string            `yaml:"missing_verifications,omitempty"`
	Timeline             renderedTimeline     `yaml:"timeline"`
	Gates                []GateCheckResult    `yaml:"gates,omitempty"`
	PreflightChecks      []CheckResult        `yaml:"preflight_checks"`
}

type renderedTimeline struct {
	SequentialMinutes int     `yaml:"sequential_minutes"`
	EstimatedWall     int     `yaml:"estimated_wall_minutes"`
	CriticalPath      int     `yaml:"critical_path_minutes"`
	Efficiency        float64 `yaml:"parallelization_efficiency"`
}

// RenderYAML serializes a DryRunReport to a compact YAML summary.
func RenderYAML(report DryRunReport) (string, error) {
	rr := renderedReport{
		Feature:               report.Feature,
		Workers:                report.Workers,
		Mode:                   report.Mode,
		Passed:                 !report.HasErrors(),
		Grade:                  report.Risk.Grade,
		OverallRiskScore:       report.Risk.OverallScore,
		LevelIssues:            report.LevelIssues,
		ResourceIssues:         report.ResourceIssues,
		MissingVerifications:   report.MissingVerifications,
		Gates:                  report.GateResults,
		PreflightChecks:        report.Preflight.Checks,
		Timeline: renderedTimeline{
			SequentialMinutes: report.Timeline.TotalSequentialMinutes,
			EstimatedWall:     report.Timeline.EstimatedWallMinutes,
			CriticalPath:      report.Timeline.CriticalPathMinutes,
			Efficiency:        report.Timeline.ParallelizationEfficiency,
		},
	}

	out, err := yaml.Marshal(rr)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
