// Package notify sends operator-facing alerts for the two events spec.md
// names as worth a human's attention: a task graph escalating to a design
// review, and a feature run reaching a terminal state. Trimmed from the
// teacher's multi-provider (Slack + Discord) event router down to a single
// Slack backend, since SPEC_FULL.md names no other channel.
package notify

import "context"

// DesignEscalation describes why a running feature needs a human to make a
// design decision before work continues (internal/diagnostic.RecoveryPlan's
// NeedsDesign/DesignReason fields feed this).
type DesignEscalation struct {
	Feature  string
	TaskID   string
	Level    int
	Category string
	Reason   string
}

// ProjectComplete summarizes a finished feature run.
type ProjectComplete struct {
	Feature         string
	Success         bool
	TotalTasks      int
	FailedTasks     int
	DurationMinutes int
	RiskGrade       string
}

// Notifier is the contract cmd/orchestrator calls into; a no-op Notifier
// (NopNotifier) satisfies it for runs with no webhook configured.
type Notifier interface {
	NotifyDesignEscalation(ctx context.Context, e DesignEscalation) error
	NotifyProjectComplete(ctx context.Context, e ProjectComplete) error
}

// NopNotifier discards every event. Used when no Slack channel is configured.
type NopNotifier struct{}

func (NopNotifier) NotifyDesignEscalation(ctx context.Context, e DesignEscalation) error { return nil }
func (NopNotifier) NotifyProjectComplete(ctx context.Context, e ProjectComplete) error    { return nil }
