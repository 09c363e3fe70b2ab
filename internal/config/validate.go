package config

import (
	"fmt"
	"strings"
)

// Validate aggregates every configuration violation into one error instead
// of failing on the first, matching the teacher validator's "report
// everything wrong at once" behavior.
func (c Config) Validate() error {
	var errs []string

	if c.Orchestrator.WorkerCount <= 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.worker_count must be positive, got: %d", c.Orchestrator.WorkerCount))
	}
	if c.Orchestrator.PollIntervalSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.poll_interval_seconds must be positive, got: %d", c.Orchestrator.PollIntervalSeconds))
	}
	if c.Orchestrator.PortRangeStart <= 0 || c.Orchestrator.PortRangeEnd <= 0 {
		errs = append(errs, "orchestrator.port_range_start/end must be positive")
	}
	if c.Orchestrator.PortRangeEnd < c.Orchestrator.PortRangeStart {
		errs = append(errs, "orchestrator.port_range_end must not be before port_range_start")
	}
	if c.Orchestrator.PreflightMinDiskGB < 0 {
		errs = append(errs, "orchestrator.preflight_min_disk_gb must not be negative")
	}

	switch c.Launcher.Mode {
	case "subprocess", "docker", "kubernetes":
	default:
		errs = append(errs, fmt.Sprintf("launcher.mode must be one of subprocess|docker|kubernetes, got: %q", c.Launcher.Mode))
	}
	if c.Launcher.Mode == "docker" && c.Launcher.DockerImage == "" {
		errs = append(errs, "launcher.docker_image is required when launcher.mode is docker")
	}
	if c.Launcher.Mode == "kubernetes" && c.Launcher.KubernetesNamespace == "" {
		errs = append(errs, "launcher.kubernetes_namespace is required when launcher.mode is kubernetes")
	}

	if c.Thresholds.DesignEscalationTasks <= 0 {
		errs = append(errs, fmt.Sprintf("thresholds.design_escalation_tasks must be positive, got: %d", c.Thresholds.DesignEscalationTasks))
	}
	if c.Thresholds.StallSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("thresholds.stall_seconds must be positive, got: %d", c.Thresholds.StallSeconds))
	}
	if c.Thresholds.BreakerFailures <= 0 {
		errs = append(errs, fmt.Sprintf("thresholds.breaker_failures must be positive, got: %d", c.Thresholds.BreakerFailures))
	}
	if c.Thresholds.TaskRetryLimit < 0 {
		errs = append(errs, "thresholds.task_retry_limit must not be negative")
	}

	if c.Notify.Enabled && c.Notify.Channel == "" {
		errs = append(errs, "notify.channel is required when notify.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}
