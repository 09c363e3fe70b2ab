// Package config loads taskforge's run configuration from a YAML file,
// environment variables, and built-in defaults, the same layered precedence
// the teacher's config package used. The flat single-namespace viper config
// is restructured here into concrete per-concern structs per spec.md §9's
// "duck-typed subconfig pluralism" redesign flag — callers depend on
// `config.LauncherConfig`/`config.MergeConfig`/etc. directly instead of
// string-keyed viper lookups scattered through the codebase.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Thresholds collects the tunable numeric cutoffs spec.md's core
// components read, gathered in one place so a single config file section
// governs every threshold instead of constants buried in each package.
type Thresholds struct {
	// DesignEscalationTasks is the number of same-level failed tasks that
	// triggers a design-review recommendation (internal/diagnostic).
	DesignEscalationTasks int `mapstructure:"design_escalation_tasks"`
	StallSeconds          int `mapstructure:"stall_seconds"`
	BreakerFailures       int `mapstructure:"breaker_failures"`
	BreakerCooldownSecs   int `mapstructure:"breaker_cooldown_seconds"`
	TaskRetryLimit        int `mapstructure:"task_retry_limit"`
	MaxRespawnAttempts    int `mapstructure:"max_respawn_attempts"`
}

// LauncherConfig parameterizes internal/launcher's choice of Backend and
// the worktree/branch layout workers are spawned into.
type LauncherConfig struct {
	// Mode selects the Backend: "subprocess", "docker", or "kubernetes".
	Mode                string `mapstructure:"mode"`
	DockerImage         string `mapstructure:"docker_image"`
	KubernetesNamespace string `mapstructure:"kubernetes_namespace"`
	WorktreeRoot        string `mapstructure:"worktree_root"`
	BranchPrefix        string `mapstructure:"branch_prefix"`
}

// MergeConfig parameterizes internal/merge.Coordinator.
type MergeConfig struct {
	TargetBranch string   `mapstructure:"target_branch"`
	PreGates     []string `mapstructure:"pre_gates"`
	PostGates    []string `mapstructure:"post_gates"`
}

// OrchestratorConfig parameterizes internal/orchestrator.Scheduler and the
// pre-flight/dry-run checks run before it starts.
type OrchestratorConfig struct {
	WorkerCount         int    `mapstructure:"worker_count"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	StateDir            string `mapstructure:"state_dir"`
	PreflightMinDiskGB  float64 `mapstructure:"preflight_min_disk_gb"`
	PortRangeStart      int    `mapstructure:"port_range_start"`
	PortRangeEnd        int    `mapstructure:"port_range_end"`
}

// NotifyConfig parameterizes internal/notify.SlackNotifier. The bot token
// is read from SLACK_BOT_USER_TOKEN, never from the config file, so a
// checked-in config.yaml can't leak it.
type NotifyConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Channel   string `mapstructure:"channel"`
	BotToken  string `mapstructure:"-"`
}

// Config is the root configuration object a taskforge run is built from.
type Config struct {
	RepoPath     string              `mapstructure:"repo_path"`
	GitUserName  string              `mapstructure:"git_user_name"`
	GitUserEmail string              `mapstructure:"git_user_email"`
	LogFile      string              `mapstructure:"log_file"`
	Verbose      bool                `mapstructure:"verbose"`

	Launcher     LauncherConfig     `mapstructure:"launcher"`
	Merge        MergeConfig        `mapstructure:"merge"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Thresholds   Thresholds         `mapstructure:"thresholds"`
	Notify       NotifyConfig       `mapstructure:"notify"`
}

// Load reads cfgFile (or ./config.yaml if empty), layers TASKFORGE_-prefixed
// environment variables and a .env file on top, and unmarshals the result
// into a Config seeded with defaults. Unlike the teacher's Load, this never
// writes a config.yaml as a side effect — spec.md's core has no CLI-
// authoring surface, so there is nothing for a generated file to feed into.
func Load(cfgFile string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Notify.BotToken = os.Getenv("SLACK_BOT_USER_TOKEN")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("repo_path", ".")
	v.SetDefault("git_user_name", "taskforge-bot")
	v.SetDefault("git_user_email", "taskforge@localhost")
	v.SetDefault("verbose", false)

	v.SetDefault("launcher.mode", "subprocess")
	v.SetDefault("launcher.docker_image", "taskforge-worker:latest")
	v.SetDefault("launcher.kubernetes_namespace", "default")
	v.SetDefault("launcher.worktree_root", ".taskforge/worktrees")
	v.SetDefault("launcher.branch_prefix", "taskforge")

	v.SetDefault("merge.target_branch", "main")

	v.SetDefault("orchestrator.worker_count", 5)
	v.SetDefault("orchestrator.poll_interval_seconds", 1)
	v.SetDefault("orchestrator.state_dir", ".taskforge/state")
	v.SetDefault("orchestrator.preflight_min_disk_gb", 1.0)
	v.SetDefault("orchestrator.port_range_start", 7860)
	v.SetDefault("orchestrator.port_range_end", 7960)

	v.SetDefault("thresholds.design_escalation_tasks", 3)
	v.SetDefault("thresholds.stall_seconds", 90)
	v.SetDefault("thresholds.breaker_failures", 3)
	v.SetDefault("thresholds.breaker_cooldown_seconds", 60)
	v.SetDefault("thresholds.task_retry_limit", 1)
	v.SetDefault("thresholds.max_respawn_attempts", 2)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.channel", "#taskforge")
}

// PollInterval returns OrchestratorConfig.PollIntervalSeconds as a Duration.
func (c OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StallThreshold returns Thresholds.StallSeconds as a Duration.
func (t Thresholds) StallThreshold() time.Duration {
	return time.Duration(t.StallSeconds) * time.Second
}

// BreakerCooldown returns Thresholds.BreakerCooldownSecs as a Duration.
func (t Thresholds) BreakerCooldown() time.Duration {
	return time.Duration(t.BreakerCooldownSecs) * time.Second
}
