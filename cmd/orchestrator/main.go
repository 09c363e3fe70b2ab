// Command orchestrator is the thin entry point that drives one feature's
// task graph through every level (spec.md §4.11). Flag parsing and wiring
// only — the scheduling, merge, and launch logic all live in
// internal/orchestrator, internal/merge, and internal/launcher.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/foundryco/taskforge/internal/cmdexec"
	"github.com/foundryco/taskforge/internal/config"
	"github.com/foundryco/taskforge/internal/docker"
	"github.com/foundryco/taskforge/internal/gate"
	"github.com/foundryco/taskforge/internal/gitops"
	"github.com/foundryco/taskforge/internal/graph"
	"github.com/foundryco/taskforge/internal/heartbeat"
	"github.com/foundryco/taskforge/internal/launcher"
	"github.com/foundryco/taskforge/internal/merge"
	"github.com/foundryco/taskforge/internal/notify"
	"github.com/foundryco/taskforge/internal/orchestrator"
	"github.com/foundryco/taskforge/internal/preflight"
	"github.com/foundryco/taskforge/internal/state"
	"github.com/foundryco/taskforge/internal/telemetry"
	"github.com/foundryco/taskforge/internal/worktree"
)

func main() {
	var cfgFile, specPath, feature string
	var dryRun bool
	var metricsPort int

	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Drives one feature's task graph through every level, spawning and merging worker branches.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	root.Flags().StringVar(&specPath, "spec", "", "path to the feature's task graph JSON")
	root.Flags().StringVar(&feature, "feature", "", "feature name")
	root.Flags().BoolVar(&dryRun, "dry-run", false, "simulate the run without spawning workers")
	root.Flags().IntVar(&metricsPort, "metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	_ = root.MarkFlagRequired("spec")
	_ = root.MarkFlagRequired("feature")

	root.RunE = func(c *cobra.Command, args []string) error {
		return runOrchestrator(cfgFile, specPath, feature, dryRun, metricsPort)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runOrchestrator(cfgFile, specPath, feature string, dryRun bool, metricsPort int) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	telemetry.InitLogger(cfg.Verbose, cfg.LogFile)
	if metricsPort > 0 {
		go func() {
			if err := telemetry.StartMetricsServer(metricsPort); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	g, err := graph.Load(specPath)
	if err != nil {
		return fmt.Errorf("load task graph: %w", err)
	}

	checker := preflight.NewChecker(cfg.Launcher.Mode, cfg.Orchestrator.WorkerCount, cfg.RepoPath)
	checker.MinDiskGB = cfg.Orchestrator.PreflightMinDiskGB
	checker.PortRangeStart = cfg.Orchestrator.PortRangeStart
	checker.PortRangeEnd = cfg.Orchestrator.PortRangeEnd
	checker.DockerImage = cfg.Launcher.DockerImage

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dryRun {
		sim := preflight.NewSimulator(g, feature, cfg.Orchestrator.WorkerCount, cfg.Launcher.Mode, cfg.RepoPath)
		report := sim.Run(ctx)
		out, err := preflight.RenderYAML(report)
		if err != nil {
			return fmt.Errorf("render dry-run report: %w", err)
		}
		fmt.Println(out)
		if report.HasErrors() {
			return fmt.Errorf("dry run found blocking issues for feature %q", feature)
		}
		return nil
	}

	preflightReport := checker.RunAll(ctx)
	if !preflightReport.Passed() {
		return fmt.Errorf("pre-flight checks failed:\n%s", preflightReport.String())
	}

	st, err := state.NewStore(cfg.Orchestrator.StateDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	hb := heartbeat.NewMonitor(cfg.Orchestrator.StateDir)
	git := gitops.NewClient()
	wt := worktree.NewManager(git, cfg.RepoPath, cfg.Launcher.WorktreeRoot, cfg.Launcher.BranchPrefix)

	cmdExec := cmdexec.New(nil)
	gateRunner := gate.NewRunner(cmdExec, 0)
	mc := merge.NewCoordinator(git, gateRunner, cfg.RepoPath, cfg.Launcher.BranchPrefix, feature,
		toGates(cfg.Merge.PreGates), toGates(cfg.Merge.PostGates))

	backend, err := buildBackend(cfg, hb)
	if err != nil {
		return fmt.Errorf("build launcher backend: %w", err)
	}

	schedCfg := orchestrator.Config{
		WorkerCount:        cfg.Orchestrator.WorkerCount,
		TargetBranch:       cfg.Merge.TargetBranch,
		BranchPrefix:       cfg.Launcher.BranchPrefix,
		PollInterval:       cfg.Orchestrator.PollInterval(),
		StallThreshold:     cfg.Thresholds.StallThreshold(),
		MaxRespawnAttempts: cfg.Thresholds.MaxRespawnAttempts,
		TaskRetryLimit:     cfg.Thresholds.TaskRetryLimit,
		BreakerThreshold:   cfg.Thresholds.BreakerFailures,
		BreakerCooldown:    cfg.Thresholds.BreakerCooldown(),
		RepoPath:           cfg.RepoPath,
		StateDir:           cfg.Orchestrator.StateDir,
		SpecPath:           specPath,
		LogDir:             filepath.Join(cfg.Orchestrator.StateDir, "logs"),
	}

	sched := orchestrator.New(feature, schedCfg, g, st, backend, wt, mc, hb)

	notifier := buildNotifier(cfg)
	runErr := sched.Run(ctx)
	notifyCompletion(ctx, notifier, cfg, feature, g, runErr)

	return runErr
}

func buildBackend(cfg *config.Config, hb *heartbeat.Monitor) (launcher.Launcher, error) {
	stallAfter := cfg.Thresholds.StallThreshold()
	switch cfg.Launcher.Mode {
	case "docker":
		dc, err := docker.NewClient()
		if err != nil {
			return nil, err
		}
		return launcher.NewDockerLauncher(dc, cfg.Launcher.DockerImage, hb, stallAfter), nil
	case "kubernetes":
		clientset, err := buildKubernetesClient()
		if err != nil {
			return nil, err
		}
		return launcher.NewK8sLauncher(clientset, cfg.Launcher.KubernetesNamespace, cfg.Launcher.DockerImage, "", hb, stallAfter), nil
	default:
		workerBinary := envOrDefault("TASKFORGE_WORKER_BINARY", "taskforge-worker")
		logDir := filepath.Join(cfg.Orchestrator.StateDir, "logs")
		return launcher.NewSubprocessLauncher(workerBinary, logDir, stallAfter, hb), nil
	}
}

func buildKubernetesClient() (kubernetes.Interface, error) {
	if kubeconfig := os.Getenv("KUBECONFIG"); kubeconfig != "" {
		restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, err
		}
		return kubernetes.NewForConfig(restCfg)
	}
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	if !cfg.Notify.Enabled || cfg.Notify.BotToken == "" {
		return notify.NopNotifier{}
	}
	return notify.NewSlackNotifier(cfg.Notify.BotToken, cfg.Notify.Channel)
}

func notifyCompletion(ctx context.Context, n notify.Notifier, cfg *config.Config, feature string, g *graph.Graph, runErr error) {
	risk := preflight.NewRiskScorer(g, cfg.Orchestrator.WorkerCount).Score()
	_ = n.NotifyProjectComplete(ctx, notify.ProjectComplete{
		Feature:    feature,
		Success:    runErr == nil,
		TotalTasks: g.TotalTasks(),
		RiskGrade:  risk.Grade,
	})
}

func toGates(commands []string) []gate.Gate {
	gates := make([]gate.Gate, 0, len(commands))
	for i, cmdStr := range commands {
		gates = append(gates, gate.Gate{Name: fmt.Sprintf("gate-%d", i), Command: cmdStr, Required: true, TimeoutSeconds: 300})
	}
	return gates
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
