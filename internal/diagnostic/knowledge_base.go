package diagnostic

import (
	"regexp"
	"sort"
	"sync"
)

// KnownPattern is a catalogued failure signature with prior probability and
// resolution guidance (spec.md §4.12 "Known-pattern matcher").
type KnownPattern struct {
	Name             string
	Category         string // matches an ErrorCategory value, or "general"
	Symptoms         []string
	PriorProbability float64
	CommonCauses     []string
	FixTemplates     []string
	RelatedPatterns  []string
}

// KnownPatterns is the static catalogue: language-family errors, taskforge-
// specific orchestration failures, and general dependency/environment
// issues.
var KnownPatterns = append(append(append([]KnownPattern{}, pythonPatterns...), orchestratorPatterns...), generalPatterns...)

var pythonPatterns = []KnownPattern{
	{
		Name:     "import_error",
		Category: string(CategoryDependency),
		Symptoms: []string{
			`ImportError:\s+cannot import name`,
			`ImportError:\s+No module named`,
			`ImportError:\s+DLL load failed`,
		},
		PriorProbability: 0.15,
		CommonCauses: []string{
			"Package not installed in the current environment",
			"Circular import between modules",
			"Incompatible package version installed",
		},
		FixTemplates: []string{
			"go get {module}",
			"Check for import cycles between {file} and its dependencies",
		},
		RelatedPatterns: []string{"module_not_found", "dependency_conflict"},
	},
	{
		Name:     "module_not_found",
		Category: string(CategoryDependency),
		Symptoms: []string{
			`ModuleNotFoundError:\s+No module named`,
			`No module named\s+'\w+'`,
			`cannot find module`,
		},
		PriorProbability: 0.14,
		CommonCauses: []string{
			"Package not installed",
			"Module path typo",
			"go.mod missing the dependency",
		},
		FixTemplates: []string{
			"go get {module}",
			"go mod tidy",
		},
		RelatedPatterns: []string{"import_error", "dependency_conflict"},
	},
	{
		Name:     "type_error",
		Category: string(CategoryCodeError),
		Symptoms: []string{
			`TypeError:\s+.*takes \d+ positional argument`,
			`TypeError:\s+.*got an unexpected keyword argument`,
			`TypeError:\s+unsupported operand type`,
			`cannot use .* as .* value`,
		},
		PriorProbability: 0.12,
		CommonCauses: []string{
			"Wrong number of arguments passed to function",
			"Incompatible types in operation",
			"API changed between versions",
		},
		FixTemplates: []string{
			"Check the signature of {function} and adjust the call site",
		},
		RelatedPatterns: []string{"attribute_error"},
	},
	{
		Name:     "key_error",
		Category: string(CategoryCodeError),
		Symptoms: []string{
			`KeyError:\s+`,
			`KeyError:\s+'[\w\-.]+'`,
			`index out of range`,
		},
		PriorProbability: 0.10,
		CommonCauses: []string{
			"Missing key in map or config",
			"State file missing an expected field",
		},
		FixTemplates: []string{
			"Guard the map access with a comma-ok check before {key}",
		},
		RelatedPatterns: []string{"state_corruption"},
	},
	{
		Name:     "file_not_found",
		Category: string(CategoryInfrastructure),
		Symptoms: []string{
			`FileNotFoundError:\s+\[Errno 2\]`,
			`no such file or directory`,
			`open .*: no such file`,
		},
		PriorProbability: 0.08,
		CommonCauses: []string{
			"File path is incorrect or relative to the wrong directory",
			"File was deleted or moved",
			"Working directory differs from expected",
		},
		FixTemplates: []string{
			"Verify the path exists: ls -la {path}",
		},
		RelatedPatterns: []string{"permission_error", "state_file_missing"},
	},
	{
		Name:     "permission_error",
		Category: string(CategoryInfrastructure),
		Symptoms: []string{
			`PermissionError:\s+\[Errno 13\]`,
			`permission denied`,
			`EACCES`,
		},
		PriorProbability: 0.05,
		CommonCauses: []string{
			"File owned by a different user or root",
			"Read-only filesystem or directory",
		},
		FixTemplates: []string{
			"Check file permissions: ls -la {path}",
		},
		RelatedPatterns: []string{"file_not_found", "docker_failure"},
	},
	{
		Name:     "timeout_error",
		Category: string(CategoryInfrastructure),
		Symptoms: []string{
			`TimeoutError`,
			`context deadline exceeded`,
			`i/o timeout`,
		},
		PriorProbability: 0.06,
		CommonCauses: []string{
			"Service responding too slowly",
			"Network latency or packet loss",
			"Deadlock in target service",
		},
		FixTemplates: []string{
			"Increase the timeout for {operation}",
			"Add retry logic with exponential backoff",
		},
		RelatedPatterns: []string{"connection_error", "task_timeout"},
	},
	{
		Name:     "connection_error",
		Category: string(CategoryInfrastructure),
		Symptoms: []string{
			`ConnectionError`,
			`connection refused`,
			`ECONNREFUSED`,
		},
		PriorProbability: 0.06,
		CommonCauses: []string{
			"Target service is down or unreachable",
			"Firewall blocking the connection",
			"DNS resolution failure",
		},
		FixTemplates: []string{
			"Verify the service is reachable: curl -v {url}",
		},
		RelatedPatterns: []string{"timeout_error", "port_conflict"},
	},
}

var orchestratorPatterns = []KnownPattern{
	{
		Name:     "worker_crash",
		Category: string(CategoryWorkerFailure),
		Symptoms: []string{
			`worker.*crash`,
			`worker.*died unexpectedly`,
			`exit status [^0]`,
			`SIGKILL|SIGSEGV|SIGABRT`,
		},
		PriorProbability: 0.08,
		CommonCauses: []string{
			"Out-of-memory kill by the OS",
			"Unhandled panic in the agent process",
			"Container resource limit exceeded",
		},
		FixTemplates: []string{
			"Check the worker's heartbeat log for worker {worker_id}",
			"Increase the container memory limit for the worker",
		},
		RelatedPatterns: []string{"worker_timeout", "docker_failure"},
	},
	{
		Name:     "worker_timeout",
		Category: string(CategoryWorkerFailure),
		Symptoms: []string{
			`worker.*timed?\s*out`,
			`worker \d+ exceeded time limit`,
			`heartbeat stale`,
		},
		PriorProbability: 0.07,
		CommonCauses: []string{
			"Task too complex for the allocated time",
			"Worker stuck on an external dependency",
		},
		FixTemplates: []string{
			"Increase thresholds.stall_seconds in config",
			"Split the task into smaller sub-tasks",
		},
		RelatedPatterns: []string{"worker_crash", "task_timeout"},
	},
	{
		Name:     "state_corruption",
		Category: string(CategoryStateCorrupt),
		Symptoms: []string{
			`invalid character .* looking for beginning`,
			`unexpected end of JSON input`,
			`state.*corrupt`,
		},
		PriorProbability: 0.05,
		CommonCauses: []string{
			"Concurrent write to the state file without the CAS discipline",
			"Worker crashed mid-write",
			"Disk full during state save",
		},
		FixTemplates: []string{
			"Restore from backup: cp .taskforge/state/{feature}.json.bak .taskforge/state/{feature}.json",
		},
		RelatedPatterns: []string{"state_file_missing", "disk_space_low"},
	},
	{
		Name:     "state_file_missing",
		Category: string(CategoryStateCorrupt),
		Symptoms: []string{
			`state\.json.*not found`,
			`no such file.*\.taskforge/state`,
		},
		PriorProbability: 0.04,
		CommonCauses: []string{
			"Feature never initialized",
			"State directory accidentally deleted",
		},
		FixTemplates: []string{
			"Verify the working directory: pwd",
		},
		RelatedPatterns: []string{"state_corruption", "file_not_found"},
	},
	{
		Name:     "task_timeout",
		Category: string(CategoryTaskFailure),
		Symptoms: []string{
			`task.*timed?\s*out`,
			`verification command timed out`,
		},
		PriorProbability: 0.06,
		CommonCauses: []string{
			"Verification command hangs",
			"Infinite loop in generated code",
		},
		FixTemplates: []string{
			"Check the task's verification command in the task graph",
		},
		RelatedPatterns: []string{"worker_timeout", "timeout_error"},
	},
	{
		Name:     "task_verification_failed",
		Category: string(CategoryTaskFailure),
		Symptoms: []string{
			`verification.*fail`,
			`verification command returned non-zero`,
			`quality gate.*fail`,
		},
		PriorProbability: 0.10,
		CommonCauses: []string{
			"Generated code has syntax or logic errors",
			"Missing dependencies for the verification command",
		},
		FixTemplates: []string{
			"Run the verification command manually: {verify_command}",
		},
		RelatedPatterns: []string{"type_error"},
	},
	{
		Name:     "merge_conflict",
		Category: string(CategoryMergeConflict),
		Symptoms: []string{
			`CONFLICT.*[Mm]erge conflict`,
			`automatic merge failed`,
			`both modified:\s+`,
		},
		PriorProbability: 0.07,
		CommonCauses: []string{
			"Overlapping file ownership between tasks",
			"Manual edits on the base branch during a run",
			"Incorrect file ownership in the task graph",
		},
		FixTemplates: []string{
			"Check file ownership for overlaps in the task graph",
			"Resolve conflicts manually: git mergetool",
		},
		RelatedPatterns: []string{"worktree_orphan"},
	},
	{
		Name:     "port_conflict",
		Category: string(CategoryInfrastructure),
		Symptoms: []string{
			`address already in use`,
			`port.*already.*in use`,
			`EADDRINUSE`,
			`bind.*failed.*address`,
		},
		PriorProbability: 0.04,
		CommonCauses: []string{
			"Previous instance still running on the same port",
			"Multiple workers trying to bind the same port",
		},
		FixTemplates: []string{
			"Kill the process on the port: lsof -ti:{port} | xargs kill",
		},
		RelatedPatterns: []string{"connection_error", "docker_failure"},
	},
	{
		Name:     "worktree_orphan",
		Category: string(CategoryStateCorrupt),
		Symptoms: []string{
			`worktree.*orphan`,
			`fatal:.*is already checked out`,
			`worktree.*lock`,
		},
		PriorProbability: 0.04,
		CommonCauses: []string{
			"Previous run left worktrees without cleanup",
			"Worker crashed before worktree removal",
		},
		FixTemplates: []string{
			"Prune stale worktrees: git worktree prune",
		},
		RelatedPatterns: []string{"merge_conflict", "state_corruption"},
	},
	{
		Name:     "disk_space_low",
		Category: string(CategoryInfrastructure),
		Symptoms: []string{
			`no space left on device`,
			`ENOSPC`,
			`disk.*full`,
		},
		PriorProbability: 0.03,
		CommonCauses: []string{
			"Container images consuming disk space",
			"Large log files from previous runs",
			"Many worktrees not cleaned up",
		},
		FixTemplates: []string{
			"Free disk space: docker system prune -af",
			"Remove stale worktrees: git worktree prune && rm -rf .taskforge/worktrees/*",
		},
		RelatedPatterns: []string{"state_corruption", "docker_failure"},
	},
	{
		Name:     "docker_failure",
		Category: string(CategoryInfrastructure),
		Symptoms: []string{
			`docker.*not found`,
			`cannot connect to the docker daemon`,
			`docker.*permission denied`,
			`error response from daemon`,
		},
		PriorProbability: 0.06,
		CommonCauses: []string{
			"Container daemon not running",
			"User not in the docker group",
		},
		FixTemplates: []string{
			"Start the daemon: sudo systemctl start docker",
			"Check daemon status: docker info",
		},
		RelatedPatterns: []string{"permission_error", "worker_crash"},
	},
	{
		Name:     "config_invalid",
		Category: string(CategoryConfiguration),
		Symptoms: []string{
			`config.*invalid`,
			`yaml.*error`,
			`invalid configuration`,
		},
		PriorProbability: 0.04,
		CommonCauses: []string{
			"YAML syntax error in the config file",
			"Missing required configuration field",
		},
		FixTemplates: []string{
			"Validate the config file against the documented schema",
		},
		RelatedPatterns: []string{"state_corruption"},
	},
	{
		Name:     "level_sync_failure",
		Category: string(CategoryTaskFailure),
		Symptoms: []string{
			`level.*sync.*fail`,
			`workers.*not.*complete.*level`,
			`cannot proceed to level \d+`,
		},
		PriorProbability: 0.05,
		CommonCauses: []string{
			"One or more workers in the previous level failed",
			"Task dependency cycle in the task graph",
		},
		FixTemplates: []string{
			"Check failed tasks and retry that level",
		},
		RelatedPatterns: []string{"worker_crash", "task_verification_failed"},
	},
}

var generalPatterns = []KnownPattern{
	{
		Name:     "dependency_conflict",
		Category: "general",
		Symptoms: []string{
			`dependency conflict`,
			`incompatible.*version`,
			`could not find a version that satisfies`,
		},
		PriorProbability: 0.07,
		CommonCauses: []string{
			"Two modules require incompatible versions of a shared dependency",
			"go.sum out of sync with go.mod",
		},
		FixTemplates: []string{
			"go mod tidy && go mod verify",
		},
		RelatedPatterns: []string{"import_error", "module_not_found"},
	},
	{
		Name:     "env_misconfiguration",
		Category: "general",
		Symptoms: []string{
			`environment variable.*not set`,
			`env.*not configured`,
			`required.*env.*missing`,
		},
		PriorProbability: 0.06,
		CommonCauses: []string{
			"Required environment variable not exported",
			"Variable set in the wrong shell profile",
		},
		FixTemplates: []string{
			"export {var}={value}",
		},
		RelatedPatterns: []string{"config_invalid"},
	},
}

// patternMatcherState is the locking discipline spec.md §5 names for the
// diagnostic engine's pattern cache: compiled once, guarded by a mutex.
type patternMatcherState struct {
	mu       sync.Mutex
	compiled map[string][]*regexp.Regexp
}

var matcherState = &patternMatcherState{compiled: make(map[string][]*regexp.Regexp)}

func (s *patternMatcherState) compiledFor(p KnownPattern) []*regexp.Regexp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rxs, ok := s.compiled[p.Name]; ok {
		return rxs
	}
	rxs := make([]*regexp.Regexp, 0, len(p.Symptoms))
	for _, sym := range p.Symptoms {
		rxs = append(rxs, regexp.MustCompile("(?i)"+sym))
	}
	s.compiled[p.Name] = rxs
	return rxs
}

// PatternMatch is one catalogue pattern's match score against some text.
type PatternMatch struct {
	Pattern KnownPattern
	Score   float64
}

// MatchPatterns scores every catalogued pattern against text: score =
// matched symptoms / total symptoms, restricted to patterns with at least
// one match, sorted by score descending (spec.md §4.12).
func MatchPatterns(text string) []PatternMatch {
	var results []PatternMatch
	for _, p := range KnownPatterns {
		rxs := matcherState.compiledFor(p)
		matched := 0
		for _, rx := range rxs {
			if rx.MatchString(text) {
				matched++
			}
		}
		if matched > 0 {
			results = append(results, PatternMatch{Pattern: p, Score: float64(matched) / float64(len(rxs))})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

// RelatedPatterns returns the patterns named in pattern's RelatedPatterns.
func RelatedPatterns(name string) []KnownPattern {
	byName := make(map[string]KnownPattern, len(KnownPatterns))
	for _, p := range KnownPatterns {
		byName[p.Name] = p
	}
	source, ok := byName[name]
	if !ok {
		return nil
	}
	var out []KnownPattern
	for _, n := range source.RelatedPatterns {
		if p, ok := byName[n]; ok {
			out = append(out, p)
		}
	}
	return out
}
