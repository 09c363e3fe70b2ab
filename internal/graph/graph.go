// Package graph loads, validates, and queries a feature's task graph: the
// DAG of tasks an orchestrator drives level by level.
package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/foundryco/taskforge/internal/errs"
)

// TaskStatus is the per-task runtime state tracked by the state store, not
// by the graph itself — the graph only carries the immutable task
// definition. Declared here because several graph queries (ready-set,
// critical path) need to reason about statuses supplied by the caller.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusReady      TaskStatus = "ready"
	StatusClaimed    TaskStatus = "claimed"
	StatusInProgress TaskStatus = "in_progress"
	StatusComplete   TaskStatus = "complete"
	StatusFailed     TaskStatus = "failed"
	StatusBlocked    TaskStatus = "blocked"
)

// Files partitions a task's file touches into the three sets spec.md's data
// model names.
type Files struct {
	Create []string `json:"create,omitempty"`
	Modify []string `json:"modify,omitempty"`
	Read   []string `json:"read,omitempty"`
}

// Verification is a task's optional success check.
type Verification struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Task is immutable once loaded into a Graph.
type Task struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Level           int           `json:"level"`
	Dependencies    []string      `json:"dependencies,omitempty"`
	Files           Files         `json:"files"`
	Verification    *Verification `json:"verification,omitempty"`
	EstimateMinutes int           `json:"estimate_minutes"`
	CriticalPath    bool          `json:"critical_path,omitempty"`
}

// Level names a group of tasks sharing a level number.
type Level struct {
	Name  string   `json:"name"`
	Tasks []string `json:"tasks"`
}

// wireGraph is the on-disk JSON shape (§6.1).
type wireGraph struct {
	Feature      string           `json:"feature"`
	CriticalPath []string         `json:"critical_path,omitempty"`
	Tasks        []Task           `json:"tasks"`
	Levels       map[string]Level `json:"levels"`
}

// Graph is a loaded, validated task graph. Read-mostly after Load; the
// mutex only guards against concurrent validation reruns.
type Graph struct {
	mu sync.RWMutex

	feature      string
	tasks        map[string]*Task
	levels       map[int]Level
	criticalPath []string
}

// Load reads and validates a task graph from path, enforcing every
// invariant in spec.md §3: dependency levels strictly increase, create-sets
// are globally disjoint, modify-sets are disjoint within a level, and the
// dependency graph is acyclic.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.State(fmt.Sprintf("read task graph %s", path), err)
	}
	return Parse(data)
}

// Parse validates and builds a Graph from raw task-graph JSON.
func Parse(data []byte) (*Graph, error) {
	var wire wireGraph
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errs.State("parse task graph", err)
	}
	return FromTasks(wire.Feature, wire.Tasks, wire.Levels, wire.CriticalPath)
}

// FromTasks builds and validates a Graph from an in-memory task list,
// mirroring Load for callers that already have the graph deserialized
// (e.g. the orchestrator re-validating before a dry run).
func FromTasks(feature string, tasks []Task, levels map[string]Level, criticalPath []string) (*Graph, error) {
	g := &Graph{
		feature: feature,
		tasks:   make(map[string]*Task, len(tasks)),
		levels:  make(map[int]Level),
	}
	for i := range tasks {
		t := tasks[i]
		if _, dup := g.tasks[t.ID]; dup {
			return nil, errs.Validation("duplicate task id %q", t.ID)
		}
		g.tasks[t.ID] = &t
	}
	for numStr, lvl := range levels {
		var n int
		if _, err := fmt.Sscanf(numStr, "%d", &n); err != nil {
			return nil, errs.Validation("invalid level key %q", numStr)
		}
		g.levels[n] = lvl
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	if len(criticalPath) > 0 {
		g.criticalPath = criticalPath
	} else {
		g.criticalPath = g.computeCriticalPath()
	}
	return g, nil
}

func (g *Graph) validate() error {
	// Dependency existence and level ordering.
	for _, t := range g.tasks {
		for _, depID := range t.Dependencies {
			dep, ok := g.tasks[depID]
			if !ok {
				return errs.Validation("task %s depends on unknown task %s", t.ID, depID)
			}
			if dep.Level >= t.Level {
				return errs.Validation("task %s (level %d) depends on %s (level %d): dependency level must be lower", t.ID, t.Level, depID, dep.Level)
			}
		}
	}

	// files.create disjoint across the whole graph.
	createOwner := make(map[string]string)
	for _, t := range g.tasks {
		for _, path := range t.Files.Create {
			if owner, ok := createOwner[path]; ok {
				return errs.Validation("file %s created by both %s and %s", path, owner, t.ID)
			}
			createOwner[path] = t.ID
		}
	}

	// files.modify disjoint within a level.
	levelModifyOwner := make(map[int]map[string]string)
	for _, t := range g.tasks {
		owners, ok := levelModifyOwner[t.Level]
		if !ok {
			owners = make(map[string]string)
			levelModifyOwner[t.Level] = owners
		}
		for _, path := range t.Files.Modify {
			if owner, ok := owners[path]; ok {
				return errs.Validation("level %d: file %s modified by both %s and %s", t.Level, path, owner, t.ID)
			}
			owners[path] = t.ID
		}
	}

	if _, err := g.topologicalSortLocked(); err != nil {
		return err
	}
	return nil
}

// Feature returns the task graph's feature name.
func (g *Graph) Feature() string { return g.feature }

// TotalTasks returns the number of tasks in the graph.
func (g *Graph) TotalTasks() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Levels returns the set of level numbers present, sorted ascending.
func (g *Graph) Levels() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nums := make([]int, 0, len(g.levels))
	for n := range g.levels {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// GetTask returns a task by id.
func (g *Graph) GetTask(id string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	return t, ok
}

// GetAllTasks returns every task, ordered by id for determinism.
func (g *Graph) GetAllTasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.tasks[id])
	}
	return out
}

// GetTasksForLevel returns the tasks whose Level equals L, ordered by id.
func (g *Graph) GetTasksForLevel(level int) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Task
	for _, t := range g.tasks {
		if t.Level == level {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetDependencies returns the dependency ids of a task.
func (g *Graph) GetDependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil
	}
	return append([]string(nil), t.Dependencies...)
}

// GetDependents returns the ids of tasks that directly depend on id.
func (g *Graph) GetDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, t := range g.tasks {
		for _, dep := range t.Dependencies {
			if dep == id {
				out = append(out, t.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// GetFilesForTask returns the file sets of a task.
func (g *Graph) GetFilesForTask(id string) (Files, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return Files{}, false
	}
	return t.Files, true
}

// GetVerification returns a task's verification spec, if any.
func (g *Graph) GetVerification(id string) (*Verification, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok || t.Verification == nil {
		return nil, false
	}
	return t.Verification, true
}

// AreDependenciesComplete reports whether every dependency of id is present
// in completed.
func (g *Graph) AreDependenciesComplete(id string, completed map[string]bool) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return false
	}
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// GetReadyTasks returns, in id order, the ids not in completed or inProgress
// whose dependencies are all in completed.
func (g *Graph) GetReadyTasks(completed, inProgress map[string]bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []string
	for id, t := range g.tasks {
		if completed[id] || inProgress[id] {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// TopologicalSort returns task ids in dependency order via Kahn's algorithm.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topologicalSortLocked()
}

func (g *Graph) topologicalSortLocked() ([]string, error) {
	dependents := make(map[string][]string)
	inDegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		inDegree[id] = 0
	}
	for id, t := range g.tasks {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(g.tasks))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		next := append([]string(nil), dependents[current]...)
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
				sort.Strings(queue)
			}
		}
	}

	if len(result) < len(g.tasks) {
		return nil, errs.Validation("task graph has a circular dependency")
	}
	return result, nil
}

// GetCriticalPath returns the critical path: the one supplied in the wire
// format if present, else the computed longest path.
func (g *Graph) GetCriticalPath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.criticalPath...)
}

// computeCriticalPath finds the longest path from any root (no deps) to any
// leaf (no dependents) weighted by estimate_minutes, tie-broken
// lexicographically by task id for determinism.
func (g *Graph) computeCriticalPath() []string {
	dependents := make(map[string][]string)
	for id, t := range g.tasks {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	for id := range dependents {
		sort.Strings(dependents[id])
	}

	var roots []string
	for id, t := range g.tasks {
		if len(t.Dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	var best []string
	bestCost := -1

	var dfs func(node string, path []string, cost int)
	dfs = func(node string, path []string, cost int) {
		t := g.tasks[node]
		cost += t.EstimateMinutes
		path = append(path, node)

		children := dependents[node]
		if len(children) == 0 {
			if cost > bestCost || (cost == bestCost && lexLess(path, best)) {
				bestCost = cost
				best = append([]string(nil), path...)
			}
			return
		}
		for _, child := range children {
			dfs(child, append([]string(nil), path...), cost)
		}
	}

	for _, root := range roots {
		dfs(root, nil, 0)
	}
	return best
}

// lexLess reports whether a sorts before b, used only to break cost ties
// deterministically; an empty b always loses.
func lexLess(a, b []string) bool {
	if len(b) == 0 {
		return true
	}
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
