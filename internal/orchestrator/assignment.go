package orchestrator

import (
	"sort"

	"github.com/foundryco/taskforge/internal/graph"
)

// AssignTasks maps a level's tasks onto workerCount workers using greedy
// longest-processing-time-first bin-packing (spec.md §4.11): tasks sorted
// by estimate_minutes descending, each placed on the worker with the
// lowest current cumulative load, ties broken by lowest worker id.
// Returns worker id → assigned tasks, in assignment order.
func AssignTasks(tasks []*graph.Task, workerCount int) map[int][]*graph.Task {
	assignment := make(map[int][]*graph.Task, workerCount)
	load := make([]int, workerCount)
	if workerCount <= 0 {
		return assignment
	}

	sorted := make([]*graph.Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].EstimateMinutes != sorted[j].EstimateMinutes {
			return sorted[i].EstimateMinutes > sorted[j].EstimateMinutes
		}
		return sorted[i].ID < sorted[j].ID
	})

	for _, t := range sorted {
		best := 0
		for w := 1; w < workerCount; w++ {
			if load[w] < load[best] {
				best = w
			}
		}
		assignment[best] = append(assignment[best], t)
		load[best] += t.EstimateMinutes
	}
	return assignment
}
