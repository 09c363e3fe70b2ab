package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/foundryco/taskforge/internal/graph"
)

func TestAssignTasks_BalancesLoadByLongestFirst(t *testing.T) {
	tasks := []*graph.Task{
		{ID: "T1", EstimateMinutes: 30},
		{ID: "T2", EstimateMinutes: 20},
		{ID: "T3", EstimateMinutes: 10},
		{ID: "T4", EstimateMinutes: 10},
	}
	assignment := AssignTasks(tasks, 2)

	totalLoad := func(ts []*graph.Task) int {
		sum := 0
		for _, t := range ts {
			sum += t.EstimateMinutes
		}
		return sum
	}

	assert.Len(t, assignment[0], 2)
	assert.Len(t, assignment[1], 2)
	// 30→w0, 20→w1, 10→w1 (20<30), 10→w0 (30=30, lowest id): 40 vs 30,
	// the closest split of a 70-minute total.
	assert.Equal(t, 40, totalLoad(assignment[0]))
	assert.Equal(t, 30, totalLoad(assignment[1]))
}

func TestAssignTasks_TiesGoToLowestWorkerID(t *testing.T) {
	tasks := []*graph.Task{{ID: "T1", EstimateMinutes: 5}}
	assignment := AssignTasks(tasks, 3)
	assert.Len(t, assignment[0], 1)
	assert.Empty(t, assignment[1])
	assert.Empty(t, assignment[2])
}

func TestAssignTasks_ZeroWorkersReturnsEmpty(t *testing.T) {
	tasks := []*graph.Task{{ID: "T1", EstimateMinutes: 5}}
	assignment := AssignTasks(tasks, 0)
	assert.Empty(t, assignment)
}
