package workflow

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// randomAcyclicDefinition builds a definition whose tasks may only depend on
// earlier-indexed tasks, so the graph is acyclic by construction.
func randomAcyclicDefinition(seed int64, taskCount int) *WorkflowDefinition {
	rng := rand.New(rand.NewSource(seed))
	tasks := make([]TaskDefinition, taskCount)
	for i := 0; i < taskCount; i++ {
		task := commandTask(fmt.Sprintf("t%02d", i))
		for j := 0; j < i; j++ {
			if rng.Intn(3) == 0 {
				task.DependsOn = append(task.DependsOn, fmt.Sprintf("t%02d", j))
			}
		}
		tasks[i] = task
	}
	return defWithTasks(tasks...)
}

func TestProperty_BatchesPartitionTaskSet(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every task appears in exactly one batch", prop.ForAll(
		func(seed int64, taskCount int) bool {
			def := randomAcyclicDefinition(seed, taskCount)
			if err := def.Validate(); err != nil {
				t.Logf("validate failed: %v", err)
				return false
			}
			dag, err := BuildDAG(def, nil)
			if err != nil {
				t.Logf("build failed: %v", err)
				return false
			}

			seen := make(map[string]int)
			for _, batch := range dag.Batches {
				for _, id := range batch {
					seen[id]++
				}
			}
			if len(seen) != taskCount {
				return false
			}
			for _, n := range seen {
				if n != 1 {
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 14),
	))

	properties.TestingRun(t)
}

func TestProperty_DependenciesResolveInEarlierBatches(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every dependency is scheduled strictly before its dependent", prop.ForAll(
		func(seed int64, taskCount int) bool {
			def := randomAcyclicDefinition(seed, taskCount)
			if err := def.Validate(); err != nil {
				return false
			}
			dag, err := BuildDAG(def, nil)
			if err != nil {
				return false
			}

			batchOf := make(map[string]int)
			for i, batch := range dag.Batches {
				for _, id := range batch {
					batchOf[id] = i
				}
			}
			for i := range def.Tasks {
				task := &def.Tasks[i]
				for _, dep := range task.DependsOn {
					if batchOf[dep] >= batchOf[task.ID] {
						t.Logf("dep %s (batch %d) not before %s (batch %d)",
							dep, batchOf[dep], task.ID, batchOf[task.ID])
						return false
					}
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 14),
	))

	properties.TestingRun(t)
}

func TestProperty_BuildIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("rebuilding the same definition yields identical batches", prop.ForAll(
		func(seed int64, taskCount int) bool {
			def := randomAcyclicDefinition(seed, taskCount)
			if err := def.Validate(); err != nil {
				return false
			}
			first, err := BuildDAG(def, nil)
			if err != nil {
				return false
			}
			second, err := BuildDAG(def, nil)
			if err != nil {
				return false
			}
			if len(first.Batches) != len(second.Batches) {
				return false
			}
			for i := range first.Batches {
				if len(first.Batches[i]) != len(second.Batches[i]) {
					return false
				}
				for j := range first.Batches[i] {
					if first.Batches[i][j] != second.Batches[i][j] {
						return false
					}
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 14),
	))

	properties.TestingRun(t)
}
