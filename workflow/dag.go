package workflow

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// DAG is the executable plan derived from a validated definition: the
// dependency graph plus the ordered list of parallel-execution batches.
type DAG struct {
	// Batches partition the task set. Members of one batch have no
	// dependency among them and run concurrently; batches run strictly
	// sequentially. Members are sorted by id for deterministic testing.
	Batches [][]string

	dependents   map[string][]string
	dependencies map[string][]string
}

// Dependencies returns the declared dependency ids of a task.
func (d *DAG) Dependencies(taskID string) []string {
	return d.dependencies[taskID]
}

// Dependents returns the tasks that depend on the given task.
func (d *DAG) Dependents(taskID string) []string {
	return d.dependents[taskID]
}

// TaskCount returns the number of tasks partitioned into batches.
func (d *DAG) TaskCount() int {
	n := 0
	for _, b := range d.Batches {
		n += len(b)
	}
	return n
}

// BuildDAG builds the dependency graph for a validated definition, rejects
// cycles and unknown dependencies, and computes the batch schedule with
// Kahn's algorithm. On any error no partial graph is returned.
func BuildDAG(def *WorkflowDefinition, logger *zap.Logger) (*DAG, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !def.Validated() {
		if err := def.Validate(); err != nil {
			return nil, err
		}
	}

	ids := make(map[string]struct{}, len(def.Tasks))
	for i := range def.Tasks {
		ids[def.Tasks[i].ID] = struct{}{}
	}

	dag := &DAG{
		dependents:   make(map[string][]string, len(def.Tasks)),
		dependencies: make(map[string][]string, len(def.Tasks)),
	}
	indegree := make(map[string]int, len(def.Tasks))

	for i := range def.Tasks {
		task := &def.Tasks[i]
		indegree[task.ID] += 0
		for _, dep := range task.DependsOn {
			if _, ok := ids[dep]; !ok {
				return nil, NewError(ErrCodeUnknownDependency,
					fmt.Sprintf("dependency %q does not exist", dep)).WithTask(task.ID)
			}
			dag.dependencies[task.ID] = append(dag.dependencies[task.ID], dep)
			dag.dependents[dep] = append(dag.dependents[dep], task.ID)
			indegree[task.ID]++
		}
	}

	if cycleNode := findCycle(ids, dag.dependents); cycleNode != "" {
		return nil, NewError(ErrCodeCycleDetected,
			"dependency cycle detected").WithTask(cycleNode)
	}

	// Kahn's algorithm: each round collects every node with zero remaining
	// in-degree into one batch, then releases its successors.
	remaining := make(map[string]int, len(indegree))
	for id, deg := range indegree {
		remaining[id] = deg
	}
	emitted := 0
	for emitted < len(def.Tasks) {
		var batch []string
		for id, deg := range remaining {
			if deg == 0 {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			// Unreachable after cycle detection; a mismatch here implies
			// an undetected cycle and is fatal.
			return nil, NewError(ErrCodeCycleDetected, "batch schedule stalled: undetected cycle")
		}
		sort.Strings(batch)
		for _, id := range batch {
			delete(remaining, id)
			for _, succ := range dag.dependents[id] {
				remaining[succ]--
			}
		}
		dag.Batches = append(dag.Batches, batch)
		emitted += len(batch)
	}

	if dag.TaskCount() != len(def.Tasks) {
		return nil, NewError(ErrCodeCycleDetected, "batch partition does not cover the task set")
	}

	logger.Debug("dag built",
		zap.String("definition_id", def.ID),
		zap.Int("tasks", len(def.Tasks)),
		zap.Int("batches", len(dag.Batches)),
	)
	return dag, nil
}

const (
	colorWhite = iota // unvisited
	colorGray         // on the current path
	colorBlack        // fully explored
)

// findCycle runs an iterative depth-first traversal with an explicit work
// stack, bounding stack use on large graphs. It returns a node on a cycle,
// or "" when the graph is acyclic.
func findCycle(ids map[string]struct{}, edges map[string][]string) string {
	color := make(map[string]int, len(ids))

	// Deterministic start order so the reported node is stable.
	roots := make([]string, 0, len(ids))
	for id := range ids {
		roots = append(roots, id)
	}
	sort.Strings(roots)

	type frame struct {
		node string
		next int
	}

	for _, root := range roots {
		if color[root] != colorWhite {
			continue
		}
		stack := []frame{{node: root}}
		color[root] = colorGray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succ := edges[top.node]
			if top.next < len(succ) {
				child := succ[top.next]
				top.next++
				switch color[child] {
				case colorGray:
					// Back-edge to a node on the current path.
					return child
				case colorWhite:
					color[child] = colorGray
					stack = append(stack, frame{node: child})
				}
				continue
			}
			color[top.node] = colorBlack
			stack = stack[:len(stack)-1]
		}
	}
	return ""
}
