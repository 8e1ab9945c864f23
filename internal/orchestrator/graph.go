package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

var (
	// ErrCyclicDependency means the batch's dependency relation is not
	// acyclic. Execution never starts.
	ErrCyclicDependency = errors.New("cyclic subtask dependencies")
	// ErrInvalidGraph covers duplicate subtask ids and references to
	// unknown subtasks.
	ErrInvalidGraph = errors.New("invalid subtask graph")
)

// depGraph is the arena representation of one batch: subtasks live in a
// flat slice and all edges are index sets. Readiness bookkeeping
// (remaining counts) is mutated during execution under the session
// lock; the structure itself is immutable after build.
type depGraph struct {
	tasks      []*models.Subtask
	index      map[string]int
	deps       [][]int // deps[i]: indices task i waits on
	dependents [][]int // dependents[i]: indices waiting on task i
	remaining  []int   // unmet dependency count per task
}

// buildGraph validates the batch and produces its arena graph. A cycle
// or malformed reference is a configuration error: nothing has executed
// and no state is left behind.
func buildGraph(subtasks []*models.Subtask) (*depGraph, error) {
	g := &depGraph{
		tasks:      subtasks,
		index:      make(map[string]int, len(subtasks)),
		deps:       make([][]int, len(subtasks)),
		dependents: make([][]int, len(subtasks)),
		remaining:  make([]int, len(subtasks)),
	}

	for i, st := range subtasks {
		if st.SubtaskID == "" {
			return nil, fmt.Errorf("%w: subtask %d has no id", ErrInvalidGraph, i)
		}
		if _, dup := g.index[st.SubtaskID]; dup {
			return nil, fmt.Errorf("%w: duplicate subtask id %q", ErrInvalidGraph, st.SubtaskID)
		}
		g.index[st.SubtaskID] = i
	}

	for i, st := range subtasks {
		for _, depID := range st.Dependencies {
			j, ok := g.index[depID]
			if !ok {
				return nil, fmt.Errorf("%w: subtask %q depends on unknown subtask %q", ErrInvalidGraph, st.SubtaskID, depID)
			}
			if j == i {
				return nil, fmt.Errorf("%w: subtask %q depends on itself", ErrCyclicDependency, st.SubtaskID)
			}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
			g.remaining[i]++
		}
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, " -> "))
	}
	return g, nil
}

// ready returns the indices with no unmet dependencies.
func (g *depGraph) ready() []int {
	out := []int{}
	for i, r := range g.remaining {
		if r == 0 {
			out = append(out, i)
		}
	}
	return out
}

// findCycle runs Kahn's algorithm over a scratch copy of the in-degree
// counts and, when nodes remain unprocessed, walks the leftover edges
// to name one cycle for the error message.
func (g *depGraph) findCycle() []string {
	indeg := make([]int, len(g.remaining))
	copy(indeg, g.remaining)

	queue := []int{}
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	processed := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range g.dependents[cur] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed == len(g.tasks) {
		return nil
	}

	// Walk dependency edges among the leftover nodes until one repeats.
	inCycle := make(map[int]bool)
	for i, d := range indeg {
		if d > 0 {
			inCycle[i] = true
		}
	}
	var start int
	for i := range g.tasks {
		if inCycle[i] {
			start = i
			break
		}
	}
	seen := make(map[int]int) // node -> position in path
	path := []int{}
	cur := start
	for {
		if pos, ok := seen[cur]; ok {
			ids := make([]string, 0, len(path)-pos+1)
			for _, idx := range path[pos:] {
				ids = append(ids, g.tasks[idx].SubtaskID)
			}
			ids = append(ids, g.tasks[cur].SubtaskID)
			return ids
		}
		seen[cur] = len(path)
		path = append(path, cur)
		next := -1
		for _, dep := range g.deps[cur] {
			if inCycle[dep] {
				next = dep
				break
			}
		}
		if next < 0 {
			// shouldn't happen: every leftover node has an unmet dep
			ids := make([]string, 0, len(inCycle))
			for idx := range inCycle {
				ids = append(ids, g.tasks[idx].SubtaskID)
			}
			return ids
		}
		cur = next
	}
}
