package planengine

import "sync"

// graph tracks a plan's dependency DAG: deps(t) is t's direct predecessors,
// succ(t) is its direct successors, and completed is the running set of
// finished task ids. Grounded on the Kahn's-algorithm bookkeeping in
// services/orchestrator/dag_engine.go's buildDAG/executeDAG (in-degree map +
// child list), generalized from a single in-process coordinator to a graph
// type the engine can query from multiple group-driving goroutines.
type graph struct {
	mu        sync.Mutex
	deps      map[string]map[string]struct{}
	succ      map[string]map[string]struct{}
	completed map[string]struct{}
}

func newGraph(taskIDs []string, dependencies map[string][]string) *graph {
	g := &graph{
		deps:      make(map[string]map[string]struct{}, len(taskIDs)),
		succ:      make(map[string]map[string]struct{}, len(taskIDs)),
		completed: make(map[string]struct{}),
	}
	for _, id := range taskIDs {
		g.deps[id] = make(map[string]struct{})
		g.succ[id] = make(map[string]struct{})
	}
	for id, preds := range dependencies {
		for _, p := range preds {
			g.deps[id][p] = struct{}{}
			if g.succ[p] == nil {
				g.succ[p] = make(map[string]struct{})
			}
			g.succ[p][id] = struct{}{}
		}
	}
	return g
}

// isReady reports whether every predecessor of t is already completed.
func (g *graph) isReady(t string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isReadyLocked(t)
}

func (g *graph) isReadyLocked(t string) bool {
	for p := range g.deps[t] {
		if _, ok := g.completed[p]; !ok {
			return false
		}
	}
	return true
}

// markCompleted records t as completed and returns every successor that has
// just become ready as a result (every one of its predecessors is now
// completed). Safe to call once per task id; a second call for the same id
// returns no newly-ready successors since they are already ready.
func (g *graph) markCompleted(t string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, already := g.completed[t]; already {
		return nil
	}
	g.completed[t] = struct{}{}
	var ready []string
	for s := range g.succ[t] {
		if _, already := g.completed[s]; already {
			continue
		}
		if g.isReadyLocked(s) {
			ready = append(ready, s)
		}
	}
	return ready
}

// completedSnapshot returns a copy of the completed set for condition
// evaluation, so callers never hold the graph's lock while evaluating.
func (g *graph) completedSnapshot() map[string]struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]struct{}, len(g.completed))
	for k := range g.completed {
		out[k] = struct{}{}
	}
	return out
}
