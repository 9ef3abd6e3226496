package planengine

import (
	"fmt"
	"time"

	"github.com/gammazero/toposort"

	"github.com/swarmguard/agentmesh/internal/models"
)

const minTaskTimeout = time.Second

// ValidatePlan rejects a plan with fewer than one task, an invalid
// concurrency bound, a task timeout under one second, an unknown task id
// reference in the dependency map or any group, or a cyclic dependency
// graph. tasks carries the already-resolved Task records keyed by id; a
// plan referencing an id absent from tasks is itself the unknown-reference
// error, since every TaskID the plan names must already be admitted.
func ValidatePlan(plan *models.ExecutionPlan, tasks map[string]*models.Task) error {
	if len(plan.TaskIDs) < 1 {
		return fmt.Errorf("%w: plan must name at least one task", models.ErrInvalidSpec)
	}
	if plan.MaxConcurrency != 0 && plan.MaxConcurrency < 1 {
		return fmt.Errorf("%w: maxConcurrency must be >= 1", models.ErrInvalidSpec)
	}

	known := make(map[string]struct{}, len(plan.TaskIDs))
	for _, id := range plan.TaskIDs {
		known[id] = struct{}{}
		if _, ok := tasks[id]; !ok {
			return fmt.Errorf("%w: unknown task id %q", models.ErrInvalidSpec, id)
		}
	}
	for id, preds := range plan.Dependencies {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("%w: dependency map references unknown task %q", models.ErrInvalidSpec, id)
		}
		for _, p := range preds {
			if _, ok := known[p]; !ok {
				return fmt.Errorf("%w: dependency map references unknown predecessor %q", models.ErrInvalidSpec, p)
			}
		}
	}
	for _, g := range plan.Groups {
		if g.Type == models.GroupParallel && g.MaxConcurrency < 0 {
			return fmt.Errorf("%w: group maxConcurrency must be >= 0", models.ErrInvalidSpec)
		}
		for _, m := range g.Members {
			if _, ok := known[m]; !ok {
				return fmt.Errorf("%w: group references unknown task %q", models.ErrInvalidSpec, m)
			}
		}
	}
	for id := range known {
		if t := tasks[id]; t.Constraints.Timeout > 0 && t.Constraints.Timeout < minTaskTimeout {
			return fmt.Errorf("%w: task %q timeout below 1s floor", models.ErrInvalidSpec, id)
		}
	}

	if err := checkAcyclic(plan.Dependencies); err != nil {
		return err
	}
	return nil
}

// checkAcyclic validates the dependency map has no cycle, using
// gammazero/toposort (grounded on lprior-repo-open-swarm's pkg/dag
// scheduler, which validates workflow DAGs with the same library) rather
// than a hand-rolled DFS.
func checkAcyclic(dependencies map[string][]string) error {
	var edges []toposort.Edge
	for id, preds := range dependencies {
		for _, p := range preds {
			edges = append(edges, toposort.Edge{p, id})
		}
	}
	if len(edges) == 0 {
		return nil
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", models.ErrCyclic, err)
	}
	return nil
}
