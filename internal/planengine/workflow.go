package planengine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/agentmesh/internal/models"
)

// ExpandWorkflow turns a Workflow submission into task records plus the
// ExecutionPlan the engine drives, per "Workflow submission expands into
// task submissions with the workflow's dependency map honored by the
// execution engine." Workflow.Tasks carries no id of its own, so the
// workflow-local reference each TaskSpec, Workflow.Dependencies key/value,
// Workflow.Groups member, and conditional-group Condition variable uses is
// its position in Tasks ("task_0", "task_1", ...); ExpandWorkflow rewrites
// every one of those references to the freshly generated TaskID before
// returning.
func ExpandWorkflow(wf *models.Workflow) (*models.ExecutionPlan, []*models.Task, error) {
	if len(wf.Tasks) == 0 {
		return nil, nil, fmt.Errorf("%w: workflow must include at least one task", models.ErrInvalidSpec)
	}
	planID := uuid.NewString()
	localToReal := make(map[string]string, len(wf.Tasks))
	for i := range wf.Tasks {
		localToReal[localID(i)] = uuid.NewString()
	}

	now := time.Now()
	tasks := make([]*models.Task, len(wf.Tasks))
	for i, spec := range wf.Tasks {
		real := localToReal[localID(i)]
		deps, err := translateIDs(spec.Dependencies, localToReal)
		if err != nil {
			return nil, nil, err
		}
		tasks[i] = &models.Task{
			TaskID:               real,
			Type:                 spec.Type,
			Priority:             spec.Priority,
			Payload:              spec.Payload,
			Dependencies:         deps,
			RequiredCapabilities: spec.RequiredCapabilities,
			Constraints:          spec.Constraints,
			Status:               models.TaskPending,
			CreatedAt:            now,
			ScheduledFor:         spec.ScheduledFor,
			BatchID:              spec.BatchID,
			PlanID:               planID,
		}
	}

	dependencies := make(map[string][]string, len(wf.Dependencies))
	for localKey, localPreds := range wf.Dependencies {
		real, ok := localToReal[localKey]
		if !ok {
			return nil, nil, fmt.Errorf("%w: dependency map references unknown task %q", models.ErrInvalidSpec, localKey)
		}
		preds, err := translateIDs(localPreds, localToReal)
		if err != nil {
			return nil, nil, err
		}
		dependencies[real] = mergeUnique(dependencies[real], preds)
	}
	// Fold each task's own TaskSpec.Dependencies into the plan-level map too,
	// so a workflow can declare edges either on the spec or in the shared map.
	for _, t := range tasks {
		if len(t.Dependencies) > 0 {
			dependencies[t.TaskID] = mergeUnique(dependencies[t.TaskID], t.Dependencies)
		}
	}

	groups := make([]models.TaskGroup, len(wf.Groups))
	for i, g := range wf.Groups {
		members, err := translateIDs(g.Members, localToReal)
		if err != nil {
			return nil, nil, err
		}
		groups[i] = models.TaskGroup{
			Type:           g.Type,
			Members:        members,
			MaxConcurrency: g.MaxConcurrency,
			Condition:      translateCondition(g.Condition, localToReal),
		}
	}

	taskIDs := make([]string, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.TaskID
	}

	plan := &models.ExecutionPlan{
		PlanID:       planID,
		Name:         wf.Name,
		TaskIDs:      taskIDs,
		Dependencies: dependencies,
		Groups:       groups,
		Constraints:  wf.Constraints,
	}
	return plan, tasks, nil
}

func localID(i int) string { return fmt.Sprintf("task_%d", i) }

func translateIDs(localIDs []string, m map[string]string) ([]string, error) {
	if len(localIDs) == 0 {
		return nil, nil
	}
	out := make([]string, len(localIDs))
	for i, l := range localIDs {
		real, ok := m[l]
		if !ok {
			return nil, fmt.Errorf("%w: reference to unknown task %q", models.ErrInvalidSpec, l)
		}
		out[i] = real
	}
	return out, nil
}

func translateCondition(condition string, m map[string]string) string {
	for local, real := range m {
		condition = strings.ReplaceAll(condition, local+"_completed", "task_"+real+"_completed")
	}
	return condition
}

func mergeUnique(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, v := range append(existing, add...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
