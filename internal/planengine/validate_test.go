package planengine

import (
	"errors"
	"testing"
	"time"

	"github.com/swarmguard/agentmesh/internal/models"
)

func mkValidTask(id string) *models.Task {
	return &models.Task{TaskID: id, Type: "noop", Status: models.TaskPending, Constraints: models.TaskConstraints{Timeout: time.Second}}
}

func TestValidatePlanRejectsEmptyTaskList(t *testing.T) {
	plan := &models.ExecutionPlan{PlanID: "p1"}
	if err := ValidatePlan(plan, map[string]*models.Task{}); err == nil {
		t.Fatalf("expected error for empty plan")
	}
}

func TestValidatePlanRejectsInvalidMaxConcurrency(t *testing.T) {
	plan := &models.ExecutionPlan{PlanID: "p1", TaskIDs: []string{"a"}, MaxConcurrency: -1}
	tasks := map[string]*models.Task{"a": mkValidTask("a")}
	if err := ValidatePlan(plan, tasks); err == nil {
		t.Fatalf("expected error for negative maxConcurrency")
	}
}

func TestValidatePlanRejectsUnknownTaskReference(t *testing.T) {
	plan := &models.ExecutionPlan{PlanID: "p1", TaskIDs: []string{"a", "ghost"}}
	tasks := map[string]*models.Task{"a": mkValidTask("a")}
	if err := ValidatePlan(plan, tasks); err == nil {
		t.Fatalf("expected error for unresolved task id")
	}
}

func TestValidatePlanRejectsUnknownDependencyReference(t *testing.T) {
	plan := &models.ExecutionPlan{
		PlanID:       "p1",
		TaskIDs:      []string{"a"},
		Dependencies: map[string][]string{"a": {"ghost"}},
	}
	tasks := map[string]*models.Task{"a": mkValidTask("a")}
	if err := ValidatePlan(plan, tasks); err == nil {
		t.Fatalf("expected error for unknown predecessor")
	}
}

func TestValidatePlanRejectsUnknownGroupMember(t *testing.T) {
	plan := &models.ExecutionPlan{
		PlanID:  "p1",
		TaskIDs: []string{"a"},
		Groups:  []models.TaskGroup{{Type: models.GroupParallel, Members: []string{"ghost"}}},
	}
	tasks := map[string]*models.Task{"a": mkValidTask("a")}
	if err := ValidatePlan(plan, tasks); err == nil {
		t.Fatalf("expected error for unknown group member")
	}
}

func TestValidatePlanRejectsSubSecondTimeout(t *testing.T) {
	task := mkValidTask("a")
	task.Constraints.Timeout = 100 * time.Millisecond
	plan := &models.ExecutionPlan{PlanID: "p1", TaskIDs: []string{"a"}}
	tasks := map[string]*models.Task{"a": task}
	if err := ValidatePlan(plan, tasks); err == nil {
		t.Fatalf("expected error for timeout below the 1s floor")
	}
}

func TestValidatePlanRejectsCyclicDependencies(t *testing.T) {
	plan := &models.ExecutionPlan{
		PlanID:  "p1",
		TaskIDs: []string{"a", "b"},
		Dependencies: map[string][]string{
			"a": {"b"},
			"b": {"a"},
		},
	}
	tasks := map[string]*models.Task{"a": mkValidTask("a"), "b": mkValidTask("b")}
	err := ValidatePlan(plan, tasks)
	if err == nil {
		t.Fatalf("expected cyclic dependency error")
	}
	if !errors.Is(err, models.ErrCyclic) {
		t.Fatalf("expected ErrCyclic, got %v", err)
	}
}

func TestValidatePlanAcceptsWellFormedPlan(t *testing.T) {
	plan := &models.ExecutionPlan{
		PlanID:       "p1",
		TaskIDs:      []string{"a", "b"},
		Dependencies: map[string][]string{"b": {"a"}},
		Groups:       []models.TaskGroup{{Type: models.GroupSequential, Members: []string{"a", "b"}}},
	}
	tasks := map[string]*models.Task{"a": mkValidTask("a"), "b": mkValidTask("b")}
	if err := ValidatePlan(plan, tasks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
