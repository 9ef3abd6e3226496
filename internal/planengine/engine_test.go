package planengine

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/queue"
	"github.com/swarmguard/agentmesh/internal/store"
)

// runFakeConductor drains ready tasks in a loop and immediately completes
// them, standing in for the real conductor so the engine's event-driven
// cascade can be exercised without wiring the full control plane.
func runFakeConductor(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drained, err := q.DrainReady(ctx, 10)
			if err != nil {
				return
			}
			for _, t := range drained {
				if err := q.AssignToAgent(ctx, t, "agent-fake"); err != nil {
					continue
				}
				_ = q.Complete(ctx, t.TaskID, nil)
			}
		}
	}
}

func TestEngineExecuteSequentialChain(t *testing.T) {
	bus := eventbus.New()
	q := queue.New(queue.DefaultConfig(), store.NewMemory(), bus)
	e := New(q, bus)

	wf := &models.Workflow{
		Name: "chain",
		Tasks: []models.TaskSpec{
			{Type: "a", Constraints: models.TaskConstraints{Timeout: time.Second}},
			{Type: "b", Constraints: models.TaskConstraints{Timeout: time.Second}, Dependencies: []string{"task_0"}},
			{Type: "c", Constraints: models.TaskConstraints{Timeout: time.Second}, Dependencies: []string{"task_1"}},
		},
	}
	plan, tasks, err := ExpandWorkflow(wf)
	if err != nil {
		t.Fatalf("ExpandWorkflow: %v", err)
	}
	taskMap := make(map[string]*models.Task, len(tasks))
	for _, tk := range tasks {
		taskMap[tk.TaskID] = tk
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go runFakeConductor(ctx, q)

	result, err := e.Execute(ctx, plan, taskMap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != models.TaskCompleted {
		t.Fatalf("expected plan status completed, got %v", result.Status)
	}
	if len(result.Completed) != 3 {
		t.Fatalf("expected all 3 tasks completed, got %v", result.Completed)
	}
}

func TestEngineExecuteConditionalGroupSkipped(t *testing.T) {
	bus := eventbus.New()
	q := queue.New(queue.DefaultConfig(), store.NewMemory(), bus)
	e := New(q, bus)

	wf := &models.Workflow{
		Name: "gated",
		Tasks: []models.TaskSpec{
			{Type: "probe", Constraints: models.TaskConstraints{Timeout: time.Second}},
			{Type: "followup", Constraints: models.TaskConstraints{Timeout: time.Second}},
		},
		Groups: []models.TaskGroup{
			{Type: models.GroupSequential, Members: []string{"task_0"}},
			{Type: models.GroupConditional, Members: []string{"task_1"}, Condition: "task_0_completed AND task_99_completed"},
		},
	}
	plan, tasks, err := ExpandWorkflow(wf)
	if err != nil {
		t.Fatalf("ExpandWorkflow: %v", err)
	}
	taskMap := make(map[string]*models.Task, len(tasks))
	for _, tk := range tasks {
		taskMap[tk.TaskID] = tk
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go runFakeConductor(ctx, q)

	result, err := e.Execute(ctx, plan, taskMap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Completed) != 1 {
		t.Fatalf("expected only the probe task to complete, got %v", result.Completed)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != tasks[1].TaskID {
		t.Fatalf("expected followup task to be skipped, got %v", result.Skipped)
	}
}
