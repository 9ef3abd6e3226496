package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/queue"
	"github.com/swarmguard/agentmesh/internal/registry"
	"github.com/swarmguard/agentmesh/internal/store"
)

func newTestCollaborators(t *testing.T) (*registry.Registry, *queue.Queue) {
	t.Helper()
	st := store.NewMemory()
	bus := eventbus.New()
	reg, err := registry.New(st, bus, nil, registry.NoopProber{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	q := queue.New(queue.DefaultConfig(), st, bus)
	return reg, q
}

func registerAgent(t *testing.T, reg *registry.Registry, name string, maxConcurrency int) *models.Agent {
	t.Helper()
	ctx := context.Background()
	spec := &models.AgentSpec{
		Name: name,
		Type: "executor",
		Capabilities: []models.Capability{
			{Type: "http", MaxConcurrency: maxConcurrency},
		},
		Endpoints: []models.Endpoint{{URL: "ws://localhost:9000", Scheme: "ws"}},
	}
	agent, err := reg.Register(ctx, spec)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return agent
}

func TestReportBuilderCountsAgentsByStatus(t *testing.T) {
	reg, q := newTestCollaborators(t)
	registerAgent(t, reg, "a1", 2)
	registerAgent(t, reg, "a2", 2)

	builder := NewReportBuilder(reg, q)
	report, err := builder.Build(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	if report.Agents["idle"] != 2 {
		t.Fatalf("expected 2 idle agents, got %d", report.Agents["idle"])
	}
	if report.Agents["total"] != 2 {
		t.Fatalf("expected total 2, got %d", report.Agents["total"])
	}
	if report.UniqueAgents < 1 {
		t.Fatalf("expected unique agent estimate >= 1, got %d", report.UniqueAgents)
	}
}

func TestReportBuilderFlagsQueueBacklog(t *testing.T) {
	reg, q := newTestCollaborators(t)
	ctx := context.Background()
	for i := 0; i < queueBacklogThreshold+5; i++ {
		task := &models.Task{
			TaskID:      taskID(i),
			Type:        "noop",
			Priority:    models.PriorityMedium,
			Status:      models.TaskPending,
			CreatedAt:   time.Now(),
			Constraints: models.TaskConstraints{MaxRetries: 1, Timeout: time.Second},
		}
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	builder := NewReportBuilder(reg, q)
	report, err := builder.Build(ctx, time.Hour)
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	found := false
	for _, b := range report.Bottlenecks {
		if b.Kind == "queue_backlog" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected queue_backlog bottleneck, got %+v", report.Bottlenecks)
	}
}

func TestReportBuilderFlagsSaturatedAgent(t *testing.T) {
	reg, q := newTestCollaborators(t)
	ctx := context.Background()
	agent := registerAgent(t, reg, "saturated", 1)
	if _, err := reg.MutateCurrentTasks(ctx, agent.AgentID, func(a *models.Agent) {
		a.CurrentTasks = []string{"t1"}
		a.Status = models.AgentBusy
	}); err != nil {
		t.Fatalf("mutate current tasks: %v", err)
	}

	builder := NewReportBuilder(reg, q)
	report, err := builder.Build(ctx, time.Hour)
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	found := false
	for _, b := range report.Bottlenecks {
		if b.Kind == "agent_saturated" && b.Target == agent.AgentID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected agent_saturated bottleneck for %s, got %+v", agent.AgentID, report.Bottlenecks)
	}
}

func TestReportToRegoInputShape(t *testing.T) {
	r := &Report{
		Resources:   map[string]ResourceUtilization{"cpu": {Utilization: 0.9}},
		Agents:      map[string]int{"idle": 3},
		Summary:     map[string]float64{"queueReady": 5},
		Bottlenecks: []Bottleneck{{Kind: "queue_backlog"}},
	}
	input := r.ToRegoInput()
	resources, ok := input["resources"].(map[string]any)
	if !ok {
		t.Fatalf("expected resources map, got %T", input["resources"])
	}
	cpu, ok := resources["cpu"].(map[string]any)
	if !ok || cpu["utilization"] != 0.9 {
		t.Fatalf("expected cpu.utilization 0.9, got %+v", resources["cpu"])
	}
	bottlenecks, ok := input["bottlenecks"].(map[string]any)
	if !ok || bottlenecks["length"] != 1 {
		t.Fatalf("expected bottlenecks.length 1, got %+v", input["bottlenecks"])
	}
}

func taskID(i int) string {
	return "backlog-task-" + time.Now().Add(time.Duration(i)*time.Nanosecond).Format("150405.000000000")
}
