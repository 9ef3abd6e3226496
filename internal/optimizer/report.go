package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/queue"
	"github.com/swarmguard/agentmesh/internal/registry"
)

// ResourceUtilization is one resource kind's fractional load in [0,1].
type ResourceUtilization struct {
	Utilization float64 `json:"utilization"`
}

// Bottleneck is one condition the report builder's heuristics flagged.
type Bottleneck struct {
	Kind        string  `json:"kind"`
	Target      string  `json:"target"`
	Severity    float64 `json:"severity"`
	Description string  `json:"description"`
}

// Report is the windowed snapshot the rule engine evaluates rego queries
// against, shaped as {resources, agents, summary, bottlenecks} per the
// optimizer's report contract.
type Report struct {
	GeneratedAt  time.Time
	Window       time.Duration
	Resources    map[string]ResourceUtilization
	Agents       map[string]int
	Summary      map[string]float64
	Bottlenecks  []Bottleneck
	UniqueAgents uint64
}

// ToRegoInput flattens the report into the plain map shape OPA evaluates
// input against: data.swarm.optimizer.trigger reads resources.<k>.utilization,
// agents.<k>, summary.<k>, and bottlenecks.length.
func (r *Report) ToRegoInput() map[string]any {
	resources := make(map[string]any, len(r.Resources))
	for k, v := range r.Resources {
		resources[k] = map[string]any{"utilization": v.Utilization}
	}
	agents := make(map[string]any, len(r.Agents))
	for k, v := range r.Agents {
		agents[k] = v
	}
	summary := make(map[string]any, len(r.Summary))
	for k, v := range r.Summary {
		summary[k] = v
	}
	return map[string]any{
		"resources": resources,
		"agents":    agents,
		"summary":   summary,
		"bottlenecks": map[string]any{
			"length": len(r.Bottlenecks),
		},
	}
}

// Thresholds beyond which the heuristic bottleneck scan flags a condition.
const (
	queueBacklogThreshold = 100
	deadLetterThreshold   = 1
)

// ReportBuilder aggregates live registry/queue state into a Report. Ad hoc named-metric queries go through MetricStore
// directly; the report itself only carries the resources/agents/summary/
// bottlenecks shape the rule engine evaluates against.
type ReportBuilder struct {
	reg *registry.Registry
	q   *queue.Queue
}

// NewReportBuilder constructs a ReportBuilder over the given collaborators.
func NewReportBuilder(reg *registry.Registry, q *queue.Queue) *ReportBuilder {
	return &ReportBuilder{reg: reg, q: q}
}

// Build produces a Report from the registry and queue state at call time.
// window is recorded in Report.Window; it does not filter any data.
func (b *ReportBuilder) Build(ctx context.Context, window time.Duration) (*Report, error) {
	now := time.Now()

	agents, err := b.reg.Discover(ctx, registry.Query{})
	if err != nil {
		return nil, fmt.Errorf("discover agents: %w", err)
	}

	report := &Report{
		GeneratedAt: now,
		Window:      window,
		Resources:   make(map[string]ResourceUtilization),
		Agents:      make(map[string]int),
		Summary:     make(map[string]float64),
	}

	var cpuSum, memSum, concurrencySum float64
	uniqueAgents := NewHyperLogLog()
	for _, a := range agents {
		report.Agents[string(a.Status)]++
		cpuSum += a.Health.CPU
		memSum += a.Health.Memory
		if max := maxConcurrency(a); max > 0 {
			concurrencySum += float64(len(a.CurrentTasks)) / float64(max)
		}
		uniqueAgents.Add([]byte(a.AgentID))

		if max := maxConcurrency(a); max > 0 && len(a.CurrentTasks) >= max {
			report.Bottlenecks = append(report.Bottlenecks, Bottleneck{
				Kind:        "agent_saturated",
				Target:      a.AgentID,
				Severity:    1.0,
				Description: fmt.Sprintf("agent %s is at capacity (%d/%d tasks)", a.AgentID, len(a.CurrentTasks), max),
			})
		}
	}
	report.Agents["total"] = len(agents)
	report.UniqueAgents = uniqueAgents.Count()

	n := float64(len(agents))
	if n > 0 {
		report.Resources["cpu"] = ResourceUtilization{Utilization: cpuSum / n / 100.0}
		report.Resources["memory"] = ResourceUtilization{Utilization: memSum / n / 100.0}
		report.Resources["concurrency"] = ResourceUtilization{Utilization: concurrencySum / n}
	}

	ready, processing, delayed, dlq, err := b.q.Sizes(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue sizes: %w", err)
	}
	backlog := ready + processing + delayed
	queueUtil := 0.0
	if backlog > 0 {
		queueUtil = float64(processing) / float64(backlog)
	}
	report.Resources["queue"] = ResourceUtilization{Utilization: queueUtil}
	report.Summary["queueReady"] = float64(ready)
	report.Summary["queueProcessing"] = float64(processing)
	report.Summary["queueDelayed"] = float64(delayed)
	report.Summary["queueDeadLetter"] = float64(dlq)
	report.Summary["avgSuccessRate"] = avgSuccessRate(agents)
	report.Summary["uniqueAgents"] = float64(report.UniqueAgents)

	if backlog >= queueBacklogThreshold {
		report.Bottlenecks = append(report.Bottlenecks, Bottleneck{
			Kind:        "queue_backlog",
			Target:      "queue",
			Severity:    float64(backlog) / float64(queueBacklogThreshold),
			Description: fmt.Sprintf("queue backlog of %d tasks exceeds threshold %d", backlog, queueBacklogThreshold),
		})
	}
	if dlq >= deadLetterThreshold {
		report.Bottlenecks = append(report.Bottlenecks, Bottleneck{
			Kind:        "dead_letter_accumulation",
			Target:      "queue",
			Severity:    float64(dlq),
			Description: fmt.Sprintf("%d tasks parked in the dead letter lane", dlq),
		})
	}

	return report, nil
}

func maxConcurrency(a *models.Agent) int {
	if prim := a.PrimaryCapability(); prim != nil {
		return prim.MaxConcurrency
	}
	return 0
}

func avgSuccessRate(agents []*models.Agent) float64 {
	if len(agents) == 0 {
		return 0
	}
	var sum float64
	for _, a := range agents {
		sum += a.Performance.SuccessRate
	}
	return sum / float64(len(agents))
}
