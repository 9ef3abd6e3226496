// Package conductor implements the scheduling loop (C4): admits drained
// tasks, matches agent capability/capacity candidates via the registry,
// selects one by the configured allocation strategy, dispatches it, and
// recovers tasks stranded by agent loss. Grounded on
// services/orchestrator/scheduler.go's cron-driven tick, generalized from a
// single workflow-per-cron-entry model to one recurring tick that drains
// the whole ready lane.
package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/queue"
	"github.com/swarmguard/agentmesh/internal/registry"
)

// AllocationStrategy selects which eligible agent wins a task.
type AllocationStrategy string

const (
	StrategyBalanced    AllocationStrategy = "balanced"
	StrategyPerformance AllocationStrategy = "performance"
	StrategyCostOptimized AllocationStrategy = "cost-optimized"
)

// CapacityModel resolves which maxConcurrency value gates an agent's
// candidacy. primary-capability reads capabilities[0].maxConcurrency only
// (the default, matching the literal `capabilities[0]?.maxConcurrency`
// read); per-capability instead requires every required capability to have
// spare room for a task needing it specifically.
type CapacityModel string

const (
	CapacityPrimary CapacityModel = "primary-capability"
	CapacityPerCapability CapacityModel = "per-capability"
)

// Config carries the conductor's tunable scheduling policy.
type Config struct {
	MaxConcurrentTasks       int
	TaskTimeout              time.Duration
	AgentHealthCheckInterval time.Duration
	ResourceAllocationStrategy AllocationStrategy
	CapacityModel            CapacityModel
}

// DefaultConfig returns sane defaults matching the enumerated config
// surface in the external-interfaces section.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:         64,
		TaskTimeout:                30 * time.Second,
		AgentHealthCheckInterval:   30 * time.Second,
		ResourceAllocationStrategy: StrategyBalanced,
		CapacityModel:              CapacityPrimary,
	}
}

// Dispatcher invokes an agent with a task and awaits its result, over
// whatever transport the caller wires (message router, or an in-process
// worker pool for C5-owned plan tasks).
type Dispatcher interface {
	Dispatch(ctx context.Context, agent *models.Agent, task *models.Task) (result []byte, err error)
}

// Conductor owns task admission, agent matching, and dispatch.
type Conductor struct {
	cfg        Config
	queue      *queue.Queue
	registry   *registry.Registry
	dispatcher Dispatcher
	bus        *eventbus.Bus

	tracer trace.Tracer
	ticks  metric.Int64Counter
	assigns metric.Int64Counter
	stalls metric.Int64Counter
}

// New constructs a Conductor.
func New(cfg Config, q *queue.Queue, reg *registry.Registry, dispatcher Dispatcher, bus *eventbus.Bus) *Conductor {
	meter := otel.Meter("agentmesh")
	ticks, _ := meter.Int64Counter("swarm_conductor_ticks_total")
	assigns, _ := meter.Int64Counter("swarm_conductor_assignments_total")
	stalls, _ := meter.Int64Counter("swarm_conductor_stalls_total")
	return &Conductor{
		cfg:        cfg,
		queue:      q,
		registry:   reg,
		dispatcher: dispatcher,
		bus:        bus,
		tracer:     otel.Tracer("agentmesh-conductor"),
		ticks:      ticks,
		assigns:    assigns,
		stalls:     stalls,
	}
}

func (c *Conductor) publish(kind, taskID string) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Kind: kind, Source: "conductor", Payload: taskID})
	}
}

// Tick drains up to MaxConcurrentTasks ready tasks and attempts to match and
// dispatch each, stopping at the first task with no eligible candidate so
// it is not starved behind tasks it cannot lose a priority race to.
func (c *Conductor) Tick(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "conductor.tick")
	defer span.End()
	c.ticks.Add(ctx, 1)

	tasks, err := c.queue.DrainReady(ctx, c.cfg.MaxConcurrentTasks)
	if err != nil {
		return fmt.Errorf("drain ready lane: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority.BaseScore() > tasks[j].Priority.BaseScore()
	})

	for _, t := range tasks {
		agent, err := c.matchAndSelect(ctx, t)
		if err != nil {
			return fmt.Errorf("match task %s: %w", t.TaskID, err)
		}
		if agent == nil {
			if err := c.queue.RequeueHead(ctx, t); err != nil {
				slog.Warn("conductor: requeue head failed", "task", t.TaskID, "error", err)
			}
			c.stalls.Add(ctx, 1)
			span.AddEvent("no_candidate", trace.WithAttributes(attribute.String("taskId", t.TaskID)))
			break
		}
		if err := c.assign(ctx, agent, t); err != nil {
			slog.Error("conductor: assignment failed", "task", t.TaskID, "agent", agent.AgentID, "error", err)
			continue
		}
		go c.dispatchAndAwait(context.Background(), agent, t)
	}
	return nil
}

// maxConcurrencyFor resolves an agent's capacity ceiling per the configured
// CapacityModel.
func (c *Conductor) maxConcurrencyFor(agent *models.Agent, required []string) int {
	if c.cfg.CapacityModel == CapacityPerCapability && len(required) > 0 {
		min := -1
		byType := make(map[string]models.Capability, len(agent.Capabilities))
		for _, capa := range agent.Capabilities {
			byType[capa.Type] = capa
		}
		for _, r := range required {
			capa, ok := byType[r]
			if !ok {
				continue
			}
			if min == -1 || capa.MaxConcurrency < min {
				min = capa.MaxConcurrency
			}
		}
		if min >= 0 {
			return min
		}
	}
	if prim := agent.PrimaryCapability(); prim != nil {
		return prim.MaxConcurrency
	}
	return 1
}

// matchAndSelect builds the candidate set for t (status idle, or busy with
// spare capacity, and capability superset) and picks one via the
// configured allocation strategy. Returns nil, nil if no candidate exists.
func (c *Conductor) matchAndSelect(ctx context.Context, t *models.Task) (*models.Agent, error) {
	pool, err := c.registry.Discover(ctx, registry.Query{Capabilities: t.RequiredCapabilities})
	if err != nil {
		return nil, err
	}
	var candidates []*models.Agent
	for _, a := range pool {
		switch a.Status {
		case models.AgentIdle:
			candidates = append(candidates, a)
		case models.AgentBusy:
			if len(a.CurrentTasks) < c.maxConcurrencyFor(a, t.RequiredCapabilities) {
				candidates = append(candidates, a)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return selectCandidate(candidates, c.cfg.ResourceAllocationStrategy), nil
}

// selectCandidate applies the allocation strategy's comparator. These are
// plain formulas, not a library concern: no optimizer/solver in the pack
// models a scoring function this small.
func selectCandidate(candidates []*models.Agent, strategy AllocationStrategy) *models.Agent {
	best := candidates[0]
	bestScore := candidateScore(best, strategy)
	for _, a := range candidates[1:] {
		s := candidateScore(a, strategy)
		if betterScore(s, bestScore, strategy) {
			best, bestScore = a, s
		}
	}
	return best
}

func candidateScore(a *models.Agent, strategy AllocationStrategy) float64 {
	switch strategy {
	case StrategyPerformance:
		return a.Performance.SuccessRate
	case StrategyCostOptimized:
		return float64(len(a.CurrentTasks))
	default: // balanced
		return 0.6*a.Performance.SuccessRate + 0.4*(1-float64(len(a.CurrentTasks))/10.0)
	}
}

// betterScore reports whether candidate score s beats best under strategy:
// cost-optimized minimizes, the others maximize.
func betterScore(s, best float64, strategy AllocationStrategy) bool {
	if strategy == StrategyCostOptimized {
		return s < best
	}
	return s > best
}

// assign atomically moves t to assigned, links it to agent, and updates the
// agent's currentTasks/status, persisting both sides.
func (c *Conductor) assign(ctx context.Context, agent *models.Agent, t *models.Task) error {
	if _, err := c.registry.MutateCurrentTasks(ctx, agent.AgentID, func(a *models.Agent) {
		a.CurrentTasks = append(a.CurrentTasks, t.TaskID)
		a.Status = models.AgentBusy
	}); err != nil {
		return fmt.Errorf("link agent: %w", err)
	}
	if err := c.queue.AssignToAgent(ctx, t, agent.AgentID); err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	c.assigns.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", string(c.cfg.ResourceAllocationStrategy))))
	return nil
}

// dispatchAndAwait invokes the agent and waits for the result under the
// task's timeout, applying the queue's completion/retry/dead-letter policy
// to the outcome. It runs in its own goroutine per assigned task so one
// slow agent never blocks the tick.
func (c *Conductor) dispatchAndAwait(ctx context.Context, agent *models.Agent, t *models.Task) {
	timeout := c.cfg.TaskTimeout
	if t.Constraints.Timeout > 0 {
		timeout = t.Constraints.Timeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.queue.MarkRunning(dctx, t.TaskID); err != nil {
		slog.Warn("conductor: mark running failed", "task", t.TaskID, "error", err)
	}
	c.publish(models.EventTaskStarted, t.TaskID)

	result, err := c.dispatcher.Dispatch(dctx, agent, t)
	c.release(context.Background(), agent.AgentID, t.TaskID)

	if err != nil {
		if dctx.Err() != nil {
			err = fmt.Errorf("%w: %v", models.ErrTimeout, err)
		}
		if ferr := c.queue.Fail(context.Background(), t.TaskID, err); ferr != nil {
			slog.Error("conductor: fail task bookkeeping failed", "task", t.TaskID, "error", ferr)
		}
		return
	}
	if cerr := c.queue.Complete(context.Background(), t.TaskID, result); cerr != nil {
		slog.Error("conductor: complete task bookkeeping failed", "task", t.TaskID, "error", cerr)
	}
}

// release detaches a completed/failed task from its agent's currentTasks,
// reverting the agent to idle once its queue is empty.
func (c *Conductor) release(ctx context.Context, agentID, taskID string) {
	_, err := c.registry.MutateCurrentTasks(ctx, agentID, func(a *models.Agent) {
		out := a.CurrentTasks[:0]
		for _, id := range a.CurrentTasks {
			if id != taskID {
				out = append(out, id)
			}
		}
		a.CurrentTasks = out
		if len(a.CurrentTasks) == 0 && a.Status == models.AgentBusy {
			a.Status = models.AgentIdle
		}
	})
	if err != nil {
		slog.Warn("conductor: release task from agent failed", "agent", agentID, "task", taskID, "error", err)
	}
}

// HandleAgentLoss resets every task still assigned to a lost agent back to
// pending at the ready lane's head, per the agent-loss recovery rule.
// Callers must pass the agent's CurrentTasks snapshot captured before the
// registration record is removed. Neither the Control API's unregister
// handler nor the registry's health prober calls it.
func (c *Conductor) HandleAgentLoss(ctx context.Context, agentID string, currentTasks []string) error {
	if len(currentTasks) == 0 {
		return nil
	}
	if err := c.queue.ReassignFromAgent(ctx, currentTasks); err != nil {
		return fmt.Errorf("reassign tasks from lost agent %s: %w", agentID, err)
	}
	slog.Info("conductor: reassigned tasks from lost agent", "agent", agentID, "count", len(currentTasks))
	return nil
}

// Rebalance forces an out-of-band scheduling pass, the hook the performance
// optimizer's `rebalance` action invokes when bottleneck detection flags
// uneven agent load — it is otherwise identical to a regular tick.
func (c *Conductor) Rebalance(ctx context.Context) error {
	return c.Tick(ctx)
}

// Run drives the conductor's 1 s tick via a seconds-precision cron entry,
// exactly as services/orchestrator/scheduler.go configures its cron
// instance, until ctx is cancelled.
func (c *Conductor) Run(ctx context.Context) error {
	cr := cron.New(cron.WithSeconds())
	_, err := cr.AddFunc("*/1 * * * * *", func() {
		tickCtx, cancel := context.WithTimeout(context.Background(), 900*time.Millisecond)
		defer cancel()
		if err := c.Tick(tickCtx); err != nil {
			slog.Error("conductor: tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule conductor tick: %w", err)
	}
	cr.Start()
	<-ctx.Done()
	stopCtx := cr.Stop()
	<-stopCtx.Done()
	return nil
}
