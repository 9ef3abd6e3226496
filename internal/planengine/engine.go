// Package planengine implements the parallel execution engine (C5): plan
// validation, dependency-graph tracking, and sequential/parallel/
// conditional group execution, driving task admission through the priority
// queue and reacting to its completion/failure events. Generalized from
// services/orchestrator/dag_engine.go's Kahn's-algorithm coordinator +
// worker pool, but the queue and conductor already own task dispatch, so
// this engine's "worker" is simply admitting a ready task onto the queue
// and waiting for the taskCompleted/taskFailed event that follows.
package planengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/queue"
)

// PlanResult summarizes one plan execution's outcome.
type PlanResult struct {
	PlanID    string
	Status    models.TaskStatus
	Completed []string
	Failed    []string
	Skipped   []string
}

// Engine drives ExecutionPlans and expanded Workflows to completion.
type Engine struct {
	q      *queue.Queue
	bus    *eventbus.Bus
	tracer trace.Tracer
}

// New constructs an Engine over the shared queue and event bus.
func New(q *queue.Queue, bus *eventbus.Bus) *Engine {
	return &Engine{q: q, bus: bus, tracer: otel.Tracer("agentmesh-planengine")}
}

func (e *Engine) publish(kind, id string) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Kind: kind, Source: "planengine", Payload: id})
	}
}

// Execute validates plan, then submits tasks onto the queue in dependency
// and group order, blocking until every task completes, fails terminally,
// or the plan's MaxDuration (if set) elapses.
func (e *Engine) Execute(ctx context.Context, plan *models.ExecutionPlan, tasks map[string]*models.Task) (*PlanResult, error) {
	ctx, span := e.tracer.Start(ctx, "planengine.execute", trace.WithAttributes(attribute.String("planId", plan.PlanID)))
	defer span.End()

	if err := ValidatePlan(plan, tasks); err != nil {
		return nil, err
	}
	if plan.Constraints.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.Constraints.MaxDuration)
		defer cancel()
	}

	g := newGraph(plan.TaskIDs, plan.Dependencies)
	ready := make(map[string]chan struct{}, len(plan.TaskIDs))
	done := make(map[string]chan struct{}, len(plan.TaskIDs))
	for _, id := range plan.TaskIDs {
		ready[id] = make(chan struct{})
		done[id] = make(chan struct{})
	}
	for _, id := range plan.TaskIDs {
		if g.isReady(id) {
			closeOnce(ready[id])
		}
	}

	sub := e.bus.Subscribe(256)
	tracked := make(map[string]struct{}, len(plan.TaskIDs))
	for _, id := range plan.TaskIDs {
		tracked[id] = struct{}{}
	}

	result := &PlanResult{PlanID: plan.PlanID}
	var mu sync.Mutex
	var failed bool

	stop := make(chan struct{})
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Kind != models.EventTaskCompleted && ev.Kind != models.EventTaskFailed {
					continue
				}
				taskID, ok := ev.Payload.(string)
				if !ok {
					continue
				}
				if _, tr := tracked[taskID]; !tr {
					continue
				}
				mu.Lock()
				if ev.Kind == models.EventTaskCompleted {
					result.Completed = append(result.Completed, taskID)
				} else {
					result.Failed = append(result.Failed, taskID)
					failed = true
				}
				mu.Unlock()
				for _, succ := range g.markCompleted(taskID) {
					closeOnce(ready[succ])
				}
				closeOnce(done[taskID])
			}
		}
	}()

	e.publish(models.EventPlanStarted, plan.PlanID)

	groups := plan.Groups
	if len(groups) == 0 {
		groups = []models.TaskGroup{{Type: models.GroupParallel, Members: append([]string{}, plan.TaskIDs...), MaxConcurrency: plan.MaxConcurrency}}
	} else {
		groups = append(groups, trailingGroup(plan, groups))
	}

	for _, grp := range groups {
		if len(grp.Members) == 0 {
			continue
		}
		if err := e.runGroup(ctx, grp, plan, tasks, ready, done, g, result, &mu); err != nil {
			mu.Lock()
			failed = true
			mu.Unlock()
			slog.Warn("planengine: group execution error", "plan", plan.PlanID, "error", err)
		}
	}
	close(stop)
	<-coordDone

	mu.Lock()
	defer mu.Unlock()
	if plan.Constraints.RollbackOnFailure && failed {
		e.rollback(context.Background(), plan, result)
	}
	if ctx.Err() != nil {
		result.Status = models.TaskCancelled
		e.publish(models.EventPlanCancelled, plan.PlanID)
		return result, ctx.Err()
	}
	if failed {
		result.Status = models.TaskFailed
		e.publish(models.EventPlanFailed, plan.PlanID)
		return result, fmt.Errorf("plan %s: one or more tasks failed", plan.PlanID)
	}
	result.Status = models.TaskCompleted
	e.publish(models.EventPlanCompleted, plan.PlanID)
	return result, nil
}

// trailingGroup folds any TaskID not claimed by an explicit group into an
// implicit trailing parallel group, so every task in the plan is driven.
func trailingGroup(plan *models.ExecutionPlan, groups []models.TaskGroup) models.TaskGroup {
	claimed := make(map[string]struct{})
	for _, g := range groups {
		for _, m := range g.Members {
			claimed[m] = struct{}{}
		}
	}
	var rest []string
	for _, id := range plan.TaskIDs {
		if _, ok := claimed[id]; !ok {
			rest = append(rest, id)
		}
	}
	return models.TaskGroup{Type: models.GroupParallel, Members: rest, MaxConcurrency: plan.MaxConcurrency}
}

func (e *Engine) runGroup(ctx context.Context, g models.TaskGroup, plan *models.ExecutionPlan, tasks map[string]*models.Task, ready, done map[string]chan struct{}, graph *graph, result *PlanResult, mu *sync.Mutex) error {
	switch g.Type {
	case models.GroupConditional:
		if !evalCondition(g.Condition, graph.completedSnapshot()) {
			mu.Lock()
			result.Skipped = append(result.Skipped, g.Members...)
			mu.Unlock()
			for _, m := range g.Members {
				for _, succ := range graph.markCompleted(m) {
					closeOnce(ready[succ])
				}
				closeOnce(done[m])
			}
			return nil
		}
		return e.runSequential(ctx, g.Members, tasks, ready, done)
	case models.GroupParallel:
		return e.runParallel(ctx, g, plan, tasks, ready, done)
	default: // sequential
		return e.runSequential(ctx, g.Members, tasks, ready, done)
	}
}

func (e *Engine) runSequential(ctx context.Context, members []string, tasks map[string]*models.Task, ready, done map[string]chan struct{}) error {
	for _, m := range members {
		if err := waitReady(ctx, ready[m]); err != nil {
			return err
		}
		if err := e.submit(ctx, m, tasks); err != nil {
			return err
		}
		if err := waitReady(ctx, done[m]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runParallel(ctx context.Context, g models.TaskGroup, plan *models.ExecutionPlan, tasks map[string]*models.Task, ready, done map[string]chan struct{}) error {
	limit := g.MaxConcurrency
	if limit <= 0 {
		limit = plan.MaxConcurrency
	}
	if limit <= 0 {
		limit = len(g.Members)
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, m := range g.Members {
		if err := waitReady(ctx, ready[m]); err != nil {
			return err
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.submit(ctx, taskID, tasks); err != nil {
				slog.Warn("planengine: submit failed", "task", taskID, "error", err)
				return
			}
			waitReady(ctx, done[taskID])
		}(m)
	}
	wg.Wait()
	return nil
}

func (e *Engine) submit(ctx context.Context, taskID string, tasks map[string]*models.Task) error {
	t, ok := tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: task %s not resolved for submission", models.ErrNotFound, taskID)
	}
	return e.q.Enqueue(ctx, t)
}

func (e *Engine) rollback(ctx context.Context, plan *models.ExecutionPlan, result *PlanResult) {
	finished := make(map[string]struct{}, len(result.Completed)+len(result.Failed)+len(result.Skipped))
	for _, id := range result.Completed {
		finished[id] = struct{}{}
	}
	for _, id := range result.Failed {
		finished[id] = struct{}{}
	}
	for _, id := range result.Skipped {
		finished[id] = struct{}{}
	}
	for _, id := range plan.TaskIDs {
		if _, done := finished[id]; done {
			continue
		}
		if err := e.q.Cancel(ctx, id); err != nil {
			slog.Warn("planengine: rollback cancel failed", "task", id, "error", err)
		}
	}
}

func waitReady(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
		// already closed
	default:
		close(ch)
	}
}
