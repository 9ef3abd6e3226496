// Package optimizer implements the performance optimizer (C7): metric
// ingestion and windowed aggregation, a rego-backed threshold rule engine,
// and fire-and-forget action dispatch into the lifecycle manager and
// conductor. Grounded on services/orchestrator/scheduler.go's cron loop
// (reused here for the 60 s evaluation tick) and
// services/policy-service/opa_engine.go's OPA wiring (reused for rule
// compilation and evaluation).
package optimizer

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/queue"
	"github.com/swarmguard/agentmesh/internal/registry"
	"github.com/swarmguard/agentmesh/internal/store"
)

const (
	evaluationCronSpec = "*/60 * * * * *"
	reportWindow       = time.Hour
)

// Manager owns metric ingestion, the rule engine, and the action dispatcher,
// and drives the periodic evaluation loop.
type Manager struct {
	Metrics *MetricStore
	Rules   *RuleEngine
	Actions *ActionDispatcher

	builder *ReportBuilder

	tracer      trace.Tracer
	evaluations metric.Int64Counter
	triggers    metric.Int64Counter
}

// New constructs a Manager wired to reg/q for report building and bs for
// durable metric mirroring.
func New(bs store.Store, reg *registry.Registry, q *queue.Queue, dispatcher *ActionDispatcher) *Manager {
	meter := otel.Meter("agentmesh")
	tracer := otel.Tracer("agentmesh-optimizer")
	evaluations, _ := meter.Int64Counter("swarm_optimizer_evaluations_total")
	triggers, _ := meter.Int64Counter("swarm_optimizer_rule_triggers_total")
	return &Manager{
		Metrics:     NewMetricStore(bs),
		Rules:       NewRuleEngine(meter, tracer),
		Actions:     dispatcher,
		builder:     NewReportBuilder(reg, q),
		tracer:      tracer,
		evaluations: evaluations,
		triggers:    triggers,
	}
}

// RecordMetric ingests one metric sample.
func (m *Manager) RecordMetric(ctx context.Context, sample models.Metric) error {
	return m.Metrics.Record(ctx, sample)
}

// BuildReport produces a fresh Report stamped with the one-hour reportWindow.
func (m *Manager) BuildReport(ctx context.Context) (*Report, error) {
	return m.builder.Build(ctx, reportWindow)
}

// Run drives the 60 s rule-evaluation loop via a seconds-precision cron
// entry until ctx is cancelled, mirroring
// services/orchestrator/scheduler.go's cron.New(cron.WithSeconds()) pattern.
func (m *Manager) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(evaluationCronSpec, func() {
		m.evaluate(ctx)
	}); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
	}
	return ctx.Err()
}

// evaluate builds a fresh report and fires every enabled rule whose
// condition is true and whose cooldown has elapsed.
func (m *Manager) evaluate(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "optimizer.evaluate")
	defer span.End()
	m.evaluations.Add(ctx, 1)

	report, err := m.BuildReport(ctx)
	if err != nil {
		slog.Error("optimizer: build report failed", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("bottlenecks", len(report.Bottlenecks)))

	now := time.Now()
	for _, rule := range m.Rules.Rules() {
		if !rule.Enabled {
			continue
		}
		if rule.LastTriggeredAt != nil && now.Sub(*rule.LastTriggeredAt) < rule.Cooldown {
			continue
		}
		triggered, err := m.Rules.Evaluate(ctx, rule, report)
		if err != nil {
			slog.Warn("optimizer: rule evaluation failed", "rule", rule.ID, "error", err)
			continue
		}
		if !triggered {
			continue
		}
		m.triggers.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule.ID), attribute.String("action", string(rule.Action))))
		if m.Actions != nil {
			if err := m.Actions.Dispatch(ctx, rule, report); err != nil {
				slog.Error("optimizer: action dispatch failed", "rule", rule.ID, "action", rule.Action, "error", err)
			}
		}
		fired := now
		rule.LastTriggeredAt = &fired
		if putErr := m.Rules.PutRule(ctx, rule); putErr != nil {
			slog.Warn("optimizer: re-register rule after trigger failed", "rule", rule.ID, "error", putErr)
		}
	}
}
