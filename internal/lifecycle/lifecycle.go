// Package lifecycle implements the lifecycle manager (C6): agent templates
// and deployments, update-strategy rollouts, instance health probing, and an
// auto-scaler loop. Durable state is BoltDB (ported from
// services/orchestrator/persistence.go's WorkflowStore, generalized to the
// template/deployment/instance bucket family); the scaling loop reuses
// robfig/cron/v3 the same way services/orchestrator/scheduler.go does.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/models"
)

// instanceHealth tracks an instance's consecutive probe failure count so
// the manager can apply HealthProbe.FailureThreshold before flipping it
// unhealthy, mirroring registry.probeRecord's rolling-evidence approach but
// scoped to a single consecutive-failure counter per the simpler contract
// of §4.6 (failureThreshold consecutive failures before marking unhealthy).
type instanceHealth struct {
	consecutiveFailures int
	lastProbedAt        time.Time
}

// Manager owns templates, deployments, instances, and the scaling/health
// loops that act on them.
type Manager struct {
	bs     *boltStore
	bus    *eventbus.Bus
	prober InstanceProber
	tracer trace.Tracer

	mu     sync.Mutex
	health map[string]*instanceHealth

	deploymentsCreated metric.Int64Counter
	instancesUnhealthy metric.Int64Counter
}

// New constructs a Manager backed by a BoltDB file at dbPath.
func New(dbPath string, bus *eventbus.Bus, prober InstanceProber) (*Manager, error) {
	meter := otel.Meter("agentmesh")
	bs, err := newBoltStore(dbPath, meter)
	if err != nil {
		return nil, err
	}
	if prober == nil {
		prober = DefaultProber{}
	}
	deploymentsCreated, _ := meter.Int64Counter("swarm_deployment_created_total")
	instancesUnhealthy, _ := meter.Int64Counter("swarm_instance_unhealthy_total")
	return &Manager{
		bs:                 bs,
		bus:                bus,
		prober:             prober,
		tracer:             otel.Tracer("agentmesh-lifecycle"),
		health:             make(map[string]*instanceHealth),
		deploymentsCreated: deploymentsCreated,
		instancesUnhealthy: instancesUnhealthy,
	}, nil
}

func (m *Manager) Close() error { return m.bs.Close() }

func (m *Manager) publish(kind, id string) {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Kind: kind, Source: "lifecycle", Payload: id})
	}
}

// PutTemplate validates and stores an AgentTemplate.
func (m *Manager) PutTemplate(ctx context.Context, t *models.AgentTemplate) error {
	if t.Name == "" || t.Image == "" {
		return fmt.Errorf("%w: template requires name and image", models.ErrInvalidSpec)
	}
	if t.TemplateID == "" {
		t.TemplateID = uuid.NewString()
	}
	return m.bs.putTemplate(ctx, t)
}

func (m *Manager) GetTemplate(id string) (*models.AgentTemplate, error) {
	t, ok := m.bs.getTemplate(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	return t, nil
}

func (m *Manager) ListTemplates() []*models.AgentTemplate { return m.bs.listTemplates() }

// CreateDeployment provisions replicas instances for a deployment against
// an existing template and persists the deployment record.
func (m *Manager) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	ctx, span := m.tracer.Start(ctx, "lifecycle.create_deployment", trace.WithAttributes(attribute.String("templateRef", d.TemplateRef)))
	defer span.End()

	if _, err := m.GetTemplate(d.TemplateRef); err != nil {
		return fmt.Errorf("resolve template %q: %w", d.TemplateRef, err)
	}
	if d.Replicas < 0 {
		return fmt.Errorf("%w: replicas must be >= 0", models.ErrInvalidSpec)
	}
	if d.DeploymentID == "" {
		d.DeploymentID = uuid.NewString()
	}
	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	if err := m.bs.putDeployment(ctx, d); err != nil {
		return err
	}
	if err := m.provisionInstances(ctx, d, d.Replicas); err != nil {
		return err
	}
	m.deploymentsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("deployment", d.DeploymentID)))
	m.publish(models.EventDeploymentCreated, d.DeploymentID)
	return nil
}

// provisionInstances creates n new instances for d, landing them directly
// in running state — the teacher's agents are external processes whose
// actual start-up this control plane does not own; pending is held only
// long enough to stamp the health-probe initial delay.
func (m *Manager) provisionInstances(ctx context.Context, d *models.Deployment, n int) error {
	for i := 0; i < n; i++ {
		inst := &models.AgentInstance{
			InstanceID:   uuid.NewString(),
			DeploymentID: d.DeploymentID,
			Lifecycle:    models.InstancePending,
			Healthy:      true,
			StartedAt:    time.Now(),
		}
		if err := m.bs.putInstance(inst); err != nil {
			return fmt.Errorf("provision instance: %w", err)
		}
		inst.Lifecycle = models.InstanceRunning
		if err := m.bs.putInstance(inst); err != nil {
			return fmt.Errorf("start instance: %w", err)
		}
	}
	return nil
}

func (m *Manager) GetDeployment(id string) (*models.Deployment, error) {
	d, ok := m.bs.getDeployment(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	return d, nil
}

func (m *Manager) ListInstances(deploymentID string) ([]*models.AgentInstance, error) {
	return m.bs.listInstancesForDeployment(deploymentID)
}

// ScaleDeployment adjusts replica count, provisioning new instances or
// stopping excess ones, and records the decision as a ScalingEvent.
func (m *Manager) ScaleDeployment(ctx context.Context, deploymentID string, replicas int, reason string) error {
	if replicas < 0 {
		return fmt.Errorf("%w: replicas must be >= 0", models.ErrInvalidSpec)
	}
	d, err := m.GetDeployment(deploymentID)
	if err != nil {
		return err
	}
	instances, err := m.ListInstances(deploymentID)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	from := len(instances)
	switch {
	case replicas > from:
		if err := m.provisionInstances(ctx, d, replicas-from); err != nil {
			return err
		}
	case replicas < from:
		toStop := instances[:from-replicas]
		for _, inst := range toStop {
			if err := m.stopInstance(ctx, inst); err != nil {
				return err
			}
		}
	}
	d.Replicas = replicas
	d.UpdatedAt = time.Now()
	if err := m.bs.putDeployment(ctx, d); err != nil {
		return err
	}
	if err := m.bs.appendScalingEvent(models.ScalingEvent{
		DeploymentID: deploymentID,
		At:           time.Now(),
		FromReplicas: from,
		ToReplicas:   replicas,
		Reason:       reason,
	}, scalingEventRingCap); err != nil {
		slog.Warn("persist scaling event", "deployment", deploymentID, "error", err)
	}
	m.publish(models.EventDeploymentScaled, deploymentID)
	return nil
}

func (m *Manager) stopInstance(ctx context.Context, inst *models.AgentInstance) error {
	inst.Lifecycle = models.InstanceStopping
	if err := m.bs.putInstance(inst); err != nil {
		return err
	}
	inst.Lifecycle = models.InstanceStopped
	if err := m.bs.putInstance(inst); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.health, inst.InstanceID)
	m.mu.Unlock()
	return m.bs.deleteInstance(inst.InstanceID)
}

// RemoveDeployment stops every instance and deletes the deployment record.
func (m *Manager) RemoveDeployment(ctx context.Context, deploymentID string) error {
	instances, err := m.ListInstances(deploymentID)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	for _, inst := range instances {
		if err := m.stopInstance(ctx, inst); err != nil {
			return err
		}
	}
	if err := m.bs.deleteDeployment(deploymentID); err != nil {
		return err
	}
	m.publish(models.EventDeploymentRemoved, deploymentID)
	return nil
}

// RestartInstance persists an instance as stopping, then as running again,
// incrementing its restart counter and clearing its probe history. Used as
// the optimizer's "restart" action.
func (m *Manager) RestartInstance(ctx context.Context, deploymentID, instanceID string) error {
	instances, err := m.ListInstances(deploymentID)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	for _, inst := range instances {
		if inst.InstanceID != instanceID {
			continue
		}
		inst.Lifecycle = models.InstanceStopping
		_ = m.bs.putInstance(inst)
		inst.Lifecycle = models.InstanceRunning
		inst.Restarts++
		inst.Healthy = true
		inst.StartedAt = time.Now()
		m.mu.Lock()
		delete(m.health, instanceID)
		m.mu.Unlock()
		return m.bs.putInstance(inst)
	}
	return models.ErrNotFound
}
