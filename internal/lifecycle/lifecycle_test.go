package lifecycle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "lifecycle.db")
	m, err := New(dbPath, eventbus.New(), nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func sampleTemplate() *models.AgentTemplate {
	return &models.AgentTemplate{
		Name:  "worker",
		Image: "swarmguard/worker:1.0",
		Probe: models.HealthProbe{Kind: "tcp", Target: "127.0.0.1:0", PeriodSeconds: 30},
		Update: models.UpdateStrategy{
			Kind:           "rolling",
			MaxUnavailable: "1",
		},
	}
}

func TestPutTemplateRejectsMissingFields(t *testing.T) {
	m := newTestManager(t)
	if err := m.PutTemplate(context.Background(), &models.AgentTemplate{}); err == nil {
		t.Fatalf("expected error for empty template")
	}
}

func TestCreateDeploymentProvisionsInstances(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tmpl := sampleTemplate()
	if err := m.PutTemplate(ctx, tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	d := &models.Deployment{TemplateRef: tmpl.TemplateID, Replicas: 3}
	if err := m.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	instances, err := m.ListInstances(d.DeploymentID)
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	if len(instances) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(instances))
	}
	for _, inst := range instances {
		if inst.Lifecycle != models.InstanceRunning {
			t.Fatalf("expected running instance, got %s", inst.Lifecycle)
		}
	}
}

func TestCreateDeploymentUnknownTemplateFails(t *testing.T) {
	m := newTestManager(t)
	d := &models.Deployment{TemplateRef: "missing", Replicas: 1}
	if err := m.CreateDeployment(context.Background(), d); err == nil {
		t.Fatalf("expected error for unknown template")
	}
}

func TestScaleDeploymentUpAndDown(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tmpl := sampleTemplate()
	if err := m.PutTemplate(ctx, tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	d := &models.Deployment{TemplateRef: tmpl.TemplateID, Replicas: 2}
	if err := m.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create deployment: %v", err)
	}

	if err := m.ScaleDeployment(ctx, d.DeploymentID, 4, "load up"); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	instances, err := m.ListInstances(d.DeploymentID)
	if err != nil || len(instances) != 4 {
		t.Fatalf("expected 4 instances after scale up, got %d (err %v)", len(instances), err)
	}

	if err := m.ScaleDeployment(ctx, d.DeploymentID, 1, "load down"); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	instances, err = m.ListInstances(d.DeploymentID)
	if err != nil || len(instances) != 1 {
		t.Fatalf("expected 1 instance after scale down, got %d (err %v)", len(instances), err)
	}

	events, err := m.bs.listScalingEvents(d.DeploymentID)
	if err != nil || len(events) != 2 {
		t.Fatalf("expected 2 scaling events recorded, got %d (err %v)", len(events), err)
	}
}

func TestRemoveDeploymentStopsAllInstances(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tmpl := sampleTemplate()
	if err := m.PutTemplate(ctx, tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	d := &models.Deployment{TemplateRef: tmpl.TemplateID, Replicas: 2}
	if err := m.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	if err := m.RemoveDeployment(ctx, d.DeploymentID); err != nil {
		t.Fatalf("remove deployment: %v", err)
	}
	if _, err := m.GetDeployment(d.DeploymentID); err != models.ErrNotFound {
		t.Fatalf("expected NotFound after removal, got %v", err)
	}
}

func TestRestartInstanceIncrementsCounter(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tmpl := sampleTemplate()
	if err := m.PutTemplate(ctx, tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	d := &models.Deployment{TemplateRef: tmpl.TemplateID, Replicas: 1}
	if err := m.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	instances, err := m.ListInstances(d.DeploymentID)
	if err != nil || len(instances) != 1 {
		t.Fatalf("expected 1 instance, got %d (err %v)", len(instances), err)
	}
	target := instances[0].InstanceID
	if err := m.RestartInstance(ctx, d.DeploymentID, target); err != nil {
		t.Fatalf("restart instance: %v", err)
	}
	after, err := m.ListInstances(d.DeploymentID)
	if err != nil || len(after) != 1 {
		t.Fatalf("expected 1 instance after restart, got %d (err %v)", len(after), err)
	}
	if after[0].Restarts != 1 {
		t.Fatalf("expected restart count 1, got %d", after[0].Restarts)
	}
	if !after[0].Healthy {
		t.Fatalf("expected restarted instance to be healthy")
	}
}

func TestRestartInstanceUnknownIsNotFound(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tmpl := sampleTemplate()
	if err := m.PutTemplate(ctx, tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	d := &models.Deployment{TemplateRef: tmpl.TemplateID, Replicas: 1}
	if err := m.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	if err := m.RestartInstance(ctx, d.DeploymentID, "ghost"); err != models.ErrNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
