package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/swarmguard/agentmesh/internal/models"
)

func deployTemplate(t *testing.T, m *Manager, update models.UpdateStrategy) (*models.AgentTemplate, *models.Deployment) {
	t.Helper()
	ctx := context.Background()
	tmpl := sampleTemplate()
	tmpl.Update = update
	if err := m.PutTemplate(ctx, tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	d := &models.Deployment{TemplateRef: tmpl.TemplateID, Replicas: 4}
	if err := m.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	return tmpl, d
}

func TestUpdateDeploymentRolling(t *testing.T) {
	m := newTestManager(t)
	_, d := deployTemplate(t, m, models.UpdateStrategy{Kind: "rolling", MaxUnavailable: "2"})

	newTmpl := sampleTemplate()
	newTmpl.Name = "worker-v2"
	newTmpl.Update = models.UpdateStrategy{Kind: "rolling", MaxUnavailable: "2"}
	if err := m.PutTemplate(context.Background(), newTmpl); err != nil {
		t.Fatalf("put new template: %v", err)
	}

	if err := m.UpdateDeployment(context.Background(), d.DeploymentID, newTmpl.TemplateID, nil); err != nil {
		t.Fatalf("update deployment: %v", err)
	}
	instances, err := m.ListInstances(d.DeploymentID)
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	if len(instances) != 4 {
		t.Fatalf("expected 4 instances after rolling update, got %d", len(instances))
	}
	for _, inst := range instances {
		if inst.Lifecycle != models.InstanceRunning || !inst.Healthy {
			t.Fatalf("expected all instances healthy and running, got %+v", inst)
		}
	}
	reloaded, err := m.GetDeployment(d.DeploymentID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if reloaded.TemplateRef != newTmpl.TemplateID {
		t.Fatalf("expected deployment templateRef updated, got %s", reloaded.TemplateRef)
	}
}

func TestUpdateDeploymentRecreate(t *testing.T) {
	m := newTestManager(t)
	_, d := deployTemplate(t, m, models.UpdateStrategy{Kind: "recreate"})

	newTmpl := sampleTemplate()
	newTmpl.Name = "worker-v2"
	newTmpl.Update = models.UpdateStrategy{Kind: "recreate"}
	if err := m.PutTemplate(context.Background(), newTmpl); err != nil {
		t.Fatalf("put new template: %v", err)
	}

	if err := m.UpdateDeployment(context.Background(), d.DeploymentID, newTmpl.TemplateID, nil); err != nil {
		t.Fatalf("update deployment: %v", err)
	}
	instances, err := m.ListInstances(d.DeploymentID)
	if err != nil || len(instances) != 4 {
		t.Fatalf("expected 4 fresh instances, got %d (err %v)", len(instances), err)
	}
}

func TestUpdateDeploymentBlueGreen(t *testing.T) {
	m := newTestManager(t)
	_, d := deployTemplate(t, m, models.UpdateStrategy{Kind: "blue-green"})
	before, err := m.ListInstances(d.DeploymentID)
	if err != nil {
		t.Fatalf("list before: %v", err)
	}
	beforeIDs := make(map[string]struct{}, len(before))
	for _, inst := range before {
		beforeIDs[inst.InstanceID] = struct{}{}
	}

	newTmpl := sampleTemplate()
	newTmpl.Name = "worker-v2"
	newTmpl.Update = models.UpdateStrategy{Kind: "blue-green"}
	if err := m.PutTemplate(context.Background(), newTmpl); err != nil {
		t.Fatalf("put new template: %v", err)
	}

	if err := m.UpdateDeployment(context.Background(), d.DeploymentID, newTmpl.TemplateID, nil); err != nil {
		t.Fatalf("update deployment: %v", err)
	}
	after, err := m.ListInstances(d.DeploymentID)
	if err != nil || len(after) != 4 {
		t.Fatalf("expected 4 green instances, got %d (err %v)", len(after), err)
	}
	for _, inst := range after {
		if _, wasOld := beforeIDs[inst.InstanceID]; wasOld {
			t.Fatalf("expected old blue instance %s to be retired", inst.InstanceID)
		}
	}
}

func TestUpdateDeploymentCanarySucceeds(t *testing.T) {
	m := newTestManager(t)
	update := models.UpdateStrategy{
		Kind: "canary",
		CanarySteps: []models.CanaryStep{
			{WeightPct: 25},
			{WeightPct: 50},
		},
	}
	_, d := deployTemplate(t, m, update)

	newTmpl := sampleTemplate()
	newTmpl.Name = "worker-v2"
	newTmpl.Update = update
	if err := m.PutTemplate(context.Background(), newTmpl); err != nil {
		t.Fatalf("put new template: %v", err)
	}

	analysisCalls := 0
	analysis := func(ctx context.Context, deploymentID string, canaryInstanceIDs []string) (bool, error) {
		analysisCalls++
		return true, nil
	}

	if err := m.UpdateDeployment(context.Background(), d.DeploymentID, newTmpl.TemplateID, analysis); err != nil {
		t.Fatalf("update deployment: %v", err)
	}
	if analysisCalls != 2 {
		t.Fatalf("expected analysis invoked once per step, got %d", analysisCalls)
	}
	instances, err := m.ListInstances(d.DeploymentID)
	if err != nil || len(instances) != 4 {
		t.Fatalf("expected 4 instances after canary rollout, got %d (err %v)", len(instances), err)
	}
}

func TestUpdateDeploymentCanaryAbortsOnFailedAnalysis(t *testing.T) {
	m := newTestManager(t)
	update := models.UpdateStrategy{
		Kind:        "canary",
		CanarySteps: []models.CanaryStep{{WeightPct: 50}},
	}
	_, d := deployTemplate(t, m, update)

	newTmpl := sampleTemplate()
	newTmpl.Name = "worker-v2"
	newTmpl.Update = update
	if err := m.PutTemplate(context.Background(), newTmpl); err != nil {
		t.Fatalf("put new template: %v", err)
	}

	analysis := func(ctx context.Context, deploymentID string, canaryInstanceIDs []string) (bool, error) {
		return false, nil
	}

	err := m.UpdateDeployment(context.Background(), d.DeploymentID, newTmpl.TemplateID, analysis)
	if err == nil {
		t.Fatalf("expected canary rollout to abort on failed analysis")
	}

	reloaded, getErr := m.GetDeployment(d.DeploymentID)
	if getErr != nil {
		t.Fatalf("get deployment: %v", getErr)
	}
	if reloaded.TemplateRef == newTmpl.TemplateID {
		t.Fatalf("expected deployment templateRef unchanged after aborted canary")
	}
	instances, err := m.ListInstances(d.DeploymentID)
	if err != nil || len(instances) != 4 {
		t.Fatalf("expected original 4 instances preserved after abort, got %d (err %v)", len(instances), err)
	}
}

func TestUpdateDeploymentUnknownStrategyFails(t *testing.T) {
	m := newTestManager(t)
	_, d := deployTemplate(t, m, models.UpdateStrategy{Kind: "teleport"})
	if err := m.UpdateDeployment(context.Background(), d.DeploymentID, d.TemplateRef, nil); err == nil {
		t.Fatalf("expected error for unknown strategy")
	} else if !errors.Is(err, models.ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
}
