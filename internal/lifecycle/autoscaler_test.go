package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/agentmesh/internal/models"
)

type fixedUtilization struct {
	value float64
}

func (f fixedUtilization) Utilization(ctx context.Context, deploymentID string) (float64, error) {
	return f.value, nil
}

func TestEvaluateOneScalesUpOnHighUtilization(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tmpl := sampleTemplate()
	tmpl.Scaling = models.ScalingPolicy{Enabled: true, Min: 1, Max: 5, ScaleUpPct: 0.8, ScaleDownPct: 0.2}
	if err := m.PutTemplate(ctx, tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	d := &models.Deployment{TemplateRef: tmpl.TemplateID, Replicas: 2}
	if err := m.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create deployment: %v", err)
	}

	if err := m.evaluateOne(ctx, d, tmpl.Scaling, fixedUtilization{value: 0.9}); err != nil {
		t.Fatalf("evaluate one: %v", err)
	}
	updated, err := m.GetDeployment(d.DeploymentID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if updated.Replicas != 3 {
		t.Fatalf("expected scale up to 3 replicas, got %d", updated.Replicas)
	}
}

func TestEvaluateOneScalesDownOnLowUtilization(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tmpl := sampleTemplate()
	tmpl.Scaling = models.ScalingPolicy{Enabled: true, Min: 1, Max: 5, ScaleUpPct: 0.8, ScaleDownPct: 0.2}
	if err := m.PutTemplate(ctx, tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	d := &models.Deployment{TemplateRef: tmpl.TemplateID, Replicas: 3}
	if err := m.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create deployment: %v", err)
	}

	if err := m.evaluateOne(ctx, d, tmpl.Scaling, fixedUtilization{value: 0.05}); err != nil {
		t.Fatalf("evaluate one: %v", err)
	}
	updated, err := m.GetDeployment(d.DeploymentID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if updated.Replicas != 2 {
		t.Fatalf("expected scale down to 2 replicas, got %d", updated.Replicas)
	}
}

func TestEvaluateOneRespectsMaxBound(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tmpl := sampleTemplate()
	tmpl.Scaling = models.ScalingPolicy{Enabled: true, Min: 1, Max: 3, ScaleUpPct: 0.5, ScaleDownPct: 0.1}
	if err := m.PutTemplate(ctx, tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	d := &models.Deployment{TemplateRef: tmpl.TemplateID, Replicas: 3}
	if err := m.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create deployment: %v", err)
	}

	if err := m.evaluateOne(ctx, d, tmpl.Scaling, fixedUtilization{value: 0.99}); err != nil {
		t.Fatalf("evaluate one: %v", err)
	}
	updated, err := m.GetDeployment(d.DeploymentID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if updated.Replicas != 3 {
		t.Fatalf("expected replicas clamped at max 3, got %d", updated.Replicas)
	}
}

func TestInCooldownBlocksRepeatedScaling(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tmpl := sampleTemplate()
	tmpl.Scaling = models.ScalingPolicy{Enabled: true, Min: 1, Max: 5, ScaleUpPct: 0.8, ScaleDownPct: 0.2, CooldownMs: 60000}
	if err := m.PutTemplate(ctx, tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	d := &models.Deployment{TemplateRef: tmpl.TemplateID, Replicas: 2}
	if err := m.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create deployment: %v", err)
	}

	if err := m.evaluateOne(ctx, d, tmpl.Scaling, fixedUtilization{value: 0.9}); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	reloaded, _ := m.GetDeployment(d.DeploymentID)
	if reloaded.Replicas != 3 {
		t.Fatalf("expected first scale up to 3, got %d", reloaded.Replicas)
	}

	if err := m.evaluateOne(ctx, reloaded, tmpl.Scaling, fixedUtilization{value: 0.9}); err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	after, _ := m.GetDeployment(d.DeploymentID)
	if after.Replicas != 3 {
		t.Fatalf("expected cooldown to block second scale up, got %d", after.Replicas)
	}
}

func TestRunAutoscalerNoopsWithoutProvider(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.RunAutoscaler(ctx, nil); err != nil {
		t.Fatalf("expected clean return on ctx cancel, got %v", err)
	}
}
