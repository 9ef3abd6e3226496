package optimizer

import (
	"context"
	"testing"

	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/models"
)

type fakeScaler struct {
	deployment *models.Deployment
	getErr     error
	scaledTo   int
	scaleErr   error
}

func (f *fakeScaler) GetDeployment(id string) (*models.Deployment, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.deployment, nil
}

func (f *fakeScaler) ScaleDeployment(ctx context.Context, deploymentID string, replicas int, reason string) error {
	if f.scaleErr != nil {
		return f.scaleErr
	}
	f.scaledTo = replicas
	return nil
}

type fakeRestarter struct {
	called       bool
	deploymentID string
	instanceID   string
}

func (f *fakeRestarter) RestartInstance(ctx context.Context, deploymentID, instanceID string) error {
	f.called = true
	f.deploymentID = deploymentID
	f.instanceID = instanceID
	return nil
}

type fakeRebalancer struct {
	called bool
}

func (f *fakeRebalancer) Rebalance(ctx context.Context) error {
	f.called = true
	return nil
}

func TestActionDispatcherScaleUp(t *testing.T) {
	scaler := &fakeScaler{deployment: &models.Deployment{DeploymentID: "d1", Replicas: 2}}
	bus := eventbus.New()
	d := NewActionDispatcher(scaler, nil, nil, nil, bus)
	rule := models.OptimizationRule{ID: "r1", Action: models.ActionScaleUp, ActionParams: map[string]any{"deploymentId": "d1", "step": float64(2)}}
	if err := d.Dispatch(context.Background(), rule, &Report{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if scaler.scaledTo != 4 {
		t.Fatalf("expected scaled to 4, got %d", scaler.scaledTo)
	}
}

func TestActionDispatcherScaleDownFloorsAtZero(t *testing.T) {
	scaler := &fakeScaler{deployment: &models.Deployment{DeploymentID: "d1", Replicas: 1}}
	d := NewActionDispatcher(scaler, nil, nil, nil, nil)
	rule := models.OptimizationRule{ID: "r1", Action: models.ActionScaleDown, ActionParams: map[string]any{"deploymentId": "d1", "step": float64(5)}}
	if err := d.Dispatch(context.Background(), rule, &Report{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if scaler.scaledTo != 0 {
		t.Fatalf("expected scaled down floored at 0, got %d", scaler.scaledTo)
	}
}

func TestActionDispatcherScaleMissingDeploymentIDFails(t *testing.T) {
	d := NewActionDispatcher(&fakeScaler{}, nil, nil, nil, nil)
	rule := models.OptimizationRule{ID: "r1", Action: models.ActionScaleUp}
	if err := d.Dispatch(context.Background(), rule, &Report{}); err == nil {
		t.Fatalf("expected error when actionParams.deploymentId is missing")
	}
}

func TestActionDispatcherRebalance(t *testing.T) {
	rebalancer := &fakeRebalancer{}
	d := NewActionDispatcher(nil, nil, rebalancer, nil, nil)
	rule := models.OptimizationRule{ID: "r1", Action: models.ActionRebalance}
	if err := d.Dispatch(context.Background(), rule, &Report{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !rebalancer.called {
		t.Fatalf("expected rebalancer to be invoked")
	}
}

func TestActionDispatcherRestart(t *testing.T) {
	restarter := &fakeRestarter{}
	d := NewActionDispatcher(nil, restarter, nil, nil, nil)
	rule := models.OptimizationRule{ID: "r1", Action: models.ActionRestart, ActionParams: map[string]any{"deploymentId": "d1", "instanceId": "i1"}}
	if err := d.Dispatch(context.Background(), rule, &Report{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !restarter.called || restarter.deploymentID != "d1" || restarter.instanceID != "i1" {
		t.Fatalf("expected restart called with d1/i1, got %+v", restarter)
	}
}

func TestActionDispatcherAlertPublishesEvent(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(4)
	d := NewActionDispatcher(nil, nil, nil, nil, bus)
	rule := models.OptimizationRule{ID: "r1", Action: models.ActionAlert}
	report := &Report{Bottlenecks: []Bottleneck{{Kind: "queue_backlog"}}}
	if err := d.Dispatch(context.Background(), rule, report); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case ev := <-sub:
		if ev.Kind != models.EventResourceWarning {
			t.Fatalf("expected EventResourceWarning, got %s", ev.Kind)
		}
	default:
		t.Fatalf("expected an event to be published")
	}
}

func TestActionDispatcherCustomHook(t *testing.T) {
	called := false
	hook := func(ctx context.Context, rule models.OptimizationRule, report *Report) error {
		called = true
		return nil
	}
	d := NewActionDispatcher(nil, nil, nil, hook, nil)
	rule := models.OptimizationRule{ID: "r1", Action: models.ActionCustom}
	if err := d.Dispatch(context.Background(), rule, &Report{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !called {
		t.Fatalf("expected custom hook to be invoked")
	}
}

func TestActionDispatcherNilCollaboratorsNoop(t *testing.T) {
	d := NewActionDispatcher(nil, nil, nil, nil, nil)
	for _, action := range []models.RuleAction{models.ActionScaleUp, models.ActionScaleDown, models.ActionRebalance, models.ActionRestart, models.ActionAlert, models.ActionCustom} {
		rule := models.OptimizationRule{ID: "r1", Action: action, ActionParams: map[string]any{"deploymentId": "d1", "instanceId": "i1"}}
		if err := d.Dispatch(context.Background(), rule, &Report{}); err != nil {
			t.Fatalf("expected nil-collaborator dispatch for %s to no-op, got %v", action, err)
		}
	}
}

func TestActionDispatcherUnknownActionFails(t *testing.T) {
	d := NewActionDispatcher(nil, nil, nil, nil, nil)
	rule := models.OptimizationRule{ID: "r1", Action: models.RuleAction("teleport")}
	if err := d.Dispatch(context.Background(), rule, &Report{}); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
