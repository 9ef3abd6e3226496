package optimizer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/models"
)

// DeploymentScaler is the subset of the lifecycle manager the scale_up/
// scale_down actions need: read the current replica count, then apply a
// new one.
type DeploymentScaler interface {
	GetDeployment(id string) (*models.Deployment, error)
	ScaleDeployment(ctx context.Context, deploymentID string, replicas int, reason string) error
}

// InstanceRestarter is the subset of the lifecycle manager the restart
// action needs.
type InstanceRestarter interface {
	RestartInstance(ctx context.Context, deploymentID, instanceID string) error
}

// Rebalancer is the subset of the conductor the rebalance action needs.
type Rebalancer interface {
	Rebalance(ctx context.Context) error
}

// CustomHook receives a custom action's payload for caller-defined handling.
type CustomHook func(ctx context.Context, rule models.OptimizationRule, report *Report) error

// ActionDispatcher fans an OptimizationRule's Action out to the owning
// component, fire-and-forget: every collaborator is optional, and a missing
// one just logs and no-ops rather than failing the evaluation loop.
type ActionDispatcher struct {
	scaler     DeploymentScaler
	restarter  InstanceRestarter
	rebalancer Rebalancer
	custom     CustomHook
	bus        *eventbus.Bus
}

// NewActionDispatcher constructs a dispatcher. Any collaborator may be nil.
func NewActionDispatcher(scaler DeploymentScaler, restarter InstanceRestarter, rebalancer Rebalancer, custom CustomHook, bus *eventbus.Bus) *ActionDispatcher {
	return &ActionDispatcher{scaler: scaler, restarter: restarter, rebalancer: rebalancer, custom: custom, bus: bus}
}

// Dispatch executes rule's action. Errors are returned to the caller for
// logging but must never be allowed to crash the evaluation loop.
func (d *ActionDispatcher) Dispatch(ctx context.Context, rule models.OptimizationRule, report *Report) error {
	var err error
	switch rule.Action {
	case models.ActionScaleUp:
		err = d.scale(ctx, rule, 1)
	case models.ActionScaleDown:
		err = d.scale(ctx, rule, -1)
	case models.ActionRebalance:
		err = d.rebalance(ctx)
	case models.ActionRestart:
		err = d.restart(ctx, rule)
	case models.ActionAlert:
		err = d.alert(ctx, rule, report)
	case models.ActionCustom:
		err = d.customAction(ctx, rule, report)
	default:
		err = fmt.Errorf("unknown rule action %q", rule.Action)
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Kind: models.EventActionExecuted, Source: "optimizer", Payload: rule.ID})
	}
	return err
}

func (d *ActionDispatcher) scale(ctx context.Context, rule models.OptimizationRule, direction int) error {
	if d.scaler == nil {
		slog.Warn("optimizer: scale action skipped, no scaler wired", "rule", rule.ID)
		return nil
	}
	deploymentID, _ := rule.ActionParams["deploymentId"].(string)
	if deploymentID == "" {
		return fmt.Errorf("rule %s: scale action requires actionParams.deploymentId", rule.ID)
	}
	step := 1
	if raw, ok := rule.ActionParams["step"].(float64); ok && raw > 0 {
		step = int(raw)
	}
	d2, err := d.scaler.GetDeployment(deploymentID)
	if err != nil {
		return fmt.Errorf("rule %s: get deployment %s: %w", rule.ID, deploymentID, err)
	}
	target := d2.Replicas + direction*step
	if target < 0 {
		target = 0
	}
	return d.scaler.ScaleDeployment(ctx, deploymentID, target, fmt.Sprintf("optimizer rule %s", rule.ID))
}

func (d *ActionDispatcher) rebalance(ctx context.Context) error {
	if d.rebalancer == nil {
		slog.Warn("optimizer: rebalance action skipped, no rebalancer wired")
		return nil
	}
	return d.rebalancer.Rebalance(ctx)
}

func (d *ActionDispatcher) restart(ctx context.Context, rule models.OptimizationRule) error {
	if d.restarter == nil {
		slog.Warn("optimizer: restart action skipped, no restarter wired", "rule", rule.ID)
		return nil
	}
	deploymentID, _ := rule.ActionParams["deploymentId"].(string)
	instanceID, _ := rule.ActionParams["instanceId"].(string)
	if deploymentID == "" || instanceID == "" {
		return fmt.Errorf("rule %s: restart action requires actionParams.deploymentId and .instanceId", rule.ID)
	}
	return d.restarter.RestartInstance(ctx, deploymentID, instanceID)
}

func (d *ActionDispatcher) alert(ctx context.Context, rule models.OptimizationRule, report *Report) error {
	if d.bus == nil {
		slog.Warn("optimizer: alert action skipped, no event bus wired", "rule", rule.ID)
		return nil
	}
	d.bus.Publish(eventbus.Event{
		Kind:   models.EventResourceWarning,
		Source: "optimizer",
		Payload: map[string]any{
			"ruleId":      rule.ID,
			"bottlenecks": report.Bottlenecks,
		},
	})
	return nil
}

func (d *ActionDispatcher) customAction(ctx context.Context, rule models.OptimizationRule, report *Report) error {
	if d.custom == nil {
		slog.Warn("optimizer: custom action skipped, no hook wired", "rule", rule.ID)
		return nil
	}
	return d.custom(ctx, rule, report)
}
