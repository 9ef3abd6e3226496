package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/agentmesh/internal/models"
)

const (
	scalingEventRingCap = 100
	autoscalerCronSpec  = "*/60 * * * * *"
)

// UtilizationProvider reports a deployment's current average utilization in
// [0,1], the signal the auto-scaler compares against ScalingPolicy's
// thresholds. cmd/agentmesh passes no provider (nil); tests substitute a
// deterministic fake.
type UtilizationProvider interface {
	Utilization(ctx context.Context, deploymentID string) (float64, error)
}

// RunAutoscaler starts the 60s cron-driven scaling loop (grounded on
// services/orchestrator/scheduler.go's cron.New(cron.WithSeconds()) pattern)
// and blocks until ctx is cancelled.
func (m *Manager) RunAutoscaler(ctx context.Context, util UtilizationProvider) error {
	if util == nil {
		slog.Info("autoscaler disabled: no utilization provider configured")
		<-ctx.Done()
		return nil
	}
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(autoscalerCronSpec, func() {
		m.evaluateScalingPolicies(ctx, util)
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

func (m *Manager) evaluateScalingPolicies(ctx context.Context, util UtilizationProvider) {
	for _, d := range m.allDeployments() {
		tmpl, err := m.GetTemplate(d.TemplateRef)
		if err != nil || !tmpl.Scaling.Enabled {
			continue
		}
		if err := m.evaluateOne(ctx, d, tmpl.Scaling, util); err != nil {
			slog.Warn("autoscaler evaluation failed", "deployment", d.DeploymentID, "error", err)
		}
	}
}

// evaluateOne applies one deployment's ScalingPolicy against its current
// utilization, respecting the cooldown recorded in its latest ScalingEvent.
func (m *Manager) evaluateOne(ctx context.Context, d *models.Deployment, policy models.ScalingPolicy, util UtilizationProvider) error {
	if m.inCooldown(d.DeploymentID, policy.CooldownMs) {
		return nil
	}
	u, err := util.Utilization(ctx, d.DeploymentID)
	if err != nil {
		return fmt.Errorf("read utilization: %w", err)
	}

	current := d.Replicas
	target := current
	reason := ""
	switch {
	case u >= policy.ScaleUpPct && current < policy.Max:
		target = current + 1
		reason = fmt.Sprintf("utilization %.2f >= scaleUpPct %.2f", u, policy.ScaleUpPct)
	case u <= policy.ScaleDownPct && current > policy.Min:
		target = current - 1
		reason = fmt.Sprintf("utilization %.2f <= scaleDownPct %.2f", u, policy.ScaleDownPct)
	}
	target = int(math.Max(float64(policy.Min), math.Min(float64(policy.Max), float64(target))))
	if target == current {
		return nil
	}
	return m.ScaleDeployment(ctx, d.DeploymentID, target, reason)
}

// inCooldown reports whether deploymentID's most recent scaling event is
// still within its configured cooldown window.
func (m *Manager) inCooldown(deploymentID string, cooldownMs int64) bool {
	if cooldownMs <= 0 {
		return false
	}
	events, err := m.bs.listScalingEvents(deploymentID)
	if err != nil || len(events) == 0 {
		return false
	}
	last := events[len(events)-1]
	return time.Since(last.At) < time.Duration(cooldownMs)*time.Millisecond
}
