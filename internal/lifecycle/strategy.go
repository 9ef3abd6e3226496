package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/agentmesh/internal/models"
)

const (
	rollingBatchTimeout = 5 * time.Minute
	recreateStopTimeout = time.Minute
	pollInterval        = 250 * time.Millisecond
)

// AnalysisHook evaluates a canary step's analysisHook, returning false to
// abort the rollout. The caller of UpdateDeployment supplies it; tests
// substitute a fixed verdict.
type AnalysisHook func(ctx context.Context, deploymentID string, canaryInstanceIDs []string) (bool, error)

// UpdateDeployment rolls a deployment onto newTemplateRef using the
// template's configured UpdateStrategy.
func (m *Manager) UpdateDeployment(ctx context.Context, deploymentID, newTemplateRef string, analysis AnalysisHook) error {
	d, err := m.GetDeployment(deploymentID)
	if err != nil {
		return err
	}
	newTmpl, err := m.GetTemplate(newTemplateRef)
	if err != nil {
		return fmt.Errorf("resolve new template %q: %w", newTemplateRef, err)
	}

	var strategyErr error
	switch newTmpl.Update.Kind {
	case "recreate":
		strategyErr = m.updateRecreate(ctx, d, newTemplateRef)
	case "blue-green":
		strategyErr = m.updateBlueGreen(ctx, d, newTemplateRef)
	case "canary":
		strategyErr = m.updateCanary(ctx, d, newTemplateRef, newTmpl.Update.CanarySteps, analysis)
	case "rolling", "":
		strategyErr = m.updateRolling(ctx, d, newTemplateRef, newTmpl.Update.MaxUnavailable)
	default:
		return fmt.Errorf("%w: unknown update strategy %q", models.ErrInvalidSpec, newTmpl.Update.Kind)
	}
	if strategyErr != nil {
		return strategyErr
	}

	d.TemplateRef = newTemplateRef
	d.UpdatedAt = time.Now()
	if err := m.bs.putDeployment(ctx, d); err != nil {
		return err
	}
	m.publish(models.EventDeploymentUpdated, deploymentID)
	return nil
}

// updateRolling partitions instances into maxUnavailable-sized batches,
// replacing each batch in sequence and waiting for it to become
// running+healthy before proceeding to the next.
func (m *Manager) updateRolling(ctx context.Context, d *models.Deployment, newTemplateRef, maxUnavailable string) error {
	instances, err := m.ListInstances(d.DeploymentID)
	if err != nil {
		return err
	}
	batchSize := resolveBatchSize(maxUnavailable, len(instances))
	if batchSize < 1 {
		batchSize = 1
	}
	for start := 0; start < len(instances); start += batchSize {
		end := start + batchSize
		if end > len(instances) {
			end = len(instances)
		}
		batch := instances[start:end]
		replacements := make([]*models.AgentInstance, 0, len(batch))
		for _, old := range batch {
			if err := m.stopInstance(ctx, old); err != nil {
				return fmt.Errorf("stop instance %s: %w", old.InstanceID, err)
			}
			inst := &models.AgentInstance{
				InstanceID:   uuid.NewString(),
				DeploymentID: d.DeploymentID,
				Lifecycle:    models.InstanceRunning,
				Healthy:      true,
				StartedAt:    time.Now(),
			}
			if err := m.bs.putInstance(inst); err != nil {
				return fmt.Errorf("start replacement instance: %w", err)
			}
			replacements = append(replacements, inst)
		}
		if err := m.waitBatchHealthy(ctx, d.DeploymentID, replacements, rollingBatchTimeout); err != nil {
			return err
		}
	}
	_ = newTemplateRef // template image swap is simulated at the deployment record level only
	return nil
}

// updateRecreate stops every instance, waits for all to reach stopped, then
// starts a fresh set under the new template.
func (m *Manager) updateRecreate(ctx context.Context, d *models.Deployment, newTemplateRef string) error {
	instances, err := m.ListInstances(d.DeploymentID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if err := m.stopInstance(ctx, inst); err != nil {
			return fmt.Errorf("stop instance %s: %w", inst.InstanceID, err)
		}
	}
	deadline := time.Now().Add(recreateStopTimeout)
	for {
		remaining, err := m.ListInstances(d.DeploymentID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("recreate update: timed out waiting for instances to stop")
		}
		time.Sleep(pollInterval)
	}
	_ = newTemplateRef
	return m.provisionInstances(ctx, d, d.Replicas)
}

// updateBlueGreen provisions a parallel instance set, waits for it to
// become healthy, then stops the old set — the "traffic pointer switch" is
// the deployment's instance list itself: readers always see only healthy,
// running instances, so the cutover is atomic from the deployment record's
// point of view the moment the new set's instances are persisted.
func (m *Manager) updateBlueGreen(ctx context.Context, d *models.Deployment, newTemplateRef string) error {
	oldInstances, err := m.ListInstances(d.DeploymentID)
	if err != nil {
		return err
	}
	green := make([]*models.AgentInstance, 0, d.Replicas)
	for i := 0; i < d.Replicas; i++ {
		inst := &models.AgentInstance{
			InstanceID:   uuid.NewString(),
			DeploymentID: d.DeploymentID,
			Lifecycle:    models.InstanceRunning,
			Healthy:      true,
			StartedAt:    time.Now(),
		}
		if err := m.bs.putInstance(inst); err != nil {
			return fmt.Errorf("provision green instance: %w", err)
		}
		green = append(green, inst)
	}
	if err := m.waitBatchHealthy(ctx, d.DeploymentID, green, rollingBatchTimeout); err != nil {
		return err
	}
	for _, old := range oldInstances {
		if err := m.stopInstance(ctx, old); err != nil {
			return fmt.Errorf("stop blue instance %s: %w", old.InstanceID, err)
		}
	}
	_ = newTemplateRef
	return nil
}

// updateCanary provisions successive weighted canary batches, optionally
// pausing and running an analysis hook after each; a failing analysis stops
// every canary and aborts without touching the steady-state instances.
func (m *Manager) updateCanary(ctx context.Context, d *models.Deployment, newTemplateRef string, steps []models.CanaryStep, analysis AnalysisHook) error {
	var canaries []*models.AgentInstance
	for _, step := range steps {
		n := int(math.Ceil(float64(d.Replicas) * float64(step.WeightPct) / 100.0))
		for i := 0; i < n; i++ {
			inst := &models.AgentInstance{
				InstanceID:   uuid.NewString(),
				DeploymentID: d.DeploymentID,
				Lifecycle:    models.InstanceRunning,
				Healthy:      true,
				StartedAt:    time.Now(),
			}
			if err := m.bs.putInstance(inst); err != nil {
				m.abortCanary(ctx, canaries)
				return fmt.Errorf("provision canary instance: %w", err)
			}
			canaries = append(canaries, inst)
		}
		if step.PauseFor > 0 {
			time.Sleep(step.PauseFor)
		}
		if analysis != nil {
			ids := make([]string, len(canaries))
			for i, c := range canaries {
				ids[i] = c.InstanceID
			}
			ok, err := analysis(ctx, d.DeploymentID, ids)
			if err != nil || !ok {
				m.abortCanary(ctx, canaries)
				if err != nil {
					return fmt.Errorf("canary analysis: %w", err)
				}
				return fmt.Errorf("canary analysis failed for deployment %s", d.DeploymentID)
			}
		}
	}

	// All steps passed: fold the remaining non-canary instances onto the new
	// template and remove the now-redundant canaries.
	allInstances, err := m.ListInstances(d.DeploymentID)
	if err != nil {
		return err
	}
	canaryIDs := make(map[string]struct{}, len(canaries))
	for _, c := range canaries {
		canaryIDs[c.InstanceID] = struct{}{}
	}
	for _, inst := range allInstances {
		if _, isCanary := canaryIDs[inst.InstanceID]; isCanary {
			continue
		}
		if err := m.stopInstance(ctx, inst); err != nil {
			return fmt.Errorf("retire pre-canary instance %s: %w", inst.InstanceID, err)
		}
	}
	remaining := d.Replicas - len(canaries)
	if remaining > 0 {
		if err := m.provisionInstances(ctx, d, remaining); err != nil {
			return err
		}
	} else if remaining < 0 {
		excess := canaries[d.Replicas:]
		for _, c := range excess {
			if err := m.stopInstance(ctx, c); err != nil {
				return fmt.Errorf("remove excess canary %s: %w", c.InstanceID, err)
			}
		}
	}
	_ = newTemplateRef
	return nil
}

func (m *Manager) abortCanary(ctx context.Context, canaries []*models.AgentInstance) {
	for _, c := range canaries {
		if err := m.stopInstance(ctx, c); err != nil {
			slog.Warn("abort canary: stop instance failed", "instance", c.InstanceID, "error", err)
		}
	}
}

// waitBatchHealthy polls until every instance in batch is running+healthy
// or timeout elapses.
func (m *Manager) waitBatchHealthy(ctx context.Context, deploymentID string, batch []*models.AgentInstance, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ids := make(map[string]struct{}, len(batch))
	for _, inst := range batch {
		ids[inst.InstanceID] = struct{}{}
	}
	for {
		all, err := m.ListInstances(deploymentID)
		if err != nil {
			return err
		}
		healthy := 0
		for _, inst := range all {
			if _, tracked := ids[inst.InstanceID]; !tracked {
				continue
			}
			if inst.Lifecycle == models.InstanceRunning && inst.Healthy {
				healthy++
			}
		}
		if healthy == len(ids) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %d instance(s) to become healthy", len(ids)-healthy)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// resolveBatchSize parses maxUnavailable as either an absolute count
// ("2") or a percentage of total ("25%"), per the rolling strategy's knob.
func resolveBatchSize(maxUnavailable string, total int) int {
	maxUnavailable = strings.TrimSpace(maxUnavailable)
	if maxUnavailable == "" {
		return 1
	}
	if strings.HasSuffix(maxUnavailable, "%") {
		pct, err := strconv.Atoi(strings.TrimSuffix(maxUnavailable, "%"))
		if err != nil || pct <= 0 {
			return 1
		}
		return int(math.Max(1, math.Ceil(float64(total)*float64(pct)/100.0)))
	}
	n, err := strconv.Atoi(maxUnavailable)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}
