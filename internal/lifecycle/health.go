package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/agentmesh/internal/models"
)

const healthTickInterval = time.Second

// RunHealthProbes drives every deployment's instances against their
// template's HealthProbe until ctx is cancelled, honoring each probe's
// initialDelaySeconds and periodSeconds independently per instance.
func (m *Manager) RunHealthProbes(ctx context.Context) {
	ticker := time.NewTicker(healthTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAllDeployments(ctx)
		}
	}
}

func (m *Manager) probeAllDeployments(ctx context.Context) {
	for _, d := range m.allDeployments() {
		tmpl, err := m.GetTemplate(d.TemplateRef)
		if err != nil {
			continue
		}
		instances, err := m.ListInstances(d.DeploymentID)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			m.probeInstance(ctx, d.DeploymentID, inst, tmpl.Probe)
		}
	}
}

func (m *Manager) allDeployments() []*models.Deployment {
	m.bs.mu.RLock()
	defer m.bs.mu.RUnlock()
	out := make([]*models.Deployment, 0, len(m.bs.deploymentCache))
	for _, d := range m.bs.deploymentCache {
		out = append(out, d)
	}
	return out
}

func (m *Manager) probeInstance(ctx context.Context, deploymentID string, inst *models.AgentInstance, probe models.HealthProbe) {
	if inst.Lifecycle != models.InstanceRunning {
		return
	}
	if time.Since(inst.StartedAt) < time.Duration(probe.InitialDelaySeconds)*time.Second {
		return
	}

	m.mu.Lock()
	h, ok := m.health[inst.InstanceID]
	if !ok {
		h = &instanceHealth{}
		m.health[inst.InstanceID] = h
	}
	period := time.Duration(probe.PeriodSeconds) * time.Second
	if period <= 0 {
		period = 30 * time.Second
	}
	due := h.lastProbedAt.IsZero() || time.Since(h.lastProbedAt) >= period
	m.mu.Unlock()
	if !due {
		return
	}

	err := m.prober.Probe(ctx, inst, probe)

	m.mu.Lock()
	h.lastProbedAt = time.Now()
	if err != nil {
		h.consecutiveFailures++
	} else {
		h.consecutiveFailures = 0
	}
	threshold := probe.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	becameUnhealthy := err != nil && h.consecutiveFailures >= threshold && inst.Healthy
	m.mu.Unlock()

	if becameUnhealthy {
		inst.Healthy = false
		if saveErr := m.bs.putInstance(inst); saveErr != nil {
			slog.Warn("persist instance health", "instance", inst.InstanceID, "error", saveErr)
		}
		m.publish(models.EventInstanceUnhealthy, inst.InstanceID)
		slog.Warn("instance marked unhealthy", "deployment", deploymentID, "instance", inst.InstanceID, "error", err)
	} else if err == nil && !inst.Healthy {
		inst.Healthy = true
		if saveErr := m.bs.putInstance(inst); saveErr != nil {
			slog.Warn("persist instance health", "instance", inst.InstanceID, "error", saveErr)
		}
	}
}
