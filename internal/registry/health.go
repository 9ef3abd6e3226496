package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/swarmguard/agentmesh/internal/models"
)

// RunHealthProbes drives the 30 s probe loop until ctx is cancelled. Each
// tick probes every known registration, folds the result into its rolling
// window, and persists the derived health under agent:health:<id>.
func (r *Registry) RunHealthProbes(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.probes))
	for id := range r.probes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		agent, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		result := r.prober.Probe(ctx, agent)
		r.recordProbe(ctx, agent, result)
	}
}

func (r *Registry) recordProbe(ctx context.Context, agent *models.Agent, result HealthCheckResult) {
	r.mu.Lock()
	rec, ok := r.probes[agent.AgentID]
	if !ok {
		rec = &probeRecord{state: HealthUnknown}
		r.probes[agent.AgentID] = rec
	}
	rec.results = append(rec.results, result)
	if len(rec.results) > rollingWindow {
		rec.results = rec.results[len(rec.results)-rollingWindow:]
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "probe failed"
		}
		rec.errors = append(rec.errors, msg)
		if len(rec.errors) > errorBufferCap {
			rec.errors = rec.errors[len(rec.errors)-errorBufferCap:]
		}
	}
	rec.state = deriveState(rec.results)
	rec.degraded = agent.Health.CPU > 90 || agent.Health.Memory > 90 || result.ResponseTime > 5*time.Second
	state := rec.state
	r.mu.Unlock()

	agent.Health.ResponseTime = float64(result.ResponseTime.Milliseconds())
	agent.Health.SampledAt = result.At
	if !result.Success {
		agent.Health.ErrorCount++
	}
	if state == HealthUnhealthy && agent.Status != models.AgentOffline {
		agent.Status = models.AgentOffline
	} else if state == HealthHealthy && agent.Status == models.AgentOffline {
		agent.Status = models.AgentIdle
	}
	if err := r.save(ctx, agent); err != nil {
		slog.Warn("persist health probe result", "agent", agent.AgentID, "error", err)
		return
	}
	data, _ := json.Marshal(map[string]any{
		"state":    state,
		"degraded": rec.degraded,
		"sampledAt": result.At,
	})
	if err := r.st.Set(ctx, healthKey(agent.AgentID), data, healthTTL); err != nil {
		slog.Warn("persist health snapshot", "agent", agent.AgentID, "error", err)
	}
}

// deriveState folds the rolling window into a coarse health classification:
// at least 2 of the last 3 probes succeeding means healthy.
func deriveState(results []HealthCheckResult) HealthState {
	if len(results) == 0 {
		return HealthUnknown
	}
	last3 := results
	if len(last3) > 3 {
		last3 = last3[len(last3)-3:]
	}
	successes := 0
	for _, r := range last3 {
		if r.Success {
			successes++
		}
	}
	if successes >= 2 {
		return HealthHealthy
	}
	return HealthUnhealthy
}

// State returns the current derived health classification for an agent.
func (r *Registry) State(id string) HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.probes[id]
	if !ok {
		return HealthUnknown
	}
	return rec.state
}

// NoopProber always reports success with a small fixed latency; used when no
// real health endpoint is configured (e.g. in tests).
type NoopProber struct{ Latency time.Duration }

func (p NoopProber) Probe(ctx context.Context, agent *models.Agent) HealthCheckResult {
	lat := p.Latency
	if lat == 0 {
		lat = time.Millisecond
	}
	return HealthCheckResult{Success: true, At: time.Now(), ResponseTime: lat}
}
