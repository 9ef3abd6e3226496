// Package registry implements the agent registry (C2): register/unregister/
// update, capability/tag/region discovery with a short-TTL result cache, and
// periodic health probing.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/corelib/natsctx"
	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/store"

	nats "github.com/nats-io/nats.go"
)

const (
	registrySubject = "swarm.registry.events"
	registrationTTL = 24 * time.Hour
	healthTTL       = time.Hour
	discoveryCacheTTL = 5 * time.Minute
	probeInterval   = 30 * time.Second
	rollingWindow   = 10
	errorBufferCap  = 10
)

// HealthState is the derived health classification for a registration.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthCheckResult is one probe outcome.
type HealthCheckResult struct {
	Success      bool      `json:"success"`
	At           time.Time `json:"at"`
	ResponseTime time.Duration `json:"responseTimeMs"`
	Error        string    `json:"error,omitempty"`
}

// probeRecord is the rolling state the registry maintains per agent.
type probeRecord struct {
	results  []HealthCheckResult // most recent last, capped at rollingWindow
	errors   []string            // capped at errorBufferCap
	state    HealthState
	degraded bool
}

// Prober performs the outbound health check for an agent. The only
// implementation in this repository is NoopProber, which cmd/agentmesh and
// the tests use; it reports success without contacting the agent's health
// endpoint.
type Prober interface {
	Probe(ctx context.Context, agent *models.Agent) HealthCheckResult
}

// Query is the input to Discover.
type Query struct {
	Capabilities   []string
	Tags           []string
	Region         string
	MinUptimeSec   float64
	MaxResponseMs  float64
	Exclude        []string
}

// Registry owns all agent registration and health state.
type Registry struct {
	st     store.Store
	bus    *eventbus.Bus
	nc     *nats.Conn
	prober Prober

	mu     sync.RWMutex
	probes map[string]*probeRecord

	cache *ristretto.Cache
}

// New constructs a Registry. nc may be nil (broadcast becomes a local no-op
// via the store's own pub/sub, which is always present).
func New(st store.Store, bus *eventbus.Bus, nc *nats.Conn, prober Prober) (*Registry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery cache: %w", err)
	}
	return &Registry{
		st:     st,
		bus:    bus,
		nc:     nc,
		prober: prober,
		probes: make(map[string]*probeRecord),
		cache:  cache,
	}, nil
}

func agentKey(id string) string { return "agent:registration:" + id }
func healthKey(id string) string { return "agent:health:" + id }

func (r *Registry) publish(kind string, agent *models.Agent) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Kind: kind, Source: "registry", Payload: agent.AgentID})
	}
	payload, _ := json.Marshal(map[string]string{"event": kind, "agentId": agent.AgentID})
	if r.nc != nil {
		_ = natsctx.Publish(context.Background(), r.nc, registrySubject, payload)
	} else {
		_ = r.st.Publish(context.Background(), registrySubject, payload)
	}
}

// validate checks an AgentSpec per the register() admission rules.
func validate(spec *models.AgentSpec) error {
	if spec.Name == "" || spec.Type == "" {
		return fmt.Errorf("%w: name and type are required", models.ErrInvalidSpec)
	}
	if len(spec.Capabilities) == 0 {
		return fmt.Errorf("%w: at least one capability is required", models.ErrInvalidSpec)
	}
	if len(spec.Endpoints) == 0 {
		return fmt.Errorf("%w: at least one endpoint is required", models.ErrInvalidSpec)
	}
	for _, c := range spec.Capabilities {
		if c.MaxConcurrency < 1 {
			return fmt.Errorf("%w: capability %q maxConcurrency must be >= 1", models.ErrInvalidSpec, c.Type)
		}
	}
	for _, e := range spec.Endpoints {
		if e.URL == "" {
			return fmt.Errorf("%w: endpoint url is required", models.ErrInvalidSpec)
		}
	}
	return nil
}

// Register validates spec, stores a new Agent record, and emits
// agentRegistered.
func (r *Registry) Register(ctx context.Context, spec *models.AgentSpec) (*models.Agent, error) {
	if err := validate(spec); err != nil {
		return nil, err
	}
	now := time.Now()
	agent := &models.Agent{
		AgentID:      uuid.NewString(),
		Name:         spec.Name,
		Type:         spec.Type,
		Status:       models.AgentIdle,
		Capabilities: spec.Capabilities,
		Endpoints:    spec.Endpoints,
		Tags:         spec.Tags,
		Region:       spec.Region,
		Metadata:     spec.Metadata,
		Health:       models.HealthGauges{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.save(ctx, agent); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.probes[agent.AgentID] = &probeRecord{state: HealthUnknown}
	r.mu.Unlock()
	r.cache.Clear()
	r.publish(models.EventAgentRegistered, agent)
	return agent, nil
}

func (r *Registry) save(ctx context.Context, agent *models.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return r.st.Set(ctx, agentKey(agent.AgentID), data, registrationTTL)
}

// Get loads a single agent by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.Agent, error) {
	data, err := r.st.Get(ctx, agentKey(id))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	var a models.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Unregister removes a registration and its health record.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.st.Delete(ctx, agentKey(id)); err != nil {
		return err
	}
	_ = r.st.Delete(ctx, healthKey(id))
	r.mu.Lock()
	delete(r.probes, id)
	r.mu.Unlock()
	r.cache.Clear()
	r.publish(models.EventAgentUnregistered, agent)
	return nil
}

// Update replaces a registration's mutable fields, preserving CreatedAt.
func (r *Registry) Update(ctx context.Context, id string, spec *models.AgentSpec) (*models.Agent, error) {
	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validate(spec); err != nil {
		return nil, err
	}
	existing.Name = spec.Name
	existing.Type = spec.Type
	existing.Capabilities = spec.Capabilities
	existing.Endpoints = spec.Endpoints
	existing.Tags = spec.Tags
	existing.Region = spec.Region
	existing.Metadata = spec.Metadata
	existing.UpdatedAt = time.Now()
	if err := r.save(ctx, existing); err != nil {
		return nil, err
	}
	r.cache.Clear()
	r.publish(models.EventAgentUpdated, existing)
	return existing, nil
}

// MutateCurrentTasks applies fn to an agent's CurrentTasks/Status under the
// registry's key and persists the result. Used by the conductor on
// assignment/completion/agent-loss.
func (r *Registry) MutateCurrentTasks(ctx context.Context, id string, fn func(*models.Agent)) (*models.Agent, error) {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(agent)
	agent.UpdatedAt = time.Now()
	if err := r.save(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func healthScore(a *models.Agent) float64 {
	return 0.7*a.Health.UptimeSec/3600.0*100 + 0.3*(1000-a.Health.ResponseTime)
}

func cacheKey(q Query) string {
	data, _ := json.Marshal(q)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Discover filters registered agents by capability/tag/region/uptime/
// response-time/exclude, ranks by health score (desc), ties broken by fewer
// current tasks then older LastActivity. Results are cached by serialized
// query for discoveryCacheTTL.
func (r *Registry) Discover(ctx context.Context, q Query) ([]*models.Agent, error) {
	key := cacheKey(q)
	if cached, ok := r.cache.Get(key); ok {
		return cached.([]*models.Agent), nil
	}

	ids, err := r.allAgentIDs(ctx)
	if err != nil {
		return nil, err
	}
	excluded := make(map[string]struct{}, len(q.Exclude))
	for _, e := range q.Exclude {
		excluded[e] = struct{}{}
	}
	var matches []*models.Agent
	for _, id := range ids {
		if _, skip := excluded[id]; skip {
			continue
		}
		agent, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		if !agent.HasCapabilities(q.Capabilities) {
			continue
		}
		if q.Region != "" && agent.Region != q.Region {
			continue
		}
		if len(q.Tags) > 0 && !tagsIntersect(agent.Tags, q.Tags) {
			continue
		}
		if q.MinUptimeSec > 0 && agent.Health.UptimeSec < q.MinUptimeSec {
			continue
		}
		if q.MaxResponseMs > 0 && agent.Health.ResponseTime > q.MaxResponseMs {
			continue
		}
		matches = append(matches, agent)
	}
	sort.Slice(matches, func(i, j int) bool {
		si, sj := healthScore(matches[i]), healthScore(matches[j])
		if si != sj {
			return si > sj
		}
		if len(matches[i].CurrentTasks) != len(matches[j].CurrentTasks) {
			return len(matches[i].CurrentTasks) < len(matches[j].CurrentTasks)
		}
		return matches[i].Performance.LastActivity.Before(matches[j].Performance.LastActivity)
	})
	r.cache.SetWithTTL(key, matches, 1, discoveryCacheTTL)
	r.cache.Wait()
	return matches, nil
}

func tagsIntersect(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// allAgentIDs is a placeholder index: production key layout has no native
// prefix-scan in the Store interface, so the registry keeps an in-memory id
// index alongside the authoritative per-agent store records.
func (r *Registry) allAgentIDs(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.probes))
	for id := range r.probes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
