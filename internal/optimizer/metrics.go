package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/store"
)

// AggKind selects the reducer a windowed metric query applies.
type AggKind string

const (
	AggSum   AggKind = "sum"
	AggAvg   AggKind = "avg"
	AggMin   AggKind = "min"
	AggMax   AggKind = "max"
	AggCount AggKind = "count"
)

const (
	ringCap         = 1000
	mirrorTTL       = 24 * time.Hour
	metricKeyPrefix = "metric:"
)

// metricRing is a fixed-capacity circular buffer of samples for one metric
// name, generalizing dag_engine.go's ResultCache eviction pattern from
// completed-task results to arbitrary timestamped metric samples.
type metricRing struct {
	mu      sync.Mutex
	samples []models.Metric
	next    int
	full    bool
}

func newMetricRing() *metricRing {
	return &metricRing{samples: make([]models.Metric, ringCap)}
}

func (r *metricRing) add(m models.Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = m
	r.next = (r.next + 1) % ringCap
	if r.next == 0 {
		r.full = true
	}
}

func (r *metricRing) snapshot() []models.Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]models.Metric, r.next)
		copy(out, r.samples[:r.next])
		return out
	}
	out := make([]models.Metric, ringCap)
	copy(out, r.samples[r.next:])
	copy(out[ringCap-r.next:], r.samples[:r.next])
	return out
}

// MetricStore ingests Metric samples into an in-memory per-name ring for
// fast windowed aggregation, mirroring every sample to the durable store
// with a 24 h TTL the way dag_engine.go's cache entries expire.
type MetricStore struct {
	mu    sync.RWMutex
	rings map[string]*metricRing
	bs    store.Store
}

// NewMetricStore constructs a MetricStore backed by bs for durability.
func NewMetricStore(bs store.Store) *MetricStore {
	return &MetricStore{rings: make(map[string]*metricRing), bs: bs}
}

// Record ingests one metric sample.
func (ms *MetricStore) Record(ctx context.Context, m models.Metric) error {
	ms.mu.Lock()
	ring, ok := ms.rings[m.Name]
	if !ok {
		ring = newMetricRing()
		ms.rings[m.Name] = ring
	}
	ms.mu.Unlock()
	ring.add(m)

	if ms.bs == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metric %s: %w", m.Name, err)
	}
	key := fmt.Sprintf("%s%s:%d", metricKeyPrefix, m.Name, m.Timestamp.UnixNano())
	return ms.bs.Set(ctx, key, data, mirrorTTL)
}

// Window returns every sample for name with timestamp in [from, to] and
// whose tags are a superset of tagFilter.
func (ms *MetricStore) Window(name string, from, to time.Time, tagFilter map[string]string) []models.Metric {
	ms.mu.RLock()
	ring, ok := ms.rings[name]
	ms.mu.RUnlock()
	if !ok {
		return nil
	}
	var out []models.Metric
	for _, m := range ring.snapshot() {
		if m.Timestamp.Before(from) || m.Timestamp.After(to) {
			continue
		}
		if !tagsMatch(m.Tags, tagFilter) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func tagsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// Aggregate reduces the metric window [from,to] for name under agg,
// returning 0 if no sample matches.
func (ms *MetricStore) Aggregate(name string, agg AggKind, from, to time.Time, tagFilter map[string]string) float64 {
	samples := ms.Window(name, from, to, tagFilter)
	if len(samples) == 0 {
		return 0
	}
	switch agg {
	case AggCount:
		return float64(len(samples))
	case AggSum:
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return sum
	case AggAvg:
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return sum / float64(len(samples))
	case AggMin:
		min := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value < min {
				min = s.Value
			}
		}
		return min
	case AggMax:
		max := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value > max {
				max = s.Value
			}
		}
		return max
	default:
		return 0
	}
}
