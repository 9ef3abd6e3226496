package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/agentmesh/internal/models"
)

// boltStore durably persists templates, deployments, and instances using
// BoltDB, generalized from the workflow/execution bucket layout of the
// orchestrator's WorkflowStore to the lifecycle manager's own three bucket
// families. BoltDB's B+-tree fits this infrequently-written, read-heavy
// configuration data; the hot task/agent path still goes through the
// badger-backed internal/store.
type boltStore struct {
	db *bbolt.DB
	mu sync.RWMutex

	templateCache   map[string]*models.AgentTemplate
	deploymentCache map[string]*models.Deployment

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

var (
	bucketTemplates   = []byte("templates")
	bucketDeployments = []byte("deployments")
	bucketInstances   = []byte("instances")
	bucketScaling     = []byte("scaling_events")
)

func newBoltStore(dbPath string, meter metric.Meter) (*boltStore, error) {
	opts := &bbolt.Options{Timeout: time.Second}
	db, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTemplates, bucketDeployments, bucketInstances, bucketScaling} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create lifecycle buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("swarm_lifecycle_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("swarm_lifecycle_db_write_ms")

	bs := &boltStore{
		db:              db,
		templateCache:   make(map[string]*models.AgentTemplate),
		deploymentCache: make(map[string]*models.Deployment),
		readLatency:     readLatency,
		writeLatency:    writeLatency,
	}
	if err := bs.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm lifecycle cache: %w", err)
	}
	return bs, nil
}

func (bs *boltStore) Close() error { return bs.db.Close() }

func (bs *boltStore) warmCache() error {
	return bs.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var t models.AgentTemplate
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			bs.templateCache[t.TemplateID] = &t
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var d models.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			bs.deploymentCache[d.DeploymentID] = &d
			return nil
		})
	})
}

func (bs *boltStore) putTemplate(ctx context.Context, t *models.AgentTemplate) error {
	start := time.Now()
	defer func() {
		bs.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "put_template")))
	}()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if err := bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTemplates).Put([]byte(t.TemplateID), data)
	}); err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	bs.templateCache[t.TemplateID] = t
	return nil
}

func (bs *boltStore) getTemplate(id string) (*models.AgentTemplate, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	t, ok := bs.templateCache[id]
	return t, ok
}

func (bs *boltStore) listTemplates() []*models.AgentTemplate {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make([]*models.AgentTemplate, 0, len(bs.templateCache))
	for _, t := range bs.templateCache {
		out = append(out, t)
	}
	return out
}

func (bs *boltStore) putDeployment(ctx context.Context, d *models.Deployment) error {
	start := time.Now()
	defer func() {
		bs.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "put_deployment")))
	}()
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal deployment: %w", err)
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if err := bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeployments).Put([]byte(d.DeploymentID), data)
	}); err != nil {
		return fmt.Errorf("write deployment: %w", err)
	}
	bs.deploymentCache[d.DeploymentID] = d
	return nil
}

func (bs *boltStore) getDeployment(id string) (*models.Deployment, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	d, ok := bs.deploymentCache[id]
	return d, ok
}

func (bs *boltStore) deleteDeployment(id string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if err := bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeployments).Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	delete(bs.deploymentCache, id)
	return nil
}

func (bs *boltStore) putInstance(inst *models.AgentInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInstances).Put([]byte(inst.InstanceID), data)
	})
}

func (bs *boltStore) deleteInstance(id string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(id))
	})
}

func (bs *boltStore) listInstancesForDeployment(deploymentID string) ([]*models.AgentInstance, error) {
	var out []*models.AgentInstance
	err := bs.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var inst models.AgentInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				return nil
			}
			if inst.DeploymentID == deploymentID {
				out = append(out, &inst)
			}
			return nil
		})
	})
	return out, err
}

func (bs *boltStore) appendScalingEvent(ev models.ScalingEvent, capN int) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketScaling)
		key := fmt.Sprintf("%s:%d", ev.DeploymentID, ev.At.UnixNano())
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return err
		}
		return trimScalingEvents(bucket, ev.DeploymentID, capN)
	})
}

// trimScalingEvents keeps at most cap events per deployment, evicting the
// oldest by key order (keys are deploymentID:unixnano, so lexical order is
// chronological).
func trimScalingEvents(bucket *bbolt.Bucket, deploymentID string, capN int) error {
	prefix := []byte(deploymentID + ":")
	var keys [][]byte
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte{}, k...))
	}
	if len(keys) <= capN {
		return nil
	}
	for _, k := range keys[:len(keys)-capN] {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (bs *boltStore) listScalingEvents(deploymentID string) ([]models.ScalingEvent, error) {
	var out []models.ScalingEvent
	err := bs.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketScaling)
		prefix := []byte(deploymentID + ":")
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ev models.ScalingEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
