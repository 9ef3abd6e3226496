// Package queue implements the four-lane priority queue (C1): ready,
// processing, delayed, and dead-letter, backed by internal/store's ordered
// sets. It guarantees strict priority ordering with age-based
// anti-starvation, atomic lane moves, and idempotent retries.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/store"
)

const (
	laneReady      = "queue:main"
	laneProcessing = "queue:processing"
	laneDelayed    = "queue:delayed"
	laneDLQ        = "queue:dlq"

	// priorityMultiplier spaces the four priority bands far enough apart
	// that nonceCeiling+ageCeiling (the maximum combined tie-break
	// contribution) never crosses into the next band: age and nonce must
	// only ever break ties within one priority class, never across classes.
	priorityMultiplier = int64(1_000_000)
	nonceCeiling       = int64(450_000)
	ageCeiling         = int64(450_000)

	taskTTL = 24 * time.Hour
)

// Config carries the queue's tunable admission and retry policy.
type Config struct {
	MaxSize           int
	DefaultMaxRetries int
	BaseDelay         time.Duration
	VisibilityTimeout time.Duration
	DeadLetterEnabled bool
	BatchSize         int
}

// DefaultConfig returns sane defaults matching the config surface in the
// external-interfaces section.
func DefaultConfig() Config {
	return Config{
		MaxSize:           100_000,
		DefaultMaxRetries: 3,
		BaseDelay:         500 * time.Millisecond,
		VisibilityTimeout: 30 * time.Second,
		DeadLetterEnabled: true,
		BatchSize:         32,
	}
}

// Queue is the priority queue component. All lane transitions for a given
// task hold laneLock so no observer ever sees a task present in two lanes,
// or dispatched twice (at-most-one assignment, enforced here per spec).
type Queue struct {
	cfg   Config
	store store.Store
	bus   *eventbus.Bus
	bloom *bloomFilter

	laneLock sync.Mutex
	nonce    int64
}

// New constructs a Queue over the given store.
func New(cfg Config, st store.Store, bus *eventbus.Bus) *Queue {
	return &Queue{
		cfg:   cfg,
		store: st,
		bus:   bus,
		bloom: newBloomFilter(100_000, 0.01),
	}
}

func (q *Queue) nextNonce() int64 {
	return atomic.AddInt64(&q.nonce, 1)
}

func ageBonus(createdAt time.Time) int64 {
	elapsed := int64(time.Since(createdAt).Seconds())
	if elapsed > ageCeiling {
		elapsed = ageCeiling
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

func (q *Queue) score(t *models.Task, nonce int64) int64 {
	base := t.Priority.BaseScore() * priorityMultiplier
	nonceTerm := nonceCeiling - (nonce % nonceCeiling)
	return base + ageBonus(t.CreatedAt) + nonceTerm
}

func taskKey(id string) string { return "task:" + id }

func (q *Queue) saveTask(ctx context.Context, t *models.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return q.store.Set(ctx, taskKey(t.TaskID), data, taskTTL)
}

func (q *Queue) loadTask(ctx context.Context, id string) (*models.Task, error) {
	data, err := q.store.Get(ctx, taskKey(id))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	var t models.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// dedupKey is the bloom-filter fast-path key for idempotent re-enqueues.
func dedupKey(id string) []byte { return []byte("enqueue:" + id) }

// Enqueue admits a task: into delayed if ScheduledFor is in the future,
// otherwise into ready. Idempotent per taskId — re-enqueuing a task already
// tracked by the store is a no-op.
func (q *Queue) Enqueue(ctx context.Context, t *models.Task) error {
	q.laneLock.Lock()
	defer q.laneLock.Unlock()

	if q.bloom.mayContain(dedupKey(t.TaskID)) {
		if existing, err := q.loadTask(ctx, t.TaskID); err == nil && existing != nil {
			return nil // already admitted
		}
	}

	size, err := q.store.ZCard(ctx, laneReady)
	if err != nil {
		return fmt.Errorf("check queue size: %w", err)
	}
	if size >= q.cfg.MaxSize {
		return models.ErrQueueFull
	}

	t.Status = models.TaskPending
	if t.Constraints.MaxRetries == 0 {
		t.Constraints.MaxRetries = q.cfg.DefaultMaxRetries
	}
	if err := q.saveTask(ctx, t); err != nil {
		return err
	}
	q.bloom.add(dedupKey(t.TaskID))

	nonce := q.nextNonce()
	lane := laneReady
	sc := q.score(t, nonce)
	if t.ScheduledFor != nil && t.ScheduledFor.After(time.Now()) {
		lane = laneDelayed
		sc = t.ScheduledFor.UnixMilli()
	}
	if err := q.store.ZAdd(ctx, lane, t.TaskID, sc); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	q.publish(models.EventTaskSubmitted, t.TaskID)
	return nil
}

func (q *Queue) publish(kind, taskID string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Kind: kind, Source: "queue", Payload: taskID})
}

// DequeueBatch pops up to n ready tasks whose required capabilities are a
// subset of capabilitySet, moves them to processing, and stamps StartedAt.
func (q *Queue) DequeueBatch(ctx context.Context, n int, capabilitySet map[string]struct{}) ([]*models.Task, error) {
	q.laneLock.Lock()
	defer q.laneLock.Unlock()

	// Over-fetch from ready since some candidates may not match the
	// capability set; push non-matching ones back before returning.
	candidates, err := q.store.ZPopMax(ctx, laneReady, n*4+n)
	if err != nil {
		return nil, err
	}
	var out []*models.Task
	var requeue []store.ZMember
	now := time.Now()
	for _, cand := range candidates {
		if len(out) >= n {
			requeue = append(requeue, cand)
			continue
		}
		t, err := q.loadTask(ctx, cand.Member)
		if err != nil {
			continue // task record vanished; drop the stale queue entry
		}
		if !subsetOf(t.RequiredCapabilities, capabilitySet) {
			requeue = append(requeue, cand)
			continue
		}
		t.Status = models.TaskAssigned
		t.StartedAt = &now
		if err := q.saveTask(ctx, t); err != nil {
			requeue = append(requeue, cand)
			continue
		}
		if err := q.store.ZAdd(ctx, laneProcessing, t.TaskID, cand.Score); err != nil {
			requeue = append(requeue, cand)
			continue
		}
		out = append(out, t)
	}
	for _, r := range requeue {
		_ = q.store.ZAdd(ctx, laneReady, r.Member, r.Score)
	}
	return out, nil
}

func subsetOf(required []string, have map[string]struct{}) bool {
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// Complete removes a task from processing and marks it completed.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	q.laneLock.Lock()
	defer q.laneLock.Unlock()

	if err := q.store.ZRem(ctx, laneProcessing, id); err != nil {
		return err
	}
	t, err := q.loadTask(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	t.Status = models.TaskCompleted
	t.CompletedAt = &now
	t.Result = result
	if err := q.saveTask(ctx, t); err != nil {
		return err
	}
	q.publish(models.EventTaskCompleted, id)
	return nil
}

// Fail removes a task from processing; if retries remain it is rescheduled
// into delayed with exponential backoff, otherwise it goes to the
// dead-letter lane (if enabled) and is marked failed.
func (q *Queue) Fail(ctx context.Context, id string, execErr error) error {
	q.laneLock.Lock()
	defer q.laneLock.Unlock()

	if err := q.store.ZRem(ctx, laneProcessing, id); err != nil {
		return err
	}
	t, err := q.loadTask(ctx, id)
	if err != nil {
		return err
	}
	if t.RetryCount < t.Constraints.MaxRetries {
		t.RetryCount++
		backoff := q.cfg.BaseDelay * time.Duration(1<<uint(t.RetryCount-1))
		next := time.Now().Add(backoff)
		t.ScheduledFor = &next
		t.Status = models.TaskPending
		t.StartedAt = nil
		t.AssignedAgent = ""
		if err := q.saveTask(ctx, t); err != nil {
			return err
		}
		if err := q.store.ZAdd(ctx, laneDelayed, id, next.UnixMilli()); err != nil {
			return err
		}
		q.publish(models.EventTaskRetry, id)
		return nil
	}

	now := time.Now()
	t.Status = models.TaskFailed
	t.CompletedAt = &now
	if execErr != nil {
		t.Error = execErr.Error()
	}
	if err := q.saveTask(ctx, t); err != nil {
		return err
	}
	if q.cfg.DeadLetterEnabled {
		if err := q.store.ZAdd(ctx, laneDLQ, id, now.UnixMilli()); err != nil {
			return err
		}
	}
	q.publish(models.EventTaskFailed, id)
	return nil
}

// Cancel removes a task from whichever lane it occupies. Idempotent.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.laneLock.Lock()
	defer q.laneLock.Unlock()

	for _, lane := range []string{laneReady, laneProcessing, laneDelayed, laneDLQ} {
		_ = q.store.ZRem(ctx, lane, id)
	}
	t, err := q.loadTask(ctx, id)
	if err != nil {
		if err == models.ErrNotFound {
			return nil
		}
		return err
	}
	t.Status = models.TaskCancelled
	return q.saveTask(ctx, t)
}

// ReapStale returns processing tasks whose visibility timeout expired back
// to ready, clearing StartedAt and emitting taskStale.
func (q *Queue) ReapStale(ctx context.Context) (int, error) {
	q.laneLock.Lock()
	defer q.laneLock.Unlock()

	// Processing-lane scores are priority scores, not timestamps, so
	// expiry is judged from each task's StartedAt.
	cutoff := time.Now().Add(-q.cfg.VisibilityTimeout)
	members, err := q.store.ZRangeByScore(ctx, laneProcessing, math.MinInt64, math.MaxInt64)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range members {
		t, err := q.loadTask(ctx, m.Member)
		if err != nil {
			_ = q.store.ZRem(ctx, laneProcessing, m.Member)
			continue
		}
		if t.StartedAt != nil && t.StartedAt.After(cutoff) {
			continue
		}
		if err := q.store.ZRem(ctx, laneProcessing, m.Member); err != nil {
			continue
		}
		t.Status = models.TaskPending
		t.StartedAt = nil
		if err := q.saveTask(ctx, t); err != nil {
			continue
		}
		nonce := q.nextNonce()
		sc := q.score(t, nonce)
		if err := q.store.ZAdd(ctx, laneReady, t.TaskID, sc); err != nil {
			continue
		}
		n++
		q.publish(models.EventTaskStale, t.TaskID)
	}
	return n, nil
}

// PromoteDelayed scans the delayed lane for items whose scheduled time has
// arrived and moves them to ready.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	q.laneLock.Lock()
	defer q.laneLock.Unlock()

	now := time.Now().UnixMilli()
	members, err := q.store.ZRangeByScore(ctx, laneDelayed, 0, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range members {
		t, err := q.loadTask(ctx, m.Member)
		if err != nil {
			_ = q.store.ZRem(ctx, laneDelayed, m.Member)
			continue
		}
		if err := q.store.ZRem(ctx, laneDelayed, m.Member); err != nil {
			continue
		}
		nonce := q.nextNonce()
		sc := q.score(t, nonce)
		if err := q.store.ZAdd(ctx, laneReady, t.TaskID, sc); err != nil {
			continue
		}
		n++
	}
	return n, nil
}

// Run drives the periodic reap/promote maintenance loop until ctx is
// cancelled, logging (never crashing) on transient store errors.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDelayed(ctx); err != nil {
				slog.Warn("promote delayed failed", "error", err)
			}
			if n, err := q.ReapStale(ctx); err != nil {
				slog.Warn("reap stale failed", "error", err)
			} else if n > 0 {
				slog.Info("reaped stale tasks", "count", n)
			}
		}
	}
}

// Sizes reports the current member count of each lane, for metrics/status.
func (q *Queue) Sizes(ctx context.Context) (ready, processing, delayed, dlq int, err error) {
	if ready, err = q.store.ZCard(ctx, laneReady); err != nil {
		return
	}
	if processing, err = q.store.ZCard(ctx, laneProcessing); err != nil {
		return
	}
	if delayed, err = q.store.ZCard(ctx, laneDelayed); err != nil {
		return
	}
	dlq, err = q.store.ZCard(ctx, laneDLQ)
	return
}

// Get loads a task by id regardless of which lane it is currently in.
func (q *Queue) Get(ctx context.Context, id string) (*models.Task, error) {
	return q.loadTask(ctx, id)
}

// DrainReady pops up to n tasks off the ready lane in priority order,
// without moving them to processing. The caller (the conductor) matches
// each against the agent pool and must call either AssignToAgent or
// RequeueHead for every task returned, so no task is ever dropped between
// the pop and the scheduling decision.
func (q *Queue) DrainReady(ctx context.Context, n int) ([]*models.Task, error) {
	q.laneLock.Lock()
	defer q.laneLock.Unlock()

	members, err := q.store.ZPopMax(ctx, laneReady, n)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Task, 0, len(members))
	for _, m := range members {
		t, err := q.loadTask(ctx, m.Member)
		if err != nil {
			continue // task record vanished; drop the stale queue entry
		}
		out = append(out, t)
	}
	return out, nil
}

// AssignToAgent moves a drained task into processing, linking it to
// agentID and stamping StartedAt.
func (q *Queue) AssignToAgent(ctx context.Context, t *models.Task, agentID string) error {
	q.laneLock.Lock()
	defer q.laneLock.Unlock()

	now := time.Now()
	t.Status = models.TaskAssigned
	t.AssignedAgent = agentID
	t.StartedAt = &now
	if err := q.saveTask(ctx, t); err != nil {
		return err
	}
	nonce := q.nextNonce()
	if err := q.store.ZAdd(ctx, laneProcessing, t.TaskID, q.score(t, nonce)); err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	q.publish(models.EventTaskAssigned, t.TaskID)
	return nil
}

// RequeueHead puts a drained task back at the head of the ready lane: used
// when no agent candidate could be found for it this tick, so it is not
// starved behind tasks that do have capacity.
func (q *Queue) RequeueHead(ctx context.Context, t *models.Task) error {
	q.laneLock.Lock()
	defer q.laneLock.Unlock()

	nonce := q.nextNonce()
	sc := q.score(t, nonce) + priorityMultiplier // outrank same-priority peers so it is popped first next tick
	return q.store.ZAdd(ctx, laneReady, t.TaskID, sc)
}

// ReassignFromAgent resets every task currently assigned to agentID back to
// pending and pushes it to the front of the ready lane, per the agent-loss
// recovery rule. tasks is the set of task ids the caller (conductor) tracked
// as belonging to that agent.
func (q *Queue) ReassignFromAgent(ctx context.Context, taskIDs []string) error {
	q.laneLock.Lock()
	defer q.laneLock.Unlock()

	for _, id := range taskIDs {
		_ = q.store.ZRem(ctx, laneProcessing, id)
		t, err := q.loadTask(ctx, id)
		if err != nil {
			continue
		}
		if t.AssignedAgent == "" {
			continue // already reassigned or completed
		}
		t.Status = models.TaskPending
		t.AssignedAgent = ""
		t.StartedAt = nil
		if err := q.saveTask(ctx, t); err != nil {
			continue
		}
		nonce := q.nextNonce()
		sc := q.score(t, nonce) + priorityMultiplier
		if err := q.store.ZAdd(ctx, laneReady, id, sc); err != nil {
			continue
		}
		q.publish(models.EventTaskReassigned, id)
	}
	return nil
}

// MarkRunning transitions an assigned task to running, called once the
// conductor has actually dispatched it to the agent.
func (q *Queue) MarkRunning(ctx context.Context, id string) error {
	t, err := q.loadTask(ctx, id)
	if err != nil {
		return err
	}
	t.Status = models.TaskRunning
	return q.saveTask(ctx, t)
}
