package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Store used in tests, matching spec.md's design
// note that in-memory implementations are expected to stand in for the
// backing KV+ZSET+pub/sub store.
type Memory struct {
	mu      sync.Mutex
	values  map[string]memEntry
	zsets   map[string]map[string]int64 // set -> member -> score
	bus     *pubsubBus
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]memEntry),
		zsets:  make(map[string]map[string]int64),
		bus:    newPubsubBus(),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	cp := append([]byte(nil), value...)
	m.values[key] = memEntry{value: cp, expires: exp}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.values, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *Memory) ZAdd(ctx context.Context, set, member string, score int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.zsets[set]
	if !ok {
		s = make(map[string]int64)
		m.zsets[set] = s
	}
	s[member] = score
	return nil
}

func (m *Memory) ZRem(ctx context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.zsets[set]; ok {
		delete(s, member)
	}
	return nil
}

func (m *Memory) ZScore(ctx context.Context, set, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.zsets[set]
	if !ok {
		return 0, ErrNotFound
	}
	score, ok := s[member]
	if !ok {
		return 0, ErrNotFound
	}
	return score, nil
}

func (m *Memory) ZCard(ctx context.Context, set string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.zsets[set]), nil
}

func (m *Memory) sortedMembers(set string) []ZMember {
	s := m.zsets[set]
	out := make([]ZMember, 0, len(s))
	for member, score := range s {
		out = append(out, ZMember{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (m *Memory) ZPopMax(ctx context.Context, set string, n int) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		return nil, nil
	}
	members := m.sortedMembers(set)
	if len(members) == 0 {
		return nil, nil
	}
	// descending, highest score first
	var out []ZMember
	s := m.zsets[set]
	for i := len(members) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, members[i])
		delete(s, members[i].Member)
	}
	return out, nil
}

func (m *Memory) ZRangeByScore(ctx context.Context, set string, min, max int64) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ZMember
	for _, zm := range m.sortedMembers(set) {
		if zm.Score >= min && zm.Score <= max {
			out = append(out, zm)
		}
	}
	return out, nil
}

func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	m.bus.publish(subject, data)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, subject string, handler func([]byte)) (func() error, error) {
	return m.bus.subscribe(subject, handler), nil
}
