package store

import "sync"

// pubsubBus is an in-process fan-out used by both Store implementations.
// Production deployments additionally broadcast cross-process via
// internal/corelib/natsctx; this bus only serves same-process subscribers
// (e.g. in-memory tests, or local components that skip the NATS hop).
type pubsubBus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
	seq  int
}

type subscription struct {
	id      int
	handler func([]byte)
}

func newPubsubBus() *pubsubBus {
	return &pubsubBus{subs: make(map[string][]*subscription)}
}

func (b *pubsubBus) publish(subject string, data []byte) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[subject]...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.handler(data)
	}
}

func (b *pubsubBus) subscribe(subject string, handler func([]byte)) func() error {
	b.mu.Lock()
	b.seq++
	id := b.seq
	sub := &subscription{id: id, handler: handler}
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[subject]
		for i, s := range list {
			if s.id == id {
				b.subs[subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
		return nil
	}
}
