package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStores(t *testing.T) map[string]Store {
	dir := t.TempDir()
	bs, err := OpenBadger(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { bs.Close() })
	return map[string]Store{
		"badger": bs,
		"memory": NewMemory(),
	}
}

func TestKVRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Set(ctx, "task:1", []byte("hello"), 0); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, err := s.Get(ctx, "task:1")
			if err != nil || string(got) != "hello" {
				t.Fatalf("get mismatch: %s err=%v", got, err)
			}
			if err := s.Delete(ctx, "task:1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.Get(ctx, "task:1"); err != ErrNotFound {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestTTLExpires(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Set(ctx, "agent:health:a1", []byte("x"), 10*time.Millisecond); err != nil {
				t.Fatalf("set: %v", err)
			}
			time.Sleep(50 * time.Millisecond)
			// Memory enforces TTL on read; badger's own GC runs async, so this
			// assertion only binds the in-memory implementation's eager check.
			if name == "memory" {
				if _, err := s.Get(ctx, "agent:health:a1"); err != ErrNotFound {
					t.Fatalf("expected expiry, got %v", err)
				}
			}
		})
	}
}

func TestZSetOrdering(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.ZAdd(ctx, "queue:main", "low", 1_000_000)
			_ = s.ZAdd(ctx, "queue:main", "critical", 4_000_050)
			_ = s.ZAdd(ctx, "queue:main", "high", 3_000_020)
			_ = s.ZAdd(ctx, "queue:main", "medium", 2_000_010)

			n, err := s.ZCard(ctx, "queue:main")
			if err != nil || n != 4 {
				t.Fatalf("card = %d, err=%v", n, err)
			}
			top, err := s.ZPopMax(ctx, "queue:main", 2)
			if err != nil {
				t.Fatalf("zpopmax: %v", err)
			}
			if len(top) != 2 || top[0].Member != "critical" || top[1].Member != "high" {
				t.Fatalf("unexpected pop order: %+v", top)
			}
			n, _ = s.ZCard(ctx, "queue:main")
			if n != 2 {
				t.Fatalf("expected 2 remaining, got %d", n)
			}
		})
	}
}

func TestZAddRelocatesScore(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.ZAdd(ctx, "queue:delayed", "t1", 100)
			_ = s.ZAdd(ctx, "queue:delayed", "t1", 500)
			score, err := s.ZScore(ctx, "queue:delayed", "t1")
			if err != nil || score != 500 {
				t.Fatalf("score = %d, err=%v", score, err)
			}
			n, _ := s.ZCard(ctx, "queue:delayed")
			if n != 1 {
				t.Fatalf("expected single member after relocation, got %d", n)
			}
		})
	}
}

func TestPublishSubscribe(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			received := make(chan []byte, 1)
			cancel, err := s.Subscribe(ctx, "swarm.registry.events", func(data []byte) {
				received <- data
			})
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer cancel()
			if err := s.Publish(ctx, "swarm.registry.events", []byte("agentRegistered")); err != nil {
				t.Fatalf("publish: %v", err)
			}
			select {
			case got := <-received:
				if string(got) != "agentRegistered" {
					t.Fatalf("unexpected payload: %s", got)
				}
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for publish")
			}
		})
	}
}
