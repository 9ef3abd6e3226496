package store

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BadgerStore wraps an embedded BadgerDB as the production Store
// implementation, generalized from services/blockchain/store/kv_store.go's
// idempotent-write pattern to the spec's agent:*/task:*/queue:*/... prefixes
// and to sorted sets via ordered keys (see zset_key.go).
type BadgerStore struct {
	db   *badger.DB
	bus  *pubsubBus
	puts metric.Int64Counter
	gets metric.Int64Counter
	zops metric.Int64Counter
}

// memberIndexKey indexes a zset member to its current score so ZAdd can
// relocate it without a full set scan.
func memberIndexKey(set, member string) string {
	return "zmember:" + set + ":" + member
}

// OpenBadger opens (or creates) a badger database rooted at path.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path)).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	meter := otel.Meter("agentmesh")
	puts, _ := meter.Int64Counter("agentmesh_store_puts_total")
	gets, _ := meter.Int64Counter("agentmesh_store_gets_total")
	zops, _ := meter.Int64Counter("agentmesh_store_zset_ops_total")
	return &BadgerStore{db: db, bus: newPubsubBus(), puts: puts, gets: gets, zops: zops}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err == nil {
		s.puts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "set")))
	}
	return err
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	s.gets.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "get")))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return err
}

func (s *BadgerStore) Exists(ctx context.Context, key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) ZAdd(ctx context.Context, set, member string, score int64) error {
	idxKey := []byte(memberIndexKey(set, member))
	err := s.db.Update(func(txn *badger.Txn) error {
		if item, err := txn.Get(idxKey); err == nil {
			old, verr := item.ValueCopy(nil)
			if verr != nil {
				return verr
			}
			oldScore := int64(binary.BigEndian.Uint64(old))
			if oldScore == score {
				return nil
			}
			if err := txn.Delete([]byte(zsetKey(set, member, oldScore))); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		var enc [8]byte
		binary.BigEndian.PutUint64(enc[:], uint64(score))
		if err := txn.Set(idxKey, enc[:]); err != nil {
			return err
		}
		return txn.Set([]byte(zsetKey(set, member, score)), nil)
	})
	if err == nil {
		s.zops.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "zadd")))
	}
	return err
}

func (s *BadgerStore) ZRem(ctx context.Context, set, member string) error {
	idxKey := []byte(memberIndexKey(set, member))
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(idxKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		old, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		oldScore := int64(binary.BigEndian.Uint64(old))
		if err := txn.Delete([]byte(zsetKey(set, member, oldScore))); err != nil {
			return err
		}
		return txn.Delete(idxKey)
	})
	if err == nil {
		s.zops.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "zrem")))
	}
	return err
}

func (s *BadgerStore) ZScore(ctx context.Context, set, member string) (int64, error) {
	var score int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(memberIndexKey(set, member)))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		score = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	return score, err
}

func (s *BadgerStore) ZCard(ctx context.Context, set string) (int, error) {
	count := 0
	prefix := []byte(zsetSetPrefix(set))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ZPopMax removes and returns up to n members with the highest scores,
// descending. Iteration walks the set's key range in reverse so the
// highest-scoring member (lexicographically greatest encoded score) comes
// first, exploiting badger's byte-ordered iterator.
func (s *BadgerStore) ZPopMax(ctx context.Context, set string, n int) ([]ZMember, error) {
	if n <= 0 {
		return nil, nil
	}
	prefix := []byte(zsetSetPrefix(set))
	upper := append(append([]byte{}, prefix...), 0xFF)
	var out []ZMember
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		var toDelete [][]byte
		for it.Seek(upper); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			member, score, ok := splitZsetKey(set, key)
			if !ok {
				continue
			}
			out = append(out, ZMember{Member: member, Score: score})
			toDelete = append(toDelete, []byte(key))
			if len(out) >= n {
				break
			}
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, m := range out {
			if err := txn.Delete([]byte(memberIndexKey(set, m.Member))); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.zops.Add(ctx, int64(len(out)), metric.WithAttributes(attribute.String("op", "zpopmax")))
	}
	return out, err
}

// ZRangeByScore returns members with min <= score <= max, ascending, without
// removing them.
func (s *BadgerStore) ZRangeByScore(ctx context.Context, set string, min, max int64) ([]ZMember, error) {
	prefix := []byte(zsetSetPrefix(set))
	var out []ZMember
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			member, score, ok := splitZsetKey(set, key)
			if !ok {
				continue
			}
			if score < min || score > max {
				continue
			}
			out = append(out, ZMember{Member: member, Score: score})
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Publish(ctx context.Context, subject string, data []byte) error {
	s.bus.publish(subject, data)
	return nil
}

func (s *BadgerStore) Subscribe(ctx context.Context, subject string, handler func([]byte)) (func() error, error) {
	return s.bus.subscribe(subject, handler), nil
}
