package queue

import (
	"hash/fnv"
	"math"
	"sync"
)

// bloomFilter gives an O(1) probabilistic "definitely not a duplicate" check
// before an idempotent re-enqueue touches the store, ported from
// services/signature-engine/scanner/bloom.go and made safe for concurrent
// use by the queue's dedup fast path.
type bloomFilter struct {
	mu   sync.Mutex
	bits []uint64
	k    int
	m    int
}

func newBloomFilter(expectedElements int, fpRate float64) *bloomFilter {
	m := optimalM(expectedElements, fpRate)
	k := optimalK(m, expectedElements)
	return &bloomFilter{bits: make([]uint64, (m+63)/64), k: k, m: m}
}

func optimalM(n int, p float64) int {
	return int(math.Ceil(-float64(n) * math.Log(p) / (math.Log(2) * math.Log(2))))
}

func optimalK(m, n int) int {
	k := int(math.Ceil(float64(m) / float64(n) * math.Log(2)))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	return k
}

func (bf *bloomFilter) add(data []byte) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for i := 0; i < bf.k; i++ {
		idx := bf.hash(data, i) % bf.m
		bf.bits[idx/64] |= 1 << (idx % 64)
	}
}

func (bf *bloomFilter) mayContain(data []byte) bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for i := 0; i < bf.k; i++ {
		idx := bf.hash(data, i) % bf.m
		if (bf.bits[idx/64] & (1 << (idx % 64))) == 0 {
			return false
		}
	}
	return true
}

func (bf *bloomFilter) hash(data []byte, seed int) int {
	h := fnv.New64a()
	h.Write(data)
	if seed > 0 {
		h.Write([]byte{byte(seed)})
	}
	return int(h.Sum64() >> 1) // drop the top bit so the index is never negative
}
