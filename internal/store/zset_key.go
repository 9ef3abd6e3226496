package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Sorted-set members are stored as plain badger/bbolt keys of the form
// "zset:<set>:<encodedScore>:<member>" so that a byte-ordered iterator
// walks members in score order for free — the same trick the teacher's
// blockchain store used to keep block-height keys naturally ordered.
const zsetPrefix = "zset:"

// encodeScore maps an int64 score onto a fixed-width hex string that sorts
// lexicographically the same way the scores sort numerically, by flipping
// the sign bit (the standard order-preserving encoding for signed ints).
func encodeScore(score int64) string {
	u := uint64(score) ^ (uint64(1) << 63)
	return fmt.Sprintf("%016x", u)
}

func decodeScore(enc string) (int64, error) {
	u, err := strconv.ParseUint(enc, 16, 64)
	if err != nil {
		return 0, err
	}
	return int64(u ^ (uint64(1) << 63)), nil
}

func zsetKey(set, member string, score int64) string {
	return zsetPrefix + set + ":" + encodeScore(score) + ":" + member
}

func zsetSetPrefix(set string) string {
	return zsetPrefix + set + ":"
}

// splitZsetKey extracts the member and score from a full zset entry key.
func splitZsetKey(set, key string) (member string, score int64, ok bool) {
	prefix := zsetSetPrefix(set)
	if !strings.HasPrefix(key, prefix) {
		return "", 0, false
	}
	rest := key[len(prefix):]
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return "", 0, false
	}
	scoreEnc, member := rest[:idx], rest[idx+1:]
	score, err := decodeScore(scoreEnc)
	if err != nil {
		return "", 0, false
	}
	return member, score, true
}
