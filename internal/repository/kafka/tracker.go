package kafka

import (
	"sort"
	"sync"
)

// offsetTracker records fetched offsets per partition and reports the highest
// offset below which every message has been acknowledged. Committing only that
// prefix keeps an unacked message from being skipped after a restart.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	// pending holds fetched offsets in ascending order.
	pending []int64
	acked   map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// Track registers a fetched offset. Offsets arrive in ascending order per partition.
func (t *offsetTracker) Track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok {
		p = &partitionOffsets{acked: make(map[int64]bool)}
		t.partitions[partition] = p
	}
	if n := len(p.pending); n > 0 && p.pending[n-1] >= offset {
		// Redelivered after a rebalance; keep the slice ordered.
		i := sort.Search(n, func(i int) bool { return p.pending[i] >= offset })
		if i < n && p.pending[i] == offset {
			return
		}
		p.pending = append(p.pending, 0)
		copy(p.pending[i+1:], p.pending[i:])
		p.pending[i] = offset
		return
	}
	p.pending = append(p.pending, offset)
}

// Ack marks offset done. It returns the new commit point when the contiguous
// acknowledged prefix advanced.
func (t *offsetTracker) Ack(partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok {
		return 0, false
	}
	p.acked[offset] = true

	var (
		commit   int64
		advanced bool
	)
	for len(p.pending) > 0 && p.acked[p.pending[0]] {
		commit = p.pending[0]
		delete(p.acked, commit)
		p.pending = p.pending[1:]
		advanced = true
	}
	return commit, advanced
}

// Pending returns the number of fetched but uncommitted offsets.
func (t *offsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.partitions {
		n += len(p.pending)
	}
	return n
}
