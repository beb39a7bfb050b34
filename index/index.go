// Package index holds the in-memory key directory: one entry per key,
// pointing at the most recently applied record's location on disk. The map is
// lock-striped so concurrent lookups proceed in parallel while each entry is
// still read and written atomically as a small value.
package index

import (
	"sync"

	"github.com/minio/highwayhash"
)

const shardCount = 32

var shardKey = []byte("0123456789ABCDEF0123456789ABCDEF")

// Entry locates the newest record for a key. Entries are copied by value, so
// a single Lookup yields a snapshot-consistent (segment, offset, length)
// triple. Timestamp carries the record's logical write sequence and is
// monotonic per key.
type Entry struct {
	SegmentID uint64
	Offset    int64
	Length    uint32
	Timestamp uint64
	Tombstone bool
}

// Index is a sharded key -> Entry mapping.
type Index struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty index.
func New() *Index {
	ix := &Index{}
	for i := range ix.shards {
		ix.shards[i].entries = make(map[string]Entry)
	}
	return ix
}

func (ix *Index) shard(key []byte) *shard {
	return &ix.shards[highwayhash.Sum64(key, shardKey)%shardCount]
}

// Upsert overwrites any prior entry for the key unconditionally. The write
// path serializes calls in durable append order, which is what makes
// last-writer-wins by insertion correct.
func (ix *Index) Upsert(key []byte, e Entry) {
	s := ix.shard(key)
	s.mu.Lock()
	s.entries[string(key)] = e
	s.mu.Unlock()
}

// Lookup returns the current entry for the key.
func (ix *Index) Lookup(key []byte) (Entry, bool) {
	s := ix.shard(key)
	s.mu.RLock()
	e, ok := s.entries[string(key)]
	s.mu.RUnlock()
	return e, ok
}

// UpdateIf redirects the key from old to next only when the current entry
// still equals old. The compactor uses it to swap pointers without clobbering
// a concurrent overwrite.
func (ix *Index) UpdateIf(key []byte, old, next Entry) bool {
	s := ix.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[string(key)]
	if !ok || cur != old {
		return false
	}
	s.entries[string(key)] = next
	return true
}

// RemoveIf purges the key only when the current entry still equals old. Used
// by the compactor when a tombstone's grace period has elapsed.
func (ix *Index) RemoveIf(key []byte, old Entry) bool {
	s := ix.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[string(key)]
	if !ok || cur != old {
		return false
	}
	delete(s.entries, string(key))
	return true
}

// Range invokes fn for every entry until fn returns false. Each shard is
// snapshotted under its read lock, so fn never runs with a lock held.
func (ix *Index) Range(fn func(key string, e Entry) bool) {
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		snapshot := make(map[string]Entry, len(s.entries))
		for k, e := range s.entries {
			snapshot[k] = e
		}
		s.mu.RUnlock()
		for k, e := range snapshot {
			if !fn(k, e) {
				return
			}
		}
	}
}

// Len returns the number of entries, tombstones included.
func (ix *Index) Len() int {
	total := 0
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// Reset discards all entries; used by snapshot install.
func (ix *Index) Reset() {
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.Lock()
		s.entries = make(map[string]Entry)
		s.mu.Unlock()
	}
}
