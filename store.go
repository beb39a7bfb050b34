// Package cask implements a single-node, log-structured, append-only
// key-value storage engine in the Bitcask model: one active segment receives
// serialized appends, an in-memory index maps each key to its newest record's
// location, sealed segments are read through a bounded file-handle cache, and
// a compactor rewrites sealed segments into denser ones.
//
// The engine is the local state machine of a replicated store: a consensus
// layer external to this package delivers committed operations in order via
// Apply and drives snapshots via Export/Import.
package cask

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/cask/fdcache"
	"github.com/viant/cask/index"
	"github.com/viant/cask/record"
	"github.com/viant/cask/segment"
)

const lockName = "cask.lock"

// OpKind discriminates committed operations.
type OpKind uint8

const (
	// OpPut stores a value.
	OpPut OpKind = iota + 1
	// OpDelete appends a tombstone.
	OpDelete
)

// Op is one committed operation delivered by the replication layer.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

type segmentInfo struct {
	size   int64
	live   int64
	merged bool
}

// Store is a cask storage engine bound to one directory. A store is owned by
// a single process (enforced with a directory lock) and is safe for
// concurrent readers alongside one logical writer stream and a background
// compactor.
type Store struct {
	dir  string
	opts options
	fs   afs.Service
	lock *os.File

	index *index.Index
	cache *fdcache.Cache

	// mu serializes the write path: active segment, rotation, sequence.
	mu         sync.Mutex
	active     *segment.Segment
	activeLive int64
	nextID     uint64
	lastSeq    uint64
	closed     bool

	segMu  sync.RWMutex
	sealed map[uint64]*segmentInfo

	// mergeMu admits one compaction batch at a time.
	mergeMu sync.Mutex

	statMu   sync.Mutex
	counters Stats

	done chan struct{}
	wg   sync.WaitGroup
}

// Open opens or creates a cask directory and rebuilds the key index by
// replaying its segments.
func Open(dir string, opts ...Option) (*Store, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.withDefaults()
	if dir == "" {
		return nil, fmt.Errorf("cask: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cask: mkdir %s: %w", dir, err)
	}
	lock, err := os.OpenFile(filepath.Join(dir, lockName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cask: open lock: %w", err)
	}
	if err := tryLockDir(lock); err != nil {
		_ = lock.Close()
		return nil, err
	}
	s := &Store{
		dir:    dir,
		opts:   o,
		fs:     afs.New(),
		lock:   lock,
		index:  index.New(),
		sealed: make(map[uint64]*segmentInfo),
		done:   make(chan struct{}),
	}
	s.cache = fdcache.New(o.fileLimit, func(id uint64) (*os.File, error) {
		return os.Open(segment.Path(dir, id))
	})
	if err := s.recover(); err != nil {
		_ = s.cache.Close()
		_ = unlockDir(lock)
		_ = lock.Close()
		return nil, err
	}
	s.cache.Pin(s.active.ID())
	if o.mergeInterval > 0 {
		s.wg.Add(1)
		go s.mergeLoop()
	}
	return s, nil
}

// Apply executes one committed operation. seq is the operation's commit
// sequence, strictly increasing across the store's lifetime; re-delivery of
// an already applied sequence is a no-op returning the key's current entry,
// which makes duplicate delivery after a crash idempotent.
//
// The append and the index update happen under one lock, in that order: if
// the append fails the index is untouched, so no entry ever points past the
// durable tail.
func (s *Store) Apply(seq uint64, op Op) (index.Entry, error) {
	if len(op.Key) == 0 {
		return index.Entry{}, record.ErrEmptyKey
	}
	if seq == 0 {
		return index.Entry{}, fmt.Errorf("cask: commit sequence must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return index.Entry{}, ErrClosed
	}
	if seq <= s.lastSeq {
		e, _ := s.index.Lookup(op.Key)
		return e, nil
	}
	return s.applyLocked(seq, op)
}

// Put stores a key-value pair, allocating the next local sequence. It is a
// convenience for stores not driven by a replication layer.
func (s *Store) Put(key, value []byte) error {
	if len(key) == 0 {
		return record.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.applyLocked(s.lastSeq+1, Op{Kind: OpPut, Key: key, Value: value})
	return err
}

// Delete appends a tombstone for the key.
func (s *Store) Delete(key []byte) error {
	if len(key) == 0 {
		return record.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.applyLocked(s.lastSeq+1, Op{Kind: OpDelete, Key: key})
	return err
}

func (s *Store) applyLocked(seq uint64, op Op) (index.Entry, error) {
	rec := record.Record{Key: op.Key, Timestamp: seq, Tombstone: op.Kind == OpDelete}
	if !rec.Tombstone {
		rec.Value = op.Value
	}
	frame, err := record.Encode(&rec)
	if err != nil {
		return index.Entry{}, err
	}
	off, err := s.active.Append(frame)
	if err != nil {
		return index.Entry{}, err
	}
	if s.opts.syncOnApply {
		if err := s.active.Sync(); err != nil {
			return index.Entry{}, fmt.Errorf("cask: sync: %w", err)
		}
	}
	e := index.Entry{
		SegmentID: s.active.ID(),
		Offset:    off,
		Length:    uint32(len(frame)),
		Timestamp: seq,
		Tombstone: rec.Tombstone,
	}
	prev, hadPrev := s.index.Lookup(op.Key)
	s.index.Upsert(op.Key, e)
	s.lastSeq = seq
	s.activeLive += int64(len(frame))
	if hadPrev {
		s.retireBytesLocked(prev)
	}
	s.statMu.Lock()
	s.counters.Appends++
	s.counters.BytesWritten += uint64(len(frame))
	s.statMu.Unlock()
	if s.active.Size() >= s.opts.segmentSize {
		if err := s.rotateLocked(); err != nil {
			return e, err
		}
	}
	return e, nil
}

// retireBytesLocked discounts a superseded record's frame from its segment's
// live total. Caller holds s.mu.
func (s *Store) retireBytesLocked(prev index.Entry) {
	if s.active != nil && prev.SegmentID == s.active.ID() {
		s.activeLive -= int64(prev.Length)
		return
	}
	s.segMu.Lock()
	if info, ok := s.sealed[prev.SegmentID]; ok {
		info.live -= int64(prev.Length)
	}
	s.segMu.Unlock()
}

// rotateLocked seals the active segment and starts a new one with the next
// id. Caller holds s.mu.
func (s *Store) rotateLocked() error {
	old := s.active
	if err := old.Seal(); err != nil {
		return err
	}
	s.segMu.Lock()
	s.sealed[old.ID()] = &segmentInfo{size: old.Size(), live: s.activeLive}
	s.segMu.Unlock()
	s.activeLive = 0
	next, err := segment.Create(s.dir, s.nextID)
	if err != nil {
		return err
	}
	s.nextID++
	s.cache.Unpin(old.ID())
	s.cache.Pin(next.ID())
	s.active = next
	return nil
}

// Get returns the newest value for the key, or ErrNotFound when the key is
// absent or tombstoned. The read path takes no store-wide lock: one index
// lookup yields an atomic location tuple, one cached handle serves one
// positioned read of the whole frame.
func (s *Store) Get(key []byte) ([]byte, error) {
	var lastErr error
	// A concurrent merge can redirect the entry between lookup and read; a
	// fresh lookup then observes the new location, so retry a bounded number
	// of times instead of failing the read.
	for attempt := 0; attempt < 3; attempt++ {
		e, ok := s.index.Lookup(key)
		if !ok || e.Tombstone {
			return nil, ErrNotFound
		}
		value, err := s.readEntry(e)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrClosed) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Store) readEntry(e index.Entry) ([]byte, error) {
	h, err := s.cache.Acquire(e.SegmentID)
	if err != nil {
		if errors.Is(err, fdcache.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	buf := make([]byte, e.Length)
	_, err = h.ReadAt(buf, e.Offset)
	s.cache.Release(h)
	if err != nil {
		return nil, fmt.Errorf("cask: read segment %d at %d: %w", e.SegmentID, e.Offset, err)
	}
	rec, err := record.Decode(buf)
	if err != nil {
		return nil, err
	}
	s.statMu.Lock()
	s.counters.BytesRead += uint64(len(buf))
	s.statMu.Unlock()
	if rec.Tombstone {
		return nil, ErrNotFound
	}
	return rec.Value, nil
}

// Sync flushes the active segment to stable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.active.Sync()
}

// SegmentStats returns per-segment statistics for sealed segments, sorted by
// id. Merge policies consume these.
func (s *Store) SegmentStats() []SegmentStat {
	s.segMu.RLock()
	out := make([]SegmentStat, 0, len(s.sealed))
	for id, info := range s.sealed {
		live := info.live
		if live < 0 {
			live = 0
		}
		out = append(out, SegmentStat{ID: id, Size: info.size, LiveBytes: live, Merged: info.merged})
	}
	s.segMu.RUnlock()
	ids := make([]uint64, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	sortIDs(ids)
	sorted := make([]SegmentStat, len(out))
	for i, id := range ids {
		for _, st := range out {
			if st.ID == id {
				sorted[i] = st
				break
			}
		}
	}
	return sorted
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close seals the active segment, stops background compaction at batch
// granularity and releases the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	// an in-flight manual merge finishes or aborts before the cache goes away
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	var firstErr error
	s.mu.Lock()
	if s.active != nil {
		if err := s.active.Seal(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.mu.Unlock()
	if err := s.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unlockDir(s.lock); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
