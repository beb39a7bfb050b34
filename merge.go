package cask

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/viant/cask/index"
	"github.com/viant/cask/record"
	"github.com/viant/cask/segment"
)

// Merge runs one compaction batch: it rewrites the sealed segments selected
// by the merge policy into fresh, denser segments holding only records the
// key index still points at, then atomically redirects the migrated entries
// and deletes the originals once no reader holds a handle to them.
//
// The discipline is copy-then-swap: output segments stay provisional (.tmp)
// until fully synced, the index swap is conditional per key, and old
// segments remain authoritative until every pointer has moved. A crash at
// any point leaves garbage .tmp files (removed by recovery) or duplicate
// live records (reclaimed by the next batch), never lost or corrupted
// state. The active segment is never part of the batch.
func (s *Store) Merge(ctx context.Context) error {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}

	stats := s.SegmentStats()
	ids := s.opts.mergePolicy(stats)
	if len(ids) == 0 {
		return nil
	}
	sortIDs(ids)
	sizes := make(map[uint64]int64, len(stats))
	merged := make(map[uint64]bool, len(stats))
	for _, st := range stats {
		sizes[st.ID] = st.Size
		merged[st.ID] = st.Merged
	}
	for _, id := range ids {
		if _, ok := sizes[id]; !ok {
			return fmt.Errorf("cask: merge policy selected unknown segment %d", id)
		}
	}
	// Tombstones may be purged only when the batch spans every sealed
	// segment, so no older copy of the key can survive outside it.
	wholesale := len(ids) == len(stats)

	type redirect struct {
		key       []byte
		old, next index.Entry
	}
	var redirects []redirect
	var purges []redirect
	out := &mergeWriter{store: s}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			out.abort()
			return ctx.Err()
		default:
		}
		if err := s.mergeSegment(id, sizes[id], merged[id] && wholesale, out,
			func(key []byte, old, next index.Entry, purge bool) {
				if purge {
					purges = append(purges, redirect{key: key, old: old})
					return
				}
				redirects = append(redirects, redirect{key: key, old: old, next: next})
			}); err != nil {
			out.abort()
			return err
		}
	}

	if err := out.sync(); err != nil {
		out.abort()
		return err
	}

	// Rotate before promoting the outputs so the active segment keeps the
	// highest id on disk: recovery truncates a torn tail only in the
	// highest-id segment, and that must always be the append target.
	if len(out.outputs) > 0 {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			out.abort()
			return ErrClosed
		}
		if err := s.rotateLocked(); err != nil {
			s.mu.Unlock()
			out.abort()
			return err
		}
		s.mu.Unlock()
	}

	outputs, err := out.promote()
	if err != nil {
		out.abort()
		return err
	}

	// commit: register outputs, then swap pointers for entries that still
	// reference the old locations
	s.segMu.Lock()
	for _, o := range outputs {
		s.sealed[o.id] = &segmentInfo{size: o.size, merged: true}
	}
	s.segMu.Unlock()

	outputLive := make(map[uint64]int64, len(outputs))
	for _, rd := range redirects {
		if s.index.UpdateIf(rd.key, rd.old, rd.next) {
			outputLive[rd.next.SegmentID] += int64(rd.next.Length)
		}
	}
	for _, p := range purges {
		s.index.RemoveIf(p.key, p.old)
	}
	s.segMu.Lock()
	for id, live := range outputLive {
		if info, ok := s.sealed[id]; ok {
			info.live = live
		}
	}
	s.segMu.Unlock()

	// old segments are unreferenced now; wait out in-flight readers, then
	// delete
	for _, id := range ids {
		s.cache.Retire(id)
		s.segMu.Lock()
		delete(s.sealed, id)
		s.segMu.Unlock()
		if err := os.Remove(segment.Path(s.dir, id)); err != nil {
			log.Printf("cask: remove merged segment %d: %v", id, err)
		}
	}

	if err := s.writeHint(); err != nil {
		log.Printf("cask: hint write failed: %v", err)
	}

	s.statMu.Lock()
	s.counters.Merges++
	s.statMu.Unlock()
	return nil
}

// mergeSegment streams one sealed segment through the same read path regular
// gets use and forwards each still-live record to the output writer.
func (s *Store) mergeSegment(id uint64, size int64, purgeTombstones bool, out *mergeWriter,
	emit func(key []byte, old, next index.Entry, purge bool)) error {
	h, err := s.cache.Acquire(id)
	if err != nil {
		return fmt.Errorf("cask: merge open segment %d: %w", id, err)
	}
	defer s.cache.Release(h)

	r := record.NewReader(bufio.NewReaderSize(io.NewSectionReader(h, 0, size), 1<<16))
	for {
		rec, off, frame, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cask: merge scan segment %d: %w", id, err)
		}
		cur, ok := s.index.Lookup(rec.Key)
		if !ok || cur.SegmentID != id || cur.Offset != off {
			// superseded or already purged; drop
			continue
		}
		key := append([]byte(nil), rec.Key...)
		if cur.Tombstone && purgeTombstones {
			emit(key, cur, index.Entry{}, true)
			continue
		}
		outID, outOff, err := out.append(frame)
		if err != nil {
			return err
		}
		next := index.Entry{
			SegmentID: outID,
			Offset:    outOff,
			Length:    uint32(len(frame)),
			Timestamp: cur.Timestamp,
			Tombstone: cur.Tombstone,
		}
		emit(key, cur, next, false)
	}
}

type mergeOutput struct {
	id   uint64
	path string
	tmp  string
	f    *os.File
	size int64
}

// mergeWriter accumulates compaction output into provisional segments,
// rotating at the store's normal threshold.
type mergeWriter struct {
	store   *Store
	outputs []*mergeOutput
	cur     *mergeOutput
}

func (w *mergeWriter) append(frame []byte) (uint64, int64, error) {
	if w.cur == nil || w.cur.size+int64(len(frame)) > w.store.opts.segmentSize {
		if err := w.rotate(); err != nil {
			return 0, 0, err
		}
	}
	off := w.cur.size
	if _, err := w.cur.f.WriteAt(frame, off); err != nil {
		return 0, 0, fmt.Errorf("cask: merge write %s: %w", w.cur.tmp, err)
	}
	w.cur.size += int64(len(frame))
	return w.cur.id, off, nil
}

func (w *mergeWriter) rotate() error {
	w.store.mu.Lock()
	id := w.store.nextID
	w.store.nextID++
	w.store.mu.Unlock()
	path := segment.Path(w.store.dir, id)
	tmp := path + segment.TmpExt
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("cask: merge create %s: %w", tmp, err)
	}
	o := &mergeOutput{id: id, path: path, tmp: tmp, f: f}
	w.outputs = append(w.outputs, o)
	w.cur = o
	return nil
}

// sync flushes every output to stable storage and releases the write handles.
func (w *mergeWriter) sync() error {
	for _, o := range w.outputs {
		if err := o.f.Sync(); err != nil {
			return err
		}
		if err := o.f.Close(); err != nil {
			return err
		}
		o.f = nil
	}
	return nil
}

// promote renames every synced output from provisional to a regular sealed
// segment file.
func (w *mergeWriter) promote() ([]*mergeOutput, error) {
	for _, o := range w.outputs {
		if err := os.Rename(o.tmp, o.path); err != nil {
			return nil, fmt.Errorf("cask: promote merge output: %w", err)
		}
	}
	return w.outputs, nil
}

// abort discards all provisional output, leaving prior state fully intact.
func (w *mergeWriter) abort() {
	for _, o := range w.outputs {
		if o.f != nil {
			_ = o.f.Close()
		}
		_ = os.Remove(o.tmp)
	}
	w.outputs = nil
	w.cur = nil
}

func (s *Store) mergeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.mergeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Merge(context.Background()); err != nil && err != ErrClosed {
				log.Printf("cask: background merge: %v", err)
			}
		case <-s.done:
			return
		}
	}
}
