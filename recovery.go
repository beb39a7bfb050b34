package cask

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/cask/index"
	"github.com/viant/cask/record"
	"github.com/viant/cask/segment"
)

// recover rebuilds the key index from the cask directory. Segments are
// replayed in ascending id order with timestamp last-writer-wins, which keeps
// replay correct even though compaction outputs carry higher ids than the
// records they migrated. Only the tail of the highest-id segment may be
// truncated; corruption inside any other segment fails startup, since a
// sealed segment is never legitimately half-written.
func (s *Store) recover() error {
	ids, err := s.scanDir()
	if err != nil {
		return err
	}

	covered := make(map[uint64]bool)
	merged := make(map[uint64]bool)
	if hint := s.loadHint(ids); hint != nil {
		for _, he := range hint.Entries {
			s.index.Upsert(he.Key, he.Entry)
			// covered segments are not replayed, so the sequence watermark
			// must account for their entries as well
			if he.Entry.Timestamp > s.lastSeq {
				s.lastSeq = he.Entry.Timestamp
			}
		}
		if hint.LastSeq > s.lastSeq {
			s.lastSeq = hint.LastSeq
		}
		for _, id := range hint.Covered {
			covered[id] = true
		}
		for _, id := range hint.Merged {
			merged[id] = true
		}
	}

	if len(ids) == 0 {
		active, err := segment.Create(s.dir, 0)
		if err != nil {
			return err
		}
		s.active = active
		s.nextID = 1
		return nil
	}

	activeID := ids[len(ids)-1]
	replay := func(id uint64) func(rec record.Record, off int64, length uint32) error {
		return func(rec record.Record, off int64, length uint32) error {
			e := index.Entry{
				SegmentID: id,
				Offset:    off,
				Length:    length,
				Timestamp: rec.Timestamp,
				Tombstone: rec.Tombstone,
			}
			if cur, ok := s.index.Lookup(rec.Key); !ok || rec.Timestamp >= cur.Timestamp {
				s.index.Upsert(rec.Key, e)
			}
			if rec.Timestamp > s.lastSeq {
				s.lastSeq = rec.Timestamp
			}
			return nil
		}
	}

	for _, id := range ids[:len(ids)-1] {
		if !covered[id] {
			if err := segment.Scan(segment.Path(s.dir, id), replay(id)); err != nil {
				return fmt.Errorf("cask: sealed segment %d unreadable: %w", id, err)
			}
		}
		info, err := os.Stat(segment.Path(s.dir, id))
		if err != nil {
			return err
		}
		s.sealed[id] = &segmentInfo{size: info.Size(), merged: merged[id]}
	}

	active, err := segment.Open(s.dir, activeID)
	if err != nil {
		return err
	}
	lost, err := active.RecoverTail(replay(activeID))
	if err != nil {
		_ = active.Close()
		return err
	}
	if lost > 0 {
		log.Printf("cask: discarded %d trailing bytes of segment %d after crash", lost, activeID)
	}
	s.active = active
	s.nextID = activeID + 1

	// live accounting is derived from the rebuilt index
	s.index.Range(func(key string, e index.Entry) bool {
		if e.SegmentID == activeID {
			s.activeLive += int64(e.Length)
		} else if info, ok := s.sealed[e.SegmentID]; ok {
			info.live += int64(e.Length)
		}
		return true
	})
	return nil
}

// scanDir enumerates segment ids ascending and removes leftover provisional
// compaction outputs, which are unreferenced garbage after a crash mid-merge.
func (s *Store) scanDir() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("cask: read dir %s: %w", s.dir, err)
	}
	var ids []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, segment.TmpExt) {
			log.Printf("cask: removing abandoned merge output %s", name)
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if id, ok := segment.ParseID(name); ok {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids, nil
}
