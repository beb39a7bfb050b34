package cask

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/viant/bintly"
	"github.com/viant/cask/index"
)

// The hint file is a persisted copy of the key index written after each
// completed merge so that restart can skip replaying the segments it covers.
// It is an optimization only: the authoritative state is always derivable
// from segment replay, and any validation failure falls back to a full scan.

const (
	hintName    = "cask.hint"
	hintTmpName = ".cask.hint.tmp"
	hintMagic   = uint32(0x4b534143) // "CASK"
	hintVersion = uint32(1)
)

func hintPath(dir string) string {
	return filepath.Join(dir, hintName)
}

type hintEntry struct {
	Key   []byte
	Entry index.Entry
}

type hintFile struct {
	LastSeq uint64
	// Covered lists sealed segment ids fully represented by Entries.
	Covered []uint64
	// Merged lists segments produced by compaction, for tombstone grace.
	Merged  []uint64
	Entries []hintEntry
}

// EncodeBinary encodes the hint to a binary stream.
func (h *hintFile) EncodeBinary(stream *bintly.Writer) error {
	stream.Uint32(hintMagic)
	stream.Uint32(hintVersion)
	stream.Uint64(h.LastSeq)
	stream.Uint32(uint32(len(h.Covered)))
	for _, id := range h.Covered {
		stream.Uint64(id)
	}
	stream.Uint32(uint32(len(h.Merged)))
	for _, id := range h.Merged {
		stream.Uint64(id)
	}
	stream.Uint32(uint32(len(h.Entries)))
	for i := range h.Entries {
		e := &h.Entries[i]
		stream.Uint8s(e.Key)
		stream.Uint64(e.Entry.SegmentID)
		stream.Int64(e.Entry.Offset)
		stream.Uint32(e.Entry.Length)
		stream.Uint64(e.Entry.Timestamp)
		stream.Bool(e.Entry.Tombstone)
	}
	return nil
}

// DecodeBinary decodes the hint from a binary stream.
func (h *hintFile) DecodeBinary(stream *bintly.Reader) error {
	var magic, version uint32
	stream.Uint32(&magic)
	stream.Uint32(&version)
	if magic != hintMagic {
		return fmt.Errorf("cask: hint magic %#x", magic)
	}
	if version != hintVersion {
		return fmt.Errorf("cask: unsupported hint version %d", version)
	}
	stream.Uint64(&h.LastSeq)
	var count uint32
	stream.Uint32(&count)
	h.Covered = make([]uint64, count)
	for i := range h.Covered {
		stream.Uint64(&h.Covered[i])
	}
	stream.Uint32(&count)
	h.Merged = make([]uint64, count)
	for i := range h.Merged {
		stream.Uint64(&h.Merged[i])
	}
	stream.Uint32(&count)
	h.Entries = make([]hintEntry, count)
	for i := range h.Entries {
		e := &h.Entries[i]
		stream.Uint8s(&e.Key)
		stream.Uint64(&e.Entry.SegmentID)
		stream.Int64(&e.Entry.Offset)
		stream.Uint32(&e.Entry.Length)
		stream.Uint64(&e.Entry.Timestamp)
		stream.Bool(&e.Entry.Tombstone)
	}
	return nil
}

// writeHint persists the current index snapshot. Failures are logged, never
// fatal; the next recovery simply replays everything.
func (s *Store) writeHint() error {
	h := &hintFile{}
	s.mu.Lock()
	h.LastSeq = s.lastSeq
	s.mu.Unlock()
	covered := make(map[uint64]bool)
	s.segMu.RLock()
	for id, info := range s.sealed {
		covered[id] = true
		h.Covered = append(h.Covered, id)
		if info.merged {
			h.Merged = append(h.Merged, id)
		}
	}
	s.segMu.RUnlock()
	sortIDs(h.Covered)
	sortIDs(h.Merged)
	// An entry is carried only when its segment is in the covered set: those
	// segments are skipped on restart, so the hint must represent them fully.
	// Entries in any other segment (active at capture time, or sealed after
	// it) are re-established by replay.
	s.index.Range(func(key string, e index.Entry) bool {
		if !covered[e.SegmentID] {
			return true
		}
		h.Entries = append(h.Entries, hintEntry{Key: []byte(key), Entry: e})
		return true
	})

	writers := bintly.NewWriters()
	w := writers.Get()
	defer writers.Put(w)
	if err := h.EncodeBinary(w); err != nil {
		return err
	}
	data := w.Bytes()

	tmp := filepath.Join(s.dir, hintTmpName)
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, hintPath(s.dir))
}

// loadHint reads and validates the hint file against the present segment
// files. A hint referencing a missing segment is stale and is discarded.
func (s *Store) loadHint(ids []uint64) *hintFile {
	data, err := os.ReadFile(hintPath(s.dir))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("cask: hint unreadable, replaying segments: %v", err)
		}
		return nil
	}
	readers := bintly.NewReaders()
	r := readers.Get()
	defer readers.Put(r)
	if err := r.FromBytes(data); err != nil {
		log.Printf("cask: hint corrupt, replaying segments: %v", err)
		return nil
	}
	h := &hintFile{}
	if err := h.DecodeBinary(r); err != nil {
		log.Printf("cask: hint corrupt, replaying segments: %v", err)
		return nil
	}
	present := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}
	for _, id := range h.Covered {
		if !present[id] {
			log.Printf("cask: hint covers missing segment %d, replaying segments", id)
			return nil
		}
	}
	for i := range h.Entries {
		if !present[h.Entries[i].Entry.SegmentID] {
			log.Printf("cask: hint references missing segment %d, replaying segments", h.Entries[i].Entry.SegmentID)
			return nil
		}
	}
	return h
}
