package cask

import (
	"fmt"
	"os"
	"testing"

	"github.com/viant/bintly"
	"github.com/viant/cask/index"
)

func readHint(t *testing.T, dir string) *hintFile {
	t.Helper()
	data, err := os.ReadFile(hintPath(dir))
	if err != nil {
		t.Fatalf("read hint: %v", err)
	}
	readers := bintly.NewReaders()
	r := readers.Get()
	defer readers.Put(r)
	if err := r.FromBytes(data); err != nil {
		t.Fatalf("decode hint: %v", err)
	}
	h := &hintFile{}
	if err := h.DecodeBinary(r); err != nil {
		t.Fatalf("decode hint: %v", err)
	}
	return h
}

func rewriteHint(t *testing.T, dir string, h *hintFile) {
	t.Helper()
	writers := bintly.NewWriters()
	w := writers.Get()
	defer writers.Put(w)
	if err := h.EncodeBinary(w); err != nil {
		t.Fatalf("encode hint: %v", err)
	}
	if err := os.WriteFile(hintPath(dir), w.Bytes(), 0o644); err != nil {
		t.Fatalf("write hint: %v", err)
	}
}

// Every hint entry must point into a covered segment, and every index entry
// whose segment is covered must appear in the hint: restart skips replaying
// covered segments, so the hint has to represent them fully and must never
// absorb an entry from a segment that will be replayed.
func TestHintEntriesMatchCoveredSet(t *testing.T) {
	dir := t.TempDir()
	store := mustOpen(t, dir, WithSegmentSize(128))
	for i := 0; i < 30; i++ {
		if err := store.Put([]byte(fmt.Sprintf("key-%02d", i)), []byte(fmt.Sprintf("val-%02d", i))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := store.writeHint(); err != nil {
		t.Fatalf("write hint: %v", err)
	}

	sealed := make(map[uint64]bool)
	store.segMu.RLock()
	for id := range store.sealed {
		sealed[id] = true
	}
	store.segMu.RUnlock()

	h := readHint(t, dir)
	if len(h.Covered) != len(sealed) {
		t.Fatalf("covered %v does not match sealed set of %d segments", h.Covered, len(sealed))
	}
	covered := make(map[uint64]bool, len(h.Covered))
	for _, id := range h.Covered {
		if !sealed[id] {
			t.Fatalf("covered segment %d is not sealed", id)
		}
		covered[id] = true
	}
	for i := range h.Entries {
		if !covered[h.Entries[i].Entry.SegmentID] {
			t.Fatalf("hint entry %q points into non-covered segment %d",
				h.Entries[i].Key, h.Entries[i].Entry.SegmentID)
		}
	}
	want := 0
	store.index.Range(func(key string, e index.Entry) bool {
		if covered[e.SegmentID] {
			want++
		}
		return true
	})
	if len(h.Entries) != want {
		t.Fatalf("hint carries %d entries, index holds %d in covered segments", len(h.Entries), want)
	}
	mustClose(t, store)
}

// The sequence watermark after a hint fast-path restart must be at least the
// highest timestamp among hint entries, even when the recorded LastSeq lags
// behind them; otherwise a duplicate delivery could re-append.
func TestHintRestoresSequenceWatermark(t *testing.T) {
	dir := t.TempDir()
	// every record crosses the threshold, so each apply seals its segment and
	// leaves an empty active behind
	store := mustOpen(t, dir, WithSegmentSize(1))
	const n = uint64(10)
	for seq := uint64(1); seq <= n; seq++ {
		op := Op{Kind: OpPut, Key: []byte(fmt.Sprintf("k%d", seq)), Value: []byte("v")}
		if _, err := store.Apply(seq, op); err != nil {
			t.Fatalf("apply %d: %v", seq, err)
		}
	}
	if err := store.writeHint(); err != nil {
		t.Fatalf("write hint: %v", err)
	}
	mustClose(t, store)

	h := readHint(t, dir)
	if len(h.Entries) != int(n) {
		t.Fatalf("hint carries %d entries, want %d", len(h.Entries), n)
	}
	h.LastSeq = 1
	rewriteHint(t, dir, h)

	store = mustOpen(t, dir, WithSegmentSize(1))
	defer mustClose(t, store)
	// a stale duplicate of the newest committed sequence must be a no-op
	if _, err := store.Apply(n, Op{Kind: OpPut, Key: []byte(fmt.Sprintf("k%d", n)), Value: []byte("stale")}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	value, err := store.Get([]byte(fmt.Sprintf("k%d", n)))
	if err != nil || string(value) != "v" {
		t.Fatalf("duplicate sequence re-applied after restart: %q, %v", value, err)
	}
	if _, err := store.Apply(n+1, Op{Kind: OpPut, Key: []byte("next"), Value: []byte("w")}); err != nil {
		t.Fatalf("apply next: %v", err)
	}
	if value, err = store.Get([]byte("next")); err != nil || string(value) != "w" {
		t.Fatalf("next sequence rejected: %q, %v", value, err)
	}
}
