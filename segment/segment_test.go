package segment

import (
	"bytes"
	"os"
	"testing"

	"github.com/viant/cask/record"
)

func frame(t *testing.T, key, value string, ts uint64) []byte {
	t.Helper()
	out, err := record.Encode(&record.Record{Key: []byte(key), Value: []byte(value), Timestamp: ts})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return out
}

func TestAppendRead(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer seg.Close()

	f1 := frame(t, "a", "1", 1)
	f2 := frame(t, "b", "two", 2)
	off1, err := seg.Append(f1)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	off2, err := seg.Append(f2)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if off1 != 0 || off2 != int64(len(f1)) {
		t.Fatalf("offsets %d, %d", off1, off2)
	}
	// reads go through a separate read-only descriptor, as the fd cache does
	f, err := os.Open(Path(dir, 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	buf := make([]byte, len(f2))
	if _, err := f.ReadAt(buf, off2); err != nil {
		t.Fatalf("readAt: %v", err)
	}
	rec, err := record.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(rec.Value, []byte("two")) {
		t.Fatalf("value %q", rec.Value)
	}
}

func TestSealRejectsAppend(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := seg.Append(frame(t, "a", "1", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := seg.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := seg.Append(frame(t, "b", "2", 2)); err != ErrSealed {
		t.Fatalf("expected ErrSealed, got %v", err)
	}
}

func TestRecoverTailTruncates(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	full := frame(t, "a", "1", 1)
	if _, err := seg.Append(full); err != nil {
		t.Fatalf("append: %v", err)
	}
	partial := frame(t, "b", "2", 2)
	if _, err := seg.Append(partial[:len(partial)-5]); err != nil {
		t.Fatalf("append partial: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	seg, err = Open(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer seg.Close()
	var seen int
	lost, err := seg.RecoverTail(func(rec record.Record, offset int64, length uint32) error {
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if seen != 1 {
		t.Fatalf("replayed %d records, want 1", seen)
	}
	if lost != int64(len(partial)-5) {
		t.Fatalf("lost %d bytes, want %d", lost, len(partial)-5)
	}
	if seg.Size() != int64(len(full)) {
		t.Fatalf("size %d, want %d", seg.Size(), len(full))
	}
	info, err := os.Stat(Path(dir, 0))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != int64(len(full)) {
		t.Fatalf("file size %d, want %d", info.Size(), len(full))
	}
}

func TestRecoverTailArbitraryCut(t *testing.T) {
	dir := t.TempDir()
	var content []byte
	frames := [][]byte{frame(t, "a", "1", 1), frame(t, "b", "2", 2), frame(t, "c", "3", 3)}
	for _, fr := range frames {
		content = append(content, fr...)
	}
	boundary := len(frames[0]) + len(frames[1])
	for cut := boundary + 1; cut < len(content); cut++ {
		path := Path(dir, 9)
		if err := os.WriteFile(path, content[:cut], 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		seg, err := Open(dir, 9)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		var keys []string
		if _, err := seg.RecoverTail(func(rec record.Record, offset int64, length uint32) error {
			keys = append(keys, string(rec.Key))
			return nil
		}); err != nil {
			t.Fatalf("recover at cut %d: %v", cut, err)
		}
		if seg.Size() != int64(boundary) {
			t.Fatalf("cut %d: size %d, want boundary %d", cut, seg.Size(), boundary)
		}
		if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
			t.Fatalf("cut %d: replayed %v", cut, keys)
		}
		_ = seg.Close()
		_ = os.Remove(path)
	}
}

func TestScanFailsOnMidFileCorruption(t *testing.T) {
	dir := t.TempDir()
	var content []byte
	content = append(content, frame(t, "a", "1", 1)...)
	second := frame(t, "b", "2", 2)
	content = append(content, second...)
	content = append(content, frame(t, "c", "3", 3)...)
	// flip a byte inside the middle record
	content[len(content)-len(second)] ^= 0xFF
	path := Path(dir, 4)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := Scan(path, func(rec record.Record, offset int64, length uint32) error { return nil })
	if err == nil {
		t.Fatal("expected scan error on corrupted sealed segment")
	}
}

func TestParseID(t *testing.T) {
	if id, ok := ParseID("00000042.cask"); !ok || id != 42 {
		t.Fatalf("got %d, %v", id, ok)
	}
	for _, name := range []string{"00000042.cask.tmp", "cask.hint", "cask.lock", "junk"} {
		if _, ok := ParseID(name); ok {
			t.Fatalf("%s parsed as segment", name)
		}
	}
}
