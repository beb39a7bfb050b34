// Package segment manages individual append-only cask files. Exactly one
// segment per store is active (writable); all others are sealed and immutable.
// The compactor only ever creates new segments and deletes old ones.
package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/viant/cask/record"
)

const (
	// Ext is the segment file extension inside a cask directory.
	Ext = ".cask"
	// TmpExt marks provisional compactor output; recovery deletes leftovers.
	TmpExt = ".tmp"
)

var (
	// ErrSealed is returned on append to a sealed segment.
	ErrSealed = errors.New("segment: sealed")
	// ErrClosed is returned when the segment file handle has been released.
	ErrClosed = errors.New("segment: closed")
)

// Segment is a single append-only file of record frames.
type Segment struct {
	id     uint64
	path   string
	f      *os.File
	size   int64
	sealed bool
}

// Path returns the file path of segment id inside dir.
func Path(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", id, Ext))
}

// ParseID extracts a segment id from a file name, reporting whether the name
// denotes a segment file.
func ParseID(name string) (uint64, bool) {
	if !strings.HasSuffix(name, Ext) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, Ext), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Create creates a new empty active segment with the given id.
func Create(dir string, id uint64) (*Segment, error) {
	path := Path(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}
	return &Segment{id: id, path: path, f: f}, nil
}

// Open opens an existing segment read-write, typically to resume appends to
// the highest-id segment after recovery.
func Open(dir string, id uint64) (*Segment, error) {
	path := Path(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Segment{id: id, path: path, f: f, size: info.Size()}, nil
}

// ID returns the segment's monotonically assigned id.
func (s *Segment) ID() uint64 { return s.id }

// Size returns the logical end of valid data.
func (s *Segment) Size() int64 { return s.size }

// Sealed reports whether the segment no longer accepts appends.
func (s *Segment) Sealed() bool { return s.sealed }

// Append writes a frame at the current tail and returns its byte offset.
// Appends are sequential; callers serialize them.
func (s *Segment) Append(frame []byte) (int64, error) {
	if s.sealed {
		return 0, ErrSealed
	}
	if s.f == nil {
		return 0, ErrClosed
	}
	off := s.size
	if _, err := s.f.WriteAt(frame, off); err != nil {
		return 0, fmt.Errorf("segment: append %s at %d: %w", s.path, off, err)
	}
	s.size += int64(len(frame))
	return off, nil
}

// Sync flushes buffered writes to stable storage.
func (s *Segment) Sync() error {
	if s.f == nil {
		return ErrClosed
	}
	return s.f.Sync()
}

// Seal flushes the segment and transitions it to read-only. The write handle
// is released; subsequent reads go through the fd cache.
func (s *Segment) Seal() error {
	if s.sealed {
		return nil
	}
	if s.f != nil {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("segment: seal %s: %w", s.path, err)
		}
		if err := s.f.Close(); err != nil {
			return err
		}
		s.f = nil
	}
	s.sealed = true
	return nil
}

// Close releases the file handle without sealing.
func (s *Segment) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Scan replays every frame from offset 0, invoking fn with the decoded
// record, its frame offset and the frame length. A decode failure anywhere in
// the file surfaces as an error; sealed segments must scan cleanly.
func Scan(path string, fn func(rec record.Record, offset int64, length uint32) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := record.NewReader(bufio.NewReaderSize(f, 1<<16))
	for {
		rec, off, frame, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("segment: scan %s at %d: %w", path, off, err)
		}
		if err := fn(rec, off, uint32(len(frame))); err != nil {
			return err
		}
	}
}

// RecoverTail replays the segment, stopping at the first malformed frame, and
// truncates the file at the last valid record boundary. It returns the number
// of bytes discarded. A crash mid-append therefore loses at most the one
// in-flight record.
func (s *Segment) RecoverTail(fn func(rec record.Record, offset int64, length uint32) error) (int64, error) {
	if s.f == nil {
		return 0, ErrClosed
	}
	r := record.NewReader(bufio.NewReaderSize(io.NewSectionReader(s.f, 0, s.size), 1<<16))
	var valid int64
	for {
		rec, off, frame, err := r.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, record.ErrTruncated) || errors.Is(err, record.ErrCorrupt) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("segment: recover %s at %d: %w", s.path, off, err)
		}
		if fn != nil {
			if err := fn(rec, off, uint32(len(frame))); err != nil {
				return 0, err
			}
		}
		valid = off + int64(len(frame))
	}
	lost := s.size - valid
	if lost > 0 {
		if err := s.f.Truncate(valid); err != nil {
			return 0, fmt.Errorf("segment: truncate %s: %w", s.path, err)
		}
		if err := s.f.Sync(); err != nil {
			return 0, err
		}
		s.size = valid
	}
	return lost, nil
}
