// Package record implements the on-disk frame codec for cask segments.
//
// Frame layout, little endian:
//
//	[keyLen:4][valLen:4][timestamp:8][flags:1][key][value][crc32:4]
//
// The trailing crc32 (IEEE) covers every preceding byte of the frame, so a
// partial write from a crash mid-append is detected on decode. Offsets stored
// in the key index point at the first byte of the frame; together with the
// frame length a value is retrieved with a single positioned read.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// HeaderSize is the fixed prefix: key length, value length, timestamp, flags.
	HeaderSize = 4 + 4 + 8 + 1
	// TrailerSize is the crc32 suffix.
	TrailerSize = 4

	flagTombstone = 0x01

	// MaxFrameSize bounds a single frame. Headers decoding beyond it are
	// treated as corrupt rather than allocated for, which keeps tail
	// recovery cheap when it runs into garbage bytes.
	MaxFrameSize = 1 << 30
)

var (
	// ErrCorrupt indicates a checksum or format mismatch on decode.
	ErrCorrupt = errors.New("record: corrupt frame")
	// ErrTruncated indicates the input ends before the frame does. During
	// recovery this is tolerated only at the tail of the active segment.
	ErrTruncated = errors.New("record: truncated frame")
	// ErrEmptyKey indicates an attempt to encode a record without a key.
	ErrEmptyKey = errors.New("record: empty key")
)

// Record is the unit of durability: a key-value pair or a tombstone.
// Timestamp carries the store's logical write sequence and is strictly
// increasing per store instance.
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp uint64
	Tombstone bool
}

// FrameSize returns the encoded size of the record.
func (r *Record) FrameSize() int {
	return HeaderSize + len(r.Key) + len(r.Value) + TrailerSize
}

// Append encodes the record and appends the frame to dst.
func Append(dst []byte, r *Record) ([]byte, error) {
	if len(r.Key) == 0 {
		return dst, ErrEmptyKey
	}
	start := len(dst)
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(r.Value)))
	binary.LittleEndian.PutUint64(header[8:16], r.Timestamp)
	if r.Tombstone {
		header[16] = flagTombstone
	}
	dst = append(dst, header[:]...)
	dst = append(dst, r.Key...)
	dst = append(dst, r.Value...)
	crc := crc32.ChecksumIEEE(dst[start:])
	var trailer [TrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], crc)
	return append(dst, trailer[:]...), nil
}

// Encode returns the encoded frame for the record.
func Encode(r *Record) ([]byte, error) {
	return Append(make([]byte, 0, r.FrameSize()), r)
}

// Decode parses a full frame. The returned record aliases the frame's
// backing array; callers that retain key or value must copy.
func Decode(frame []byte) (Record, error) {
	if len(frame) < HeaderSize+TrailerSize {
		return Record{}, ErrTruncated
	}
	keyLen := binary.LittleEndian.Uint32(frame[0:4])
	valLen := binary.LittleEndian.Uint32(frame[4:8])
	total := HeaderSize + int(keyLen) + int(valLen) + TrailerSize
	if total != len(frame) {
		if total > len(frame) {
			return Record{}, ErrTruncated
		}
		return Record{}, fmt.Errorf("%w: frame length %d, expected %d", ErrCorrupt, len(frame), total)
	}
	if keyLen == 0 {
		return Record{}, fmt.Errorf("%w: zero key length", ErrCorrupt)
	}
	body := frame[:total-TrailerSize]
	want := binary.LittleEndian.Uint32(frame[total-TrailerSize:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return Record{}, fmt.Errorf("%w: crc mismatch", ErrCorrupt)
	}
	rec := Record{
		Key:       frame[HeaderSize : HeaderSize+keyLen],
		Timestamp: binary.LittleEndian.Uint64(frame[8:16]),
		Tombstone: frame[16]&flagTombstone != 0,
	}
	if valLen > 0 {
		rec.Value = frame[HeaderSize+keyLen : HeaderSize+keyLen+valLen]
	}
	return rec, nil
}

// Reader iterates frames sequentially from an io.Reader, tracking the byte
// offset of each frame. It is used by recovery replay and by the compactor.
type Reader struct {
	src    io.Reader
	offset int64
	header [HeaderSize]byte
	buf    []byte
}

// NewReader returns a Reader positioned at offset 0 of src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Next returns the next record, the offset of its frame and the frame length.
// It returns io.EOF on a clean end of input, ErrTruncated when the input ends
// mid-frame and an ErrCorrupt-wrapped error on checksum mismatch. The record
// and its frame alias the reader's internal buffer and are valid until the
// following call.
func (r *Reader) Next() (rec Record, offset int64, frame []byte, err error) {
	offset = r.offset
	if _, err = io.ReadFull(r.src, r.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, offset, nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, offset, nil, ErrTruncated
		}
		return Record{}, offset, nil, err
	}
	keyLen := binary.LittleEndian.Uint32(r.header[0:4])
	valLen := binary.LittleEndian.Uint32(r.header[4:8])
	total := HeaderSize + int(keyLen) + int(valLen) + TrailerSize
	if keyLen == 0 || total > MaxFrameSize {
		return Record{}, offset, nil, fmt.Errorf("%w: implausible header", ErrCorrupt)
	}
	if cap(r.buf) < total {
		r.buf = make([]byte, total)
	}
	frame = r.buf[:total]
	copy(frame, r.header[:])
	if _, err = io.ReadFull(r.src, frame[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, offset, nil, ErrTruncated
		}
		return Record{}, offset, nil, err
	}
	if rec, err = Decode(frame); err != nil {
		return Record{}, offset, nil, err
	}
	r.offset += int64(total)
	return rec, offset, frame, nil
}
