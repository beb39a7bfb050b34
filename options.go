package cask

import (
	"sort"
	"time"
)

// SegmentStat summarizes one sealed segment for merge policies and Stats.
type SegmentStat struct {
	ID        uint64
	Size      int64
	LiveBytes int64
	// Merged marks a segment produced by a prior compaction pass; tombstones
	// inside such segments have survived their grace pass.
	Merged bool
}

// MergePolicy selects which sealed segments a merge batch should rewrite.
// The engine passes per-segment stats sorted by id; the policy returns the
// ids to compact, or nil to skip the batch.
type MergePolicy func(sealed []SegmentStat) []uint64

// MergeAllSealed rewrites every sealed segment each pass.
func MergeAllSealed(sealed []SegmentStat) []uint64 {
	ids := make([]uint64, 0, len(sealed))
	for _, st := range sealed {
		ids = append(ids, st.ID)
	}
	return ids
}

// MergeBelowLiveRatio compacts only when some segment's live-data ratio drops
// below ratio, and then rewrites every sealed segment so that tombstone grace
// accounting stays whole-batch.
func MergeBelowLiveRatio(ratio float64) MergePolicy {
	return func(sealed []SegmentStat) []uint64 {
		trigger := false
		for _, st := range sealed {
			if st.Size == 0 {
				continue
			}
			if float64(st.LiveBytes)/float64(st.Size) < ratio {
				trigger = true
				break
			}
		}
		if !trigger {
			return nil
		}
		return MergeAllSealed(sealed)
	}
}

type options struct {
	fileLimit     int
	segmentSize   int64
	syncOnApply   bool
	mergePolicy   MergePolicy
	mergeInterval time.Duration
}

func (o *options) withDefaults() {
	if o.fileLimit <= 0 {
		o.fileLimit = 128
	}
	if o.segmentSize <= 0 {
		// default 64 MiB
		o.segmentSize = 64 << 20
	}
	if o.mergePolicy == nil {
		o.mergePolicy = MergeAllSealed
	}
}

// Option customises an opened store.
type Option func(o *options)

// WithFileLimit bounds the number of open read handles to sealed segments.
func WithFileLimit(limit int) Option {
	return func(o *options) { o.fileLimit = limit }
}

// WithSegmentSize sets the rotation threshold for the active segment.
func WithSegmentSize(bytes int64) Option {
	return func(o *options) { o.segmentSize = bytes }
}

// WithSyncOnApply forces an fsync after every apply instead of relying on
// seal/close syncs.
func WithSyncOnApply(enabled bool) Option {
	return func(o *options) { o.syncOnApply = enabled }
}

// WithMergePolicy overrides the compaction candidate selection.
func WithMergePolicy(policy MergePolicy) Option {
	return func(o *options) { o.mergePolicy = policy }
}

// WithMergeInterval enables a background merge loop with the given period.
func WithMergeInterval(interval time.Duration) Option {
	return func(o *options) { o.mergeInterval = interval }
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
