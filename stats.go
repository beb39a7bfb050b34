package cask

// Stats exposes best-effort runtime and storage metrics.
type Stats struct {
	// Appends counts records written, tombstones included.
	Appends uint64 `json:"appends"`
	// BytesWritten is the total frame bytes appended to segments.
	BytesWritten uint64 `json:"bytesWritten"`
	// BytesRead is the total frame bytes served by Get.
	BytesRead uint64 `json:"bytesRead"`
	// Segments is the number of segment files, active included.
	Segments int `json:"segments"`
	// Keys is the number of index entries, tombstones included.
	Keys int `json:"keys"`
	// LiveBytes is the total size of frames still referenced by the index.
	LiveBytes uint64 `json:"liveBytes,omitempty"`
	// DeadBytes is space reclaimable by compaction.
	DeadBytes uint64 `json:"deadBytes,omitempty"`
	// Merges counts completed compaction batches.
	Merges uint64 `json:"merges"`
}

// Stats returns a snapshot of the store's counters.
func (s *Store) Stats() Stats {
	s.statMu.Lock()
	out := s.counters
	s.statMu.Unlock()

	var total, live int64
	s.segMu.RLock()
	out.Segments = len(s.sealed)
	for _, info := range s.sealed {
		total += info.size
		live += info.live
	}
	s.segMu.RUnlock()

	s.mu.Lock()
	if s.active != nil {
		out.Segments++
		total += s.active.Size()
		live += s.activeLive
	}
	s.mu.Unlock()

	out.Keys = s.index.Len()
	out.LiveBytes = uint64(live)
	if total > live {
		out.DeadBytes = uint64(total - live)
	}
	return out
}
