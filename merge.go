package zeroskip

import "container/heap"

// mergeSource is one of the iterator's inputs: the active segment's live
// map, the combined finalised-segment map, or one open packed segment. Each
// knows how to produce its own next record at or after a given key (§4.6).
type mergeSource interface {
	// seek positions the source at the first record with Key >= from (or
	// the very first record, if from is nil), returning false if there is
	// none.
	seek(cmp Comparator, from []byte) (*Record, bool)
	// advance moves past the record last returned by seek/advance.
	advance(cmp Comparator) (*Record, bool)
}

// mapSource adapts an orderedMap (active or combined-finalised) to
// mergeSource.
type mapSource struct {
	m   *orderedMap
	cur *Record
}

func (s *mapSource) seek(cmp Comparator, from []byte) (*Record, bool) {
	s.cur, _ = s.m.Min(from)
	return s.cur, s.cur != nil
}

func (s *mapSource) advance(cmp Comparator) (*Record, bool) {
	if s.cur == nil {
		return nil, false
	}
	// Min(key-after-current) would need a successor key; the ordered map
	// only exposes Ascend, so step past cur by scanning from cur.Key and
	// skipping the first (equal) hit.
	var next *Record
	skip := true
	s.m.Ascend(s.cur.Key, func(r *Record) bool {
		if skip {
			skip = false
			return true
		}
		next = r
		return false
	})
	s.cur = next
	return s.cur, s.cur != nil
}

// packedSource adapts a packed segment's footer vector to mergeSource.
type packedSource struct {
	seg *segment
	idx int
}

func (s *packedSource) seek(cmp Comparator, from []byte) (*Record, bool) {
	if from == nil {
		s.idx = 0
	} else {
		i, err := s.seg.ceilIndex(cmp, from)
		if err != nil {
			return nil, false
		}
		s.idx = i
	}
	return s.current()
}

func (s *packedSource) advance(cmp Comparator) (*Record, bool) {
	s.idx++
	return s.current()
}

func (s *packedSource) current() (*Record, bool) {
	if s.idx >= len(s.seg.footer) {
		return nil, false
	}
	rec, _, err := s.seg.recordAt(s.seg.footer[s.idx])
	if err != nil {
		return nil, false
	}
	return rec, true
}

// mergeEntry is one live candidate in the merge heap: the record currently
// at the front of one source, tagged with that source's priority so ties
// (the same key present in several sources) resolve to the newest write.
//
// Priority order, lowest to highest (§4.6): packed segments from oldest to
// newest, then the combined finalised map, then the active map — the same
// order newer data supersedes older data everywhere else in the format.
type mergeEntry struct {
	rec      *Record
	priority int
	source   mergeSource
}

type mergeHeap struct {
	cmp     Comparator
	entries []*mergeEntry
}

func (h *mergeHeap) Len() int { return len(h.entries) }
func (h *mergeHeap) Less(i, j int) bool {
	c := h.cmp(h.entries[i].rec.Key, h.entries[j].rec.Key)
	if c != 0 {
		return c < 0
	}
	// Same key from two sources: higher priority (newer) sorts first so the
	// dedup pass below keeps it and discards the shadowed older one.
	return h.entries[i].priority > h.entries[j].priority
}
func (h *mergeHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *mergeHeap) Push(x any)    { h.entries = append(h.entries, x.(*mergeEntry)) }
func (h *mergeHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	h.entries = old[:n-1]
	return e
}

// MergeIterator walks every live key across the active segment, the
// finalised segments, and every packed segment in ascending key order,
// returning each key's single highest-priority record and silently
// dropping superseded duplicates and tombstones (§4.6).
type MergeIterator struct {
	cmp     Comparator
	h       *mergeHeap
	lastKey []byte
	hasLast bool
}

// newMergeIterator seeks every source to >= from (nil for "from the
// start") and seeds the heap with whichever of them have a record there.
// packed must be supplied oldest-first; its priority increases with index,
// the same way it does on disk.
func newMergeIterator(cmp Comparator, active, finalised *orderedMap, packed []*segment, from []byte) *MergeIterator {
	h := &mergeHeap{cmp: cmp}
	heap.Init(h)

	priority := 0
	for _, p := range packed {
		src := &packedSource{seg: p}
		if rec, ok := src.seek(cmp, from); ok {
			heap.Push(h, &mergeEntry{rec: rec, priority: priority, source: src})
		}
		priority++
	}
	if finalised != nil {
		src := &mapSource{m: finalised}
		if rec, ok := src.seek(cmp, from); ok {
			heap.Push(h, &mergeEntry{rec: rec, priority: priority, source: src})
		}
	}
	priority++
	if active != nil {
		src := &mapSource{m: active}
		if rec, ok := src.seek(cmp, from); ok {
			heap.Push(h, &mergeEntry{rec: rec, priority: priority, source: src})
		}
	}

	return &MergeIterator{cmp: cmp, h: h}
}

// Next returns the next live (non-tombstoned) record in ascending key
// order, or ok=false once every source is exhausted. Records masked by a
// higher-priority tombstone or overwrite, and the tombstones themselves,
// are consumed internally and never surfaced (§4.6 "dedup by priority").
func (it *MergeIterator) Next() (*Record, bool) {
	for {
		rec, ok := it.advanceRaw()
		if !ok {
			return nil, false
		}
		if rec.Deleted {
			continue
		}
		return rec, true
	}
}

// advanceRaw pops the single highest-priority record for the next distinct
// key, discarding every lower-priority entry sharing that key, and feeds
// each exhausted source's successor back into the heap.
func (it *MergeIterator) advanceRaw() (*Record, bool) {
	if it.h.Len() == 0 {
		return nil, false
	}

	top := heap.Pop(it.h).(*mergeEntry)
	winner := top.rec

	if next, ok := top.source.advance(it.cmp); ok {
		heap.Push(it.h, &mergeEntry{rec: next, priority: top.priority, source: top.source})
	}

	for it.h.Len() > 0 && it.cmp(it.h.entries[0].rec.Key, winner.Key) == 0 {
		shadowed := heap.Pop(it.h).(*mergeEntry)
		if next, ok := shadowed.source.advance(it.cmp); ok {
			heap.Push(it.h, &mergeEntry{rec: next, priority: shadowed.priority, source: shadowed.source})
		}
	}

	return winner, true
}
