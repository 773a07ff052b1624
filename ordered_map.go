package zeroskip

import "github.com/google/btree"

// btreeDegree is the branching factor for the ordered in-memory map. 32 is
// google/btree's own suggested default for general use.
const btreeDegree = 32

// Record is the in-memory representation of one key's current state,
// stored in the ordered map that backs the active segment's live tail and
// the combined finalised-segment view (§3 "Ordered in-memory map"). Replace
// semantics on insert: a later record for the same key supersedes an
// earlier one, including replacing a live value with a tombstone or vice
// versa.
type Record struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// orderedMap is a lower-bound-searchable key->Record map. §9 suggests an
// arena/slab-indexed B-tree to sidestep pointer invalidation on rebalance;
// github.com/google/btree already solves exactly that internally, so this
// type is a thin, comparator-aware wrapper rather than a hand-rolled tree.
type orderedMap struct {
	cmp Comparator
	bt  *btree.BTreeG[*Record]
}

func newOrderedMap(cmp Comparator) *orderedMap {
	less := func(a, b *Record) bool { return cmp(a.Key, b.Key) < 0 }
	return &orderedMap{cmp: cmp, bt: btree.NewG[*Record](btreeDegree, less)}
}

// Put inserts or replaces the record for rec.Key.
func (m *orderedMap) Put(rec *Record) {
	m.bt.ReplaceOrInsert(rec)
}

// Get returns the record for key, if present.
func (m *orderedMap) Get(key []byte) (*Record, bool) {
	probe := &Record{Key: key}
	return m.bt.Get(probe)
}

// Len returns the number of distinct keys held, live or tombstoned.
func (m *orderedMap) Len() int { return m.bt.Len() }

// Ascend calls fn for every record with Key >= from (or every record, if
// from is nil), in ascending order, until fn returns false.
func (m *orderedMap) Ascend(from []byte, fn func(*Record) bool) {
	if from == nil {
		m.bt.Ascend(func(r *Record) bool { return fn(r) })
		return
	}
	pivot := &Record{Key: from}
	m.bt.AscendGreaterOrEqual(pivot, func(r *Record) bool { return fn(r) })
}

// Min returns the smallest record with Key >= from, if any, used for
// seek-to-key (§4.6).
func (m *orderedMap) Min(from []byte) (*Record, bool) {
	var found *Record
	m.Ascend(from, func(r *Record) bool {
		found = r
		return false
	})
	return found, found != nil
}
