package zeroskip

import (
	"hash/crc32"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

// DB is one open zeroskip database directory. A DB allows one writer and
// any number of concurrent readers within the process; cross-process
// coordination is via the write/pack lock files (§4.8, §9).
type DB struct {
	mu   sync.Mutex
	dir  string
	opts *Options
	log  *zap.SugaredLogger

	id           uuid.UUID
	currentIndex uint32
	dotIno       uint64

	active    *segment
	activeMap *orderedMap

	finalisedMap   *orderedMap
	finalisedFiles []segmentFileInfo

	packedSegs  []*segment // oldest first, matches scanDirectory's order
	packedFiles []segmentFileInfo

	writeLock *fileLock
	closed    bool
}

// Open opens (or, with WithMode(Create), creates) the database rooted at
// dir, replaying its active segment, loading its finalised segments, and
// mapping its packed segments in preparation for reads (§4.9).
func Open(dir string, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	fi, statErr := os.Stat(dir)
	dirExists := statErr == nil && fi.IsDir()
	if !dirExists && o.mode != Create {
		return nil, wrapErr(NotOpen, "open database", statErr)
	}

	if !dirExists {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrapErr(IoError, "create database directory", err)
		}
	}

	wlock, err := acquireLock(writeLockPath(dir), o.lockTimeout)
	if err != nil {
		return nil, err
	}

	db := &DB{dir: dir, opts: o, log: o.logger, writeLock: wlock}

	if err := db.load(); err != nil {
		_ = wlock.release()
		return nil, err
	}

	return db, nil
}

// load reads .zsdb (creating it first, under Create mode, if absent),
// scans the directory, replays the active segment, folds finalised
// segments into one combined map, and opens packed segments read-only
// (§4.7, §4.3, §4.4, §4.5).
func (db *DB) load() error {
	dz, ino, err := readDotZsdb(db.dir)
	if err != nil {
		if CodeOf(err) != NotOpen || db.opts.mode != Create {
			return err
		}
		dz, ino, err = createDotZsdbIfAbsent(db.dir, db.opts.lockTimeout)
		if err != nil {
			return err
		}
	}
	db.id = dz.uuid
	db.currentIndex = dz.currentIndex
	db.dotIno = ino

	activeInfo, finalised, packed, foreign, err := scanDirectory(db.dir, db.id)
	if err != nil {
		return err
	}
	if len(foreign) > 0 {
		db.log.Warnw("directory contains segments from a different database uuid", "files", foreign)
	}

	if activeInfo == nil {
		if db.opts.mode != Create {
			return newErr(InvalidDb, "no active segment for database uuid")
		}
		seg, err := createActiveSegment(db.dir, db.id, db.currentIndex, db.opts.fsync)
		if err != nil {
			return err
		}
		db.active = seg
		db.activeMap = newOrderedMap(db.opts.comparator)
	} else {
		seg, err := openActiveSegmentForAppend(db.dir, *activeInfo, db.opts.fsync)
		if err != nil {
			return err
		}
		activeMap := newOrderedMap(db.opts.comparator)
		// .zsdb.offset caps the replay (§4.3): even a CRC-valid commit past
		// it was written after the last durable .zsdb rename and so was
		// never acknowledged, e.g. a crash between the segment fsync and
		// the .zsdb rename in Txn.Commit/finaliseLocked.
		res, err := replayActiveSegment(seg, activeMap, dz.offset)
		if err != nil {
			_ = seg.Close()
			return err
		}
		if res.validSize != seg.size {
			if err := seg.Truncate(res.validSize); err != nil {
				_ = seg.Close()
				return err
			}
			db.log.Warnw("truncated active segment tail", "segment", seg.name, "valid_size", res.validSize, "dot_zsdb_offset", dz.offset)
		}
		db.active = seg
		db.activeMap = activeMap
	}

	finalisedMap := newOrderedMap(db.opts.comparator)
	for _, fi := range finalised {
		seg, err := openReadOnlySegment(db.dir, fi)
		if err != nil {
			return err
		}
		err = replayFinalisedSegment(seg, finalisedMap)
		closeErr := seg.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}
	}
	db.finalisedMap = finalisedMap
	db.finalisedFiles = finalised

	for _, fi := range packed {
		seg, err := openReadOnlySegment(db.dir, fi)
		if err != nil {
			return err
		}
		db.packedSegs = append(db.packedSegs, seg)
	}
	db.packedFiles = packed

	return nil
}

// Close flushes and releases every resource the database holds, including
// the cross-process write lock (§4.8, §4.9).
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	record(db.active.Close())
	for _, seg := range db.packedSegs {
		record(seg.Close())
	}
	record(db.writeLock.release())
	return first
}

func (db *DB) checkOpen() error {
	if db.closed {
		return ErrNotOpen
	}
	return nil
}

// reloadIfStale compares the directory's current .zsdb inode against the
// one this DB last loaded from. A mismatch means another process has
// committed (the rename-based protocol in writeDotZsdbAtomic always
// produces a fresh inode), so the active/finalised/packed segment set this
// DB holds is stale. On mismatch it closes that set and reruns load before
// the write proceeds, the cross-process reload §4.7, §4.9 ("add": "possibly
// reload if inode changed") and §4.10 call for.
func (db *DB) reloadIfStale() error {
	ino, err := inodeOf(dotZsdbPath(db.dir))
	if err != nil {
		return err
	}
	if ino == db.dotIno {
		return nil
	}

	if err := db.active.Close(); err != nil {
		return err
	}
	for _, seg := range db.packedSegs {
		_ = seg.Close()
	}
	db.packedSegs = nil
	db.finalisedFiles = nil

	if err := db.load(); err != nil {
		return err
	}
	db.log.Infow("reloaded database after detecting external commit", "dir", db.dir)
	return nil
}

// --- transactions -----------------------------------------------------------

// Txn is an in-flight group of writes against the active segment: every
// Add/Remove call appends its record to the segment file immediately, but
// none of it is visible to readers, nor does it move the durable .zsdb
// pointer, until Commit writes the sealing commit record. Abort truncates
// the file back to where the transaction started, discarding everything it
// wrote (§4.1, §4.3, §9 "last commit wins").
//
// Only one Txn may be open at a time; Begin blocks until any previous one
// is committed or aborted.
type Txn struct {
	db         *DB
	startSize  int64
	pending    []*Record
	payloadCRC uint32
	payloadLen uint64
	done       bool
}

// Begin starts a new transaction, holding db's internal lock until Commit
// or Abort releases it.
func (db *DB) Begin() (*Txn, error) {
	db.mu.Lock()
	if err := db.checkOpen(); err != nil {
		db.mu.Unlock()
		return nil, err
	}
	if err := db.reloadIfStale(); err != nil {
		db.mu.Unlock()
		return nil, err
	}
	return &Txn{db: db, startSize: db.active.size}, nil
}

// Add appends a KEY+VALUE record to the pending transaction (§4.1).
func (t *Txn) Add(key, val []byte) error {
	if t.done {
		return ErrInternal
	}
	_, buf, err := t.db.active.appendKeyValue(key, val)
	if err != nil {
		return err
	}
	t.fold(buf)
	t.pending = append(t.pending, &Record{Key: append([]byte(nil), key...), Value: append([]byte(nil), val...)})
	return nil
}

// Remove appends a DELETED tombstone record to the pending transaction
// (§4.1).
func (t *Txn) Remove(key []byte) error {
	if t.done {
		return ErrInternal
	}
	_, buf, err := t.db.active.appendTombstone(key)
	if err != nil {
		return err
	}
	t.fold(buf)
	t.pending = append(t.pending, &Record{Key: append([]byte(nil), key...), Deleted: true})
	return nil
}

func (t *Txn) fold(buf []byte) {
	t.payloadLen += uint64(len(buf))
	t.payloadCRC = crc32.Update(t.payloadCRC, crc32.IEEETable, buf)
}

// Commit seals the transaction: writes the commit record, applies every
// pending record to the in-memory active map, advances the durable .zsdb
// offset, and rolls the active segment over once it crosses the finalise
// threshold; that rollover packs the finalised segments once packThreshold
// of them have accumulated (§4.1, §4.9).
func (t *Txn) Commit() error {
	defer func() { t.done = true; t.db.mu.Unlock() }()

	db := t.db
	if len(t.pending) == 0 {
		return nil
	}

	if _, err := db.active.appendCommit(t.payloadLen, t.payloadCRC, false); err != nil {
		return err
	}
	if err := db.active.Sync(); err != nil {
		return err
	}

	for _, r := range t.pending {
		db.activeMap.Put(r)
	}

	dz := dotZsdb{offset: db.active.size, uuid: db.id, currentIndex: db.currentIndex}
	ino, err := writeDotZsdbAtomic(db.dir, dz, db.opts.lockTimeout)
	if err != nil {
		return err
	}
	db.dotIno = ino

	if db.active.size >= db.opts.finaliseThreshold {
		if err := db.finaliseLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Abort discards every record the transaction wrote, truncating the active
// segment back to its size when Begin was called (§4.1, §9).
func (t *Txn) Abort() error {
	defer func() { t.done = true; t.db.mu.Unlock() }()
	if len(t.pending) == 0 {
		return nil
	}
	return t.db.active.Truncate(t.startSize)
}

// --- single-operation convenience wrappers ---------------------------------

// Put writes key=val as a single-record transaction.
func (db *DB) Put(key, val []byte) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	if err := txn.Add(key, val); err != nil {
		_ = txn.Abort()
		return err
	}
	return txn.Commit()
}

// Delete tombstones key as a single-record transaction.
func (db *DB) Delete(key []byte) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	if err := txn.Remove(key); err != nil {
		_ = txn.Abort()
		return err
	}
	return txn.Commit()
}

// --- reads ------------------------------------------------------------------

// Get returns the current value for key, ErrNotFound if it is absent or
// tombstoned, checking sources from newest to oldest: the active map, the
// combined finalised map, then each packed segment from newest to oldest
// (§4.6).
func (db *DB) Get(key []byte) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	if rec, ok := db.activeMap.Get(key); ok {
		if rec.Deleted {
			return nil, ErrNotFound
		}
		return rec.Value, nil
	}
	if rec, ok := db.finalisedMap.Get(key); ok {
		if rec.Deleted {
			return nil, ErrNotFound
		}
		return rec.Value, nil
	}
	for i := len(db.packedSegs) - 1; i >= 0; i-- {
		rec, ok, err := db.packedSegs[i].lookup(db.opts.comparator, key)
		if err != nil {
			return nil, err
		}
		if ok {
			if rec.Deleted {
				return nil, ErrNotFound
			}
			return rec.Value, nil
		}
	}
	return nil, ErrNotFound
}

// FetchNext returns the first live key strictly after key in ascending
// order, ErrNotFound if there is none (§4.6 "fetchnext").
func (db *DB) FetchNext(key []byte) (*Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	it := newMergeIterator(db.opts.comparator, db.activeMap, db.finalisedMap, db.packedSegs, key)
	for {
		rec, ok := it.Next()
		if !ok {
			return nil, ErrNotFound
		}
		if db.opts.comparator(rec.Key, key) != 0 {
			return rec, nil
		}
	}
}

// ForEach visits every live record in ascending key order, stopping early
// if fn returns false (§4.6 "foreach").
func (db *DB) ForEach(fn func(rec *Record) bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}

	it := newMergeIterator(db.opts.comparator, db.activeMap, db.finalisedMap, db.packedSegs, nil)
	for {
		rec, ok := it.Next()
		if !ok {
			return nil
		}
		if !fn(rec) {
			return nil
		}
	}
}

// ForOne visits the single live record at key, if any, without the
// allocation cost of building a full iterator (§4.6 "forone").
func (db *DB) ForOne(key []byte, fn func(rec *Record)) error {
	val, err := db.Get(key)
	if err != nil {
		if CodeOf(err) == NotFound {
			return nil
		}
		return err
	}
	fn(&Record{Key: key, Value: val})
	return nil
}

// ForEachPrefix visits every live key sharing prefix, in ascending order,
// stopping at the first key that no longer shares it — the hierarchical
// scan pattern from the original's directory-listing use case ("abc."
// style prefixes), folded in here rather than left to callers to
// reimplement around ForEach (§4.6, supplemented per original_source/).
func (db *DB) ForEachPrefix(prefix []byte, fn func(rec *Record) bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}

	it := newMergeIterator(db.opts.comparator, db.activeMap, db.finalisedMap, db.packedSegs, prefix)
	for {
		rec, ok := it.Next()
		if !ok {
			return nil
		}
		if !hasPrefix(db.opts.comparator, rec.Key, prefix) {
			return nil
		}
		if !fn(rec) {
			return nil
		}
	}
}

func hasPrefix(cmp Comparator, key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	return cmp(key[:len(prefix)], prefix) == 0
}

// --- segment lifecycle -------------------------------------------------------

// Finalise rolls the current active segment into a finalised one and opens
// a fresh, empty active segment, without waiting for the size threshold
// (§4.9's normal trigger is automatic; this exposes the same operation for
// callers that want to force a checkpoint).
func (db *DB) Finalise() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.finaliseLocked()
}

func (db *DB) finaliseLocked() error {
	oldName := db.active.name
	oldIdx := db.currentIndex
	newName := finalisedFilename(db.id, oldIdx)

	if err := db.active.Close(); err != nil {
		return err
	}
	if err := os.Rename(joinPath(db.dir, oldName), joinPath(db.dir, newName)); err != nil {
		return wrapErr(IoError, "rename active segment to finalised", err)
	}

	db.activeMap.Ascend(nil, func(r *Record) bool {
		db.finalisedMap.Put(r)
		return true
	})
	db.finalisedFiles = append(db.finalisedFiles, segmentFileInfo{name: newName, uuid: db.id, start: oldIdx, end: oldIdx, kind: kindFinalised})

	newIdx := oldIdx + 1
	seg, err := createActiveSegment(db.dir, db.id, newIdx, db.opts.fsync)
	if err != nil {
		return err
	}
	db.active = seg
	db.activeMap = newOrderedMap(db.opts.comparator)
	db.currentIndex = newIdx

	dz := dotZsdb{offset: seg.size, uuid: db.id, currentIndex: newIdx}
	ino, err := writeDotZsdbAtomic(db.dir, dz, db.opts.lockTimeout)
	if err != nil {
		return err
	}
	db.dotIno = ino

	db.log.Infow("finalised active segment", "segment", oldName, "next_active", seg.name)

	if len(db.finalisedFiles) >= packThreshold {
		if err := db.repackLocked(); err != nil {
			db.log.Warnw("automatic pack failed", "error", err)
		}
	}
	return nil
}

// Repack explicitly compacts every finalised and packed segment into one
// new packed segment (§4.5, §4.9).
func (db *DB) Repack() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.repackLocked()
}

func (db *DB) repackLocked() error {
	if len(db.finalisedFiles) == 0 && len(db.packedFiles) == 0 {
		return nil
	}

	plock, err := acquireLock(packLockPath(db.dir), db.opts.lockTimeout)
	if err != nil {
		return err
	}
	defer plock.release()

	res, err := runPack(packInputs{
		dir:          db.dir,
		id:           db.id,
		finalised:    db.finalisedFiles,
		packed:       db.packedFiles,
		coversActive: true,
		fsync:        db.opts.fsync,
	})
	if err != nil {
		return err
	}

	for _, seg := range db.packedSegs {
		_ = seg.Close()
	}

	newInfo, ok := parseSegmentFilename(res.newFile)
	if !ok {
		return newErr(Internal, "packer produced unparseable filename")
	}
	newSeg, err := openReadOnlySegment(db.dir, newInfo)
	if err != nil {
		return err
	}
	db.packedSegs = []*segment{newSeg}
	db.packedFiles = []segmentFileInfo{newInfo}
	db.finalisedMap = newOrderedMap(db.opts.comparator)
	db.finalisedFiles = nil

	for _, name := range res.oldFinalised {
		if err := os.Remove(joinPath(db.dir, name)); err != nil {
			db.log.Warnw("failed to remove packed-away finalised segment", "file", name, "error", err)
		}
	}
	for _, name := range res.oldPacked {
		if err := os.Remove(joinPath(db.dir, name)); err != nil {
			db.log.Warnw("failed to remove superseded packed segment", "file", name, "error", err)
		}
	}

	db.log.Infow("repacked database", "new_segment", res.newFile, "folded_finalised", len(res.oldFinalised), "folded_packed", len(res.oldPacked))
	return nil
}

// --- diagnostics --------------------------------------------------------

// Info is the supplemented diagnostic snapshot (beyond the distilled
// operation set): segment and key counts plus a fingerprint of the segment set,
// useful for tests and operational tooling without exposing internal
// types (§9, supplemented per original_source/'s admin/debug tooling).
type Info struct {
	UUID             string
	CurrentIndex     uint32
	ActiveSize       int64
	ActiveKeys       int
	FinalisedSegments int
	FinalisedKeys     int
	PackedSegments    int
	Fingerprint       uint64
}

// Info reports a point-in-time snapshot of the database's shape. The
// fingerprint is an xxh3 hash over the file names of the active, finalised
// and packed segments: it changes when the segment set changes (rollover,
// pack), not when records are appended to the active segment. It is
// independent from the CRC32/CRC32C durability chain used on the write path
// (§4.1, §4.7).
func (db *DB) Info() (Info, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return Info{}, err
	}

	h := xxh3.New()
	_, _ = h.WriteString(db.active.name)
	for _, fi := range db.finalisedFiles {
		_, _ = h.WriteString(fi.name)
	}
	for _, fi := range db.packedFiles {
		_, _ = h.WriteString(fi.name)
	}

	return Info{
		UUID:              db.id.String(),
		CurrentIndex:      db.currentIndex,
		ActiveSize:        db.active.size,
		ActiveKeys:        db.activeMap.Len(),
		FinalisedSegments: len(db.finalisedFiles),
		FinalisedKeys:     db.finalisedMap.Len(),
		PackedSegments:    len(db.packedSegs),
		Fingerprint:       h.Sum64(),
	}, nil
}

