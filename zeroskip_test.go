package zeroskip

import (
	"fmt"
	"hash/crc32"
	"os"
	"testing"
)

func setupTempDB(tb testing.TB, opts ...Option) (db *DB, dir string) {
	tb.Helper()
	dir, err := os.MkdirTemp("", "zeroskip_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp: %v", err)
	}

	all := append([]Option{WithMode(Create)}, opts...)
	db, err = Open(dir, all...)
	if err != nil {
		_ = os.RemoveAll(dir)
		tb.Fatalf("Open(%q): %v", dir, err)
	}

	tb.Cleanup(func() {
		_ = db.Close()
		_ = os.RemoveAll(dir)
	})
	return db, dir
}

func TestPutAndGet(t *testing.T) {
	db, _ := setupTempDB(t)

	if err := db.Put([]byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, err := db.Get([]byte("foo"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != "bar" {
		t.Errorf("Get(foo) = %q, want bar", val)
	}
}

func TestOverwrite(t *testing.T) {
	db, _ := setupTempDB(t)

	_ = db.Put([]byte("key"), []byte("first"))
	_ = db.Put([]byte("key"), []byte("second"))

	val, err := db.Get([]byte("key"))
	if err != nil || string(val) != "second" {
		t.Errorf("Get(key) = %q, %v; want second", val, err)
	}
}

func TestKeyNotFound(t *testing.T) {
	db, _ := setupTempDB(t)

	if _, err := db.Get([]byte("missing")); CodeOf(err) != NotFound {
		t.Errorf("Get(missing) code = %v, want NotFound", CodeOf(err))
	}
}

func TestDeleteTombstones(t *testing.T) {
	db, _ := setupTempDB(t)

	_ = db.Put([]byte("k"), []byte("v"))
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get([]byte("k")); CodeOf(err) != NotFound {
		t.Errorf("Get after delete code = %v, want NotFound", CodeOf(err))
	}
}

// TestAbortReturnsToLastCommit exercises the abort semantics directly: a
// transaction that writes several records but is aborted before Commit
// must leave the database exactly as it was at the previous commit.
func TestAbortReturnsToLastCommit(t *testing.T) {
	db, _ := setupTempDB(t)

	kvrecs1 := []struct{ k, v string }{
		{"a", "1"}, {"b", "2"}, {"c", "3"}, {"d", "4"}, {"e", "5"},
		{"f", "6"}, {"g", "7"}, {"h", "8"}, {"i", "9"}, {"j", "10"},
		{"k", "11"}, {"l", "12"}, {"m", "13"}, {"n", "14"},
	}

	txn1, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for _, kv := range kvrecs1 {
		if err := txn1.Add([]byte(kv.k), []byte(kv.v)); err != nil {
			t.Fatalf("Add(%s): %v", kv.k, err)
		}
	}
	if err := txn1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn2.Add([]byte("z"), []byte("should-not-survive")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := txn2.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	for _, kv := range kvrecs1 {
		val, err := db.Get([]byte(kv.k))
		if err != nil || string(val) != kv.v {
			t.Errorf("Get(%s) = %q, %v; want %q", kv.k, val, err, kv.v)
		}
	}
	if _, err := db.Get([]byte("z")); CodeOf(err) != NotFound {
		t.Errorf("Get(z) after abort code = %v, want NotFound", CodeOf(err))
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	db, dir := setupTempDB(t)

	_ = db.Put([]byte("a"), []byte("1"))
	_ = db.Put([]byte("b"), []byte("2"))
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir, WithMode(ReadWrite))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	if val, err := db2.Get([]byte("a")); err != nil || string(val) != "1" {
		t.Errorf("Get(a) after reopen = %q, %v", val, err)
	}
	if val, err := db2.Get([]byte("b")); err != nil || string(val) != "2" {
		t.Errorf("Get(b) after reopen = %q, %v", val, err)
	}
}

func TestManyKeysAndRollover(t *testing.T) {
	db, _ := setupTempDB(t, WithFinaliseThreshold(64*1024))

	const n = 4096
	for i := 0; i < n; i++ {
		k, v := fmt.Sprintf("k%05d", i), fmt.Sprintf("v%05d", i)
		if err := db.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	info, err := db.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.FinalisedSegments == 0 && info.PackedSegments == 0 {
		t.Errorf("expected rollover to have produced finalised or packed segments, got Info=%+v", info)
	}

	for i := 0; i < n; i++ {
		k, want := fmt.Sprintf("k%05d", i), fmt.Sprintf("v%05d", i)
		got, err := db.Get([]byte(k))
		if err != nil || string(got) != want {
			t.Fatalf("Get(%s) = %q, %v; want %q", k, got, err, want)
		}
	}
}

func TestFetchNextAcrossGaps(t *testing.T) {
	db, _ := setupTempDB(t)

	for _, k := range []string{"a", "c", "e", "g"} {
		_ = db.Put([]byte(k), []byte(k+"-val"))
	}

	rec, err := db.FetchNext([]byte("a"))
	if err != nil || string(rec.Key) != "c" {
		t.Fatalf("FetchNext(a) = %v, %v; want c", rec, err)
	}

	rec, err = db.FetchNext([]byte("b"))
	if err != nil || string(rec.Key) != "c" {
		t.Fatalf("FetchNext(b) = %v, %v; want c", rec, err)
	}

	rec, err = db.FetchNext([]byte("g"))
	if CodeOf(err) != NotFound {
		t.Fatalf("FetchNext(g) = %v, %v; want NotFound", rec, err)
	}
}

func TestHierarchicalPrefixScan(t *testing.T) {
	db, _ := setupTempDB(t)

	keys := []string{"abc.1", "abc.2", "abc.3", "abd.1", "xyz.1"}
	for _, k := range keys {
		_ = db.Put([]byte(k), []byte(k))
	}

	var got []string
	err := db.ForEachPrefix([]byte("abc."), func(rec *Record) bool {
		got = append(got, string(rec.Key))
		return true
	})
	if err != nil {
		t.Fatalf("ForEachPrefix: %v", err)
	}

	want := []string{"abc.1", "abc.2", "abc.3"}
	if len(got) != len(want) {
		t.Fatalf("ForEachPrefix got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ForEachPrefix[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestReloadIfStaleDetectsExternalCommit simulates a second process
// appending to and durably committing the shared active segment entirely
// outside this db handle, then checks that the next write path call
// (Begin) notices the changed .zsdb inode and reloads before proceeding.
func TestReloadIfStaleDetectsExternalCommit(t *testing.T) {
	db, dir := setupTempDB(t)

	if err := db.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	staleIno := db.dotIno

	seg, err := openActiveSegmentForAppend(dir, segmentFileInfo{
		name: db.active.name, uuid: db.id, start: db.currentIndex, end: db.currentIndex, kind: kindActive,
	}, true)
	if err != nil {
		t.Fatalf("openActiveSegmentForAppend: %v", err)
	}
	_, buf, err := seg.appendKeyValue([]byte("b"), []byte("2"))
	if err != nil {
		t.Fatalf("appendKeyValue: %v", err)
	}
	if _, err := seg.appendCommit(uint64(len(buf)), crc32.ChecksumIEEE(buf), false); err != nil {
		t.Fatalf("appendCommit: %v", err)
	}
	if err := seg.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	newOffset := seg.size
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dz := dotZsdb{offset: newOffset, uuid: db.id, currentIndex: db.currentIndex}
	newIno, err := writeDotZsdbAtomic(dir, dz, db.opts.lockTimeout)
	if err != nil {
		t.Fatalf("writeDotZsdbAtomic: %v", err)
	}
	if newIno == staleIno {
		t.Fatalf("expected rename-based commit to produce a new inode")
	}

	if _, err := db.Get([]byte("b")); CodeOf(err) != NotFound {
		t.Fatalf("Get(b) before reload code = %v, want NotFound", CodeOf(err))
	}

	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if db.dotIno != newIno {
		t.Errorf("db.dotIno = %d, want %d after reload", db.dotIno, newIno)
	}

	val, err := db.Get([]byte("b"))
	if err != nil || string(val) != "2" {
		t.Errorf("Get(b) after reload = %q, %v; want 2", val, err)
	}
	val, err = db.Get([]byte("a"))
	if err != nil || string(val) != "1" {
		t.Errorf("Get(a) after reload = %q, %v; want 1", val, err)
	}
}

// TestLoadCapsReplayAtDotZsdbOffset writes a fully valid commit past the
// durable .zsdb.offset boundary and checks that re-opening the database
// discards it, per .zsdb.offset being the authoritative durable boundary
// rather than however far CRC-valid data happens to extend.
func TestLoadCapsReplayAtDotZsdbOffset(t *testing.T) {
	db, dir := setupTempDB(t)

	if err := db.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	durableOffset := db.active.size

	// A commit that lands in the file (e.g. the segment fsync completed)
	// but whose .zsdb rename never happened before the crash.
	_, buf, err := db.active.appendKeyValue([]byte("b"), []byte("2"))
	if err != nil {
		t.Fatalf("appendKeyValue: %v", err)
	}
	if _, err := db.active.appendCommit(uint64(len(buf)), crc32.ChecksumIEEE(buf), false); err != nil {
		t.Fatalf("appendCommit: %v", err)
	}
	if err := db.active.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir, WithMode(ReadWrite))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	if db2.active.size != durableOffset {
		t.Errorf("active.size after reopen = %d, want %d (capped at .zsdb.offset)", db2.active.size, durableOffset)
	}
	if _, err := db2.Get([]byte("b")); CodeOf(err) != NotFound {
		t.Errorf("Get(b) after reopen code = %v, want NotFound (commit past .zsdb.offset must be discarded)", CodeOf(err))
	}
	if val, err := db2.Get([]byte("a")); err != nil || string(val) != "1" {
		t.Errorf("Get(a) after reopen = %q, %v; want 1", val, err)
	}
}

func TestRepackPreservesData(t *testing.T) {
	db, _ := setupTempDB(t)

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("k%03d", i)
		_ = db.Put([]byte(k), []byte(k))
	}
	_ = db.Delete([]byte("k010"))

	if err := db.Finalise(); err != nil {
		t.Fatalf("Finalise: %v", err)
	}
	if err := db.Repack(); err != nil {
		t.Fatalf("Repack: %v", err)
	}

	info, err := db.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.PackedSegments != 1 {
		t.Errorf("PackedSegments = %d, want 1", info.PackedSegments)
	}

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("k%03d", i)
		val, err := db.Get([]byte(k))
		if i == 10 {
			if CodeOf(err) != NotFound {
				t.Errorf("Get(%s) after repack = %v, want NotFound", k, err)
			}
			continue
		}
		if err != nil || string(val) != k {
			t.Errorf("Get(%s) after repack = %q, %v; want %q", k, val, err, k)
		}
	}
}
