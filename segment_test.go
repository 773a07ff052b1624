package zeroskip

import (
	"hash/crc32"
	"testing"

	"github.com/google/uuid"
)

func TestActiveSegmentAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	seg, err := createActiveSegment(dir, id, 0, false)
	if err != nil {
		t.Fatalf("createActiveSegment: %v", err)
	}

	_, buf1, err := seg.appendKeyValue([]byte("a"), []byte("1"))
	if err != nil {
		t.Fatalf("appendKeyValue: %v", err)
	}
	_, buf2, err := seg.appendKeyValue([]byte("b"), []byte("2"))
	if err != nil {
		t.Fatalf("appendKeyValue: %v", err)
	}

	payload := append(append([]byte{}, buf1...), buf2...)
	crc := crc32.ChecksumIEEE(payload)
	if _, err := seg.appendCommit(uint64(len(payload)), crc, false); err != nil {
		t.Fatalf("appendCommit: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, ok := parseSegmentFilename(activeFilename(id, 0))
	if !ok {
		t.Fatalf("parseSegmentFilename failed")
	}
	reopened, err := openActiveSegmentForAppend(dir, info, false)
	if err != nil {
		t.Fatalf("openActiveSegmentForAppend: %v", err)
	}
	defer reopened.Close()

	m := newOrderedMap(rawComparator)
	res, err := replayActiveSegment(reopened, m, reopened.size)
	if err != nil {
		t.Fatalf("replayActiveSegment: %v", err)
	}
	if res.commits != 1 {
		t.Errorf("commits = %d, want 1", res.commits)
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
	rec, ok := m.Get([]byte("a"))
	if !ok || string(rec.Value) != "1" {
		t.Errorf("Get(a) = %v, %v", rec, ok)
	}
}

func TestActiveSegmentTornTailTruncated(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	seg, err := createActiveSegment(dir, id, 0, false)
	if err != nil {
		t.Fatalf("createActiveSegment: %v", err)
	}

	_, buf1, err := seg.appendKeyValue([]byte("a"), []byte("1"))
	if err != nil {
		t.Fatalf("appendKeyValue: %v", err)
	}
	crc := crc32.ChecksumIEEE(buf1)
	if _, err := seg.appendCommit(uint64(len(buf1)), crc, false); err != nil {
		t.Fatalf("appendCommit: %v", err)
	}
	committedSize := seg.size

	// Simulate a torn write: a second key appended but never committed.
	if _, _, err := seg.appendKeyValue([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("appendKeyValue: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, _ := parseSegmentFilename(activeFilename(id, 0))
	reopened, err := openActiveSegmentForAppend(dir, info, false)
	if err != nil {
		t.Fatalf("openActiveSegmentForAppend: %v", err)
	}
	defer reopened.Close()

	m := newOrderedMap(rawComparator)
	res, err := replayActiveSegment(reopened, m, reopened.size)
	if err != nil {
		t.Fatalf("replayActiveSegment: %v", err)
	}
	if res.validSize != committedSize {
		t.Errorf("validSize = %d, want %d", res.validSize, committedSize)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (torn record must not apply)", m.Len())
	}
	if _, ok := m.Get([]byte("b")); ok {
		t.Errorf("torn key b unexpectedly visible")
	}
}
