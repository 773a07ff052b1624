package zeroskip

import (
	"hash/crc32"
	"os"

	"github.com/google/uuid"
)

// packThreshold is the packing trigger: once this many finalised segments
// accumulate, the next write path call folds them into one packed segment
// (§4.5, §6).
const packThreshold = 8

// packInputs is everything runPack needs to build one packed segment from
// every finalised segment currently on disk plus every packed segment that
// already exists (§4.5).
type packInputs struct {
	dir       string
	id        uuid.UUID
	finalised []segmentFileInfo
	packed    []segmentFileInfo
	// coversActive is true only when the pack input set spans the
	// database's entire history up to (not including) the live active
	// segment, which is the only time a tombstone is safe to drop instead
	// of being carried forward (§4.5 "tombstone retention rule").
	coversActive bool
	fsync        bool
}

// packResult names the new packed segment and the old files it replaces,
// for the caller to install via the directory-metadata update and then
// unlink.
type packResult struct {
	newFile      string
	oldFinalised []string
	oldPacked    []string
}

// runPack merges every finalised and existing packed segment with the same
// k-way merge used for reads, and writes the result out sorted with a
// trailing index footer so the packed segment supports binary search
// (§4.5).
func runPack(in packInputs) (*packResult, error) {
	finalisedMap := newOrderedMap(rawComparator)
	for _, fi := range in.finalised {
		seg, err := openReadOnlySegment(in.dir, fi)
		if err != nil {
			return nil, err
		}
		err = replayFinalisedSegment(seg, finalisedMap)
		closeErr := seg.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
	}

	var packedSegs []*segment
	defer func() {
		for _, seg := range packedSegs {
			_ = seg.Close()
		}
	}()
	for _, fi := range in.packed {
		seg, err := openReadOnlySegment(in.dir, fi)
		if err != nil {
			return nil, err
		}
		packedSegs = append(packedSegs, seg)
	}

	start, end, ok := packedRange(in.finalised, in.packed)
	if !ok {
		return nil, newErr(Internal, "pack invoked with no input segments")
	}

	name := packedFilename(in.id, start, end)
	path := joinPath(in.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, wrapErr(IoError, "create packed segment", err)
	}
	defer f.Close()

	w := &packWriter{f: f}

	hdr := segmentHeader{version: segmentFormatVersion, uuid: in.id, startIdx: start, endIdx: end}
	if err := w.write(encodeHeader(hdr)); err != nil {
		return nil, err
	}

	it := newMergeIterator(rawComparator, nil, finalisedMap, packedSegs, nil)

	var offsets []int64
	var payloadCRC uint32
	var payloadLen uint64

	for {
		rec, ok := it.advanceRaw()
		if !ok {
			break
		}
		if rec.Deleted && in.coversActive {
			continue // nothing left for this tombstone to mask
		}

		var buf []byte
		if rec.Deleted {
			buf = encodeTombstone(rec.Key)
		} else {
			buf = encodeKeyValue(rec.Key, rec.Value)
		}
		offsets = append(offsets, w.size)
		if err := w.write(buf); err != nil {
			return nil, err
		}
		payloadCRC = crc32.Update(payloadCRC, crc32.IEEETable, buf)
		payloadLen += uint64(len(buf))
	}

	// The record stream is closed with one COMMIT record, same as any other
	// write group (§4.1). Opening a packed segment verifies only the trailing
	// FINAL commit over the footer; this commit's CRC is not checked there.
	recordsCRC := finalCommitCRC(payloadCRC, payloadLen, false)
	if err := w.write(encodeCommit(payloadLen, recordsCRC, false)); err != nil {
		return nil, err
	}

	footer := encodePackedFooter(offsets)
	footerCRC := finalCommitCRC(crc32.ChecksumIEEE(footer), uint64(len(footer)), true)
	if err := w.write(footer); err != nil {
		return nil, err
	}
	if err := w.write(encodeCommit(uint64(len(footer)), footerCRC, true)); err != nil {
		return nil, err
	}

	if in.fsync {
		if err := f.Sync(); err != nil {
			return nil, wrapErr(IoError, "fsync packed segment", err)
		}
	}

	res := &packResult{newFile: name}
	for _, fi := range in.finalised {
		res.oldFinalised = append(res.oldFinalised, fi.name)
	}
	for _, fi := range in.packed {
		res.oldPacked = append(res.oldPacked, fi.name)
	}
	return res, nil
}

// packedRange computes the segment-index span a packed segment covers: the
// lowest start and highest end across every finalised and packed segment
// feeding it, for use in the "zeroskip-<uuid>-<start>-<end>" filename.
func packedRange(finalised, packed []segmentFileInfo) (start, end uint32, ok bool) {
	first := true
	consider := func(s, e uint32) {
		if first || s < start {
			start = s
		}
		if first || e > end {
			end = e
		}
		first = false
	}
	for _, fi := range finalised {
		consider(fi.start, fi.end)
	}
	for _, fi := range packed {
		consider(fi.start, fi.end)
	}
	return start, end, !first
}

// packWriter sequentially appends to a packed segment file under
// construction, tracking the logical size itself rather than re-stating
// the file after every write.
type packWriter struct {
	f    *os.File
	size int64
}

func (w *packWriter) write(b []byte) error {
	if _, err := w.f.WriteAt(b, w.size); err != nil {
		return wrapErr(IoError, "write packed segment", err)
	}
	w.size += int64(len(b))
	return nil
}
