package zeroskip

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
)

// segment is one on-disk segment file: the single active segment a database
// is currently appending to, a finalised (closed, unpacked) segment, or a
// packed segment produced by the compactor (§4.2). All three share the same
// 40-byte header and record stream; only how they are opened and whether
// they carry a trailing index footer differs.
type segment struct {
	dir  string
	name string
	path string
	kind segmentKind

	header segmentHeader

	file *os.File
	mm   mmap.MMap // non-nil only for finalised/packed segments mapped read-only; an active segment is never mapped

	// size is the logical end of valid data, header included. For an active
	// segment this grows as records are appended; it is the offset the next
	// append (and the next durable .zsdb pointer) is measured against.
	size int64

	fsync bool

	// footer is populated for packed segments only: the sorted vector of
	// key-record start offsets, read back from the trailing index (§4.5).
	footer []int64
}

// createActiveSegment creates a brand-new, empty active segment file and
// writes its header, for a freshly opened or freshly rolled-over database
// (§4.3, §4.9).
func createActiveSegment(dir string, id uuid.UUID, idx uint32, fsync bool) (*segment, error) {
	name := activeFilename(id, idx)
	path := joinPath(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, wrapErr(IoError, "create active segment", err)
	}

	hdr := segmentHeader{version: segmentFormatVersion, uuid: id, startIdx: idx, endIdx: idx}
	if _, err := f.Write(encodeHeader(hdr)); err != nil {
		_ = f.Close()
		return nil, wrapErr(IoError, "write segment header", err)
	}

	s := &segment{dir: dir, name: name, path: path, kind: kindActive, header: hdr, file: f, size: headerSize, fsync: fsync}
	if fsync {
		if err := f.Sync(); err != nil {
			return nil, wrapErr(IoError, "fsync new segment", err)
		}
	}
	return s, nil
}

// openActiveSegmentForAppend reopens an existing active segment file for
// continued writes after a crash-recovery replay has determined the correct
// durable size (§4.3).
func openActiveSegmentForAppend(dir string, info segmentFileInfo, fsync bool) (*segment, error) {
	path := joinPath(dir, info.name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, wrapErr(IoError, "open active segment", err)
	}

	hdrBuf := make([]byte, headerSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		_ = f.Close()
		return nil, wrapErr(InvalidDb, "read active segment header", err)
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, wrapErr(IoError, "stat active segment", err)
	}

	return &segment{dir: dir, name: info.name, path: path, kind: kindActive, header: hdr, file: f, size: fi.Size(), fsync: fsync}, nil
}

// openReadOnlySegment mmaps a finalised or packed segment file for
// append-free reading (§4.4, §4.5). Packed segments additionally get their
// footer parsed so lookups can binary search instead of scanning.
func openReadOnlySegment(dir string, info segmentFileInfo) (*segment, error) {
	path := joinPath(dir, info.name)
	f, err := os.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, wrapErr(IoError, "open segment", err)
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, wrapErr(IoError, "mmap segment", err)
	}

	if len(mm) < headerSize {
		_ = mm.Unmap()
		_ = f.Close()
		return nil, newErr(InvalidDb, "segment shorter than header")
	}
	hdr, err := decodeHeader(mm[:headerSize])
	if err != nil {
		_ = mm.Unmap()
		_ = f.Close()
		return nil, err
	}

	s := &segment{dir: dir, name: info.name, path: path, kind: info.kind, header: hdr, file: f, mm: mm, size: int64(len(mm))}

	if info.kind == kindPacked {
		footer, err := parsePackedFooter(mm)
		if err != nil {
			_ = mm.Unmap()
			_ = f.Close()
			return nil, err
		}
		s.footer = footer
	}

	return s, nil
}

func (s *segment) Close() error {
	var err error
	if s.mm != nil {
		if uerr := s.mm.Unmap(); uerr != nil {
			err = wrapErr(IoError, "unmap segment", uerr)
		}
		s.mm = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = wrapErr(IoError, "close segment file", cerr)
		}
	}
	return err
}

// --- append path (active segment only) ----------------------------------

func (s *segment) appendRaw(b []byte) (int64, error) {
	off := s.size
	if _, err := s.file.WriteAt(b, off); err != nil {
		return 0, wrapErr(IoError, "append to segment", err)
	}
	s.size += int64(len(b))
	return off, nil
}

// appendKeyValue writes a KEY+VALUE pair and returns the key record's
// offset and the encoded bytes it wrote; callers fold those bytes into the
// running payload CRC for the pending commit (§4.1, §4.3).
func (s *segment) appendKeyValue(key, val []byte) (int64, []byte, error) {
	buf := encodeKeyValue(key, val)
	off, err := s.appendRaw(buf)
	return off, buf, err
}

func (s *segment) appendTombstone(key []byte) (int64, []byte, error) {
	buf := encodeTombstone(key)
	off, err := s.appendRaw(buf)
	return off, buf, err
}

// appendCommit writes a commit (or final) record whose CRC chains the
// running payload CRC with the commit's own prefix word(s) (§4.1).
func (s *segment) appendCommit(payloadLen uint64, payloadCRC uint32, final bool) (int64, error) {
	crc := finalCommitCRC(payloadCRC, payloadLen, final)
	buf := encodeCommit(payloadLen, crc, final)
	return s.appendRaw(buf)
}

func (s *segment) Sync() error {
	if !s.fsync || s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return wrapErr(IoError, "fsync segment", err)
	}
	return nil
}

// Truncate drops everything after size, used to cut a torn tail found by
// replay (§4.3, §4.10).
func (s *segment) Truncate(size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return wrapErr(IoError, "truncate segment", err)
	}
	s.size = size
	return nil
}

// --- reads -----------------------------------------------------------------

// readAt returns n bytes at off, from the mmap when available or via ReadAt
// on the underlying file otherwise (an active segment, which is never
// mapped).
func (s *segment) readAt(off int64, n int) ([]byte, error) {
	if s.mm != nil {
		if off < 0 || off+int64(n) > int64(len(s.mm)) {
			return nil, newErr(InvalidDb, "read past segment end")
		}
		return s.mm[off : off+int64(n)], nil
	}
	buf := make([]byte, n)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, wrapErr(IoError, "read segment", err)
	}
	return buf, nil
}

// recordAt decodes the key (and, unless it is a tombstone, value) record
// starting at off, returning the assembled Record and the byte length of
// the key record alone (the caller advances past key, then value, using
// the returned header's sizes).
func (s *segment) recordAt(off int64) (rec *Record, keySize int, err error) {
	hdrBuf, err := s.readAt(off, keyBaseRecSize)
	if err != nil {
		return nil, 0, err
	}
	kh := decodeKeyHeader(hdrBuf)
	if kh.typ != recKey && kh.typ != recLongKey && kh.typ != recDeleted && kh.typ != recLongDeleted {
		return nil, 0, newErr(InvalidDb, "expected key record")
	}

	keyBodyLen := roundUp8(kh.keyLen)
	full, err := s.readAt(off, keyBaseRecSize+keyBodyLen)
	if err != nil {
		return nil, 0, err
	}
	key := make([]byte, kh.keyLen)
	copy(key, full[keyBaseRecSize:keyBaseRecSize+kh.keyLen])
	keySize = keyBaseRecSize + keyBodyLen

	if kh.deleted {
		return &Record{Key: key, Deleted: true}, keySize, nil
	}

	valOff := off + kh.valueOffset
	vhdrBuf, err := s.readAt(valOff, valBaseRecSize)
	if err != nil {
		return nil, 0, err
	}
	vh := decodeValueHeader(vhdrBuf)
	valBodyLen := roundUp8(vh.valLen)
	vfull, err := s.readAt(valOff, valBaseRecSize+valBodyLen)
	if err != nil {
		return nil, 0, err
	}
	val := make([]byte, vh.valLen)
	copy(val, vfull[valBaseRecSize:valBaseRecSize+vh.valLen])

	return &Record{Key: key, Value: val}, keySize, nil
}

// --- packed segment footer ------------------------------------------------
//
// A packed segment is: header, sorted KEY/VALUE (or carried-forward DELETED)
// records, the COMMIT record closing them, a footer (8-byte
// count + count*8-byte big-endian offsets into the record stream), and a
// trailing FINAL commit whose payload is exactly that footer (§4.5). Finding
// it on open means reading the last commit record from the tail first,
// since its length is variable (short vs long form).

// trailingCommit reads the commit record at the very end of a segment,
// trying the long form first since its fixed 2nd-half-commit marker word
// makes it unambiguous; decodeCommitAt itself rejects a short-form read that
// lands on the tail of a long commit, since that word's type byte
// (recCommit2ndHalf) is not a valid commit-record type on its own.
func trailingCommit(mm mmap.MMap, size int64) (decodedCommit, bool) {
	if size >= int64(longCommitSize) {
		if dc, ok := decodeCommitAt(mm[size-longCommitSize:]); ok && dc.long {
			return dc, true
		}
	}
	if size >= int64(shortCommitSize) {
		if dc, ok := decodeCommitAt(mm[size-shortCommitSize:]); ok && !dc.long {
			return dc, true
		}
	}
	return decodedCommit{}, false
}

func parsePackedFooter(mm mmap.MMap) ([]int64, error) {
	size := int64(len(mm))

	dc, ok := trailingCommit(mm, size)
	if !ok {
		return nil, newErr(InvalidDb, "packed segment: no trailing commit record")
	}
	if !dc.final {
		return nil, newErr(InvalidDb, "packed segment: trailing commit is not FINAL")
	}
	commitSize := int64(shortCommitSize)
	if dc.long {
		commitSize = longCommitSize
	}
	footerStart := size - commitSize - int64(dc.payloadLen)
	if footerStart < headerSize {
		return nil, newErr(InvalidDb, "packed segment: footer out of range")
	}
	footerBuf := mm[footerStart : footerStart+int64(dc.payloadLen)]

	gotCRC := crc32.ChecksumIEEE(footerBuf)
	if finalCommitCRC(gotCRC, dc.payloadLen, true) != dc.crc {
		return nil, newErr(InvalidDb, "packed segment: footer CRC mismatch")
	}

	if len(footerBuf) < 8 {
		return nil, newErr(InvalidDb, "packed segment: truncated footer")
	}
	count := binary.BigEndian.Uint64(footerBuf[0:8])
	want := 8 + int(count)*8
	if len(footerBuf) != want {
		return nil, newErr(InvalidDb, "packed segment: footer length mismatch")
	}

	offsets := make([]int64, count)
	for i := 0; i < int(count); i++ {
		offsets[i] = int64(binary.BigEndian.Uint64(footerBuf[8+i*8 : 16+i*8]))
	}
	return offsets, nil
}

// encodePackedFooter is the write-side counterpart used by the compactor
// (§4.5), returning the footer payload bytes alone (not yet wrapped in a
// commit record). The leading count word is a full 64 bits (§3, §4.5 step
// 5), matching the on-disk offsets it indexes rather than the narrower
// 32-bit word used elsewhere for record lengths.
func encodePackedFooter(offsets []int64) []byte {
	buf := make([]byte, 8+len(offsets)*8)
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(offsets)))
	for i, off := range offsets {
		binary.BigEndian.PutUint64(buf[8+i*8:16+i*8], uint64(off))
	}
	return buf
}

// lookup binary searches a packed segment's footer for key, per the
// comparator cmp (§4.5 "packed segments support binary search once built").
func (s *segment) lookup(cmp Comparator, key []byte) (*Record, bool, error) {
	lo, hi := 0, len(s.footer)
	for lo < hi {
		mid := (lo + hi) / 2
		rec, _, err := s.recordAt(s.footer[mid])
		if err != nil {
			return nil, false, err
		}
		c := cmp(rec.Key, key)
		if c == 0 {
			return rec, true, nil
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return nil, false, nil
}

// ceilIndex returns the footer index of the first record with Key >= key,
// for packed-segment seek-to-key during a merge scan (§4.6).
func (s *segment) ceilIndex(cmp Comparator, key []byte) (int, error) {
	lo, hi := 0, len(s.footer)
	for lo < hi {
		mid := (lo + hi) / 2
		rec, _, err := s.recordAt(s.footer[mid])
		if err != nil {
			return 0, err
		}
		if cmp(rec.Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + string(os.PathSeparator) + name
}
