package zeroskip

import "hash/crc32"

// replayResult is what scanning a segment's record stream from its header
// onward produces: every committed record folded into dst (later commits
// overwrite earlier ones for the same key, per ordered map replace
// semantics) and the byte offset of the last good commit boundary, which is
// also the correct truncation point if the stream ends mid-write (§4.3).
type replayResult struct {
	validSize int64
	commits   int
}

// replayActiveSegment walks an active segment's record stream starting
// right after the header, applying every fully-committed group of
// KEY/VALUE (or DELETED) records into dst, and stops at the first sign of
// a torn write: a commit whose CRC doesn't verify, or a record that runs
// past the physical end of the file. That point becomes the segment's
// truncation offset, discarding only the unacknowledged tail (§4.3, §9
// "last commit wins on abort").
//
// limit additionally caps how far the scan reads, regardless of what the
// file itself contains: .zsdb.offset is the authoritative durable boundary
// (§4.3), so a fully valid commit sitting past it was written after the
// last durable .zsdb rename and must not be applied even though its CRC
// checks out. Pass s.size to replay the whole file (e.g. a finalised
// segment's last writer is always the one whose .zsdb is current).
func replayActiveSegment(s *segment, dst *orderedMap, limit int64) (replayResult, error) {
	res := replayResult{validSize: headerSize}

	end := limit
	if end > s.size {
		end = s.size
	}

	off := int64(headerSize)
	for off < end {
		groupStart := off
		var groupRecs []*Record
		crc := uint32(0)
		var payloadLen uint64

		// A commit group is one or more KEY(+VALUE) / DELETED records
		// followed by a COMMIT or FINAL record (§3, §4.1).
		for {
			if off+8 > s.size {
				return res, nil // torn: not even enough bytes for a peek
			}
			peek, err := s.readAt(off, 8)
			if err != nil {
				return res, err
			}
			typ := recordType(peek[0])

			switch typ {
			case recKey, recLongKey, recDeleted, recLongDeleted:
				rec, keySize, err := s.recordAt(off)
				if err != nil {
					return res, nil // torn record: stop, truncate before it
				}
				recBytes, err := s.readAt(off, keySize)
				if err != nil {
					return res, nil
				}
				crc = crc32.Update(crc, crc32.IEEETable, recBytes)
				payloadLen += uint64(keySize)
				off += int64(keySize)

				if !rec.Deleted {
					valSize := valueRecordSizeAt(s, off)
					if valSize < 0 {
						return res, nil
					}
					valBytes, err := s.readAt(off, valSize)
					if err != nil {
						return res, nil
					}
					crc = crc32.Update(crc, crc32.IEEETable, valBytes)
					payloadLen += uint64(valSize)
					off += int64(valSize)
				}
				groupRecs = append(groupRecs, rec)

			case recCommit, recLongCommit, recFinal, recLongFinal:
				commitBuf, err := s.readAt(off, minCommitPeekSize(typ))
				if err != nil {
					return res, nil
				}
				dc, ok := decodeCommitAt(commitBuf)
				if !ok {
					return res, nil
				}
				if dc.payloadLen != payloadLen {
					return res, nil // torn or corrupt: declared length disagrees
				}
				if finalCommitCRC(crc, payloadLen, dc.final) != dc.crc {
					return res, nil // CRC mismatch: torn or corrupt tail
				}

				off += int64(dc.size)
				for _, r := range groupRecs {
					dst.Put(r)
				}
				res.validSize = off
				res.commits++
				groupStart = off
				groupRecs = nil
				crc = 0
				payloadLen = 0

			default:
				return res, nil // unrecognised type: stop at groupStart
			}

			if groupStart == off && len(groupRecs) == 0 {
				break // just closed a commit; go look for the next group
			}
		}
	}

	return res, nil
}

func minCommitPeekSize(typ recordType) int {
	if typ == recLongCommit || typ == recLongFinal {
		return longCommitSize
	}
	return shortCommitSize
}

// valueRecordSizeAt reads just enough of the value header at off to compute
// its total padded size, or -1 if the read runs past the segment.
func valueRecordSizeAt(s *segment, off int64) int {
	if off+valBaseRecSize > s.size {
		return -1
	}
	hdr, err := s.readAt(off, valBaseRecSize)
	if err != nil {
		return -1
	}
	vh := decodeValueHeader(hdr)
	size := valueRecordSize(vh.valLen)
	if off+int64(size) > s.size {
		return -1
	}
	return size
}

// replayFinalisedSegment loads a closed, never-packed segment in full: it
// was only ever written by a single successful finalise, so every commit in
// it is trusted without verifying its CRCs (the segment-open path validates
// only the header). Records are folded into
// dst with the same replace semantics as the active segment (§4.4).
func replayFinalisedSegment(s *segment, dst *orderedMap) error {
	off := int64(headerSize)
	for off < s.size {
		peek, err := s.readAt(off, 8)
		if err != nil {
			return err
		}
		typ := recordType(peek[0])

		switch typ {
		case recKey, recLongKey, recDeleted, recLongDeleted:
			rec, keySize, err := s.recordAt(off)
			if err != nil {
				return err
			}
			off += int64(keySize)
			if !rec.Deleted {
				valSize := valueRecordSizeAt(s, off)
				if valSize < 0 {
					return newErr(InvalidDb, "finalised segment: truncated value")
				}
				off += int64(valSize)
			}
			dst.Put(rec)

		case recCommit, recLongCommit, recFinal, recLongFinal:
			size := minCommitPeekSize(typ)
			buf, err := s.readAt(off, size)
			if err != nil {
				return err
			}
			dc, ok := decodeCommitAt(buf)
			if !ok {
				return newErr(InvalidDb, "finalised segment: bad commit record")
			}
			off += int64(dc.size)

		default:
			return newErr(InvalidDb, "finalised segment: unrecognised record type")
		}
	}
	return nil
}
