package zeroskip

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
)

// segmentSignature is the magic "ZEROSKIP" signature, big-endian encoded as
// the 64-bit value 0x5A45524F534B4950 (§6).
const segmentSignature uint64 = 0x5A45524F534B4950

// segmentFormatVersion is the only version this module writes or accepts.
const segmentFormatVersion uint32 = 1

// headerSize is the fixed 40-byte segment header (§3).
const headerSize = 40

// segmentHeader is the 40-byte file header shared by active, finalised and
// packed segments (§3). Every segment in one database shares uuid.
type segmentHeader struct {
	version  uint32
	uuid     uuid.UUID
	startIdx uint32
	endIdx   uint32
}

// encodeHeader serialises h to its 40-byte on-disk form, computing the
// trailing CRC32 (zlib/IEEE polynomial) over bytes 0..36.
func encodeHeader(h segmentHeader) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint64(buf[0:8], segmentSignature)
	binary.BigEndian.PutUint32(buf[8:12], h.version)
	copy(buf[12:28], h.uuid[:])
	binary.BigEndian.PutUint32(buf[28:32], h.startIdx)
	binary.BigEndian.PutUint32(buf[32:36], h.endIdx)
	binary.BigEndian.PutUint32(buf[36:40], crc32.ChecksumIEEE(buf[0:36]))
	return buf
}

// decodeHeader parses and validates a 40-byte segment header, checking the
// signature and the header's own CRC32 (§4.10: "CRC mismatch on header of
// any segment -> that segment is treated as invalid and the open fails").
func decodeHeader(buf []byte) (segmentHeader, error) {
	if len(buf) < headerSize {
		return segmentHeader{}, wrapErr(InvalidDb, "segment header short read", nil)
	}

	sig := binary.BigEndian.Uint64(buf[0:8])
	if sig != segmentSignature {
		return segmentHeader{}, newErr(InvalidDb, "bad segment signature")
	}

	gotCRC := binary.BigEndian.Uint32(buf[36:40])
	wantCRC := crc32.ChecksumIEEE(buf[0:36])
	if gotCRC != wantCRC {
		return segmentHeader{}, newErr(InvalidDb, "segment header CRC mismatch")
	}

	h := segmentHeader{
		version:  binary.BigEndian.Uint32(buf[8:12]),
		startIdx: binary.BigEndian.Uint32(buf[28:32]),
		endIdx:   binary.BigEndian.Uint32(buf[32:36]),
	}
	copy(h.uuid[:], buf[12:28])

	if h.version != segmentFormatVersion {
		return segmentHeader{}, newErr(InvalidDb, "unsupported segment format version")
	}

	return h, nil
}
