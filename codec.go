package zeroskip

import (
	"encoding/binary"
	"hash/crc32"
)

// recordType is the top byte of every on-disk record (§3). Values and
// composition (LONG = base | recLong) are taken verbatim from the original
// zeroskip wire format so any external tooling that understands one
// understands the other.
type recordType uint8

const (
	recUnused        recordType = 0
	recKey           recordType = 1
	recValue         recordType = 2
	recCommit        recordType = 4
	recCommit2ndHalf recordType = 8
	recFinal         recordType = 16
	recLong          recordType = 32
	recDeleted       recordType = 64

	recLongKey     = recKey | recLong
	recLongValue   = recValue | recLong
	recLongCommit  = recCommit | recLong
	recLongFinal   = recFinal | recLong
	recLongDeleted = recDeleted | recLong
)

// Fixed record sizes (§3/§6), before the padded variable-length payload.
const (
	keyBaseRecSize    = 24
	valBaseRecSize    = 16
	shortCommitSize   = 8
	longCommitSize    = 24
	maxShortKeyLen    = 65535
	maxShortValueLen  = 16777215
	alignment         = 8
)

// roundUp8 rounds n up to the next multiple of 8, matching the original's
// roundup64bits (round to 64 bits = 8 bytes).
func roundUp8(n int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// --- key / tombstone records -------------------------------------------------

// encodeKeyHeader builds the fixed 24-byte key-record header (§3, §4.1). If
// deleted is true the type is DELETED/LONG_DELETED and valueOffset is
// ignored (tombstones carry no paired value).
func encodeKeyHeader(keyLen int, deleted bool, valueOffset int64) []byte {
	buf := make([]byte, keyBaseRecSize)

	if keyLen <= maxShortKeyLen {
		typ := recKey
		if deleted {
			typ = recDeleted
		}
		word0 := uint64(typ)<<56 | uint64(uint16(keyLen))<<40 | (uint64(valueOffset) & 0xFFFFFFFFFF)
		binary.BigEndian.PutUint64(buf[0:8], word0)
		// buf[8:24] stays zero: reserved for short keys.
		return buf
	}

	typ := recLongKey
	if deleted {
		typ = recLongDeleted
	}
	word0 := uint64(typ) << 56
	binary.BigEndian.PutUint64(buf[0:8], word0)
	binary.BigEndian.PutUint64(buf[8:16], uint64(keyLen))
	binary.BigEndian.PutUint64(buf[16:24], uint64(valueOffset))
	return buf
}

// encodeKey encodes a full KEY record: header + key bytes + padding. The
// caller fills in valueOffset once the paired value's position is known.
func encodeKey(key []byte, valueOffset int64) []byte {
	return encodeKeyBody(key, false, valueOffset)
}

// encodeTombstone encodes a DELETED record: header + key bytes + padding,
// with no paired value (§3).
func encodeTombstone(key []byte) []byte {
	return encodeKeyBody(key, true, 0)
}

func encodeKeyBody(key []byte, deleted bool, valueOffset int64) []byte {
	hdr := encodeKeyHeader(len(key), deleted, valueOffset)
	padded := roundUp8(len(key))
	buf := make([]byte, keyBaseRecSize+padded)
	copy(buf, hdr)
	copy(buf[keyBaseRecSize:], key)
	return buf
}

// keyRecordSize returns the total on-disk size of a key/tombstone record
// (header + padded key), without reading it, given the key length.
func keyRecordSize(keyLen int) int {
	return keyBaseRecSize + roundUp8(keyLen)
}

// decodedKeyHeader is the parsed form of a key record's fixed header.
type decodedKeyHeader struct {
	typ         recordType
	deleted     bool
	long        bool
	keyLen      int
	valueOffset int64 // meaningless when deleted
}

func decodeKeyHeader(b []byte) decodedKeyHeader {
	word0 := binary.BigEndian.Uint64(b[0:8])
	typ := recordType(word0 >> 56)

	d := decodedKeyHeader{typ: typ}
	switch typ {
	case recKey, recDeleted:
		d.deleted = typ == recDeleted
		d.keyLen = int(uint16(word0 >> 40))
		d.valueOffset = int64(word0 & 0xFFFFFFFFFF)
	case recLongKey, recLongDeleted:
		d.long = true
		d.deleted = typ == recLongDeleted
		d.keyLen = int(binary.BigEndian.Uint64(b[8:16]))
		d.valueOffset = int64(binary.BigEndian.Uint64(b[16:24]))
	}
	return d
}

// --- value records ------------------------------------------------------

func encodeValueHeader(valLen int) []byte {
	buf := make([]byte, valBaseRecSize)
	if valLen <= maxShortValueLen {
		word0 := uint64(recValue)<<56 | uint64(uint32(valLen))<<32
		binary.BigEndian.PutUint64(buf[0:8], word0)
		return buf
	}
	word0 := uint64(recLongValue) << 56
	binary.BigEndian.PutUint64(buf[0:8], word0)
	binary.BigEndian.PutUint64(buf[8:16], uint64(valLen))
	return buf
}

func encodeValue(val []byte) []byte {
	hdr := encodeValueHeader(len(val))
	padded := roundUp8(len(val))
	buf := make([]byte, valBaseRecSize+padded)
	copy(buf, hdr)
	copy(buf[valBaseRecSize:], val)
	return buf
}

func valueRecordSize(valLen int) int {
	return valBaseRecSize + roundUp8(valLen)
}

type decodedValueHeader struct {
	long   bool
	valLen int
}

func decodeValueHeader(b []byte) decodedValueHeader {
	word0 := binary.BigEndian.Uint64(b[0:8])
	typ := recordType(word0 >> 56)
	var d decodedValueHeader
	switch typ {
	case recValue:
		d.valLen = int(uint32(word0>>32) & 0xFFFFFF)
	case recLongValue:
		d.long = true
		d.valLen = int(binary.BigEndian.Uint64(b[8:16]))
	}
	return d
}

// encodeKeyValue encodes the full KEY+VALUE pair as it is appended to a
// segment: a key record whose value_offset points at the immediately
// following (padded) value record (§3).
func encodeKeyValue(key, val []byte) []byte {
	valueOffset := int64(keyRecordSize(len(key)))
	k := encodeKey(key, valueOffset)
	v := encodeValue(val)
	buf := make([]byte, 0, len(k)+len(v))
	buf = append(buf, k...)
	buf = append(buf, v...)
	return buf
}

// --- commit records -------------------------------------------------------

// encodeShortCommit builds an 8-byte commit record (§3): {type, payload_len
// (24 bits), crc32}. final selects COMMIT vs FINAL.
func encodeShortCommit(payloadLen uint32, crc uint32, final bool) []byte {
	typ := recCommit
	if final {
		typ = recFinal
	}
	buf := make([]byte, shortCommitSize)
	word := uint64(typ)<<56 | uint64(payloadLen&0xFFFFFF)<<32 | uint64(crc)
	binary.BigEndian.PutUint64(buf, word)
	return buf
}

// encodeLongCommit builds a 24-byte commit record (§3) used when payloadLen
// exceeds the short commit's 24-bit field.
func encodeLongCommit(payloadLen uint64, crc uint32, final bool) []byte {
	typ1 := recLongCommit
	if final {
		typ1 = recLongFinal
	}
	buf := make([]byte, longCommitSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(typ1)<<56)
	binary.BigEndian.PutUint64(buf[8:16], payloadLen)
	word2 := uint64(recCommit2ndHalf)<<56 | uint64(crc)
	binary.BigEndian.PutUint64(buf[16:24], word2)
	return buf
}

// encodeCommit picks short vs long form based on payloadLen, matching the
// original's MAX_SHORT_VAL_LEN threshold reused for the commit length field
// (payload_len is a 24-bit field in the short form).
func encodeCommit(payloadLen uint64, crc uint32, final bool) []byte {
	if payloadLen <= maxShortValueLen {
		return encodeShortCommit(uint32(payloadLen), crc, final)
	}
	return encodeLongCommit(payloadLen, crc, final)
}

// decodedCommit is the parsed form of a commit record (short or long).
type decodedCommit struct {
	final      bool
	long       bool
	payloadLen uint64
	crc        uint32
	size       int // total on-disk size of the commit record
}

// decodeCommitAt reads a commit record starting at b[0:]. b must contain at
// least shortCommitSize bytes; if the type indicates a long commit, at
// least longCommitSize bytes.
func decodeCommitAt(b []byte) (decodedCommit, bool) {
	if len(b) < shortCommitSize {
		return decodedCommit{}, false
	}
	word0 := binary.BigEndian.Uint64(b[0:8])
	typ := recordType(word0 >> 56)

	switch typ {
	case recCommit, recFinal:
		return decodedCommit{
			final:      typ == recFinal,
			payloadLen: (word0 >> 32) & 0xFFFFFF,
			crc:        uint32(word0),
			size:       shortCommitSize,
		}, true
	case recLongCommit, recLongFinal:
		if len(b) < longCommitSize {
			return decodedCommit{}, false
		}
		length := binary.BigEndian.Uint64(b[8:16])
		word2 := binary.BigEndian.Uint64(b[16:24])
		return decodedCommit{
			final:      typ == recLongFinal,
			long:       true,
			payloadLen: length,
			crc:        uint32(word2),
			size:       longCommitSize,
		}, true
	default:
		return decodedCommit{}, false
	}
}

// commitPrefixCRC returns a commit record's own prefix word(s) with the
// crc32 field zeroed, and their length: the bytes whose CRC32 the crc chain
// identity folds in on write and verify (§4.1, GLOSSARY "CRC chain").
// Operating on the canonical big-endian on-disk bytes (rather
// than the host's native in-memory layout, which the original C depends on)
// makes the chain portable across architectures; see DESIGN.md.
func commitPrefixCRC(payloadLen uint64, final bool) (prefix []byte, length int) {
	if payloadLen <= maxShortValueLen {
		return encodeShortCommit(uint32(payloadLen), 0, final), shortCommitSize
	}
	return encodeLongCommit(payloadLen, 0, final), longCommitSize
}

// crcChain implements the CRC32 combine identity (§4.1 "CRC chain"): the
// CRC as if payload bytes (length payloadLen, whose running CRC is
// crcPayload) were immediately followed by prefixCRC's covered bytes.
func crcChain(crcPayload uint32, prefixCRC uint32, prefixLen int) uint32 {
	return crc32Combine(crcPayload, prefixCRC, int64(prefixLen))
}

// finalCommitCRC computes the CRC a commit record should store: the running
// CRC over its payload window, chained with the CRC of its own prefix
// word(s) (crc field zeroed), per the CRC chain identity.
func finalCommitCRC(crcPayload uint32, payloadLen uint64, final bool) uint32 {
	prefix, prefixLen := commitPrefixCRC(payloadLen, final)
	prefixCRC := crc32.ChecksumIEEE(prefix)
	return crcChain(crcPayload, prefixCRC, prefixLen)
}

// --- CRC32 combine (GF(2) matrix method) --------------------------------
//
// Go's hash/crc32 has no combine primitive, and none of this module's
// dependencies expose one, so it is implemented here directly: the
// classic zlib crc32_combine algorithm, grounded on zeroskip-file.c's use
// of crc32_combine to fold a commit's own prefix word(s) into the payload
// CRC without re-reading the commit (§4.1).

const gf2Dim = 32

// ieeeReversedPoly is the reversed (LSB-first) representation of the IEEE
// 802.3 / zlib CRC-32 polynomial, matching crc32.IEEE's table generator.
const ieeeReversedPoly = 0xedb88320

func gf2MatrixTimes(mat *[gf2Dim]uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2MatrixSquare(square, mat *[gf2Dim]uint32) {
	for n := 0; n < gf2Dim; n++ {
		square[n] = gf2MatrixTimes(mat, mat[n])
	}
}

// crc32Combine returns the CRC32 (IEEE polynomial) of a virtual buffer
// formed by concatenating a buffer whose CRC is crc1 with a second buffer
// of len2 bytes whose CRC is crc2.
func crc32Combine(crc1, crc2 uint32, len2 int64) uint32 {
	if len2 <= 0 {
		return crc1
	}

	var even, odd [gf2Dim]uint32

	// Operator for one zero bit.
	odd[0] = ieeeReversedPoly
	row := uint32(1)
	for n := 1; n < gf2Dim; n++ {
		odd[n] = row
		row <<= 1
	}

	gf2MatrixSquare(&even, &odd) // two zero bits
	gf2MatrixSquare(&odd, &even) // four zero bits

	for {
		gf2MatrixSquare(&even, &odd)
		if len2&1 != 0 {
			crc1 = gf2MatrixTimes(&even, crc1)
		}
		len2 >>= 1
		if len2 == 0 {
			break
		}

		gf2MatrixSquare(&odd, &even)
		if len2&1 != 0 {
			crc1 = gf2MatrixTimes(&odd, crc1)
		}
		len2 >>= 1
		if len2 == 0 {
			break
		}
	}

	return crc1 ^ crc2
}
