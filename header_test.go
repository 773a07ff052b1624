package zeroskip

import (
	"testing"

	"github.com/google/uuid"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := segmentHeader{version: segmentFormatVersion, uuid: uuid.New(), startIdx: 3, endIdx: 7}
	buf := encodeHeader(h)

	if len(buf) != headerSize {
		t.Fatalf("encoded header length = %d, want %d", len(buf), headerSize)
	}

	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("decodeHeader = %+v, want %+v", got, h)
	}
}

func TestHeaderRejectsBadSignature(t *testing.T) {
	h := segmentHeader{version: segmentFormatVersion, uuid: uuid.New()}
	buf := encodeHeader(h)
	buf[0] ^= 0xFF

	if _, err := decodeHeader(buf); CodeOf(err) != InvalidDb {
		t.Errorf("decodeHeader code = %v, want InvalidDb", CodeOf(err))
	}
}

func TestHeaderRejectsCorruptCRC(t *testing.T) {
	h := segmentHeader{version: segmentFormatVersion, uuid: uuid.New()}
	buf := encodeHeader(h)
	buf[20] ^= 0xFF // perturb a UUID byte without touching signature/version

	if _, err := decodeHeader(buf); CodeOf(err) != InvalidDb {
		t.Errorf("decodeHeader code = %v, want InvalidDb", CodeOf(err))
	}
}
