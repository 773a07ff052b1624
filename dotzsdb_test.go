package zeroskip

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDotZsdbEncodeDecodeRoundTrip(t *testing.T) {
	d := dotZsdb{offset: 4096, uuid: uuid.New(), currentIndex: 2}
	buf := encodeDotZsdb(d)

	if len(buf) != dotZsdbSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), dotZsdbSize)
	}

	got, err := decodeDotZsdb(buf)
	if err != nil {
		t.Fatalf("decodeDotZsdb: %v", err)
	}
	if got != d {
		t.Errorf("decodeDotZsdb = %+v, want %+v", got, d)
	}
}

func TestDotZsdbRejectsCorruptCRC(t *testing.T) {
	d := dotZsdb{offset: 40, uuid: uuid.New(), currentIndex: 0}
	buf := encodeDotZsdb(d)
	buf[20] ^= 0xFF

	if _, err := decodeDotZsdb(buf); CodeOf(err) != InvalidDb {
		t.Errorf("decodeDotZsdb code = %v, want InvalidDb", CodeOf(err))
	}
}

func TestWriteDotZsdbAtomicThenRead(t *testing.T) {
	dir := t.TempDir()
	d := dotZsdb{offset: headerSize, uuid: uuid.New(), currentIndex: 0}

	if _, err := writeDotZsdbAtomic(dir, d, time.Second); err != nil {
		t.Fatalf("writeDotZsdbAtomic: %v", err)
	}

	got, _, err := readDotZsdb(dir)
	if err != nil {
		t.Fatalf("readDotZsdb: %v", err)
	}
	if got != d {
		t.Errorf("readDotZsdb = %+v, want %+v", got, d)
	}
}
