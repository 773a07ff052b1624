package zeroskip

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const dotZsdbName = ".zsdb"

// dotZsdbSize is the fixed 61-byte metadata record (§3): 8 signature + 8
// offset + 37 uuid text (36 + NUL) + 4 current index + 4 CRC32C.
const dotZsdbSize = 8 + 8 + 37 + 4 + 4

// dotZsdb is the parsed form of the directory's .zsdb metadata file: the
// durable pointer to the last committed offset in the active segment, the
// database UUID, and the current active segment index (§3, §4.7).
type dotZsdb struct {
	offset       int64
	uuid         uuid.UUID
	currentIndex uint32
}

func dotZsdbPath(dir string) string { return filepath.Join(dir, dotZsdbName) }

func encodeDotZsdb(d dotZsdb) []byte {
	buf := make([]byte, dotZsdbSize)
	binary.BigEndian.PutUint64(buf[0:8], segmentSignature)
	binary.BigEndian.PutUint64(buf[8:16], uint64(d.offset))
	copy(buf[16:52], d.uuid.String())
	// buf[52] (the 37th uuid byte) stays 0 (NUL terminator).
	binary.BigEndian.PutUint32(buf[53:57], d.currentIndex)
	crc := crc32.Checksum(buf[0:57], crc32.MakeTable(crc32.Castagnoli))
	binary.BigEndian.PutUint32(buf[57:61], crc)
	return buf
}

func decodeDotZsdb(buf []byte) (dotZsdb, error) {
	if len(buf) != dotZsdbSize {
		return dotZsdb{}, newErr(InvalidDb, "malformed .zsdb: wrong size")
	}

	sig := binary.BigEndian.Uint64(buf[0:8])
	if sig != segmentSignature {
		return dotZsdb{}, newErr(InvalidDb, "malformed .zsdb: bad signature")
	}

	gotCRC := binary.BigEndian.Uint32(buf[57:61])
	wantCRC := crc32.Checksum(buf[0:57], crc32.MakeTable(crc32.Castagnoli))
	if gotCRC != wantCRC {
		return dotZsdb{}, newErr(InvalidDb, "malformed .zsdb: CRC32C mismatch")
	}

	id, err := uuid.Parse(string(buf[16:52]))
	if err != nil {
		return dotZsdb{}, wrapErr(InvalidDb, "malformed .zsdb: bad uuid", err)
	}

	return dotZsdb{
		offset:       int64(binary.BigEndian.Uint64(buf[8:16])),
		uuid:         id,
		currentIndex: binary.BigEndian.Uint32(buf[53:57]),
	}, nil
}

// readDotZsdb reads and validates the directory's .zsdb file, returning its
// current inode for later change detection (§4.7, §9: "only ino is
// load-bearing").
func readDotZsdb(dir string) (dotZsdb, uint64, error) {
	path := dotZsdbPath(dir)
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dotZsdb{}, 0, wrapErr(NotOpen, "no .zsdb in directory", err)
		}
		return dotZsdb{}, 0, wrapErr(IoError, "read .zsdb", err)
	}

	d, err := decodeDotZsdb(buf)
	if err != nil {
		return dotZsdb{}, 0, err
	}

	ino, err := inodeOf(path)
	if err != nil {
		return dotZsdb{}, 0, err
	}
	return d, ino, nil
}

func inodeOf(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, wrapErr(IoError, "stat", err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, nil
	}
	return st.Ino, nil
}

// writeDotZsdbAtomic durably installs new metadata via the rename-based
// commit protocol (§4.7):
//  1. create .zsdb.lock with O_CREAT|O_EXCL (retry with backoff),
//  2. write the new bytes into it,
//  3. fsync, then rename(.zsdb.lock, .zsdb) — the atomic commit.
//
// It returns the new .zsdb's inode so the caller can update its
// change-detection baseline without a second stat-and-reopen.
func writeDotZsdbAtomic(dir string, d dotZsdb, timeout time.Duration) (uint64, error) {
	lockPath := dotLockPath(dir)
	lk, err := acquireLock(lockPath, timeout)
	if err != nil {
		return 0, err
	}
	// The lock file is consumed by rename below, not removed in place, so
	// only the bookkeeping needs dropping (not lk.release's os.Remove).
	defer unregisterLock(lk)

	f, err := os.OpenFile(lockPath, os.O_WRONLY, 0o644)
	if err != nil {
		_ = os.Remove(lockPath)
		return 0, wrapErr(IoError, "open .zsdb.lock for write", err)
	}

	buf := encodeDotZsdb(d)
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return 0, wrapErr(IoError, "write .zsdb.lock", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return 0, wrapErr(IoError, "fsync .zsdb.lock", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(lockPath)
		return 0, wrapErr(IoError, "close .zsdb.lock", err)
	}

	finalPath := dotZsdbPath(dir)
	if err := os.Rename(lockPath, finalPath); err != nil {
		_ = os.Remove(lockPath)
		return 0, wrapErr(IoError, "rename .zsdb.lock to .zsdb", err)
	}

	ino, err := inodeOf(finalPath)
	if err != nil {
		return 0, err
	}
	return ino, nil
}

// createDotZsdbIfAbsent creates a fresh .zsdb for a brand-new database
// (Mode Create), with currentIndex 0 and offset headerSize (the end of the
// new active segment's header), returning its contents and inode.
func createDotZsdbIfAbsent(dir string, timeout time.Duration) (dotZsdb, uint64, error) {
	d := dotZsdb{offset: headerSize, uuid: uuid.New(), currentIndex: 0}
	ino, err := writeDotZsdbAtomic(dir, d, timeout)
	if err != nil {
		return dotZsdb{}, 0, err
	}
	return d, ino, nil
}
