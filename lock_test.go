package zeroskip

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndReleaseLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	lk, err := acquireLock(path, time.Second)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing after acquire: %v", err)
	}
	if err := lk.release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lock file still present after release")
	}
}

func TestAcquireLockTryOnceFailsImmediately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	lk, err := acquireLock(path, time.Second)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	defer lk.release()

	_, err = acquireLock(path, 0)
	if CodeOf(err) != Again {
		t.Errorf("second acquireLock code = %v, want Again", CodeOf(err))
	}
}

func TestAcquireLockTimesOutUnderContention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	lk, err := acquireLock(path, time.Second)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	defer lk.release()

	start := time.Now()
	_, err = acquireLock(path, 50*time.Millisecond)
	if CodeOf(err) != Again {
		t.Errorf("contended acquireLock code = %v, want Again", CodeOf(err))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("acquireLock took %v, expected to respect ~50ms deadline", elapsed)
	}
}
