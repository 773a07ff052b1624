package zeroskip

import (
	"bytes"
	"time"

	"go.uber.org/zap"
)

// Mode selects how Open behaves when the target directory is missing or
// already contains a database (§6).
type Mode int

const (
	// ReadWrite opens an existing database; Open fails if .zsdb is missing.
	ReadWrite Mode = iota
	// Create opens an existing database or creates a new one.
	Create
	// CustomSearch is ReadWrite plus a caller-supplied Comparator; the
	// comparator MUST match the one used when the data was written (§4.6,
	// §9) — the engine cannot detect a mismatch.
	CustomSearch
)

// Comparator is the total order used for merge, binary search and the
// ordered in-memory map. The default, rawComparator, is byte-wise memcmp
// with shorter-prefix-first (bytes.Compare already has this semantics).
type Comparator func(a, b []byte) int

func rawComparator(a, b []byte) int { return bytes.Compare(a, b) }

// finaliseThreshold is the default active-segment size (bytes) at which it
// is finalised and rolled over to a new active segment (§4.9, §6). The size
// is checked only by Txn.Commit, after its commit record is written; appends
// inside one transaction never trigger a rollover, however far past the
// threshold they take the segment.
const finaliseThreshold = 2 * 1024 * 1024

// defaultLockTimeout bounds write/pack lock acquisition backoff (§4.8).
const defaultLockTimeout = 5 * time.Second

// Options holds the resolved configuration for an open database.
type Options struct {
	mode              Mode
	comparator        Comparator
	finaliseThreshold int64
	lockTimeout       time.Duration
	fsync             bool
	logger            *zap.SugaredLogger
}

func defaultOptions() *Options {
	return &Options{
		mode:              ReadWrite,
		comparator:        rawComparator,
		finaliseThreshold: finaliseThreshold,
		lockTimeout:       defaultLockTimeout,
		fsync:             true,
		logger:            defaultLogger(),
	}
}

// Option configures a database at Open time.
type Option func(*Options)

// WithMode sets the open mode (§6).
func WithMode(m Mode) Option {
	return func(o *Options) { o.mode = m }
}

// WithComparator installs a custom total order. Only valid with
// Mode == CustomSearch; see §9's warning about comparator/data mismatch.
func WithComparator(cmp Comparator) Option {
	return func(o *Options) {
		if cmp != nil {
			o.comparator = cmp
		}
	}
}

// WithFinaliseThreshold overrides the 2MiB default active-segment size (§6).
func WithFinaliseThreshold(n int64) Option {
	return func(o *Options) { o.finaliseThreshold = n }
}

// WithLockTimeout bounds how long write/pack lock acquisition backs off
// before giving up with ErrAgain (§4.8, §5). 0 = try once, negative =
// unbounded.
func WithLockTimeout(d time.Duration) Option {
	return func(o *Options) { o.lockTimeout = d }
}

// WithFsync controls whether commit() fsyncs the active segment (§4.9).
// Disabling it trades durability for throughput, same trade-off the source
// documents for its own fsync knob.
func WithFsync(b bool) Option {
	return func(o *Options) { o.fsync = b }
}

// WithLogger installs a structured logger; nil falls back to one built from
// ZS_LOG_LEVEL/ZS_LOG_FILE/ZS_LOG_TO_SYSLOG (§6).
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Options) {
		if l != nil {
			o.logger = l
		}
	}
}
