// Package cache defines the local storage tiers used to hold artifacts.
//
// Two implementations ship with this module: [memory] keeps entries in
// process memory and is lost on exit, [disk] persists entries under a root
// directory. Both apply least-recently-used eviction against an optional
// byte ceiling, and both treat that ceiling as a soft target: a single entry
// larger than the ceiling is still stored.
//
// Tiers own their storage exclusively. Put copies the caller's bytes and
// Get returns a copy, so no two tiers (and no caller) ever alias the same
// buffer.
package cache

import "time"

// Tier is a local artifact store keyed by normalized artifact key strings.
//
// Implementations must be safe for concurrent use.
type Tier interface {
	// Get returns a copy of the stored bytes and marks the entry as
	// most recently used. A miss does not create an entry.
	Get(key string) ([]byte, bool)

	// Put stores content under key, replacing any previous entry, and
	// evicts least-recently-used entries if the tier exceeds its ceiling.
	Put(key string, content []byte) error

	// Has reports whether key is present without touching its recency.
	Has(key string) bool

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error

	// Size returns the total bytes currently held.
	Size() int64

	// KeysByRecency returns all keys, most recently used first.
	KeysByRecency() []string
}

// Pruner is implemented by tiers that support explicit size reclamation.
type Pruner interface {
	// MaxBytes returns the configured ceiling (0 = unlimited).
	MaxBytes() int64

	// Prune evicts least-recently-used entries until the tier holds at most
	// targetBytes. It returns the number of bytes freed.
	Prune(targetBytes int64) (int64, error)
}

// Lister is implemented by tiers that can describe their entries.
type Lister interface {
	// Entries returns entry metadata, most recently used first.
	Entries() []Entry
}

// Entry describes one cached artifact. The bytes themselves stay with the
// tier that holds them.
type Entry struct {
	Key          string
	Size         int64
	LastAccessed time.Time
	Tier         string
}

// EvictFunc is called after an entry is evicted to satisfy a ceiling.
// It is not called for explicit Remove calls.
type EvictFunc func(key string, size int64)
