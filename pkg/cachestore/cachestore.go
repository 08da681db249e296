// Package cachestore provides the durable fingerprint-to-result cache that
// protects the render pipeline from re-paying for work it has already done.
//
// The cache is best-effort: a failed read looks like a miss, a failed write is
// reported but never aborts the pipeline result that triggered it.
package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrCacheWrite indicates a best-effort cache persistence failed. Callers
	// log it and keep their freshly computed result.
	ErrCacheWrite = errors.New("cache write failed")
	// ErrInvalidArgument indicates a bad administrative parameter, rejected
	// before any side effect.
	ErrInvalidArgument = errors.New("invalid argument")
)

// InputDigests records the two component digests that produced an entry's
// fingerprint. Retained for audit and debugging, not used for lookup.
type InputDigests struct {
	ImageDigest    string `json:"imageHash" firestore:"imageHash"`
	MetadataDigest string `json:"metaHash" firestore:"metaHash"`
}

// Entry is one completed pipeline computation. Entries are immutable once
// written; a fingerprint maps to at most one entry, and a write for an
// existing fingerprint replaces the prior entry wholesale.
type Entry struct {
	Fingerprint string          `json:"hash" firestore:"hash"`
	CreatedAt   int64           `json:"timestamp" firestore:"timestamp"` // unix milliseconds
	Input       InputDigests    `json:"input" firestore:"input"`
	Result      json.RawMessage `json:"response" firestore:"response"`
}

// NewEntry builds an Entry stamped with the current time.
func NewEntry(fp string, input InputDigests, result json.RawMessage) *Entry {
	return &Entry{
		Fingerprint: fp,
		CreatedAt:   time.Now().UnixMilli(),
		Input:       input,
		Result:      result,
	}
}

// encodedSize returns the serialized size of the entry in bytes, used for
// stats aggregation by backends that do not store entries as discrete files.
func (e *Entry) encodedSize() int64 {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// Statistics is a live view over the current entry set. Timestamps are unix
// milliseconds and nil when the store is empty.
type Statistics struct {
	EntryCount     int    `json:"entryCount"`
	TotalSizeBytes int64  `json:"totalSizeBytes"`
	OldestEntry    *int64 `json:"oldestEntryTimestamp"`
	NewestEntry    *int64 `json:"newestEntryTimestamp"`
}

// observe folds one entry into the aggregates.
func (s *Statistics) observe(createdAt, size int64) {
	s.EntryCount++
	s.TotalSizeBytes += size
	if s.OldestEntry == nil || createdAt < *s.OldestEntry {
		ts := createdAt
		s.OldestEntry = &ts
	}
	if s.NewestEntry == nil || createdAt > *s.NewestEntry {
		ts := createdAt
		s.NewestEntry = &ts
	}
}

// Store is the contract for a durable fingerprint cache. The backing medium
// is an implementation detail; all implementations must be safe for
// concurrent use, and entry writes must be atomic per fingerprint.
type Store interface {
	// Get looks an entry up by exact fingerprint. A miss is reported via the
	// boolean, not an error. Malformed or unreadable persisted records are
	// logged and treated as absent.
	Get(ctx context.Context, fp string) (*Entry, bool)
	// Put persists the entry, overwriting any existing entry for the same
	// fingerprint. Failures are reported as ErrCacheWrite.
	Put(ctx context.Context, entry *Entry) error
	// Stats scans all entries and returns live aggregates. Unreadable
	// entries are skipped and excluded, never fatal.
	Stats(ctx context.Context) Statistics
	// ClearAll deletes every entry and returns the number deleted.
	ClearAll(ctx context.Context) (int, error)
	// ClearOlderThan deletes entries created more than maxAge before now and
	// returns the number deleted. A negative maxAge fails with
	// ErrInvalidArgument before any deletion.
	ClearOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
	Close() error
}
