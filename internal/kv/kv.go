// Package kv provides the transactional key-value capability the account
// directory is built on: consistent point reads, per-item conditional writes,
// bounded multi-item transactions that commit or abort as a unit, and
// per-item time-to-live expiry.
package kv

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

// MaxTransactItems bounds the number of ops a single Write may carry.
const MaxTransactItems = 25

// Segments is the number of buckets keys are hashed into for parallel scans.
const Segments = 256

// Clock supplies the current time; injectable so TTL behavior is testable.
type Clock func() time.Time

// Item is one stored entry. Owner carries a denormalized account pointer for
// constraint tables; Attrs holds small queryable copies of blob fields;
// SecondaryKey is an indexed alternate lookup key ("" means none).
type Item struct {
	Key          string
	Owner        string
	Blob         []byte
	Version      int64
	Attrs        map[string]string
	SecondaryKey string
	// ExpiresAt marks the item as a time-bounded reservation. The item is
	// expired strictly after this instant, never at it.
	ExpiresAt *time.Time
}

// Expired reports whether the item has passed its expiry at the given time.
func (it *Item) Expired(now time.Time) bool {
	return it.ExpiresAt != nil && now.After(*it.ExpiresAt)
}

// Condition is a declarative per-item write condition, evaluated server-side
// against the current stored state. An expired item evaluates as absent.
//
// When the item is absent, the condition passes iff Absent is set, or no
// clause at all is set. When the item is present, every set clause must hold,
// and a bare Absent-only condition fails.
type Condition struct {
	Absent    bool
	MustExist bool
	OwnedBy   string
	VersionIs *int64
	AttrIs    map[string]string
}

func (c Condition) hasClauses() bool {
	return c.OwnedBy != "" || c.VersionIs != nil || len(c.AttrIs) > 0 || c.MustExist
}

func (c Condition) check(existing *Item) bool {
	if existing == nil {
		return c.Absent || !c.hasClauses()
	}
	if c.Absent && !c.hasClauses() {
		return false
	}
	if c.OwnedBy != "" && existing.Owner != c.OwnedBy {
		return false
	}
	if c.VersionIs != nil && existing.Version != *c.VersionIs {
		return false
	}
	for k, want := range c.AttrIs {
		if existing.Attrs[k] != want {
			return false
		}
	}
	return true
}

// Op is one element of a multi-item transaction: a conditional put when Put
// is non-nil, a conditional delete otherwise.
type Op struct {
	Table string
	Key   string
	Put   *Item
	Cond  Condition
}

var (
	// ErrTransactionConflict is the backend's ambiguous concurrent-transaction
	// signal: two transactions raced on overlapping items and the backend
	// could not determine which changed first. Distinguished from a
	// deterministic condition failure only by retry policy.
	ErrTransactionConflict = errors.New("kv: concurrent transaction conflict")

	ErrTooManyItems = errors.New("kv: transaction exceeds item limit")
)

// ConditionFailedError reports the first op whose condition failed, along
// with the item state observed at check time (nil when the item was absent).
type ConditionFailedError struct {
	Op       int
	Existing *Item
}

func (e *ConditionFailedError) Error() string {
	if e.Existing == nil {
		return fmt.Sprintf("kv: condition failed on op %d (item absent)", e.Op)
	}
	return fmt.Sprintf("kv: condition failed on op %d (item present, version %d)", e.Op, e.Existing.Version)
}

// SegmentOf maps a key to its scan segment bucket.
func SegmentOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % Segments)
}
