// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the storage backends used by imgrserve for both
// cache tiers (original images and processed variants).  A Backend is a
// bounded key/value store; implementations include a strictly bounded
// in-memory LRU, a persistent diskv-backed store, a memory store mirrored to
// a persistent companion, and advisory Redis and S3 stores.
package cache

import "errors"

// ErrStorage reports a non-fatal backend write failure.  Callers are
// expected to keep serving the in-flight response and treat the entry as
// uncached.
var ErrStorage = errors.New("cache: storage failure")

// Backend is a bounded key/value store.  Keys are opaque byte strings
// (imgrserve uses raw image ids and canonical variant-key encodings).
//
// Get never fails: a backend that encounters an error logs it and reports
// the key as absent.  Put and Remove may fail with an error wrapping
// ErrStorage.
type Backend interface {
	// Get returns the value for key.  For LRU-bounded backends a hit
	// counts as a use.
	Get(key string) ([]byte, bool)

	// Put stores value under key.  Backends with a strict bound evict
	// the least-recently-used entry first.
	Put(key string, value []byte) error

	// Remove deletes key.  Removing an absent key is not an error.
	Remove(key string) error

	// Keys returns a point-in-time snapshot of the stored keys.  It does
	// not update recency.
	Keys() []string

	// Len reports the number of stored entries.
	Len() int

	// Cap reports the configured capacity.  Persistent backends enforce
	// it advisorily.
	Cap() int
}

// EvictionNotifier is implemented by backends that can report when an entry
// has been dropped by capacity enforcement.  Whether an explicit Remove is
// also reported depends on the implementation: Memory reports it, Disk does
// not.  The callback must not call back into the backend.
type EvictionNotifier interface {
	OnEvict(fn func(key string))
}

// Flusher is implemented by backends that buffer writes in memory and
// persist them later.  The background Persister calls Flush periodically;
// a flush is crash-safe at per-key granularity.
type Flusher interface {
	Flush() error
}
