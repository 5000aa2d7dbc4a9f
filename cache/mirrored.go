// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sync"

	"github.com/golang/glog"
)

// Mirrored is an in-memory LRU backend mirrored to a persistent companion.
// Writes land in memory immediately and are recorded in a dirty set; the
// background Persister drains the dirty set to the companion every flush
// period.  Reads that miss the memory tier fall through to the companion
// and warm the memory tier lazily, so a restart never eagerly loads the
// whole store.
//
// The dirty set pins the written bytes, so a value evicted from the memory
// tier before its flush is not lost.  Removals leave a tombstone in the
// dirty set; a flush racing with a removal may transiently rewrite the
// entry on disk, and the tombstone deletes it again on the next flush.
type Mirrored struct {
	mem  *Memory
	disk Backend

	mu    sync.Mutex
	dirty map[string][]byte // nil value is a remove tombstone
}

// NewMirrored returns a Mirrored backend over mem and its persistent
// companion.
func NewMirrored(mem *Memory, disk Backend) *Mirrored {
	return &Mirrored{
		mem:   mem,
		disk:  disk,
		dirty: make(map[string][]byte),
	}
}

func (c *Mirrored) Get(key string) ([]byte, bool) {
	if v, ok := c.mem.Get(key); ok {
		return v, true
	}
	c.mu.Lock()
	if v, dirty := c.dirty[key]; dirty {
		c.mu.Unlock()
		if v == nil {
			return nil, false
		}
		return v, true
	}
	c.mu.Unlock()
	v, ok := c.disk.Get(key)
	if !ok {
		return nil, false
	}
	if err := c.mem.Put(key, v); err != nil {
		glog.Errorf("mirrored cache: error warming memory tier: %v", err)
	}
	return v, true
}

func (c *Mirrored) Put(key string, value []byte) error {
	if err := c.mem.Put(key, value); err != nil {
		return err
	}
	c.mu.Lock()
	c.dirty[key] = value
	c.mu.Unlock()
	return nil
}

func (c *Mirrored) Remove(key string) error {
	c.mu.Lock()
	c.dirty[key] = nil
	c.mu.Unlock()
	if err := c.mem.Remove(key); err != nil {
		return err
	}
	return c.disk.Remove(key)
}

// Keys reports the union of both tiers and the unflushed dirty set.
func (c *Mirrored) Keys() []string {
	c.mu.Lock()
	seen := make(map[string]bool, len(c.dirty))
	var keys []string
	for k, v := range c.dirty {
		seen[k] = true
		if v != nil {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	for _, tier := range [][]string{c.disk.Keys(), c.mem.Keys()} {
		for _, k := range tier {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func (c *Mirrored) Len() int {
	return len(c.Keys())
}

func (c *Mirrored) Cap() int {
	return c.mem.Cap()
}

// OnEvict forwards capacity-eviction notifications from the persistent
// companion.  Memory-tier evictions are not reported: the entry is still
// durable below.
func (c *Mirrored) OnEvict(fn func(key string)) {
	if n, ok := c.disk.(EvictionNotifier); ok {
		n.OnEvict(fn)
	}
}

// Flush drains the dirty set to the companion, one key at a time.  A key
// that fails to persist stays dirty for the next flush.
func (c *Mirrored) Flush() error {
	c.mu.Lock()
	pending := c.dirty
	c.dirty = make(map[string][]byte)
	c.mu.Unlock()

	var firstErr error
	keepDirty := func(key string, value []byte) {
		c.mu.Lock()
		if _, rewritten := c.dirty[key]; !rewritten {
			c.dirty[key] = value
		}
		c.mu.Unlock()
	}
	for key, value := range pending {
		var err error
		if value == nil {
			err = c.disk.Remove(key)
		} else {
			err = c.disk.Put(key, value)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			keepDirty(key, value)
		}
	}
	return firstErr
}
