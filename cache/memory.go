// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is a strictly bounded in-memory LRU backend.  Both Get and Put
// count as a use of the entry.  It is safe for concurrent use.
type Memory struct {
	lru      *lru.Cache[string, []byte]
	capacity int
	onEvict  atomic.Pointer[func(string)]
}

// NewMemory returns a Memory backend holding at most capacity entries.
func NewMemory(capacity int) *Memory {
	m := &Memory{capacity: capacity}
	c, err := lru.NewWithEvict(capacity, func(key string, _ []byte) {
		if fn := m.onEvict.Load(); fn != nil {
			(*fn)(key)
		}
	})
	if err != nil {
		// lru.NewWithEvict only fails for capacity <= 0.
		panic(err)
	}
	m.lru = c
	return m
}

// OnEvict registers fn to be called for every entry dropped by capacity
// enforcement or removed explicitly.  fn runs with the LRU lock held and
// must not call back into the backend.
func (m *Memory) OnEvict(fn func(key string)) {
	m.onEvict.Store(&fn)
}

func (m *Memory) Get(key string) ([]byte, bool) {
	return m.lru.Get(key)
}

func (m *Memory) Put(key string, value []byte) error {
	m.lru.Add(key, value)
	return nil
}

func (m *Memory) Remove(key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *Memory) Keys() []string {
	return m.lru.Keys()
}

func (m *Memory) Len() int {
	return m.lru.Len()
}

func (m *Memory) Cap() int {
	return m.capacity
}
