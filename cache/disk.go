// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/peterbourgon/diskv"
)

// Disk is a persistent backend on top of a diskv key/value store.  Keys are
// hex-encoded before hitting the filesystem so arbitrary byte strings stay
// filename-safe and decodable.
//
// Capacity is enforced through an in-memory hotness index: an LRU of the
// keys touched by this process.  When the index overflows, the coldest key
// is erased from disk.  Entries written by an earlier process stay on disk
// until touched, so the on-disk footprint may exceed Cap between runs.
type Disk struct {
	d        *diskv.Diskv
	hot      *lru.Cache[string, struct{}]
	capacity int
	onEvict  atomic.Pointer[func(string)]
	removing sync.Map // hex keys mid explicit-Remove; suppresses the hot-index callback
}

// NewDisk returns a Disk backend rooted at dir.
func NewDisk(dir string, capacity int) (*Disk, error) {
	c := &Disk{capacity: capacity}
	c.d = diskv.New(diskv.Options{
		BasePath:  dir,
		Transform: pathTransform,
	})
	hot, err := lru.NewWithEvict(capacity, func(hexKey string, _ struct{}) {
		if _, explicit := c.removing.Load(hexKey); explicit {
			return
		}
		if err := c.d.Erase(hexKey); err != nil && !errors.Is(err, fs.ErrNotExist) {
			glog.Errorf("disk cache: error erasing cold entry: %v", err)
		}
		if fn := c.onEvict.Load(); fn != nil {
			if key, err := hex.DecodeString(hexKey); err == nil {
				(*fn)(string(key))
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("disk cache: %w", err)
	}
	c.hot = hot
	return c, nil
}

// pathTransform spreads entries over two directory levels, storing file
// "c0ffee" as "c0/ff/c0ffee".  Short keys land in the base directory.
func pathTransform(s string) []string {
	if len(s) < 4 {
		return nil
	}
	return []string{s[0:2], s[2:4]}
}

// OnEvict registers fn to be called when capacity enforcement erases an
// entry from disk.  Explicit Removes do not notify.
func (c *Disk) OnEvict(fn func(key string)) {
	c.onEvict.Store(&fn)
}

func (c *Disk) Get(key string) ([]byte, bool) {
	hexKey := hex.EncodeToString([]byte(key))
	v, err := c.d.Read(hexKey)
	if err != nil {
		return nil, false
	}
	c.hot.Add(hexKey, struct{}{})
	return v, true
}

func (c *Disk) Put(key string, value []byte) error {
	hexKey := hex.EncodeToString([]byte(key))
	if err := c.d.Write(hexKey, value); err != nil {
		return fmt.Errorf("%w: writing %q: %v", ErrStorage, hexKey, err)
	}
	c.hot.Add(hexKey, struct{}{})
	return nil
}

func (c *Disk) Remove(key string) error {
	hexKey := hex.EncodeToString([]byte(key))
	c.removing.Store(hexKey, struct{}{})
	c.hot.Remove(hexKey)
	c.removing.Delete(hexKey)
	if err := c.d.Erase(hexKey); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: erasing %q: %v", ErrStorage, hexKey, err)
	}
	return nil
}

func (c *Disk) Keys() []string {
	var keys []string
	for hexKey := range c.d.Keys(nil) {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			// Not one of ours; skip it.
			continue
		}
		keys = append(keys, string(key))
	}
	return keys
}

func (c *Disk) Len() int {
	n := 0
	for range c.d.Keys(nil) {
		n++
	}
	return n
}

func (c *Disk) Cap() int {
	return c.capacity
}
