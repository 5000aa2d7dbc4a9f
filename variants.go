// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package imgrserve

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/imgrserve/imgrserve/cache"
)

// OverflowPolicy selects the behaviour when an insert would exceed the
// per-image variant bound.
type OverflowPolicy int

const (
	// OverflowRestrict rejects the insert.  The computed variant is
	// still served, just never cached.
	OverflowRestrict OverflowPolicy = iota + 1
	// OverflowRewrite evicts the least-recently-used variant of the same
	// image to make room.
	OverflowRewrite
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowRestrict:
		return "Restrict"
	case OverflowRewrite:
		return "Rewrite"
	}
	return fmt.Sprintf("OverflowPolicy(%d)", int(p))
}

// ParseOverflowPolicy parses the MAX_OPTIONS_PER_IMAGE_OVERFLOW_POLICY
// setting.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(s) {
	case "restrict":
		return OverflowRestrict, nil
	case "rewrite":
		return OverflowRewrite, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

// Variants caches processed variants keyed by canonical variant key, and
// bounds the number of distinct parameter tuples cached per image id.
//
// The per-id index is kept in memory, ordered by recency within each id,
// and is guarded together with insertions so the bound holds under
// concurrent writers.  Backends that report capacity evictions keep the
// index exact; for purely persistent backends the index is rebuilt from a
// full key scan at construction.
type Variants struct {
	backend  cache.Backend
	maxPerID int
	policy   OverflowPolicy

	mu    sync.Mutex
	index map[string][]string // id -> variant keys, least recently used first

	evmu    sync.Mutex
	evicted []string // keys reported evicted by the backend, pending index removal
}

// NewVariants returns a variants cache over backend, holding at most
// maxPerID parameter tuples per image id.
func NewVariants(backend cache.Backend, maxPerID int, policy OverflowPolicy) *Variants {
	v := &Variants{
		backend:  backend,
		maxPerID: maxPerID,
		policy:   policy,
		index:    make(map[string][]string),
	}
	if n, ok := backend.(cache.EvictionNotifier); ok {
		n.OnEvict(v.noteEvicted)
	}
	v.rebuild()
	return v
}

// rebuild populates the index from a backend key scan.  Keys from an older
// codec version fail to decode and are purged.
func (v *Variants) rebuild() {
	for _, key := range v.backend.Keys() {
		id, _, ok := DecodeVariantKey([]byte(key))
		if !ok {
			glog.V(1).Infof("purging variant with stale key encoding")
			if err := v.backend.Remove(key); err != nil {
				glog.Errorf("error purging stale variant: %v", err)
			}
			continue
		}
		v.index[id] = append(v.index[id], key)
	}
	v.drainEvicted()
}

// noteEvicted records a backend capacity eviction.  It runs under
// backend-internal locks, so it only queues; the index update happens on
// the next Variants operation.
func (v *Variants) noteEvicted(key string) {
	v.evmu.Lock()
	v.evicted = append(v.evicted, key)
	v.evmu.Unlock()
}

// drainEvicted applies queued backend evictions to the index.  Callers
// hold v.mu (or have exclusive access during construction).
func (v *Variants) drainEvicted() {
	v.evmu.Lock()
	pending := v.evicted
	v.evicted = nil
	v.evmu.Unlock()
	for _, key := range pending {
		id, _, ok := DecodeVariantKey([]byte(key))
		if !ok {
			continue
		}
		v.index[id] = deleteKey(v.index[id], key)
		if len(v.index[id]) == 0 {
			delete(v.index, id)
		}
	}
}

// Get returns the cached variant for key and refreshes its per-id recency.
func (v *Variants) Get(key []byte) (*Variant, bool) {
	raw, ok := v.backend.Get(string(key))
	if !ok {
		return nil, false
	}
	vr, ok := decodeVariant(raw, key)
	if !ok {
		glog.Warning("dropping undecodable cached variant")
		v.Remove(key)
		return nil, false
	}

	v.mu.Lock()
	if id, _, ok := DecodeVariantKey(key); ok {
		v.index[id] = touchKey(v.index[id], string(key))
	}
	v.drainEvicted()
	v.mu.Unlock()
	return vr, true
}

// Insert stores vr under key, enforcing the per-image bound.  Under the
// Restrict policy an insert over the bound fails with ErrVariantOverflow;
// under Rewrite the least-recently-used variant of the same image is
// evicted first.
func (v *Variants) Insert(key []byte, vr *Variant) error {
	id, _, ok := DecodeVariantKey(key)
	if !ok {
		return fmt.Errorf("%w: malformed variant key", cache.ErrStorage)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.drainEvicted()

	ks := string(key)
	if !slices.Contains(v.index[id], ks) && len(v.index[id]) >= v.maxPerID {
		if v.policy == OverflowRestrict {
			variantOverflows.Inc()
			return fmt.Errorf("%w: image %q", ErrVariantOverflow, id)
		}
		// Rewrite: drop this image's coldest variant.
		victim := v.index[id][0]
		if err := v.backend.Remove(victim); err != nil {
			glog.Errorf("error evicting variant of %q: %v", id, err)
		}
		v.index[id] = deleteKey(v.index[id], victim)
	}

	if err := v.backend.Put(ks, encodeVariant(vr)); err != nil {
		v.drainEvicted()
		return err
	}
	v.index[id] = touchKey(v.index[id], ks)
	v.drainEvicted()
	return nil
}

// Remove drops a single variant.
func (v *Variants) Remove(key []byte) {
	id, _, ok := DecodeVariantKey(key)
	if err := v.backend.Remove(string(key)); err != nil {
		glog.Errorf("error removing variant: %v", err)
	}
	v.mu.Lock()
	if ok {
		v.index[id] = deleteKey(v.index[id], string(key))
		if len(v.index[id]) == 0 {
			delete(v.index, id)
		}
	}
	v.drainEvicted()
	v.mu.Unlock()
}

// RemoveAll drops every cached variant of id.  Used when a preload
// replaces the original.
func (v *Variants) RemoveAll(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, key := range v.index[id] {
		if err := v.backend.Remove(key); err != nil {
			glog.Errorf("error removing variant of %q: %v", id, err)
		}
	}
	delete(v.index, id)
	v.drainEvicted()
}

// Len reports the number of cached variants across all images.
func (v *Variants) Len() int {
	return v.backend.Len()
}

// PerIDLen reports the number of cached parameter tuples for id.
func (v *Variants) PerIDLen(id string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.drainEvicted()
	return len(v.index[id])
}

func deleteKey(keys []string, key string) []string {
	if i := slices.Index(keys, key); i >= 0 {
		return slices.Delete(keys, i, i+1)
	}
	return keys
}

func touchKey(keys []string, key string) []string {
	return append(deleteKey(keys, key), key)
}

// Persisted variant layout: value version, output format byte, big-endian
// unix seconds, payload.  The ETag is recomputed from payload and key, so
// it never needs storing.
func encodeVariant(vr *Variant) []byte {
	b := make([]byte, 0, 10+len(vr.Bytes))
	b = append(b, valueVersion, byte(vr.Format))
	b = binary.BigEndian.AppendUint64(b, uint64(vr.ProducedAt.Unix()))
	return append(b, vr.Bytes...)
}

func decodeVariant(b []byte, key []byte) (*Variant, bool) {
	if len(b) < 10 || b[0] != valueVersion {
		return nil, false
	}
	payload := b[10:]
	return &Variant{
		Bytes:      payload,
		Format:     Format(b[1]),
		ProducedAt: time.Unix(int64(binary.BigEndian.Uint64(b[2:10])), 0),
		ETag:       etagFor(payload, key),
	}, true
}
