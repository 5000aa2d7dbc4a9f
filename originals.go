// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package imgrserve

import (
	"encoding/binary"
	"time"

	"github.com/golang/glog"

	"github.com/imgrserve/imgrserve/cache"
)

// valueVersion prefixes every persisted cache value.  A mismatched version
// at read time is a miss.
const valueVersion = 0x01

// Original is an unmodified image as received from the file API or a
// preload.  Immutable after insertion.
type Original struct {
	Bytes     []byte
	FetchedAt time.Time
	// Hint is the input format suggested by the id's extension, if any.
	// Lookups never depend on it.
	Hint Format
}

// Originals caches original image bytes keyed by image id.
type Originals struct {
	backend cache.Backend
}

// NewOriginals returns an originals cache over backend.
func NewOriginals(backend cache.Backend) *Originals {
	return &Originals{backend: backend}
}

// Get returns the cached original for id.
func (o *Originals) Get(id string) (*Original, bool) {
	v, ok := o.backend.Get(id)
	if !ok {
		return nil, false
	}
	orig, ok := decodeOriginal(v)
	if !ok {
		glog.Warningf("dropping undecodable cached original %q", id)
		if err := o.backend.Remove(id); err != nil {
			glog.Errorf("error removing original %q: %v", id, err)
		}
		return nil, false
	}
	return orig, true
}

// Insert stores the original bytes for id.  Callers validate the bytes
// first; see ValidateImage.
func (o *Originals) Insert(id string, orig *Original) error {
	return o.backend.Put(id, encodeOriginal(orig))
}

// Remove drops the cached original for id.
func (o *Originals) Remove(id string) error {
	return o.backend.Remove(id)
}

// Len reports the number of cached originals.
func (o *Originals) Len() int {
	return o.backend.Len()
}

// Persisted original layout: value version, format hint byte, big-endian
// unix seconds, payload.
func encodeOriginal(orig *Original) []byte {
	b := make([]byte, 0, 10+len(orig.Bytes))
	b = append(b, valueVersion, byte(orig.Hint))
	b = binary.BigEndian.AppendUint64(b, uint64(orig.FetchedAt.Unix()))
	return append(b, orig.Bytes...)
}

func decodeOriginal(b []byte) (*Original, bool) {
	if len(b) < 10 || b[0] != valueVersion {
		return nil, false
	}
	return &Original{
		Bytes:     b[10:],
		FetchedAt: time.Unix(int64(binary.BigEndian.Uint64(b[2:10])), 0),
		Hint:      Format(b[1]),
	}, true
}
