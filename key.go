// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package imgrserve

import (
	"encoding/binary"
)

// Variant cache keys are a canonical binary encoding of (id, Params),
// stable across process restarts so the persistent tier can be reused and
// scanned.  Layout:
//
//	version | uvarint(len(id)) | id | width | height | ratio | format
//
// where each dimension is a tag byte (0 = unset, 1 = set) followed, when
// set, by the uvarint value.  An unset dimension is distinct from a
// dimension of zero, which cannot occur after validation.
//
// Changing the layout requires bumping keyVersion; old entries then decode
// as misses and are purged lazily on the next scan.
const keyVersion = 0x01

const (
	dimUnset = 0x00
	dimSet   = 0x01
)

// EncodeVariantKey produces the canonical cache key for (id, p).  Equal
// logical params always produce identical bytes.
func EncodeVariantKey(id string, p Params) []byte {
	b := make([]byte, 0, 1+binary.MaxVarintLen64+len(id)+2*(1+binary.MaxVarintLen32)+2)
	b = append(b, keyVersion)
	b = binary.AppendUvarint(b, uint64(len(id)))
	b = append(b, id...)
	b = appendDim(b, p.Width)
	b = appendDim(b, p.Height)
	b = append(b, byte(p.Ratio), byte(p.Format))
	return b
}

func appendDim(b []byte, v int) []byte {
	if v == 0 {
		return append(b, dimUnset)
	}
	b = append(b, dimSet)
	return binary.AppendUvarint(b, uint64(v))
}

// DecodeVariantKey is the inverse of EncodeVariantKey.  Any malformed or
// version-mismatched key decodes as ok=false; readers treat that as a
// cache miss, never an error.
func DecodeVariantKey(key []byte) (id string, p Params, ok bool) {
	if len(key) < 2 || key[0] != keyVersion {
		return "", Params{}, false
	}
	rest := key[1:]

	n, sz := binary.Uvarint(rest)
	if sz <= 0 || uint64(len(rest)-sz) < n {
		return "", Params{}, false
	}
	rest = rest[sz:]
	id = string(rest[:n])
	rest = rest[n:]

	if p.Width, rest, ok = readDim(rest); !ok {
		return "", Params{}, false
	}
	if p.Height, rest, ok = readDim(rest); !ok {
		return "", Params{}, false
	}
	if len(rest) != 2 {
		return "", Params{}, false
	}
	p.Ratio = RatioPolicy(rest[0])
	p.Format = Format(rest[1])
	if p.Ratio < RatioResize || p.Ratio > RatioSmart || p.Format < FormatWebP || p.Format > FormatPng {
		return "", Params{}, false
	}
	return id, p, true
}

func readDim(b []byte) (int, []byte, bool) {
	if len(b) == 0 {
		return 0, nil, false
	}
	switch b[0] {
	case dimUnset:
		return 0, b[1:], true
	case dimSet:
		v, sz := binary.Uvarint(b[1:])
		if sz <= 0 || v == 0 {
			return 0, nil, false
		}
		return int(v), b[1+sz:], true
	}
	return 0, nil, false
}
