// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package imgrserve

import (
	"bytes"
	"testing"
)

func TestVariantKeyRoundtrip(t *testing.T) {
	tests := []struct {
		id string
		p  Params
	}{
		{"a", Params{Ratio: RatioResize, Format: FormatWebP}},
		{"a", Params{Width: 100, Ratio: RatioResize, Format: FormatWebP}},
		{"a", Params{Height: 100, Ratio: RatioResize, Format: FormatWebP}},
		{"a", Params{Width: 100, Height: 200, Ratio: RatioCropCenter, Format: FormatJpeg}},
		{"some/long.id with spaces", Params{Width: 1, Height: 1, Ratio: RatioSmart, Format: FormatAvif}},
		{"\x00\xff", Params{Width: 1 << 20, Ratio: RatioResize, Format: FormatPng}},
	}
	for _, tt := range tests {
		key := EncodeVariantKey(tt.id, tt.p)
		id, p, ok := DecodeVariantKey(key)
		if !ok {
			t.Errorf("DecodeVariantKey(%q, %v) failed", tt.id, tt.p)
			continue
		}
		if id != tt.id || p != tt.p {
			t.Errorf("roundtrip(%q, %v) = (%q, %v)", tt.id, tt.p, id, p)
		}
	}
}

func TestVariantKeyInjective(t *testing.T) {
	keys := make(map[string]string)
	add := func(id string, p Params) {
		k := string(EncodeVariantKey(id, p))
		if prev, dup := keys[k]; dup {
			t.Errorf("key collision between %q/%v and %s", id, p, prev)
		}
		keys[k] = id + "/" + p.String()
	}

	for _, id := range []string{"a", "b", "ab"} {
		for _, w := range []int{0, 1, 100} {
			for _, h := range []int{0, 1, 100} {
				for _, r := range []RatioPolicy{RatioResize, RatioCropCenter, RatioSmart} {
					for _, f := range []Format{FormatWebP, FormatAvif, FormatJpeg, FormatPng} {
						add(id, Params{Width: w, Height: h, Ratio: r, Format: f})
					}
				}
			}
		}
	}
}

func TestVariantKeyEqualParamsEqualBytes(t *testing.T) {
	p := Params{Width: 640, Height: 480, Ratio: RatioCropCenter, Format: FormatWebP}
	k1 := EncodeVariantKey("img", p)
	k2 := EncodeVariantKey("img", p)
	if !bytes.Equal(k1, k2) {
		t.Errorf("equal params produced different keys: %x vs %x", k1, k2)
	}
}

func TestVariantKeyVersionMismatch(t *testing.T) {
	key := EncodeVariantKey("a", Params{Width: 10, Ratio: RatioResize, Format: FormatWebP})
	key[0] = keyVersion + 1
	if _, _, ok := DecodeVariantKey(key); ok {
		t.Error("expected a version-mismatched key to decode as a miss")
	}
}

func TestVariantKeyMalformed(t *testing.T) {
	valid := EncodeVariantKey("abc", Params{Width: 10, Height: 20, Ratio: RatioResize, Format: FormatWebP})
	tests := [][]byte{
		nil,
		{},
		{keyVersion},
		valid[:len(valid)-1],                     // truncated
		append(valid[:len(valid):len(valid)], 0), // trailing garbage
	}
	for _, key := range tests {
		if _, _, ok := DecodeVariantKey(key); ok {
			t.Errorf("DecodeVariantKey(%x) = ok, want miss", key)
		}
	}
}

func TestVariantKeyUnsetDistinctFromSet(t *testing.T) {
	unset := EncodeVariantKey("a", Params{Ratio: RatioResize, Format: FormatWebP})
	set := EncodeVariantKey("a", Params{Width: 1, Ratio: RatioResize, Format: FormatWebP})
	if bytes.Equal(unset, set) {
		t.Error("unset width must encode differently from any set width")
	}
}
