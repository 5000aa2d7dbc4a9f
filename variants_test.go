// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package imgrserve

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/imgrserve/imgrserve/cache"
)

func testVariant(payload string) *Variant {
	return &Variant{
		Bytes:      []byte(payload),
		Format:     FormatWebP,
		ProducedAt: time.Unix(1700000000, 0),
	}
}

func widthKey(id string, w int) []byte {
	return EncodeVariantKey(id, Params{Width: w, Ratio: RatioResize, Format: FormatWebP})
}

func TestVariantsRoundtrip(t *testing.T) {
	v := NewVariants(cache.NewMemory(4), 4, OverflowRestrict)
	key := widthKey("a", 100)

	if _, ok := v.Get(key); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	if err := v.Insert(key, testVariant("bytes")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok := v.Get(key)
	if !ok {
		t.Fatal("expected hit after insert")
	}
	if string(got.Bytes) != "bytes" || got.Format != FormatWebP {
		t.Errorf("Get = %q/%v, want bytes/webp", got.Bytes, got.Format)
	}
	if got.ETag == "" {
		t.Error("expected a non-empty ETag")
	}
}

func TestVariantsRestrictPolicy(t *testing.T) {
	v := NewVariants(cache.NewMemory(4), 2, OverflowRestrict)

	for _, w := range []int{100, 200} {
		if err := v.Insert(widthKey("a", w), testVariant(fmt.Sprint(w))); err != nil {
			t.Fatalf("Insert(width=%d): %v", w, err)
		}
	}

	err := v.Insert(widthKey("a", 300), testVariant("300"))
	if !errors.Is(err, ErrVariantOverflow) {
		t.Fatalf("Insert over bound = %v, want ErrVariantOverflow", err)
	}
	if got := v.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if got := v.PerIDLen("a"); got != 2 {
		t.Errorf("PerIDLen(a) = %d, want 2", got)
	}

	// Re-inserting an already-cached tuple is never an overflow.
	if err := v.Insert(widthKey("a", 100), testVariant("100")); err != nil {
		t.Errorf("reinsert of cached tuple failed: %v", err)
	}

	// Other images are unaffected by a's bound.
	if err := v.Insert(widthKey("b", 100), testVariant("b")); err != nil {
		t.Errorf("Insert for another image failed: %v", err)
	}
}

func TestVariantsRewritePolicy(t *testing.T) {
	v := NewVariants(cache.NewMemory(8), 2, OverflowRewrite)

	for _, w := range []int{100, 200, 300} {
		if err := v.Insert(widthKey("a", w), testVariant(fmt.Sprint(w))); err != nil {
			t.Fatalf("Insert(width=%d): %v", w, err)
		}
	}

	if _, ok := v.Get(widthKey("a", 100)); ok {
		t.Error("expected width=100 to have been evicted as the per-image LRU")
	}
	for _, w := range []int{200, 300} {
		if _, ok := v.Get(widthKey("a", w)); !ok {
			t.Errorf("expected width=%d to still be cached", w)
		}
	}
	if got := v.PerIDLen("a"); got != 2 {
		t.Errorf("PerIDLen(a) = %d, want 2", got)
	}
}

func TestVariantsRewriteHonorsRecency(t *testing.T) {
	v := NewVariants(cache.NewMemory(8), 2, OverflowRewrite)

	v.Insert(widthKey("a", 100), testVariant("100"))
	v.Insert(widthKey("a", 200), testVariant("200"))
	v.Get(widthKey("a", 100)) // width=100 is now this image's most recent

	v.Insert(widthKey("a", 300), testVariant("300"))

	if _, ok := v.Get(widthKey("a", 200)); ok {
		t.Error("expected width=200 to have been evicted")
	}
	if _, ok := v.Get(widthKey("a", 100)); !ok {
		t.Error("expected recently-read width=100 to survive")
	}
}

func TestVariantsIndexTracksGlobalEviction(t *testing.T) {
	v := NewVariants(cache.NewMemory(2), 10, OverflowRestrict)

	for _, w := range []int{100, 200, 300} {
		if err := v.Insert(widthKey("a", w), testVariant(fmt.Sprint(w))); err != nil {
			t.Fatalf("Insert(width=%d): %v", w, err)
		}
	}

	// The global bound evicted width=100; the per-id index must agree.
	if got := v.PerIDLen("a"); got != 2 {
		t.Errorf("PerIDLen(a) = %d, want 2", got)
	}
}

func TestVariantsRemoveAll(t *testing.T) {
	v := NewVariants(cache.NewMemory(8), 4, OverflowRestrict)

	v.Insert(widthKey("a", 100), testVariant("a100"))
	v.Insert(widthKey("a", 200), testVariant("a200"))
	v.Insert(widthKey("b", 100), testVariant("b100"))

	v.RemoveAll("a")

	if got := v.PerIDLen("a"); got != 0 {
		t.Errorf("PerIDLen(a) = %d, want 0", got)
	}
	if _, ok := v.Get(widthKey("a", 100)); ok {
		t.Error("expected a's variants to be gone")
	}
	if _, ok := v.Get(widthKey("b", 100)); !ok {
		t.Error("expected b's variant to survive")
	}
}

func TestVariantsRebuildFromPersistentScan(t *testing.T) {
	dir := t.TempDir()
	disk, err := cache.NewDisk(dir, 16)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}

	v := NewVariants(disk, 4, OverflowRestrict)
	v.Insert(widthKey("a", 100), testVariant("100"))
	v.Insert(widthKey("a", 200), testVariant("200"))

	// An entry under a different key-codec version is purged on scan.
	stale := append([]byte{keyVersion + 1}, widthKey("a", 300)[1:]...)
	disk.Put(string(stale), []byte("stale"))

	disk2, err := cache.NewDisk(dir, 16)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	v2 := NewVariants(disk2, 4, OverflowRestrict)
	if got := v2.PerIDLen("a"); got != 2 {
		t.Errorf("PerIDLen(a) after rebuild = %d, want 2", got)
	}
	if _, ok := disk2.Get(string(stale)); ok {
		t.Error("expected the stale-version entry to have been purged")
	}
	if _, ok := v2.Get(widthKey("a", 200)); !ok {
		t.Error("expected the rebuilt cache to serve persisted variants")
	}
}
