// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package cache

// NopBackend is a Backend that doesn't actually store anything.
var NopBackend = new(nopBackend)

type nopBackend struct{}

func (nopBackend) Get(string) ([]byte, bool) { return nil, false }
func (nopBackend) Put(string, []byte) error  { return nil }
func (nopBackend) Remove(string) error       { return nil }
func (nopBackend) Keys() []string            { return nil }
func (nopBackend) Len() int                  { return 0 }
func (nopBackend) Cap() int                  { return 0 }
