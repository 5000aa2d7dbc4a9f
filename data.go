// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

// Package imgrserve provides an image-serving proxy with two-tier caching:
// original images fetched from an upstream file API (or preloaded over
// HTTP) and processed variants derived from them on demand.  For typical
// use of creating and running a Proxy, see cmd/imgrserve/main.go.
package imgrserve

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Format identifies an image encoding.  AVIF is valid as output only.
type Format byte

const (
	FormatWebP Format = iota + 1
	FormatAvif
	FormatJpeg
	FormatPng
)

// DefaultFormat is used when a request does not name an output format.
const DefaultFormat = FormatWebP

func (f Format) String() string {
	switch f {
	case FormatWebP:
		return "webp"
	case FormatAvif:
		return "avif"
	case FormatJpeg:
		return "jpeg"
	case FormatPng:
		return "png"
	}
	return fmt.Sprintf("format(%d)", byte(f))
}

// MimeType returns the MIME type served for the format.
func (f Format) MimeType() string {
	switch f {
	case FormatWebP:
		return "image/webp"
	case FormatAvif:
		return "image/avif"
	case FormatJpeg:
		return "image/jpeg"
	case FormatPng:
		return "image/png"
	}
	return "application/octet-stream"
}

// ParseFormat parses a format query value.  "jpg" is accepted as an alias
// for "jpeg".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "webp":
		return FormatWebP, nil
	case "avif":
		return FormatAvif, nil
	case "jpeg", "jpg":
		return FormatJpeg, nil
	case "png":
		return FormatPng, nil
	}
	return 0, fmt.Errorf("%w: unknown format %q", ErrBadRequest, s)
}

// RatioPolicy selects how a requested aspect ratio is reconciled with the
// source image's.
type RatioPolicy byte

const (
	// RatioResize scales directly to the target dimensions, distorting
	// the aspect ratio if they differ from the source's.
	RatioResize RatioPolicy = iota + 1
	// RatioCropCenter crops the largest centered rectangle of the target
	// aspect, then resizes.
	RatioCropCenter
	// RatioSmart crops a content-aware region of the target aspect, then
	// resizes.
	RatioSmart
)

func (p RatioPolicy) String() string {
	switch p {
	case RatioResize:
		return "resize"
	case RatioCropCenter:
		return "crop_center"
	case RatioSmart:
		return "smart"
	}
	return fmt.Sprintf("ratio_policy(%d)", byte(p))
}

// ParseRatioPolicy parses a ratio_policy query value.
func ParseRatioPolicy(s string) (RatioPolicy, error) {
	switch strings.ToLower(s) {
	case "resize":
		return RatioResize, nil
	case "crop_center":
		return RatioCropCenter, nil
	case "smart":
		return RatioSmart, nil
	}
	return 0, fmt.Errorf("%w: unknown ratio_policy %q", ErrBadRequest, s)
}

// Params specifies the processing applied to a requested image.  A zero
// Width or Height means the dimension was not requested; derived dimensions
// preserve the source aspect ratio.
type Params struct {
	Width  int
	Height int
	Ratio  RatioPolicy
	Format Format
}

func (p Params) String() string {
	var b strings.Builder
	if p.Width > 0 {
		fmt.Fprintf(&b, "%d", p.Width)
	}
	b.WriteByte('x')
	if p.Height > 0 {
		fmt.Fprintf(&b, "%d", p.Height)
	}
	fmt.Fprintf(&b, ",%v,%v", p.Ratio, p.Format)
	return b.String()
}

// Identity reports whether the params request no resize at all.
func (p Params) Identity() bool {
	return p.Width == 0 && p.Height == 0
}

// ParseParams parses and normalizes processing parameters from a request
// query.  Requested dimensions must be positive and at most maxDim.
func ParseParams(v url.Values, maxDim int) (Params, error) {
	p := Params{
		Ratio:  RatioResize,
		Format: DefaultFormat,
	}

	var err error
	if p.Width, err = parseDim(v.Get("width"), maxDim); err != nil {
		return Params{}, fmt.Errorf("width: %w", err)
	}
	if p.Height, err = parseDim(v.Get("height"), maxDim); err != nil {
		return Params{}, fmt.Errorf("height: %w", err)
	}
	if s := v.Get("ratio_policy"); s != "" {
		if p.Ratio, err = ParseRatioPolicy(s); err != nil {
			return Params{}, err
		}
	}
	if s := v.Get("format"); s != "" {
		if p.Format, err = ParseFormat(s); err != nil {
			return Params{}, err
		}
	}
	return p, nil
}

func parseDim(s string, maxDim int) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: must be a positive integer, got %q", ErrBadRequest, s)
	}
	if n > maxDim {
		return 0, fmt.Errorf("%w: %d exceeds maximum dimension %d", ErrBadRequest, n, maxDim)
	}
	return n, nil
}

// splitIDExt strips a terminal extension from an image id.  The extension
// never participates in cache keys; it only hints the input format of the
// original, whether preloaded or fetched.  Unknown extensions are left in
// place.
func splitIDExt(id string) (string, Format) {
	i := strings.LastIndexByte(id, '.')
	if i <= 0 {
		return id, 0
	}
	f, err := ParseFormat(id[i+1:])
	if err != nil {
		return id, 0
	}
	return id[:i], f
}
