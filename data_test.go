// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package imgrserve

import (
	"net/url"
	"testing"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		query   string
		want    Params
		wantErr bool
	}{
		{"", Params{Ratio: RatioResize, Format: FormatWebP}, false},
		{"width=100", Params{Width: 100, Ratio: RatioResize, Format: FormatWebP}, false},
		{"height=50", Params{Height: 50, Ratio: RatioResize, Format: FormatWebP}, false},
		{"width=100&height=50", Params{Width: 100, Height: 50, Ratio: RatioResize, Format: FormatWebP}, false},
		{"width=100&ratio_policy=crop_center", Params{Width: 100, Ratio: RatioCropCenter, Format: FormatWebP}, false},
		{"width=100&ratio_policy=smart", Params{Width: 100, Ratio: RatioSmart, Format: FormatWebP}, false},
		{"width=100&format=jpg", Params{Width: 100, Ratio: RatioResize, Format: FormatJpeg}, false},
		{"width=100&format=png", Params{Width: 100, Ratio: RatioResize, Format: FormatPng}, false},
		{"width=100&format=avif", Params{Width: 100, Ratio: RatioResize, Format: FormatAvif}, false},

		{"width=0", Params{}, true},
		{"width=-5", Params{}, true},
		{"width=abc", Params{}, true},
		{"width=2000", Params{}, true}, // above maxDim
		{"ratio_policy=stretch", Params{}, true},
		{"format=bmp", Params{}, true},
	}
	for _, tt := range tests {
		v, _ := url.ParseQuery(tt.query)
		got, err := ParseParams(v, 1920)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseParams(%q) succeeded, want error", tt.query)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseParams(%q) returned error: %v", tt.query, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseParams(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestSplitIDExt(t *testing.T) {
	tests := []struct {
		in   string
		id   string
		hint Format
	}{
		{"foo", "foo", 0},
		{"foo.jpg", "foo", FormatJpeg},
		{"foo.jpeg", "foo", FormatJpeg},
		{"foo.png", "foo", FormatPng},
		{"foo.webp", "foo", FormatWebP},
		{"foo.unknown", "foo.unknown", 0},
		{"archive.tar.png", "archive.tar", FormatPng},
		{".hidden", ".hidden", 0},
	}
	for _, tt := range tests {
		id, hint := splitIDExt(tt.in)
		if id != tt.id || hint != tt.hint {
			t.Errorf("splitIDExt(%q) = (%q, %v), want (%q, %v)", tt.in, id, hint, tt.id, tt.hint)
		}
	}
}

func TestFormatMimeTypes(t *testing.T) {
	tests := []struct {
		f    Format
		mime string
	}{
		{FormatWebP, "image/webp"},
		{FormatAvif, "image/avif"},
		{FormatJpeg, "image/jpeg"},
		{FormatPng, "image/png"},
	}
	for _, tt := range tests {
		if got := tt.f.MimeType(); got != tt.mime {
			t.Errorf("%v.MimeType() = %q, want %q", tt.f, got, tt.mime)
		}
	}
}
