// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package imgrserve

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	"github.com/muesli/smartcrop"
	"github.com/muesli/smartcrop/nfnt"
	"github.com/rwcarlsen/goexif/exif"

	_ "image/gif" // register input formats

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// encodeQuality is the compression quality for lossy output formats.
const encodeQuality = 82

// Variant is a processed image ready to serve.  Immutable after creation.
type Variant struct {
	Bytes      []byte
	Format     Format
	ProducedAt time.Time
	ETag       string
}

// Transform decodes orig, applies p, and encodes the result in p.Format.
// key is the canonical variant key, folded into the ETag so that identical
// bytes under different params stay distinguishable.  The function is pure
// and deterministic: identical (orig, p) yield identical bytes and ETag on
// any machine.  It is CPU-bound; callers dispatch it off the I/O path.
func Transform(orig []byte, key []byte, p Params, maxDim int) (*Variant, error) {
	m, err := decodeImage(orig)
	if err != nil {
		return nil, err
	}

	if !p.Identity() {
		bounds := m.Bounds()
		tw, th := resolveDims(bounds.Dx(), bounds.Dy(), p.Width, p.Height, maxDim)
		switch p.Ratio {
		case RatioCropCenter:
			m = imaging.Fill(m, tw, th, imaging.Center, imaging.Lanczos)
		case RatioSmart:
			if m, err = smartCrop(m, tw, th); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProcessing, err)
			}
		default:
			m = imaging.Resize(m, tw, th, imaging.Lanczos)
		}
	}

	out, err := encodeImage(m, p.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %v: %v", ErrProcessing, p.Format, err)
	}

	return &Variant{
		Bytes:      out,
		Format:     p.Format,
		ProducedAt: time.Now(),
		ETag:       etagFor(out, key),
	}, nil
}

// decodeImage sniffs and decodes orig, normalizing EXIF orientation for
// JPEG input.  AVIF input is not supported.
func decodeImage(orig []byte) (image.Image, error) {
	if isAvif(orig) {
		return nil, fmt.Errorf("%w: avif input", ErrBadOriginal)
	}
	m, format, err := image.Decode(bytes.NewReader(orig))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOriginal, err)
	}
	if format == "jpeg" {
		m = fixOrientation(m, orig)
	}
	return m, nil
}

// ValidateImage reports whether b decodes as a supported input image.
// Used to keep undecodable originals out of the cache.
func ValidateImage(b []byte) error {
	if isAvif(b) {
		return fmt.Errorf("%w: avif input", ErrBadOriginal)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(b)); err != nil {
		return fmt.Errorf("%w: %v", ErrBadOriginal, err)
	}
	return nil
}

// isAvif detects an ISOBMFF container with an AVIF brand.
func isAvif(b []byte) bool {
	if len(b) < 12 || string(b[4:8]) != "ftyp" {
		return false
	}
	switch string(b[8:12]) {
	case "avif", "avis":
		return true
	}
	return false
}

// resolveDims computes the target dimensions from the source dimensions
// and the requested ones (0 = unset).  A single requested dimension
// derives the other from the source aspect ratio.  When neither is
// requested the source dimensions are returned unchanged; otherwise the
// results are clamped to [1, maxDim].
func resolveDims(ow, oh, w, h, maxDim int) (int, int) {
	switch {
	case w == 0 && h == 0:
		return ow, oh
	case h == 0:
		h = int(math.Round(float64(w) * float64(oh) / float64(ow)))
	case w == 0:
		w = int(math.Round(float64(h) * float64(ow) / float64(oh)))
	}
	return clampDim(w, maxDim), clampDim(h, maxDim)
}

func clampDim(v, maxDim int) int {
	if v < 1 {
		return 1
	}
	if v > maxDim {
		return maxDim
	}
	return v
}

func smartCrop(m image.Image, tw, th int) (image.Image, error) {
	analyzer := smartcrop.NewAnalyzer(nfnt.NewDefaultResizer())
	rect, err := analyzer.FindBestCrop(m, tw, th)
	if err != nil {
		return nil, err
	}
	return imaging.Resize(imaging.Crop(m, rect), tw, th, imaging.Lanczos), nil
}

func encodeImage(m image.Image, f Format) ([]byte, error) {
	buf := new(bytes.Buffer)
	var err error
	switch f {
	case FormatWebP:
		err = webp.Encode(buf, m, webp.Options{Quality: encodeQuality})
	case FormatAvif:
		err = avif.Encode(buf, m, avif.Options{Quality: encodeQuality})
	case FormatJpeg:
		err = jpeg.Encode(buf, m, &jpeg.Options{Quality: encodeQuality})
	case FormatPng:
		err = png.Encode(buf, m)
	default:
		err = fmt.Errorf("unknown output format %v", f)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fixOrientation applies the EXIF orientation tag so downstream crops and
// resizes see the image the way a viewer would.
func fixOrientation(m image.Image, raw []byte) image.Image {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return m
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return m
	}
	o, err := tag.Int(0)
	if err != nil {
		return m
	}
	switch o {
	case 2:
		return imaging.FlipH(m)
	case 3:
		return imaging.Rotate180(m)
	case 4:
		return imaging.FlipV(m)
	case 5:
		return imaging.Transpose(m)
	case 6:
		return imaging.Rotate270(m)
	case 7:
		return imaging.Transverse(m)
	case 8:
		return imaging.Rotate90(m)
	}
	return m
}

// etagFor computes the strong entity tag for a variant: a 128-bit
// non-cryptographic digest over the output bytes and the canonical key.
func etagFor(out []byte, key []byte) string {
	d := xxhash.New()
	d.Write(out)
	d.Write(key)
	hi := d.Sum64()
	d.Reset()
	d.Write(key)
	d.Write(out)
	lo := d.Sum64()
	return fmt.Sprintf(`"%016x%016x"`, hi, lo)
}
