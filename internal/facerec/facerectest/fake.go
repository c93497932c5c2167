// Package facerectest provides a deterministic face backend for tests.
//
// Images are read as a row of square tiles. Every tile that is not black counts
// as one face, and its encoding is derived from the tile's mean luminance, so
// two tiles of similar gray are "the same person".
package facerectest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"

	"faceattend/internal/facerec"
)

// Tile is the default tile edge in pixels.
const Tile = 16

// Scale maps luminance onto encoding units. Grays within 32 levels of each
// other land inside the default tolerance of 0.5.
const Scale = 64.0

// Fake implements facerec.Backend.
type Fake struct {
	Tile    int
	Detects atomic.Int64
	Encodes atomic.Int64
}

var _ facerec.Backend = (*Fake)(nil)

func (f *Fake) tile() int {
	if f.Tile > 0 {
		return f.Tile
	}
	return Tile
}

// Detect returns one region per non-black tile, left to right.
func (f *Fake) Detect(ctx context.Context, img image.Image, _ facerec.Model) ([]facerec.Region, error) {
	f.Detects.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	ts := f.tile()
	var regions []facerec.Region
	for x := b.Min.X; x+ts <= b.Max.X; x += ts {
		r := image.Rect(x, b.Min.Y, x+ts, b.Min.Y+ts)
		if r.Max.Y > b.Max.Y {
			break
		}
		if mean(img, r) > 8 {
			regions = append(regions, r)
		}
	}
	return regions, nil
}

// Encode maps each region's mean luminance onto a two dimensional vector.
func (f *Fake) Encode(ctx context.Context, img image.Image, regions []facerec.Region) ([]facerec.Encoding, error) {
	f.Encodes.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]facerec.Encoding, len(regions))
	for i, r := range regions {
		out[i] = facerec.Encoding{mean(img, r) / Scale, 0}
	}
	return out, nil
}

// Health always succeeds.
func (f *Fake) Health(context.Context) error { return nil }

func mean(img image.Image, r image.Rectangle) float64 {
	var sum float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			sum += float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
		}
	}
	return sum / float64(r.Dx()*r.Dy())
}

// Faces draws one tile per gray value. Zero leaves the tile black.
func Faces(grays ...uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, Tile*max(len(grays), 1), Tile))
	for i, g := range grays {
		for y := 0; y < Tile; y++ {
			for x := i * Tile; x < (i+1)*Tile; x++ {
				img.Set(x, y, color.RGBA{R: g, G: g, B: g, A: 0xff})
			}
		}
	}
	return img
}

// PNG encodes img, panicking on failure.
func PNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
