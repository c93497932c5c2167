//go:build !dlib

package dlib

import (
	"context"
	"image"

	"faceattend/internal/facerec"
)

// Recognizer is a placeholder for builds without the dlib tag.
type Recognizer struct{}

// New always fails without the dlib build tag.
func New(string) (*Recognizer, error) {
	return nil, facerec.ErrUnavailable
}

func (*Recognizer) Detect(context.Context, image.Image, facerec.Model) ([]facerec.Region, error) {
	return nil, facerec.ErrUnavailable
}

func (*Recognizer) Extract(context.Context, image.Image, facerec.Model) ([]facerec.Encoding, error) {
	return nil, facerec.ErrUnavailable
}

func (*Recognizer) Encode(context.Context, image.Image, []facerec.Region) ([]facerec.Encoding, error) {
	return nil, facerec.ErrUnavailable
}

func (*Recognizer) Health(context.Context) error { return facerec.ErrUnavailable }

func (*Recognizer) Close() {}
