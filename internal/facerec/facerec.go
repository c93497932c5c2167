// Package facerec defines the face detection and encoding capability the rest of the
// service is built on. Concrete backends live in the remote and dlib subpackages.
package facerec

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Encoding is a fixed-length face embedding.
type Encoding []float64

// Region is the bounding box of a detected face.
type Region = image.Rectangle

// Model selects the detection model. HOG is fast and approximate, CNN is slower and more accurate.
type Model string

const (
	ModelHOG Model = "hog"
	ModelCNN Model = "cnn"
)

// ErrUnavailable is returned by backends that cannot run in this build or environment.
var ErrUnavailable = errors.New("face backend unavailable")

// Detector finds face bounding regions in an image.
type Detector interface {
	Detect(ctx context.Context, img image.Image, model Model) ([]Region, error)
}

// Encoder computes one encoding per region, in region order.
type Encoder interface {
	Encode(ctx context.Context, img image.Image, regions []Region) ([]Encoding, error)
}

// Backend is a complete face capability.
type Backend interface {
	Detector
	Encoder
	Health(ctx context.Context) error
}

// Extractor is implemented by backends that detect and encode in a single
// pass. Extract prefers it over separate Detect and Encode calls.
type Extractor interface {
	Extract(ctx context.Context, img image.Image, model Model) ([]Encoding, error)
}

// ParseModel maps a config value onto a Model.
func ParseModel(s string) (Model, error) {
	switch Model(s) {
	case ModelHOG, "":
		return ModelHOG, nil
	case ModelCNN:
		return ModelCNN, nil
	}
	return "", fmt.Errorf("unknown detection model %q", s)
}

// Extract detects every face in img and returns their encodings.
func Extract(ctx context.Context, b Backend, img image.Image, model Model) ([]Encoding, error) {
	if x, ok := b.(Extractor); ok {
		encodings, err := x.Extract(ctx, img, model)
		if err != nil {
			return nil, fmt.Errorf("extract faces: %w", err)
		}
		if len(encodings) == 0 {
			return nil, nil
		}
		return encodings, nil
	}
	regions, err := b.Detect(ctx, img, model)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	if len(regions) == 0 {
		return nil, nil
	}
	encodings, err := b.Encode(ctx, img, regions)
	if err != nil {
		return nil, fmt.Errorf("encode faces: %w", err)
	}
	return encodings, nil
}

// Distance is the Euclidean distance between two encodings, the native metric of
// dlib-style embeddings. Empty or mismatched vectors are infinitely far apart.
func Distance(a, b Encoding) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.Inf(1)
	}
	return floats.Distance(a, b, 2)
}
