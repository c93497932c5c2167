//go:build dlib

// Package dlib runs face detection and encoding in-process through dlib (Kagami/go-face).
// Build with -tags dlib and provide the model directory containing
// shape_predictor_5_face_landmarks.dat, dlib_face_recognition_resnet_model_v1.dat and
// mmod_human_face_detector.dat.
package dlib

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/Kagami/go-face"

	"faceattend/internal/facerec"
	"faceattend/internal/imaging"
)

// Recognizer wraps a go-face recognizer. dlib recognizers are not safe for concurrent use.
type Recognizer struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

// New loads the dlib models from modelsDir.
func New(modelsDir string) (*Recognizer, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("load dlib models from %s: %w", modelsDir, err)
	}
	return &Recognizer{rec: rec}, nil
}

// Detect returns face rectangles found by the HOG or CNN detector.
func (r *Recognizer) Detect(ctx context.Context, img image.Image, model facerec.Model) ([]facerec.Region, error) {
	faces, err := r.recognize(ctx, img, model)
	if err != nil {
		return nil, err
	}
	regions := make([]facerec.Region, len(faces))
	for i, f := range faces {
		regions[i] = f.Rectangle
	}
	return regions, nil
}

// Extract detects and encodes in one dlib pass with the requested model.
func (r *Recognizer) Extract(ctx context.Context, img image.Image, model facerec.Model) ([]facerec.Encoding, error) {
	faces, err := r.recognize(ctx, img, model)
	if err != nil {
		return nil, err
	}
	out := make([]facerec.Encoding, len(faces))
	for i, f := range faces {
		out[i] = toEncoding(f.Descriptor)
	}
	return out, nil
}

// Encode recomputes the faces in img and returns the descriptors of the requested regions.
// go-face detects and encodes in one pass, so each region takes the descriptor of the
// face it overlaps most. Regions from either detector are accepted.
func (r *Recognizer) Encode(ctx context.Context, img image.Image, regions []facerec.Region) ([]facerec.Encoding, error) {
	out, ok, err := r.encodeWith(ctx, img, regions, facerec.ModelHOG)
	if err != nil || ok {
		return out, err
	}
	out, ok, err = r.encodeWith(ctx, img, regions, facerec.ModelCNN)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no descriptor for %d region(s)", len(regions))
	}
	return out, nil
}

func (r *Recognizer) encodeWith(ctx context.Context, img image.Image, regions []facerec.Region, model facerec.Model) ([]facerec.Encoding, bool, error) {
	faces, err := r.recognize(ctx, img, model)
	if err != nil {
		return nil, false, err
	}
	out := make([]facerec.Encoding, 0, len(regions))
	for _, region := range regions {
		best, bestArea := -1, 0
		for i, f := range faces {
			if a := area(region.Intersect(f.Rectangle)); a > bestArea {
				best, bestArea = i, a
			}
		}
		if best < 0 {
			return nil, false, nil
		}
		out = append(out, toEncoding(faces[best].Descriptor))
	}
	return out, true, nil
}

func area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}

// Health reports whether the models are loaded.
func (r *Recognizer) Health(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec == nil {
		return facerec.ErrUnavailable
	}
	return nil
}

// Close releases the dlib models.
func (r *Recognizer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec != nil {
		r.rec.Close()
		r.rec = nil
	}
}

func (r *Recognizer) recognize(ctx context.Context, img image.Image, model facerec.Model) ([]face.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := imaging.EncodeJPEG(img)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec == nil {
		return nil, facerec.ErrUnavailable
	}
	if model == facerec.ModelCNN {
		return r.rec.RecognizeCNN(data)
	}
	return r.rec.Recognize(data)
}

func toEncoding(d face.Descriptor) facerec.Encoding {
	out := make(facerec.Encoding, len(d))
	for i, v := range d {
		out[i] = float64(v)
	}
	return out
}
