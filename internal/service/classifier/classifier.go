// Package classifier turns raw detector output for one image into a single
// ranked label.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sort"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"visionsurvey/internal/model"
)

// ErrClassifierUnavailable is returned when no detector model is loaded.
var ErrClassifierUnavailable = errors.New("classifier unavailable: no detector loaded")

// DecodeError reports an image that could not be read or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ClassificationError wraps a detector failure on a decodable image.
type ClassificationError struct {
	Path string
	Err  error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("failed to classify image %s: %v", e.Path, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Detection is one candidate returned by a detector.
type Detection struct {
	Name       string
	Confidence float64
	Box        image.Rectangle
	Angle      float64 // radians, oriented boxes only
}

// Detections holds the two mutually exclusive kinds of detector output.
type Detections struct {
	Oriented []Detection
	Boxes    []Detection
}

// Detector runs object detection on an encoded image.
type Detector interface {
	Loaded() bool
	Detect(ctx context.Context, imageData []byte) (Detections, error)
}

// Annotator optionally renders detections onto a preview image.
type Annotator interface {
	Annotate(imageData []byte, detections []Detection, outPath string) error
}

// Result is the top-ranked label for an image.
type Result struct {
	Label      string
	Confidence float64
	Detections []Detection
}

// Classifier ranks detector output for a single image.
type Classifier struct {
	detector    Detector
	previewPath string
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithPreview makes the classifier write an annotated preview to path when
// the detector also implements Annotator.
func WithPreview(path string) Option {
	return func(c *Classifier) {
		c.previewPath = path
	}
}

// New creates a Classifier around detector.
func New(detector Detector, opts ...Option) (*Classifier, error) {
	if detector == nil {
		return nil, errors.New("detector is required")
	}
	c := &Classifier{detector: detector}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Available reports whether the detector has a model loaded.
func (c *Classifier) Available() bool {
	return c.detector.Loaded()
}

// Classify reads the image at path and returns its best label.
func (c *Classifier) Classify(ctx context.Context, path string) (Result, error) {
	if !c.detector.Loaded() {
		return Result{}, ErrClassifierUnavailable
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, &DecodeError{Path: path, Err: err}
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return Result{}, &DecodeError{Path: path, Err: err}
	}

	dets, err := c.detector.Detect(ctx, data)
	if err != nil {
		if errors.Is(err, ErrClassifierUnavailable) {
			return Result{}, err
		}
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			if decodeErr.Path == "" {
				decodeErr.Path = path
			}
			return Result{}, decodeErr
		}
		return Result{}, &ClassificationError{Path: path, Err: err}
	}

	candidates := Select(dets)
	res := Top(candidates)
	res.Detections = candidates

	if c.previewPath != "" && len(candidates) > 0 {
		if a, ok := c.detector.(Annotator); ok {
			// Podgląd jest tylko pomocniczy
			_ = a.Annotate(data, candidates, c.previewPath)
		}
	}
	return res, nil
}

// Select picks oriented-box detections when any exist, otherwise axis-aligned ones,
// sorted by confidence descending. Equal confidences keep detector order.
func Select(d Detections) []Detection {
	src := d.Boxes
	if len(d.Oriented) > 0 {
		src = d.Oriented
	}

	out := make([]Detection, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// Top returns the first ranked candidate, or Unknown with zero confidence.
func Top(ranked []Detection) Result {
	if len(ranked) == 0 {
		return Result{Label: model.UnknownLabel, Confidence: 0}
	}
	return Result{Label: ranked[0].Name, Confidence: ranked[0].Confidence}
}
