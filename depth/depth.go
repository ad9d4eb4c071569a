// Package depth estimates relative depth for a photograph and converts it
// into the normalised maps the renderer consumes.
package depth

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/stevecastle/anaglyph/dibr"
)

var (
	// ErrUnknownEstimator is returned by NewEstimator for an unrecognised kind.
	ErrUnknownEstimator = errors.New("unknown depth estimator")
	// ErrCGORequired is returned when ONNX inference is attempted without CGO support.
	ErrCGORequired = errors.New("onnx depth estimation requires CGO support; rebuild with CGO_ENABLED=1")
)

// Raw is an estimator's output before normalisation. Larger values are nearer;
// the scale is arbitrary.
type Raw struct {
	Width  int
	Height int
	Values []float32
}

// Estimator produces a raw depth buffer the size of the input image.
type Estimator interface {
	Estimate(ctx context.Context, img image.Image) (*Raw, error)
}

// Options configures estimators built by NewEstimator.
type Options struct {
	// ONNX model file and onnxruntime shared library. An empty library path
	// falls back to ONNXRUNTIME_SHARED_LIBRARY_PATH.
	ModelPath            string
	ORTSharedLibraryPath string
	InputName            string
	OutputName           string
	// Side of the square model input; Depth Anything needs a multiple of 14.
	InputSize int

	// Luminance estimator settings.
	Gamma      float64
	Invert     bool
	DetailSize int
	BlurSigma  float32
}

// DefaultOptions matches the Depth Anything V2 export on the Hugging Face hub.
func DefaultOptions() Options {
	return Options{
		InputName:  "pixel_values",
		OutputName: "predicted_depth",
		InputSize:  518,
		Gamma:      1.5,
		DetailSize: 320,
		BlurSigma:  1,
	}
}

// NewEstimator returns the estimator named kind: "onnx" or "luminance".
func NewEstimator(kind string, opts Options) (Estimator, error) {
	switch kind {
	case "onnx":
		e, err := NewONNX(opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "luminance":
		return Luminance{Gamma: opts.Gamma, Invert: opts.Invert, DetailSize: opts.DetailSize, BlurSigma: opts.BlurSigma}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEstimator, kind)
}

// Normalize rescales raw depth into [0,1] with min-max scaling. A constant
// buffer has no depth ordering and maps to all zeros.
func Normalize(r *Raw) (*dibr.DepthMap, error) {
	if r == nil || r.Width <= 0 || r.Height <= 0 || len(r.Values) != r.Width*r.Height {
		return nil, fmt.Errorf("%w: malformed raw depth", dibr.ErrInvalidInput)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range r.Values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: raw depth %v at index %d", dibr.ErrInvalidInput, v, i)
		}
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	out := dibr.NewDepthMap(r.Width, r.Height)
	span := hi - lo
	if span == 0 {
		return out, nil
	}
	for i, v := range r.Values {
		n := (float64(v) - lo) / span
		out.Values[i] = float32(math.Min(1, math.Max(0, n)))
	}
	return out, nil
}
