package dibr

import "errors"

var (
	// ErrInvalidInput reports a caller error detected before any rendering starts.
	ErrInvalidInput = errors.New("invalid input")
	// ErrComputation reports a failure inside a rendering stage, such as a fill strategy
	// that cannot produce an image from the canvas it was given.
	ErrComputation = errors.New("computation failed")
)
