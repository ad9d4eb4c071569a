//go:build !cgo
// +build !cgo

package depth

import (
	"context"
	"image"
)

// ONNX is unavailable in this build.
type ONNX struct{}

// NewONNX returns ErrCGORequired.
func NewONNX(Options) (*ONNX, error) {
	return nil, ErrCGORequired
}

// Estimate returns ErrCGORequired.
func (*ONNX) Estimate(context.Context, image.Image) (*Raw, error) {
	return nil, ErrCGORequired
}
