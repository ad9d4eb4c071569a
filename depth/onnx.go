//go:build cgo
// +build cgo

package depth

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"sync"

	resize "github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"
)

var (
	ortMu      sync.Mutex
	ortInitErr error
	ortInited  bool
)

// ImageNet statistics the Depth Anything encoder was trained with.
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ONNX runs a Depth Anything style model through onnxruntime. The model
// takes a [1,3,S,S] float tensor and returns relative inverse depth [1,S,S].
type ONNX struct {
	opts Options
}

// NewONNX checks the model path and returns an estimator. The runtime itself
// is initialised lazily on the first Estimate call.
func NewONNX(opts Options) (*ONNX, error) {
	def := DefaultOptions()
	if opts.InputName == "" {
		opts.InputName = def.InputName
	}
	if opts.OutputName == "" {
		opts.OutputName = def.OutputName
	}
	if opts.InputSize <= 0 {
		opts.InputSize = def.InputSize
	}
	if opts.InputSize%14 != 0 {
		return nil, fmt.Errorf("model input size %d is not a multiple of 14", opts.InputSize)
	}
	if opts.ModelPath == "" {
		return nil, errors.New("depth model path is empty")
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("depth model: %w", err)
	}
	return &ONNX{opts: opts}, nil
}

func initRuntime(libPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortInited {
		return ortInitErr
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	} else if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		ort.SetSharedLibraryPath(p)
	}
	ortInitErr = ort.InitializeEnvironment()
	ortInited = true
	return ortInitErr
}

// Estimate runs one inference. Sessions are not shared, so concurrent calls are safe
// but each pays for its own session.
func (o *ONNX) Estimate(ctx context.Context, img image.Image) (*Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := initRuntime(o.opts.ORTSharedLibraryPath); err != nil {
		return nil, fmt.Errorf("initialise onnxruntime: %w", err)
	}

	size := o.opts.InputSize
	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(size), int64(size)), imageTensor(img, size))
	if err != nil {
		return nil, err
	}
	defer input.Destroy()
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(size), int64(size)))
	if err != nil {
		return nil, err
	}
	defer output.Destroy()

	session, err := ort.NewAdvancedSession(
		o.opts.ModelPath,
		[]string{o.opts.InputName},
		[]string{o.opts.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("run depth model: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	return resizeDepth(output.GetData(), size, b.Dx(), b.Dy()), nil
}

// imageTensor flattens transparency onto white, resizes to size x size with
// bicubic filtering and lays the pixels out NCHW with ImageNet normalisation.
func imageTensor(img image.Image, size int) []float32 {
	b := img.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, b.Min, draw.Over)
	dst := resize.Resize(uint(size), uint(size), flat, resize.Bicubic)

	n := size * size
	data := make([]float32, 3*n)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.RGBAModel.Convert(dst.At(x, y)).(color.RGBA)
			i := y*size + x
			data[i] = (float32(c.R)/255 - imagenetMean[0]) / imagenetStd[0]
			data[n+i] = (float32(c.G)/255 - imagenetMean[1]) / imagenetStd[1]
			data[2*n+i] = (float32(c.B)/255 - imagenetMean[2]) / imagenetStd[2]
		}
	}
	return data
}

// resizeDepth brings the model output back to the source size. Values are
// packed into 16 bits relative to their own range first, which keeps the
// ordering intact through the resampler.
func resizeDepth(values []float32, size, w, h int) *Raw {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	span := hi - lo
	if span <= 0 {
		span = 1
	}
	g := image.NewGray16(image.Rect(0, 0, size, size))
	for i, v := range values {
		g.SetGray16(i%size, i/size, color.Gray16{Y: uint16(math.Round(float64((v - lo) / span * 65535)))})
	}
	scaled := resize.Resize(uint(w), uint(h), g, resize.Bilinear)

	out := &Raw{Width: w, Height: h, Values: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, _, _, _ := scaled.At(scaled.Bounds().Min.X+x, scaled.Bounds().Min.Y+y).RGBA()
			out.Values[y*w+x] = float32(r)
		}
	}
	return out
}
