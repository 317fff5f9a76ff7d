package detect

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/pkg/errors"
)

// ImageDecoder turns JPEG bytes into a normalized [0,1] float32 tensor
// in row-major (height, width, channel) order. Out of scope per
// spec.md §1 ("image decoding from JPEG bytes to the tensor" is an
// external collaborator); stdlib image/jpeg is the stand-in
// implementation so the server runs end to end (SPEC_FULL.md §3).
type ImageDecoder interface {
	Decode(jpegBytes []byte) (tensor []float32, err error)
}

// StdlibJPEGDecoder decodes via image/jpeg and rejects anything whose
// decoded size isn't exactly ImageSize x ImageSize, per spec.md §4.6
// step 1.
type StdlibJPEGDecoder struct{}

func (StdlibJPEGDecoder) Decode(jpegBytes []byte) ([]float32, error) {
	img, err := jpeg.Decode(bytes.NewReader(jpegBytes))
	if err != nil {
		return nil, errors.Wrap(err, "detect: jpeg decode")
	}
	b := img.Bounds()
	if b.Dx() != ImageSize || b.Dy() != ImageSize {
		return nil, errors.Errorf("detect: invalid image size %dx%d, want %dx%d", b.Dx(), b.Dy(), ImageSize, ImageSize)
	}
	rgba := image.NewRGBA(image.Rect(0, 0, ImageSize, ImageSize))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	tensor := make([]float32, ImageSize*ImageSize*3)
	i := 0
	for y := 0; y < ImageSize; y++ {
		rowOff := rgba.PixOffset(0, y)
		row := rgba.Pix[rowOff : rowOff+ImageSize*4]
		for x := 0; x < ImageSize; x++ {
			px := row[x*4 : x*4+4]
			tensor[i+0] = float32(px[0]) / 255
			tensor[i+1] = float32(px[1]) / 255
			tensor[i+2] = float32(px[2]) / 255
			i += 3
		}
	}
	return tensor, nil
}

// Grid is one output tensor of the detector: rows x cols cells, each
// predicting K anchors x (5+NumClass) values, flattened row-major.
type Grid struct {
	Rows, Cols int
	Values     []float32 // len == Rows*Cols*K*(5+NumClass)
}

// Backend is the opaque neural-network inference collaborator
// (spec.md §1): maps a normalized 416x416x3 tensor to 2 or 3 output
// grids. No ONNX Runtime binding exists anywhere in the retrieval pack
// to ground a real implementation against (SPEC_FULL.md §3), so the
// only shipped implementation is NullBackend, which the server wires
// into the YOLO detector when a --model is configured.
type Backend interface {
	Infer(ctx context.Context, tensor []float32) ([]Grid, error)
}

// NullBackend always fails; selecting --mode with a real --model but
// no compiled-in backend should fail loudly rather than silently
// returning empty detections.
type NullBackend struct{}

func (NullBackend) Infer(ctx context.Context, tensor []float32) ([]Grid, error) {
	return nil, errors.New("detect: no inference backend compiled in (only the dummy detector is available)")
}
