// Package detect implements the YOLO-style detector capability: a
// Dummy variant for wiring tests and demos, and a neural variant whose
// post-processing stage (sigmoid grid decode + soft-NMS) is the
// in-scope algorithmic core. Inference itself and JPEG decoding are
// external collaborators, specified here only as interfaces.
package detect

import "context"

// Object is one detection, in the normalized (0,1) image-fraction
// coordinates the post-processor in yolo.go works in before the caller
// scales to pixels.
type Object struct {
	Class int     // 1-based class index, per spec.md §9 item 3
	Conf   float64 // confidence from grid decode; soft-NMS does not change it
	X, Y   float64 // top-left corner, normalized
	W, H   float64 // width/height, normalized
}

// Result is one detection already scaled to input-image pixel units,
// ready for wire.Detection packing.
type Result struct {
	Class      int
	Conf       float64
	X, Y, W, H float64
}

// Detector is the capability spec.md §9 asks for in place of a global
// singleton: a value handed explicitly to whatever needs it (here, the
// request dispatcher) at construction time.
type Detector interface {
	// Perform decodes jpegBytes, runs inference (if any) and
	// post-processing, and returns detections whose confidence is at
	// least threshold. ctx carries cancellation only; spec.md's
	// reference design runs this inline with no cancellation points.
	Perform(ctx context.Context, jpegBytes []byte, threshold float64) ([]Result, error)
}

// ImageSize is the fixed input tensor size the spec requires.
const ImageSize = 416

// NumClass is the number of YOLO classes the grid header encodes.
const NumClass = 80

// DefaultThreshold is used when a request's header omits one (the
// legacy 12-byte JPEG header variant).
const DefaultThreshold = 0.3
