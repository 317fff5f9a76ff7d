package detect

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Anchor is a prior (width, height) pair in pixel units, used to decode
// network-predicted box dimensions (spec.md §4.6).
type Anchor struct{ W, H float64 }

// anchors3 and anchors2 are the two anchor tables spec.md §4.6 gives,
// keyed by the number of output grids a model produces. Recovered
// verbatim from original_source/server/detector.py's ONNXDetector.ANCHORS.
var (
	anchors3 = [][]Anchor{
		{{116, 90}, {156, 198}, {373, 326}},
		{{30, 61}, {62, 45}, {59, 119}},
		{{10, 13}, {16, 30}, {33, 23}},
	}
	anchors2 = [][]Anchor{
		{{81, 82}, {135, 169}, {344, 319}},
		{{10, 14}, {23, 27}, {37, 58}},
	}
)

func anchorsFor(numGrids int) ([][]Anchor, error) {
	switch numGrids {
	case 3:
		return anchors3, nil
	case 2:
		return anchors2, nil
	default:
		return nil, errors.Errorf("detect: unsupported grid count %d (want 2 or 3)", numGrids)
	}
}

func sigmoid(x float32) float64 {
	return 1 / (1 + math.Exp(-float64(x)))
}

// decodeGrid implements spec.md §4.6's per-cell, per-anchor decode. k
// anchors are expected per cell, each with 5+NumClass channel values.
func decodeGrid(g Grid, anchors []Anchor, threshold float64) []Object {
	k := len(anchors)
	stride := k * (5 + NumClass)
	var out []Object
	for y0 := 0; y0 < g.Rows; y0++ {
		for x0 := 0; x0 < g.Cols; x0++ {
			cellOff := (y0*g.Cols + x0) * stride
			cell := g.Values[cellOff : cellOff+stride]
			for ai, a := range anchors {
				b := ai * (5 + NumClass)
				conf := sigmoid(cell[b+4])
				if conf < threshold {
					continue
				}
				cx := (float64(x0) + sigmoid(cell[b+0])) / float64(g.Cols)
				cy := (float64(y0) + sigmoid(cell[b+1])) / float64(g.Rows)
				w := a.W * math.Exp(float64(cell[b+2])) / ImageSize
				h := a.H * math.Exp(float64(cell[b+3])) / ImageSize

				mi, mv := 0, cell[b+5]
				for i := 1; i < NumClass; i++ {
					if cell[b+5+i] > mv {
						mi, mv = i, cell[b+5+i]
					}
				}
				conf *= sigmoid(mv)
				if conf < threshold {
					continue
				}
				out = append(out, Object{
					Class: mi + 1, // 1-based per spec.md §9 item 3
					Conf:  conf,
					X:     cx - w/2,
					Y:     cy - h/2,
					W:     w,
					H:     h,
				})
			}
		}
	}
	return out
}

// rectIntersect returns the intersection rectangle of two (x,y,w,h)
// boxes. Width/height are <= 0 when they don't overlap.
func rectIntersect(x0, y0, w0, h0, x1, y1, w1, h1 float64) (x, y, w, h float64) {
	x = math.Max(x0, x1)
	y = math.Max(y0, y1)
	w = math.Min(x0+w0, x1+w1) - x
	h = math.Min(y0+h0, y1+h1) - y
	return
}

// softNMSBeta is the Gaussian decay constant spec.md §4.6 fixes at 3.
const softNMSBeta = 3

// softNMS implements spec.md §4.6's Gaussian-style soft non-maximum
// suppression, including its source-preserved quirk: IoU here is
// intersection-over-kept-box-area, not true intersection-over-union
// (spec.md §9 item 2 — preserved deliberately, not a bug we fixed).
func softNMS(objs []Object, threshold float64) []Object {
	type scored struct {
		obj   Object
		score float64
	}
	cands := make([]scored, len(objs))
	for i, o := range objs {
		cands[i] = scored{obj: o, score: o.Conf}
	}

	var result []scored
	for len(cands) > 0 {
		mi := 0
		for i := 1; i < len(cands); i++ {
			if cands[i].score > cands[mi].score {
				mi = i
			}
		}
		if cands[mi].score < threshold {
			break
		}
		kept := cands[mi]
		result = append(result, kept)
		cands = append(cands[:mi], cands[mi+1:]...)

		kx, ky, kw, kh := kept.obj.X, kept.obj.Y, kept.obj.W, kept.obj.H
		keptArea := kw * kh
		for i := range cands {
			o := cands[i].obj
			_, _, iw, ih := rectIntersect(kx, ky, kw, kh, o.X, o.Y, o.W, o.H)
			var iou float64
			if iw > 0 && ih > 0 && keptArea > 0 {
				iou = (iw * ih) / keptArea
			}
			cands[i].score *= math.Exp(-softNMSBeta * iou * iou)
		}
	}

	// The decayed score orders the surviving boxes (and drives which
	// ones survive threshold above), but the reported Conf stays the
	// original, pre-decay confidence: original_source/server/detector.py's
	// ONNXDetector.perform serializes obj.conf, which soft_nms never
	// mutates, and spec.md §8's testable property holds every output
	// box's original confidence to the threshold.
	sort.SliceStable(result, func(i, j int) bool { return result[i].score > result[j].score })
	out := make([]Object, len(result))
	for i, r := range result {
		out[i] = r.obj
	}
	return out
}

// YOLO is the neural detector variant: grid decode + soft-NMS behind
// the Detector capability. Decode and Backend are injected so the
// post-processing core (the in-scope ~30% of the system) is testable
// without a real image codec or inference engine.
type YOLO struct {
	Decode  ImageDecoder
	Backend Backend
}

func NewYOLO(decode ImageDecoder, backend Backend) *YOLO {
	if decode == nil {
		decode = StdlibJPEGDecoder{}
	}
	if backend == nil {
		backend = NullBackend{}
	}
	return &YOLO{Decode: decode, Backend: backend}
}

func (y *YOLO) Perform(ctx context.Context, jpegBytes []byte, threshold float64) ([]Result, error) {
	tensor, err := y.Decode.Decode(jpegBytes)
	if err != nil {
		return nil, err
	}
	grids, err := y.Backend.Infer(ctx, tensor)
	if err != nil {
		return nil, err
	}
	anchorTables, err := anchorsFor(len(grids))
	if err != nil {
		return nil, err
	}

	var objs []Object
	for i, g := range grids {
		objs = append(objs, decodeGrid(g, anchorTables[i], threshold)...)
	}
	kept := softNMS(objs, threshold)

	out := make([]Result, len(kept))
	for i, o := range kept {
		out[i] = Result{
			Class: o.Class,
			Conf:  o.Conf,
			X:     o.X * ImageSize,
			Y:     o.Y * ImageSize,
			W:     o.W * ImageSize,
			H:     o.H * ImageSize,
		}
	}
	return out, nil
}
