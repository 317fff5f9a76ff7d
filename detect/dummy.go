package detect

import "context"

// Dummy always returns one fixed box, matching end-to-end scenario 2 in
// spec.md §8 (class 16 "cat", confidence 1.0, box at pixel coordinates
// (131,131,104,104)). original_source/server/detector.py's DummyDetector
// derives a similar but not byte-identical box from 0.5/0.4 width
// fractions; we take spec.md's literal scenario bytes as authoritative
// over that derivation (DESIGN.md Open Question).
type Dummy struct{}

func (Dummy) Perform(ctx context.Context, jpegBytes []byte, threshold float64) ([]Result, error) {
	return []Result{
		{Class: 16, Conf: 1.0, X: 131, Y: 131, W: 104, H: 104},
	}, nil
}
