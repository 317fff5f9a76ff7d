// Package dispatch implements the request dispatcher: given a fully
// reassembled up-stream message from a session, it validates the
// application header, runs the detector, serializes the reply, and
// enqueues it on the same session's send path.
package dispatch

import (
	"context"
	"log"
	"math"
	"os"
	"time"

	"github.com/euske/fastdet-go/detect"
	"github.com/euske/fastdet-go/session"
	"github.com/euske/fastdet-go/stats"
	"github.com/euske/fastdet-go/wire"
)

// MinMessageLen is the shortest a message can be and still carry a
// parseable header (the legacy 12-byte JPEG header).
const MinMessageLen = 12

// Dispatcher wires one shared Detector (spec.md §9's "Detector
// capability", not a global singleton) to every session.
type Dispatcher struct {
	Detector detect.Detector
	Stats    *stats.Registry
	Logger   *log.Logger

	// DebugOut, when non-empty, names a file that's overwritten with the
	// most recently received JPEG body on every request (spec.md §6's
	// --debug-out).
	DebugOut string

	// Verbose gates the per-request summary line logged after a
	// successful reply (spec.md §6's --verbose).
	Verbose bool
}

func New(d detect.Detector, st *stats.Registry, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{Detector: d, Stats: st, Logger: logger}
}

// sender is the subset of *session.Session that handle needs; it lets
// tests exercise handle without a real socket.
type sender interface {
	Send(payload []byte, chunkSize int) error
}

// OnMessage matches session.OnMessage's signature, so a *Dispatcher can
// be wired directly as a session's delivery callback.
func (d *Dispatcher) OnMessage(sess *session.Session, msg []byte) {
	d.handle(sess, msg)
}

func (d *Dispatcher) handle(sess sender, msg []byte) {
	if len(msg) < MinMessageLen {
		d.drop("message shorter than minimum header")
		return
	}
	hdr, consumed, err := wire.DecodeJPEGHeader(msg)
	if err != nil {
		d.drop("header parse: " + err.Error())
		return
	}
	body := msg[consumed:]
	if uint32(len(body)) != hdr.Length {
		d.drop("declared length does not match payload size")
		return
	}

	threshold := detect.DefaultThreshold
	if hdr.HasThreshold {
		threshold = float64(hdr.ThresholdX100) / 100
	}

	if d.DebugOut != "" {
		if err := os.WriteFile(d.DebugOut, body, 0o644); err != nil {
			d.Logger.Printf("dispatch: debug-out write: %v", err)
		}
	}

	t0 := time.Now()
	results, err := d.Detector.Perform(context.Background(), body, threshold)
	if err != nil {
		// ImageShapeError and friends: skip the reply, the protocol has
		// no negative-ack (spec.md §7).
		d.Logger.Printf("dispatch: detector error for reqid=%d: %v", hdr.ReqID, err)
		return
	}
	elapsed := time.Since(t0)

	dets := make([]wire.Detection, len(results))
	for i, r := range results {
		dets[i] = wire.Detection{
			Class:   uint8(r.Class),
			Conf255: conf255(r.Conf),
			X:       int16(r.X),
			Y:       int16(r.Y),
			W:       int16(r.W),
			H:       int16(r.H),
		}
	}
	payload := wire.EncodeDetections(dets)
	reply := wire.EncodeYOLOHeader(wire.YOLOHeader{
		ReqID:     hdr.ReqID,
		ElapsedMs: uint32(elapsed.Milliseconds()),
		Length:    uint32(len(payload)),
	})
	reply = append(reply, payload...)

	if err := sess.Send(reply, 0); err != nil {
		d.Logger.Printf("dispatch: send reply for reqid=%d: %v", hdr.ReqID, err)
		return
	}
	if d.Stats != nil {
		d.Stats.DetectionsServed.Inc(int64(len(dets)))
	}
	if d.Verbose {
		d.Logger.Printf("dispatch: reqid=%d detections=%d elapsed=%s", hdr.ReqID, len(dets), elapsed)
	}
}

func (d *Dispatcher) drop(reason string) {
	if d.Stats != nil {
		d.Stats.MessagesDropped.Inc(1)
	}
	d.Logger.Printf("dispatch: dropped message: %s", reason)
}

// conf255 maps a confidence in [0,1] to the wire's uint8 encoding,
// clamping out-of-range input and rounding per spec.md §4.5.
func conf255(conf float64) uint8 {
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return uint8(math.Round(conf * 255))
}
