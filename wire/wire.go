// Package wire packs and unpacks the transport header, the two
// application-message headers, and detection tuples that make up the
// fastdet data protocol. Every integer on the wire is big-endian.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Payload-type values for the transport header's low 7 bits.
const (
	PTData = 96 // application data, continuation or final fragment
)

// EndMarker is OR'd into pt on the final fragment of an application message.
const EndMarker = 0x80

// HeaderFlags is the literal flags byte the reference protocol always sends.
const HeaderFlags = 0x80

// HeaderLen is the size of the 4-byte transport header.
const HeaderLen = 4

// Header is the 4-byte per-datagram transport header.
type Header struct {
	Flags byte
	PT    byte
	Seq   uint16
}

// IsData returns true if this header's payload-type identifies application data.
func (h Header) IsData() bool {
	return h.PT&0x7f == PTData
}

// Final returns true if this header marks the last fragment of a message.
func (h Header) Final() bool {
	return h.PT&EndMarker != 0
}

// Encode returns the 4-byte wire form of h in a new slice.
func Encode(h Header) []byte {
	b := make([]byte, HeaderLen)
	b[0] = h.Flags
	b[1] = h.PT
	binary.BigEndian.PutUint16(b[2:4], h.Seq)
	return b
}

// Decode parses a transport header from the front of b.
func Decode(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, errors.New("wire: short transport header")
	}
	return Header{
		Flags: b[0],
		PT:    b[1],
		Seq:   binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// Magic values for the two application-message headers.
var (
	MagicJPEG = [4]byte{'J', 'P', 'E', 'G'}
	MagicYOLO = [4]byte{'Y', 'O', 'L', 'O'}
)

// JPEGHeaderLen is the 16-byte header carrying a client-chosen threshold.
// spec.md §9 flags the 12-vs-16-byte ambiguity; we standardize on the
// 16-byte form so the threshold is client-controlled (DESIGN.md).
const JPEGHeaderLen = 16

// jpegHeaderLenLegacy is the older 12-byte form (no threshold field),
// accepted on decode for compatibility with that protocol variant.
const jpegHeaderLenLegacy = 12

// YOLOHeaderLen is the fixed 16-byte down-stream result header.
const YOLOHeaderLen = 16

// JPEGHeader is the up-stream application message header.
type JPEGHeader struct {
	ReqID        uint32
	ThresholdX100 uint32 // absent in the legacy 12-byte variant; see DecodeJPEGHeader
	Length       uint32
	HasThreshold bool
}

// EncodeJPEGHeader always emits the 16-byte form.
func EncodeJPEGHeader(h JPEGHeader) []byte {
	b := make([]byte, JPEGHeaderLen)
	copy(b[0:4], MagicJPEG[:])
	binary.BigEndian.PutUint32(b[4:8], h.ReqID)
	binary.BigEndian.PutUint32(b[8:12], h.ThresholdX100)
	binary.BigEndian.PutUint32(b[12:16], h.Length)
	return b
}

// DecodeJPEGHeader accepts both the 16-byte (magic, reqid, threshold_x100,
// len) and the legacy 12-byte (magic, reqid, len) forms. When b holds 16
// or more bytes, the legacy form is chosen only if its len field matches
// the bytes after a 12-byte header and the 16-byte form's len does not.
func DecodeJPEGHeader(b []byte) (JPEGHeader, int, error) {
	if len(b) >= JPEGHeaderLen {
		if string(b[0:4]) != string(MagicJPEG[:]) {
			return JPEGHeader{}, 0, errors.New("wire: bad JPEG magic")
		}
		length := binary.BigEndian.Uint32(b[12:16])
		legacyLength := binary.BigEndian.Uint32(b[8:12])
		if uint64(length) != uint64(len(b)-JPEGHeaderLen) && uint64(legacyLength) == uint64(len(b)-jpegHeaderLenLegacy) {
			return JPEGHeader{
				ReqID:  binary.BigEndian.Uint32(b[4:8]),
				Length: legacyLength,
			}, jpegHeaderLenLegacy, nil
		}
		return JPEGHeader{
			ReqID:         binary.BigEndian.Uint32(b[4:8]),
			ThresholdX100: binary.BigEndian.Uint32(b[8:12]),
			Length:        length,
			HasThreshold:  true,
		}, JPEGHeaderLen, nil
	}
	if len(b) >= jpegHeaderLenLegacy {
		if string(b[0:4]) != string(MagicJPEG[:]) {
			return JPEGHeader{}, 0, errors.New("wire: bad JPEG magic")
		}
		return JPEGHeader{
			ReqID:  binary.BigEndian.Uint32(b[4:8]),
			Length: binary.BigEndian.Uint32(b[8:12]),
		}, jpegHeaderLenLegacy, nil
	}
	return JPEGHeader{}, 0, errors.New("wire: short JPEG header")
}

// YOLOHeader is the down-stream application message header.
type YOLOHeader struct {
	ReqID     uint32
	ElapsedMs uint32
	Length    uint32
}

func EncodeYOLOHeader(h YOLOHeader) []byte {
	b := make([]byte, YOLOHeaderLen)
	copy(b[0:4], MagicYOLO[:])
	binary.BigEndian.PutUint32(b[4:8], h.ReqID)
	binary.BigEndian.PutUint32(b[8:12], h.ElapsedMs)
	binary.BigEndian.PutUint32(b[12:16], h.Length)
	return b
}

func DecodeYOLOHeader(b []byte) (YOLOHeader, error) {
	if len(b) < YOLOHeaderLen {
		return YOLOHeader{}, errors.New("wire: short YOLO header")
	}
	if string(b[0:4]) != string(MagicYOLO[:]) {
		return YOLOHeader{}, errors.New("wire: bad YOLO magic")
	}
	return YOLOHeader{
		ReqID:     binary.BigEndian.Uint32(b[4:8]),
		ElapsedMs: binary.BigEndian.Uint32(b[8:12]),
		Length:    binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// DetectionLen is the wire size of one packed detection tuple.
const DetectionLen = 10

// Detection is one packed bounding box, in input-image pixel units.
type Detection struct {
	Class   uint8
	Conf255 uint8
	X, Y, W, H int16
}

func EncodeDetection(d Detection) []byte {
	b := make([]byte, DetectionLen)
	b[0] = d.Class
	b[1] = d.Conf255
	binary.BigEndian.PutUint16(b[2:4], uint16(d.X))
	binary.BigEndian.PutUint16(b[4:6], uint16(d.Y))
	binary.BigEndian.PutUint16(b[6:8], uint16(d.W))
	binary.BigEndian.PutUint16(b[8:10], uint16(d.H))
	return b
}

func DecodeDetection(b []byte) (Detection, error) {
	if len(b) < DetectionLen {
		return Detection{}, errors.New("wire: short detection tuple")
	}
	return Detection{
		Class:   b[0],
		Conf255: b[1],
		X:       int16(binary.BigEndian.Uint16(b[2:4])),
		Y:       int16(binary.BigEndian.Uint16(b[4:6])),
		W:       int16(binary.BigEndian.Uint16(b[6:8])),
		H:       int16(binary.BigEndian.Uint16(b[8:10])),
	}, nil
}

// EncodeDetections packs a list of detections back-to-back.
func EncodeDetections(ds []Detection) []byte {
	b := make([]byte, 0, len(ds)*DetectionLen)
	for _, d := range ds {
		b = append(b, EncodeDetection(d)...)
	}
	return b
}

// DecodeDetections unpacks a byte slice of concatenated detection tuples.
func DecodeDetections(b []byte) ([]Detection, error) {
	if len(b)%DetectionLen != 0 {
		return nil, errors.New("wire: detection payload not a multiple of tuple size")
	}
	out := make([]Detection, 0, len(b)/DetectionLen)
	for i := 0; i < len(b); i += DetectionLen {
		d, err := DecodeDetection(b[i : i+DetectionLen])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
