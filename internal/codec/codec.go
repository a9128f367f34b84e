// Package codec holds the little-endian binary layouts for templates,
// detections and galleries. Layouts carry explicit counts and no type tags.
// Decoding is all-or-nothing: a malformed buffer never yields a partial value.
package codec

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/andresmejia3/biomatch/internal/types"
)

const (
	countSize       = 8
	floatSize       = 4
	trackRecordSize = 24 // x, y, w, h, frame, confidence
	entryRecordSize = 16 // id, position
)

var le = binary.LittleEndian

// EncodeTemplate writes the byte count followed by the raw feature floats.
func EncodeTemplate(t types.Template) ([]byte, error) {
	if len(t.Vector) == 0 {
		return nil, errors.Wrap(types.ErrFailureToSerialize, "template has no feature vector")
	}
	buf := make([]byte, countSize+len(t.Vector)*floatSize)
	le.PutUint64(buf, uint64(len(t.Vector)*floatSize))
	putFloats(buf[countSize:], t.Vector)
	return buf, nil
}

// DecodeTemplate is the inverse of EncodeTemplate. The buffer must be consumed exactly.
func DecodeTemplate(buf []byte) (types.Template, error) {
	if len(buf) < countSize {
		return types.Template{}, errors.Wrapf(types.ErrFailureToDeserialize, "template header needs %d bytes, got %d", countSize, len(buf))
	}
	n := le.Uint64(buf)
	body := buf[countSize:]
	if n != uint64(len(body)) {
		return types.Template{}, errors.Wrapf(types.ErrFailureToDeserialize, "template declares %d bytes, buffer holds %d", n, len(body))
	}
	if n == 0 || n%floatSize != 0 {
		return types.Template{}, errors.Wrapf(types.ErrFailureToDeserialize, "template length %d is not a whole number of floats", n)
	}
	v := getFloats(body, int(n/floatSize))
	if i := types.NonFinite(v); i >= 0 {
		return types.Template{}, errors.Wrapf(types.ErrFailureToDeserialize, "template feature %d is %v", i, v[i])
	}
	return types.Template{Vector: v}, nil
}

// EncodeDetection writes the record count followed by one 24 byte record per track point.
func EncodeDetection(d types.Detection) ([]byte, error) {
	if err := d.Track.Validate(); err != nil {
		return nil, errors.Wrap(types.ErrFailureToSerialize, err.Error())
	}
	buf := make([]byte, countSize+len(d.Track)*trackRecordSize)
	le.PutUint64(buf, uint64(len(d.Track)))
	off := countSize
	for _, p := range d.Track {
		putTrackPoint(buf[off:], p)
		off += trackRecordSize
	}
	return buf, nil
}

// DecodeDetection is the inverse of EncodeDetection.
func DecodeDetection(buf []byte) (types.Detection, error) {
	if len(buf) < countSize {
		return types.Detection{}, errors.Wrapf(types.ErrFailureToDeserialize, "detection header needs %d bytes, got %d", countSize, len(buf))
	}
	n := le.Uint64(buf)
	body := buf[countSize:]
	if n == 0 || n > uint64(len(body))/trackRecordSize || n*trackRecordSize != uint64(len(body)) {
		return types.Detection{}, errors.Wrapf(types.ErrFailureToDeserialize, "detection declares %d records, buffer holds %d bytes", n, len(body))
	}
	track := make(types.Track, n)
	for i := range track {
		track[i] = getTrackPoint(body[i*trackRecordSize:])
	}
	if err := track.Validate(); err != nil {
		return types.Detection{}, errors.Wrap(types.ErrFailureToDeserialize, err.Error())
	}
	return types.Detection{Track: track}, nil
}

func putTrackPoint(b []byte, p types.TrackPoint) {
	le.PutUint32(b[0:], uint32(p.Rect.X))
	le.PutUint32(b[4:], uint32(p.Rect.Y))
	le.PutUint32(b[8:], uint32(p.Rect.Width))
	le.PutUint32(b[12:], uint32(p.Rect.Height))
	le.PutUint32(b[16:], p.Frame)
	le.PutUint32(b[20:], math.Float32bits(p.Confidence))
}

func getTrackPoint(b []byte) types.TrackPoint {
	return types.TrackPoint{
		Rect: types.Rect{
			X:      int32(le.Uint32(b[0:])),
			Y:      int32(le.Uint32(b[4:])),
			Width:  int32(le.Uint32(b[8:])),
			Height: int32(le.Uint32(b[12:])),
		},
		Frame:      le.Uint32(b[16:]),
		Confidence: math.Float32frombits(le.Uint32(b[20:])),
	}
}

func putFloats(b []byte, v []float32) {
	for i, f := range v {
		le.PutUint32(b[i*floatSize:], math.Float32bits(f))
	}
}

func getFloats(b []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(le.Uint32(b[i*floatSize:]))
	}
	return out
}
