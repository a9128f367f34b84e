package types

import "fmt"

// Rect is an axis aligned bounding box in pixel coordinates.
type Rect struct {
	X, Y, Width, Height int32
}

// Area returns width*height, widened so large frames cannot overflow.
func (r Rect) Area() int64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return int64(r.Width) * int64(r.Height)
}

// MinSide is the shorter of width and height.
func (r Rect) MinSide() int32 {
	return min(r.Width, r.Height)
}

// TrackPoint is one sighting of a subject.
type TrackPoint struct {
	Rect       Rect
	Frame      uint32
	Confidence float32
}

// Track describes one subject across one or more frames of a media item.
type Track []TrackPoint

// Validate checks the track is non-empty with non-decreasing frame indices.
func (t Track) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("empty track: %w", ErrBadArgument)
	}
	for i := 1; i < len(t); i++ {
		if t[i].Frame < t[i-1].Frame {
			return fmt.Errorf("track frame %d follows frame %d: %w", t[i].Frame, t[i-1].Frame, ErrBadArgument)
		}
	}
	return nil
}

// Best returns the most confident sighting, earliest first on ties.
func (t Track) Best() TrackPoint {
	best := t[0]
	for _, p := range t[1:] {
		if p.Confidence > best.Confidence {
			best = p
		}
	}
	return best
}

// Detection wraps exactly one track.
type Detection struct {
	Track Track
}

// Clone deep-copies the detection.
func (d Detection) Clone() Detection {
	out := make(Track, len(d.Track))
	copy(out, d.Track)
	return Detection{Track: out}
}
