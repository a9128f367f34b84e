package types

import (
	"fmt"
	"math"
	"slices"
)

// Point is a legacy facial landmark carried alongside some templates.
type Point struct {
	X, Y float32
}

// Template is an opaque identity descriptor. The core only ever compares
// Vector through a Comparator; everything else is metadata.
type Template struct {
	Vector    []float32
	Landmarks []Point
	Role      Role
}

// NewTemplate copies vec so the caller may keep mutating its slice.
func NewTemplate(vec []float32, role Role) Template {
	return Template{Vector: slices.Clone(vec), Role: role}
}

// Clone returns a deep copy that shares no memory with t.
func (t Template) Clone() Template {
	return Template{
		Vector:    slices.Clone(t.Vector),
		Landmarks: slices.Clone(t.Landmarks),
		Role:      t.Role,
	}
}

// Dimension is the number of floats in the feature vector.
func (t Template) Dimension() int {
	return len(t.Vector)
}

// Equal compares feature vectors only.
func (t Template) Equal(o Template) bool {
	return slices.Equal(t.Vector, o.Vector)
}

// Validate rejects templates that cannot be compared.
func (t Template) Validate() error {
	if len(t.Vector) == 0 {
		return fmt.Errorf("template has an empty feature vector: %w", ErrBadArgument)
	}
	if i := NonFinite(t.Vector); i >= 0 {
		return fmt.Errorf("feature %d is %v: %w", i, t.Vector[i], ErrBadArgument)
	}
	return nil
}

// NonFinite returns the index of the first NaN or infinite component of v,
// or -1 when every component is finite.
func NonFinite(v []float32) int {
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return i
		}
	}
	return -1
}

// ClusterItem is one clustering output row.
type ClusterItem struct {
	ClusterID  uint32
	SourceID   uint64
	Confidence float64
	Detection  *Detection
}
