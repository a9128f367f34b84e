// Package score provides the similarity functions used to compare feature
// vectors. Higher scores always mean more similar.
package score

import (
	"fmt"
	"math"
	"strings"

	"github.com/andresmejia3/biomatch/internal/types"
)

// Comparator scores two feature vectors. It may be asymmetric.
type Comparator interface {
	Score(a, b []float32) float64
}

// ComparatorFunc adapts a plain function to Comparator.
type ComparatorFunc func(a, b []float32) float64

func (f ComparatorFunc) Score(a, b []float32) float64 { return f(a, b) }

var (
	Cosine     Comparator = ComparatorFunc(CosineSimilarity)
	NegativeL2 Comparator = ComparatorFunc(NegativeEuclidean)
)

// Canonical maps a configured comparator name to "cosine" or "l2".
func Canonical(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cosine", "":
		return "cosine", nil
	case "l2", "euclidean":
		return "l2", nil
	}
	return "", fmt.Errorf("unknown comparator %q: %w", name, types.ErrConfig)
}

// ByName resolves a comparator from config ("cosine" or "l2").
func ByName(name string) (Comparator, error) {
	n, err := Canonical(name)
	if err != nil {
		return nil, err
	}
	if n == "l2" {
		return NegativeL2, nil
	}
	return Cosine, nil
}

// CosineSimilarity returns a value in [-1, 1]. Mismatched, empty or zero
// vectors score -1 so they never outrank a real match.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	return max(-1, min(1, sim))
}

// CosineDistance is 1 - CosineSimilarity, in [0, 2].
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}

// NegativeEuclidean returns -||a-b||. Mismatched vectors score -Inf.
func NegativeEuclidean(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return -math.Sqrt(sum)
}
