package types

import (
	"fmt"
	"math"
	"strings"
)

// DetectionPolicy controls how many tracks a detector call keeps.
type DetectionPolicy int

const (
	DetectAll DetectionPolicy = iota
	DetectLargest
	DetectBest
)

// Role records what a template is going to be used for.
type Role int

const (
	ReferenceEnroll Role = iota
	VerificationEnroll
	SearchProbe
	SearchGallery
	ClusterRole
)

// BatchPolicy decides what a batch does with a failing item.
type BatchPolicy int

const (
	// FlagAndFinish attempts every item and flags the batch if any failed.
	FlagAndFinish BatchPolicy = iota
	// AbortEarly stops at the first failing item.
	AbortEarly
)

const (
	// DefaultDimension is the feature vector length produced by the reference extractor.
	DefaultDimension = 128

	// DefaultMaxReturns caps search results when nobody asked for more.
	DefaultMaxReturns = 20

	// DefaultClusterThreshold is the cosine similarity above which two templates are linked.
	DefaultClusterThreshold = 0.7
)

// NoThreshold disables the search score cutoff.
var NoThreshold = -math.MaxFloat64

// Context is the per-call configuration record shared by every operation.
// Treat it as read-only once it has been handed to the core.
type Context struct {
	Policy        DetectionPolicy
	MinObjectSize uint32
	Role          Role
	Threshold     float64
	MaxReturns    uint32 // 0 means unbounded
	// Hint is either a clustering aggressiveness or an upper bound on the subject count.
	Hint float64
	// ClusterThreshold is the pairwise score above which two templates share an edge.
	ClusterThreshold float64
	BatchPolicy      BatchPolicy
}

// DefaultContext returns the conservative defaults used when no config is supplied.
func DefaultContext() Context {
	return Context{
		Policy:           DetectAll,
		Role:             SearchProbe,
		Threshold:        NoThreshold,
		MaxReturns:       DefaultMaxReturns,
		ClusterThreshold: DefaultClusterThreshold,
		BatchPolicy:      FlagAndFinish,
	}
}

// Filtering reports whether Threshold should cut search results.
func (c *Context) Filtering() bool {
	return c.Threshold != NoThreshold && !math.IsInf(c.Threshold, -1)
}

func (p DetectionPolicy) String() string {
	switch p {
	case DetectAll:
		return "all"
	case DetectLargest:
		return "largest"
	case DetectBest:
		return "best"
	}
	return fmt.Sprintf("DetectionPolicy(%d)", int(p))
}

// ParseDetectionPolicy accepts the names printed by DetectionPolicy.String.
func ParseDetectionPolicy(s string) (DetectionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "":
		return DetectAll, nil
	case "largest":
		return DetectLargest, nil
	case "best":
		return DetectBest, nil
	}
	return DetectAll, fmt.Errorf("unknown detection policy %q: %w", s, ErrBadArgument)
}

func (r Role) String() string {
	switch r {
	case ReferenceEnroll:
		return "reference"
	case VerificationEnroll:
		return "verification"
	case SearchProbe:
		return "probe"
	case SearchGallery:
		return "gallery"
	case ClusterRole:
		return "cluster"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole accepts the names printed by Role.String.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reference":
		return ReferenceEnroll, nil
	case "verification":
		return VerificationEnroll, nil
	case "probe", "":
		return SearchProbe, nil
	case "gallery":
		return SearchGallery, nil
	case "cluster":
		return ClusterRole, nil
	}
	return SearchProbe, fmt.Errorf("unknown role %q: %w", s, ErrBadArgument)
}

func (b BatchPolicy) String() string {
	switch b {
	case FlagAndFinish:
		return "flag-and-finish"
	case AbortEarly:
		return "abort-early"
	}
	return fmt.Sprintf("BatchPolicy(%d)", int(b))
}

// ParseBatchPolicy accepts the names printed by BatchPolicy.String.
func ParseBatchPolicy(s string) (BatchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flag-and-finish", "flag", "":
		return FlagAndFinish, nil
	case "abort-early", "abort":
		return AbortEarly, nil
	}
	return FlagAndFinish, fmt.Errorf("unknown batch policy %q: %w", s, ErrBadArgument)
}
