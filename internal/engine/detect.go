package engine

import (
	"context"
	"fmt"

	"github.com/andresmejia3/biomatch/internal/batch"
	"github.com/andresmejia3/biomatch/internal/media"
	"github.com/andresmejia3/biomatch/internal/types"
)

// Detect runs the detector on one frame, drops tracks whose smaller side is
// under c.MinObjectSize and then applies c.Policy. Largest compares areas,
// Best compares confidences, and ties go to the leftmost track.
func (s *Session) Detect(ctx context.Context, c *types.Context, f media.Frame) ([]types.Track, error) {
	if s.detector == nil {
		return nil, fmt.Errorf("no detector configured: %w", types.ErrNotImplemented)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	found, err := s.detector.Detect(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("detecting frame %d: %w", f.Index, err)
	}

	kept := make([]types.Track, 0, len(found))
	for i, t := range found {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("detector track %d: %w", i, err)
		}
		if int64(t.Best().Rect.MinSide()) < int64(c.MinObjectSize) {
			continue
		}
		stamped := make(types.Track, len(t))
		for j, p := range t {
			p.Frame = uint32(f.Index)
			stamped[j] = p
		}
		kept = append(kept, stamped)
	}
	return selectTracks(kept, c.Policy), nil
}

func selectTracks(tracks []types.Track, policy types.DetectionPolicy) []types.Track {
	if policy == types.DetectAll || len(tracks) <= 1 {
		return tracks
	}
	best := 0
	for i := 1; i < len(tracks); i++ {
		if outranks(tracks[i].Best(), tracks[best].Best(), policy) {
			best = i
		}
	}
	return tracks[best : best+1]
}

func outranks(a, b types.TrackPoint, policy types.DetectionPolicy) bool {
	switch policy {
	case types.DetectLargest:
		if a.Rect.Area() != b.Rect.Area() {
			return a.Rect.Area() > b.Rect.Area()
		}
	case types.DetectBest:
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
	}
	return a.Rect.X < b.Rect.X
}

// DetectBatch runs Detect over frames under c.BatchPolicy.
func (s *Session) DetectBatch(ctx context.Context, c *types.Context, frames []media.Frame, opts ...batch.Option) batch.Values[[]types.Track] {
	res := batch.Map(ctx, c.BatchPolicy, len(frames), func(ctx context.Context, i int) ([]types.Track, error) {
		return s.Detect(ctx, c, frames[i])
	}, s.batchOpts(opts)...)
	s.observe(ctx, "detect", res.Errors())
	return res
}
