package engine

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/andresmejia3/biomatch/internal/batch"
	"github.com/andresmejia3/biomatch/internal/media"
	"github.com/andresmejia3/biomatch/internal/metrics"
	"github.com/andresmejia3/biomatch/internal/types"
)

// Enrollment is one template and the detections it was built from.
type Enrollment struct {
	Template   types.Template
	Detections []types.Detection
}

// EnrollMedia detects on every frame of src, links the selected sighting of
// each frame into one track, extracts a vector per sighting and averages
// them into a single template. Under DetectAll the largest sighting is
// linked, since one template describes one subject.
func (s *Session) EnrollMedia(ctx context.Context, c *types.Context, src media.FrameSource) (types.Template, []types.Detection, error) {
	if s.extractor == nil {
		return types.Template{}, nil, fmt.Errorf("no feature extractor configured: %w", types.ErrNotImplemented)
	}
	pick := *c
	if pick.Policy == types.DetectAll {
		pick.Policy = types.DetectLargest
	}

	var (
		track   types.Track
		vectors [][]float32
	)
	for {
		f, ok, err := src.Next(ctx)
		if err != nil {
			return types.Template{}, nil, err
		}
		if !ok {
			break
		}
		tracks, err := s.Detect(ctx, &pick, f)
		if err != nil {
			return types.Template{}, nil, err
		}
		if len(tracks) == 0 {
			continue
		}
		point := tracks[0].Best()
		vec, err := s.extract(ctx, f, point)
		if err != nil {
			return types.Template{}, nil, err
		}
		track = append(track, point)
		vectors = append(vectors, vec)
	}
	if len(vectors) == 0 {
		return types.Template{}, nil, fmt.Errorf("no object found in %d frames: %w", max(src.Len(), 0), types.ErrFailureToEnroll)
	}

	t, err := s.fuse(vectors, c.Role)
	if err != nil {
		return types.Template{}, nil, err
	}
	return t, []types.Detection{{Track: track}}, nil
}

// EnrollMediaBatch enrolls each source under c.BatchPolicy.
func (s *Session) EnrollMediaBatch(ctx context.Context, c *types.Context, sources []media.FrameSource, opts ...batch.Option) batch.Values[Enrollment] {
	res := batch.Map(ctx, c.BatchPolicy, len(sources), func(ctx context.Context, i int) (Enrollment, error) {
		t, dets, err := s.EnrollMedia(ctx, c, sources[i])
		return Enrollment{Template: t, Detections: dets}, err
	}, s.batchOpts(opts)...)
	s.observe(ctx, "enroll_media", res.Errors())
	return res
}

// EnrollDetections builds one template from sightings found earlier. Every
// point of every detection is extracted from its frame, so src is read
// forward once in frame order.
func (s *Session) EnrollDetections(ctx context.Context, c *types.Context, src media.FrameSource, dets []types.Detection) (types.Template, error) {
	if s.extractor == nil {
		return types.Template{}, fmt.Errorf("no feature extractor configured: %w", types.ErrNotImplemented)
	}
	if len(dets) == 0 {
		return types.Template{}, fmt.Errorf("no detections to enroll: %w", types.ErrBadArgument)
	}
	var points []types.TrackPoint
	for i, d := range dets {
		if err := d.Track.Validate(); err != nil {
			return types.Template{}, fmt.Errorf("detection %d: %w", i, err)
		}
		points = append(points, d.Track...)
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Frame < points[j].Frame })

	vectors := make([][]float32, 0, len(points))
	var current media.Frame
	loaded := false
	for _, p := range points {
		if !loaded || current.Index != int(p.Frame) {
			f, err := frameAt(ctx, src, int(p.Frame))
			if err != nil {
				return types.Template{}, err
			}
			current, loaded = f, true
		}
		vec, err := s.extract(ctx, current, p)
		if err != nil {
			return types.Template{}, err
		}
		vectors = append(vectors, vec)
	}
	return s.fuse(vectors, c.Role)
}

// EnrollDetectionsBatch pairs sources[i] with dets[i].
func (s *Session) EnrollDetectionsBatch(ctx context.Context, c *types.Context, sources []media.FrameSource, dets [][]types.Detection, opts ...batch.Option) batch.Values[types.Template] {
	if len(sources) != len(dets) {
		return batch.Values[types.Template]{
			Status: fmt.Errorf("%d sources but %d detection lists: %w", len(sources), len(dets), types.ErrBadArgument),
		}
	}
	res := batch.Map(ctx, c.BatchPolicy, len(sources), func(ctx context.Context, i int) (types.Template, error) {
		return s.EnrollDetections(ctx, c, sources[i], dets[i])
	}, s.batchOpts(opts)...)
	s.observe(ctx, "enroll_detections", res.Errors())
	return res
}

func frameAt(ctx context.Context, src media.FrameSource, index int) (media.Frame, error) {
	if err := src.Seek(index); err != nil {
		return media.Frame{}, err
	}
	f, ok, err := src.Next(ctx)
	if err != nil {
		return media.Frame{}, err
	}
	if !ok || f.Index != index {
		return media.Frame{}, fmt.Errorf("frame %d not in media: %w", index, types.ErrInvalidMedia)
	}
	return f, nil
}

func (s *Session) extract(ctx context.Context, f media.Frame, p types.TrackPoint) ([]float32, error) {
	vec, err := s.extractor.Extract(ctx, f, types.Track{p})
	if err != nil {
		return nil, fmt.Errorf("extracting frame %d: %w", f.Index, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("extractor returned no features for frame %d: %w", f.Index, types.ErrFailureToEnroll)
	}
	return vec, nil
}

// fuse averages unit-length copies of vectors and normalizes the mean.
func (s *Session) fuse(vectors [][]float32, role types.Role) (types.Template, error) {
	dim := len(vectors[0])
	sum := make([]float64, dim)
	buf := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return types.Template{}, fmt.Errorf("vector %d has dimension %d, want %d: %w", i, len(v), dim, types.ErrFailureToEnroll)
		}
		for j, x := range v {
			buf[j] = float64(x)
		}
		if n := floats.Norm(buf, 2); n > 0 {
			floats.Scale(1/n, buf)
		}
		floats.Add(sum, buf)
	}
	n := floats.Norm(sum, 2)
	if n == 0 {
		return types.Template{}, fmt.Errorf("features cancel out: %w", types.ErrFailureToEnroll)
	}
	floats.Scale(1/n, sum)

	out := make([]float32, dim)
	for j, x := range sum {
		out[j] = float32(x)
	}
	if s.metrics {
		metrics.TemplatesEnrolled.Inc()
	}
	return types.Template{Vector: out, Role: role}, nil
}
