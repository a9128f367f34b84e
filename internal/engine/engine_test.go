package engine

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/biomatch/internal/gallery"
	"github.com/andresmejia3/biomatch/internal/media"
	"github.com/andresmejia3/biomatch/internal/types"
)

// fakeDetector returns canned tracks keyed by frame payload.
type fakeDetector struct {
	tracks map[string][]types.Track
	err    error
}

func (d *fakeDetector) Detect(_ context.Context, f media.Frame) ([]types.Track, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.tracks[string(f.Data)], nil
}

// fakeExtractor returns the vector registered for a rectangle's X offset and
// remembers every frame it saw.
type fakeExtractor struct {
	mu      sync.Mutex
	vectors map[int32][]float32
	frames  []int
}

func (e *fakeExtractor) Extract(_ context.Context, f media.Frame, t types.Track) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, f.Index)
	v, ok := e.vectors[t[0].Rect.X]
	if !ok {
		return nil, errors.New("no features")
	}
	return v, nil
}

func point(x, w int32, conf float32) types.Track {
	return types.Track{{Rect: types.Rect{X: x, Y: 0, Width: w, Height: w}, Confidence: conf}}
}

func newCtx() *types.Context {
	c := types.DefaultContext()
	return &c
}

func TestDetectPolicies(t *testing.T) {
	det := &fakeDetector{tracks: map[string][]types.Track{
		"crowd": {
			point(50, 10, 0.9),
			point(10, 30, 0.5),
			point(30, 30, 0.5),
			point(70, 4, 0.99),
		},
	}}
	s := New(det, nil)
	frame := media.Frame{Index: 7, Data: []byte("crowd")}

	tests := []struct {
		name    string
		policy  types.DetectionPolicy
		minSize uint32
		wantX   []int32
	}{
		{"all keeps everything", types.DetectAll, 0, []int32{50, 10, 30, 70}},
		{"min size filters", types.DetectAll, 10, []int32{50, 10, 30}},
		{"largest ties go left", types.DetectLargest, 0, []int32{10}},
		{"best by confidence", types.DetectBest, 0, []int32{70}},
		{"best after filtering", types.DetectBest, 5, []int32{50}},
		{"min size above int32 drops all", types.DetectAll, math.MaxUint32, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCtx()
			c.Policy = tt.policy
			c.MinObjectSize = tt.minSize
			tracks, err := s.Detect(context.Background(), c, frame)
			require.NoError(t, err)
			var xs []int32
			for _, tr := range tracks {
				xs = append(xs, tr[0].Rect.X)
				assert.EqualValues(t, 7, tr[0].Frame)
			}
			assert.Equal(t, tt.wantX, xs)
		})
	}
}

func TestDetectErrors(t *testing.T) {
	c := newCtx()
	_, err := New(nil, nil).Detect(context.Background(), c, media.Frame{Data: []byte("x")})
	assert.ErrorIs(t, err, types.ErrNotImplemented)

	s := New(&fakeDetector{}, nil)
	_, err = s.Detect(context.Background(), c, media.Frame{})
	assert.ErrorIs(t, err, types.ErrInvalidMedia)

	s = New(&fakeDetector{err: types.ErrInvalidMedia}, nil)
	_, err = s.Detect(context.Background(), c, media.Frame{Data: []byte("x")})
	assert.ErrorIs(t, err, types.ErrInvalidMedia)
}

func TestDetectBatchAbortEarly(t *testing.T) {
	det := &fakeDetector{tracks: map[string][]types.Track{"a": {point(0, 5, 1)}}}
	s := New(det, nil)
	c := newCtx()
	c.BatchPolicy = types.AbortEarly

	frames := []media.Frame{
		{Index: 0, Data: []byte("a")},
		{Index: 1},
		{Index: 2, Data: []byte("a")},
	}
	res := s.DetectBatch(context.Background(), c, frames)
	assert.ErrorIs(t, res.Status, types.ErrBatchAbortedEarly)
	require.Len(t, res.Items, 2)
	assert.Len(t, res.Items[0].Value, 1)
	assert.ErrorIs(t, res.Items[1].Err, types.ErrInvalidMedia)
}

func TestEnrollMediaAveragesFrames(t *testing.T) {
	det := &fakeDetector{tracks: map[string][]types.Track{
		"left":  {point(1, 20, 0.9)},
		"right": {point(2, 20, 0.9), point(3, 10, 0.9)},
		"empty": nil,
	}}
	ext := &fakeExtractor{vectors: map[int32][]float32{
		1: {2, 0},
		2: {0, 5},
	}}
	s := New(det, ext)
	c := newCtx()
	c.Role = types.ReferenceEnroll

	src := media.NewSliceSource([]byte("left"), []byte("empty"), []byte("right"))
	tmpl, dets, err := s.EnrollMedia(context.Background(), c, src)
	require.NoError(t, err)

	want := float32(1 / math.Sqrt2)
	require.Len(t, tmpl.Vector, 2)
	assert.InDelta(t, want, tmpl.Vector[0], 1e-6)
	assert.InDelta(t, want, tmpl.Vector[1], 1e-6)
	assert.Equal(t, types.ReferenceEnroll, tmpl.Role)

	require.Len(t, dets, 1)
	require.Len(t, dets[0].Track, 2)
	assert.NoError(t, dets[0].Track.Validate())
	assert.EqualValues(t, 0, dets[0].Track[0].Frame)
	assert.EqualValues(t, 2, dets[0].Track[1].Frame)
	assert.EqualValues(t, 2, dets[0].Track[1].Rect.X, "largest sighting linked")
}

func TestEnrollMediaNothingFound(t *testing.T) {
	s := New(&fakeDetector{}, &fakeExtractor{})
	_, _, err := s.EnrollMedia(context.Background(), newCtx(), media.NewSliceSource([]byte("a"), []byte("b")))
	assert.ErrorIs(t, err, types.ErrFailureToEnroll)
	assert.Equal(t, types.FailureToEnroll, types.KindOf(err))
}

func TestEnrollMediaBatchFlagAndFinish(t *testing.T) {
	det := &fakeDetector{tracks: map[string][]types.Track{"face": {point(1, 20, 0.9)}}}
	ext := &fakeExtractor{vectors: map[int32][]float32{1: {3, 4}}}
	s := New(det, ext, WithWorkers(2))

	sources := []media.FrameSource{
		media.NewSliceSource([]byte("face")),
		media.NewSliceSource([]byte("nothing")),
		media.NewSliceSource([]byte("face"), []byte("face")),
	}
	res := s.EnrollMediaBatch(context.Background(), newCtx(), sources)
	assert.ErrorIs(t, res.Status, types.ErrBatchFinishedWithErrors)
	require.Len(t, res.Items, 3)
	assert.NoError(t, res.Items[0].Err)
	assert.ErrorIs(t, res.Items[1].Err, types.ErrFailureToEnroll)
	assert.NoError(t, res.Items[2].Err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, res.Items[2].Value.Template.Vector, 1e-6)
}

func TestEnrollDetectionsReadsForward(t *testing.T) {
	ext := &fakeExtractor{vectors: map[int32][]float32{1: {1, 0}, 2: {1, 0}}}
	s := New(nil, ext)

	var stream []byte
	for _, b := range []byte{10, 11, 12, 13} {
		stream = append(stream, 0xFF, 0xD8, b, 0xFF, 0xD9)
	}
	src := media.NewStreamSource(bytes.NewReader(stream), 4)

	dets := []types.Detection{
		{Track: types.Track{{Rect: types.Rect{X: 2, Width: 5, Height: 5}, Frame: 3}}},
		{Track: types.Track{
			{Rect: types.Rect{X: 1, Width: 5, Height: 5}, Frame: 1},
			{Rect: types.Rect{X: 2, Width: 5, Height: 5}, Frame: 1},
		}},
	}
	tmpl, err := s.EnrollDetections(context.Background(), newCtx(), src, dets)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 0}, tmpl.Vector, 1e-6)
	assert.Equal(t, []int{1, 1, 3}, ext.frames)
}

func TestEnrollDetectionsErrors(t *testing.T) {
	ext := &fakeExtractor{vectors: map[int32][]float32{1: {1, 0}}}
	s := New(nil, ext)
	c := newCtx()
	ctx := context.Background()

	_, err := s.EnrollDetections(ctx, c, media.NewSliceSource([]byte("a")), nil)
	assert.ErrorIs(t, err, types.ErrBadArgument)

	_, err = s.EnrollDetections(ctx, c, media.NewSliceSource([]byte("a")), []types.Detection{{}})
	assert.ErrorIs(t, err, types.ErrBadArgument)

	missing := []types.Detection{{Track: types.Track{{Rect: types.Rect{X: 1}, Frame: 4}}}}
	_, err = s.EnrollDetections(ctx, c, media.NewSliceSource([]byte("a")), missing)
	assert.Error(t, err)

	res := s.EnrollDetectionsBatch(ctx, c, []media.FrameSource{media.NewSliceSource([]byte("a"))}, nil)
	assert.ErrorIs(t, res.Status, types.ErrBadArgument)
	assert.Empty(t, res.Items)
}

func TestVerify(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	a := types.NewTemplate([]float32{1, 0}, types.ReferenceEnroll)
	b := types.NewTemplate([]float32{0, 1}, types.VerificationEnroll)

	got, err := s.Verify(ctx, a, a)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)

	got, err = s.Verify(ctx, a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got, 1e-9)

	_, err = s.Verify(ctx, a, types.NewTemplate([]float32{1, 0, 0}, types.VerificationEnroll))
	assert.ErrorIs(t, err, types.ErrBadArgument)

	res := s.VerifyBatch(ctx, newCtx(), []types.Template{a, a}, []types.Template{b, {}})
	assert.ErrorIs(t, res.Status, types.ErrBatchFinishedWithErrors)
	require.Len(t, res.Items, 2)
	assert.NoError(t, res.Items[0].Err)
	assert.ErrorIs(t, res.Items[1].Err, types.ErrBadArgument)

	res = s.VerifyBatch(ctx, newCtx(), []types.Template{a}, nil)
	assert.ErrorIs(t, res.Status, types.ErrBadArgument)
}

func TestGalleryAndSearch(t *testing.T) {
	s := New(nil, nil, WithMetrics(true))
	ctx := context.Background()
	c := newCtx()
	g := gallery.New()

	templates := []types.Template{
		types.NewTemplate([]float32{1, 0}, types.SearchGallery),
		types.NewTemplate([]float32{0, 1}, types.SearchGallery),
		types.NewTemplate([]float32{1, 1}, types.SearchGallery),
	}
	res := s.InsertBatch(ctx, c, "test", g, templates, []uint64{10, 20, 30})
	require.NoError(t, res.Status)
	assert.Equal(t, 3, g.Len())

	hits, err := s.Search(ctx, c, templates[0], g)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 30, 20}, hits.IDs)

	res = s.RemoveBatch(ctx, c, "test", g, []uint64{30, 99})
	assert.ErrorIs(t, res.Status, types.ErrBatchFinishedWithErrors)
	assert.ErrorIs(t, res.Items[1], types.ErrMissingID)

	batchHits := s.SearchBatch(ctx, c, templates[:2], g)
	require.NoError(t, batchHits.Status)
	assert.Equal(t, []uint64{10, 20}, batchHits.Items[0].Value.IDs)
	assert.Equal(t, []uint64{20, 10}, batchHits.Items[1].Value.IDs)
}

func TestClusterSessions(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	c := newCtx()
	a := types.NewTemplate([]float32{1, 0}, types.ClusterRole)
	b := types.NewTemplate([]float32{0.99, 0.05}, types.ClusterRole)
	far := types.NewTemplate([]float32{0, 1}, types.ClusterRole)

	items, err := s.Cluster(ctx, c, []types.Template{a, b, far}, []uint64{7, 8, 9})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, items[0].ClusterID, items[1].ClusterID)
	assert.NotEqual(t, items[0].ClusterID, items[2].ClusterID)
	assert.EqualValues(t, 9, items[2].SourceID)

	_, err = s.Cluster(ctx, c, []types.Template{a}, nil)
	assert.ErrorIs(t, err, types.ErrBadArgument)

	grouped, err := s.ClusterMedia(ctx, c,
		[][]types.Template{{a}, {}, {b, far}},
		[][]uint64{{1}, {}, {2, 3}})
	require.NoError(t, err)
	require.Len(t, grouped, 3)
	assert.Len(t, grouped[0], 1)
	assert.Empty(t, grouped[1])
	require.Len(t, grouped[2], 2)
	assert.Equal(t, grouped[0][0].ClusterID, grouped[2][0].ClusterID)
	assert.EqualValues(t, 3, grouped[2][1].SourceID)

	_, err = s.ClusterMedia(ctx, c, [][]types.Template{{a}}, [][]uint64{{1, 2}})
	assert.ErrorIs(t, err, types.ErrBadArgument)
}

func TestSessionsAreIndependent(t *testing.T) {
	a := New(nil, nil)
	b := New(nil, nil)
	assert.NotEqual(t, a.ID(), b.ID())
}
