package search

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/biomatch/internal/gallery"
	"github.com/andresmejia3/biomatch/internal/score"
	"github.com/andresmejia3/biomatch/internal/types"
)

func tmpl(v ...float32) types.Template {
	return types.NewTemplate(v, types.SearchProbe)
}

func ctxWith(maxReturns uint32, threshold float64) *types.Context {
	c := types.DefaultContext()
	c.MaxReturns = maxReturns
	c.Threshold = threshold
	return &c
}

func mustGallery(t *testing.T, ts []types.Template, ids []uint64) *gallery.Gallery {
	t.Helper()
	g, err := gallery.Create(ts, ids)
	require.NoError(t, err)
	require.NoError(t, g.Prepare())
	return g
}

func randomGallery(t *testing.T, r *rand.Rand, n, dim int) *gallery.Gallery {
	t.Helper()
	ts := make([]types.Template, n)
	ids := make([]uint64, n)
	for i := range ts {
		v := make([]float32, dim)
		for j := range v {
			v[j] = r.Float32()*2 - 1
		}
		ts[i] = tmpl(v...)
		ids[i] = uint64(r.IntN(1 << 30))
	}
	// dedupe ids
	seen := map[uint64]bool{}
	for i := range ids {
		for seen[ids[i]] {
			ids[i]++
		}
		seen[ids[i]] = true
	}
	return mustGallery(t, ts, ids)
}

func TestSelfMatchComesFirst(t *testing.T) {
	v1, v2 := tmpl(1, 0.2, 0), tmpl(0.1, 1, 0.3)
	g := mustGallery(t, []types.Template{v1, v2}, []uint64{1, 2})

	hits, err := Search(context.Background(), v1, g, ctxWith(0, types.NoThreshold), score.Cosine)
	require.NoError(t, err)
	require.Equal(t, 2, hits.Len())
	assert.Equal(t, uint64(1), hits.IDs[0])
	assert.InDelta(t, 1.0, hits.Scores[0], 1e-9)
}

func TestTiesBreakOnLargerID(t *testing.T) {
	same := tmpl(1, 1)
	g := mustGallery(t,
		[]types.Template{same, same, same, tmpl(-1, 0)},
		[]uint64{5, 50, 7, 1000})

	hits, err := Search(context.Background(), same, g, ctxWith(0, types.NoThreshold), score.Cosine)
	require.NoError(t, err)
	assert.Equal(t, []uint64{50, 7, 5, 1000}, hits.IDs)

	hits, err = Search(context.Background(), same, g, ctxWith(2, types.NoThreshold), score.Cosine)
	require.NoError(t, err)
	assert.Equal(t, []uint64{50, 7}, hits.IDs)
}

func TestSearchAfterRemove(t *testing.T) {
	v1, v2, v3 := tmpl(1, 0, 0), tmpl(0, 1, 0), tmpl(0, 0, 1)
	g := mustGallery(t, []types.Template{v1, v2, v3}, []uint64{1, 2, 3})

	require.NoError(t, g.Remove(2))
	require.NoError(t, g.Prepare())

	hits, err := Search(context.Background(), v2, g, ctxWith(0, types.NoThreshold), score.Cosine)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 3}, hits.IDs)
}

func TestOrderingAndTruncationProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(11, 12))
	g := randomGallery(t, r, 300, 8)

	for trial := 0; trial < 50; trial++ {
		probe := make([]float32, 8)
		for j := range probe {
			probe[j] = r.Float32()*2 - 1
		}
		maxReturns := uint32(r.IntN(40))
		threshold := r.Float64()*1.2 - 0.6
		if trial%5 == 0 {
			threshold = types.NoThreshold
		}
		c := ctxWith(maxReturns, threshold)

		hits, err := Search(context.Background(), tmpl(probe...), g, c, score.Cosine)
		require.NoError(t, err)
		require.Len(t, hits.Scores, hits.Len())

		for i := 1; i < hits.Len(); i++ {
			require.GreaterOrEqual(t, hits.Scores[i-1], hits.Scores[i])
			if hits.Scores[i-1] == hits.Scores[i] {
				require.Greater(t, hits.IDs[i-1], hits.IDs[i])
			}
		}

		above := 0
		all := make([]float64, 0, g.Len())
		for pos := 0; pos < g.Len(); pos++ {
			s := score.Cosine.Score(probe, g.Vector(pos))
			all = append(all, s)
			if !c.Filtering() || s >= threshold {
				above++
			}
		}
		want := above
		if maxReturns > 0 {
			want = min(int(maxReturns), above)
		}
		require.Equal(t, want, hits.Len())

		// the returned prefix is the true best prefix
		sort.Sort(sort.Reverse(sort.Float64Slice(all)))
		for i, s := range hits.Scores {
			require.Equal(t, all[i], s)
		}
	}
}

func TestParallelScoringMatchesSequential(t *testing.T) {
	r := rand.New(rand.NewPCG(21, 22))
	g := randomGallery(t, r, ParallelThreshold+500, 4)
	probe := tmpl(0.3, -0.2, 0.9, 0.1)

	hits, err := Search(context.Background(), probe, g, ctxWith(0, types.NoThreshold), score.Cosine)
	require.NoError(t, err)
	require.Equal(t, g.Len(), hits.Len())

	ranked := make([]candidate, g.Len())
	for pos := range ranked {
		id, _ := g.IDAt(pos)
		ranked[pos] = candidate{id: id, score: score.Cosine.Score(probe.Vector, g.Vector(pos))}
	}
	ranked = topK(ranked, 0)
	for i := range ranked {
		assert.Equal(t, ranked[i].id, hits.IDs[i])
	}
}

func TestSearchErrors(t *testing.T) {
	g := mustGallery(t, []types.Template{tmpl(1, 0)}, []uint64{1})

	_, err := Search(context.Background(), tmpl(1, 0, 0), g, ctxWith(0, types.NoThreshold), score.Cosine)
	assert.ErrorIs(t, err, types.ErrBadArgument)

	_, err = Search(context.Background(), types.Template{}, g, ctxWith(0, types.NoThreshold), score.Cosine)
	assert.ErrorIs(t, err, types.ErrBadArgument)

	hits, err := Search(context.Background(), tmpl(1, 0), gallery.New(), ctxWith(0, types.NoThreshold), nil)
	require.NoError(t, err)
	assert.Zero(t, hits.Len())
}

func TestNaNScoresRankLast(t *testing.T) {
	g := mustGallery(t,
		[]types.Template{tmpl(0.1, 1), tmpl(0.5, 1), tmpl(1, 0), tmpl(1, 0.1)},
		[]uint64{1, 2, 3, 4})
	// a comparator that cannot score id 2
	nanFor2 := score.ComparatorFunc(func(a, b []float32) float64 {
		if b[0] == 0.5 {
			return math.NaN()
		}
		return score.CosineSimilarity(a, b)
	})

	hits, err := Search(context.Background(), tmpl(1, 0), g, ctxWith(0, types.NoThreshold), nanFor2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 1, 2}, hits.IDs)
	assert.True(t, math.IsNaN(hits.Scores[3]))

	hits, err = Search(context.Background(), tmpl(1, 0), g, ctxWith(2, types.NoThreshold), nanFor2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, hits.IDs)

	hits, err = Search(context.Background(), tmpl(1, 0), g, ctxWith(0, 0.5), nanFor2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, hits.IDs)
}

func TestNonFiniteProbeRejected(t *testing.T) {
	g := mustGallery(t, []types.Template{tmpl(1, 0)}, []uint64{1})
	for _, f := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		_, err := Search(context.Background(), tmpl(f, 1), g, ctxWith(0, types.NoThreshold), score.Cosine)
		assert.ErrorIs(t, err, types.ErrBadArgument)
	}
}

func TestSearchBatch(t *testing.T) {
	g := mustGallery(t, []types.Template{tmpl(1, 0), tmpl(0, 1)}, []uint64{1, 2})
	probes := []types.Template{tmpl(1, 0), tmpl(1, 0, 0), tmpl(0, 1)}

	c := ctxWith(1, types.NoThreshold)
	res := SearchBatch(context.Background(), probes, g, c, score.Cosine)
	require.Len(t, res.Items, 3)
	assert.ErrorIs(t, res.Status, types.ErrBatchFinishedWithErrors)
	assert.Equal(t, []uint64{1}, res.Items[0].Value.IDs)
	assert.ErrorIs(t, res.Items[1].Err, types.ErrBadArgument)
	assert.Equal(t, []uint64{2}, res.Items[2].Value.IDs)

	c.BatchPolicy = types.AbortEarly
	res = SearchBatch(context.Background(), probes, g, c, score.Cosine)
	assert.Len(t, res.Items, 2)
	assert.ErrorIs(t, res.Status, types.ErrBatchAbortedEarly)
}

func TestIndexedSearchFindsSelf(t *testing.T) {
	r := rand.New(rand.NewPCG(31, 32))
	g := randomGallery(t, r, 200, 16)
	require.NoError(t, g.Prepare(gallery.WithANN(), gallery.WithIndexMinSize(1)))

	id, _ := g.IDAt(17)
	probe, err := g.Template(id)
	require.NoError(t, err)

	hits, err := Search(context.Background(), probe, g, ctxWith(5, types.NoThreshold), score.Cosine)
	require.NoError(t, err)
	require.NotZero(t, hits.Len())
	assert.LessOrEqual(t, hits.Len(), 5)
	assert.Equal(t, id, hits.IDs[0])
}
