// Package search ranks gallery entries against a probe template.
package search

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/biomatch/internal/batch"
	"github.com/andresmejia3/biomatch/internal/gallery"
	"github.com/andresmejia3/biomatch/internal/score"
	"github.com/andresmejia3/biomatch/internal/types"
)

// ParallelThreshold is the gallery size above which scoring is split
// across goroutines.
const ParallelThreshold = 4096

// Hits is a ranked search result: IDs and Scores are parallel and best-first.
type Hits struct {
	IDs    []uint64
	Scores []float64
}

// Len is the number of hits.
func (h Hits) Len() int { return len(h.IDs) }

type candidate struct {
	id    uint64
	score float64
}

// better orders by score descending, then by id descending on exact ties.
// A NaN score ranks below every number.
func better(a, b candidate) bool {
	an, bn := math.IsNaN(a.score), math.IsNaN(b.score)
	if an != bn {
		return bn
	}
	if !an && a.score != b.score {
		return a.score > b.score
	}
	return a.id > b.id
}

// Search scores every gallery entry against probe and returns the best
// matches under c: at most MaxReturns of them (0 means all), cut at the
// first score below Threshold.
//
// The gallery must have been prepared. If Prepare built an index and
// MaxReturns is set, only the index candidates are rescored.
func Search(ctx context.Context, probe types.Template, g *gallery.Gallery, c *types.Context, cmp score.Comparator) (Hits, error) {
	if err := probe.Validate(); err != nil {
		return Hits{}, err
	}
	if g.Len() > 0 && probe.Dimension() != g.Dimension() {
		return Hits{}, fmt.Errorf("probe dimension %d, gallery dimension %d: %w", probe.Dimension(), g.Dimension(), types.ErrBadArgument)
	}
	if cmp == nil {
		cmp = score.Cosine
	}

	cands, err := scoreAll(ctx, probe.Vector, g, int(c.MaxReturns), cmp)
	if err != nil {
		return Hits{}, err
	}
	ranked := topK(cands, int(c.MaxReturns))

	if c.Filtering() {
		cut := len(ranked)
		for i, cd := range ranked {
			if math.IsNaN(cd.score) || cd.score < c.Threshold {
				cut = i
				break
			}
		}
		ranked = ranked[:cut]
	}

	hits := Hits{IDs: make([]uint64, len(ranked)), Scores: make([]float64, len(ranked))}
	for i, cd := range ranked {
		hits.IDs[i] = cd.id
		hits.Scores[i] = cd.score
	}
	return hits, nil
}

// SearchBatch runs Search for every probe against one shared gallery.
// Searches are read-only so FlagAndFinish batches may run in parallel.
func SearchBatch(ctx context.Context, probes []types.Template, g *gallery.Gallery, c *types.Context, cmp score.Comparator, opts ...batch.Option) batch.Values[Hits] {
	return batch.Map(ctx, c.BatchPolicy, len(probes), func(ctx context.Context, i int) (Hits, error) {
		return Search(ctx, probes[i], g, c, cmp)
	}, opts...)
}

func scoreAll(ctx context.Context, probe []float32, g *gallery.Gallery, k int, cmp score.Comparator) ([]candidate, error) {
	if positions, ok := g.Candidates(probe, k); ok {
		cands := make([]candidate, len(positions))
		for i, pos := range positions {
			id, _ := g.IDAt(pos)
			cands[i] = candidate{id: id, score: cmp.Score(probe, g.Vector(pos))}
		}
		return cands, nil
	}

	n := g.Len()
	cands := make([]candidate, n)
	fill := func(lo, hi int) {
		for pos := lo; pos < hi; pos++ {
			id, _ := g.IDAt(pos)
			cands[pos] = candidate{id: id, score: cmp.Score(probe, g.Vector(pos))}
		}
	}
	if n < ParallelThreshold {
		fill(0, n)
		return cands, nil
	}

	// Each shard writes a disjoint range of cands, so order is preserved.
	shards := runtime.GOMAXPROCS(0)
	size := (n + shards - 1) / shards
	eg, ctx := errgroup.WithContext(ctx)
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fill(lo, hi)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return cands, nil
}

// topK returns the best k candidates in order. k <= 0 or k >= len keeps
// everything. For a proper subset only the kept prefix is sorted: a
// bounded min-heap selects it in O(n log k).
func topK(cands []candidate, k int) []candidate {
	if k <= 0 || k >= len(cands) {
		slices.SortFunc(cands, compare)
		return cands
	}
	h := make(worstFirst, 0, k)
	for _, cd := range cands {
		if len(h) < k {
			heap.Push(&h, cd)
			continue
		}
		if better(cd, h[0]) {
			h[0] = cd
			heap.Fix(&h, 0)
		}
	}
	out := []candidate(h)
	slices.SortFunc(out, compare)
	return out
}

func compare(a, b candidate) int {
	switch {
	case better(a, b):
		return -1
	case better(b, a):
		return 1
	}
	return 0
}

// worstFirst is a min-heap whose root is the weakest kept candidate.
type worstFirst []candidate

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
