package gallery

import (
	"github.com/coder/hnsw"
)

// HNSW parameters for face sized embeddings
const (
	// IndexMaxNeighbors (M) is the maximum number of neighbors per node.
	IndexMaxNeighbors = 16

	// IndexEfSearch is the search candidate pool size.
	IndexEfSearch = 100

	// IndexSearchMultiplier over-fetches candidates so exact rescoring
	// still finds the true top results.
	IndexSearchMultiplier = 3

	// IndexMinSize is the smallest gallery worth indexing. Below it a
	// brute force scan is as fast and exact.
	IndexMinSize = 1024
)

type prepareOptions struct {
	ann     bool
	minSize int
}

// PrepareOption tunes Prepare.
type PrepareOption func(*prepareOptions)

// WithANN builds an approximate nearest neighbour index over cosine
// distance. Searches then rescore only the candidates it returns, which is
// approximate: a true match can be missed.
func WithANN() PrepareOption {
	return func(o *prepareOptions) { o.ann = true }
}

// WithIndexMinSize overrides IndexMinSize.
func WithIndexMinSize(n int) PrepareOption {
	return func(o *prepareOptions) { o.minSize = n }
}

type annIndex struct {
	graph *hnsw.Graph[uint64]
}

// Prepare must be called once before searching. Without options it does
// nothing and searches scan every entry. Any later Insert or Remove
// discards the index, so searches fall back to scanning until Prepare runs again.
func (g *Gallery) Prepare(opts ...PrepareOption) error {
	o := prepareOptions{minSize: IndexMinSize}
	for _, opt := range opts {
		opt(&o)
	}
	g.index = nil
	g.prepared = true
	if !o.ann || len(g.templates) < o.minSize || len(g.templates) == 0 {
		return nil
	}

	graph := hnsw.NewGraph[uint64]()
	graph.M = IndexMaxNeighbors
	graph.Ml = 1.0 / float64(IndexMaxNeighbors) // Standard HNSW formula
	graph.EfSearch = IndexEfSearch
	graph.Distance = hnsw.CosineDistance

	nodes := make([]hnsw.Node[uint64], len(g.templates))
	for pos, t := range g.templates {
		nodes[pos] = hnsw.MakeNode(g.ids[pos], hnsw.Vector(t.Vector))
	}
	graph.Add(nodes...)

	g.index = &annIndex{graph: graph}
	return nil
}

// Prepared reports whether Prepare ran since the last mutation.
func (g *Gallery) Prepared() bool {
	return g.prepared
}

// Indexed reports whether Prepare built an index that is still valid.
func (g *Gallery) Indexed() bool {
	return g.index != nil
}

// Candidates returns the positions the index considers closest to probe.
// ok is false when there is no index and the caller must scan.
func (g *Gallery) Candidates(probe []float32, k int) (positions []int, ok bool) {
	if g.index == nil || k <= 0 || len(probe) != g.dim {
		return nil, false
	}
	nodes := g.index.graph.Search(hnsw.Vector(probe), k*IndexSearchMultiplier)
	positions = make([]int, 0, len(nodes))
	for _, n := range nodes {
		if pos, found := g.positions[n.Key]; found {
			positions = append(positions, pos)
		}
	}
	return positions, true
}
