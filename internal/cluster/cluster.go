// Package cluster groups templates into identities by building a similarity
// graph and running label propagation over it.
package cluster

import (
	"context"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/andresmejia3/biomatch/internal/score"
	"github.com/andresmejia3/biomatch/internal/types"
)

// DefaultMaxIterations bounds label propagation sweeps.
const DefaultMaxIterations = 100

// Options tunes the propagation. The zero value is usable.
type Options struct {
	// Seed makes the randomized visitation order reproducible.
	Seed uint64
	// MaxIterations caps the number of sweeps; 0 means DefaultMaxIterations.
	MaxIterations int
}

// Result holds one cluster id and confidence per input template, in input order.
type Result struct {
	ClusterIDs  []uint32
	Confidences []float64
	Clusters    int
}

// Cluster partitions templates into identity groups. Two templates are
// linked when their score exceeds c.ClusterThreshold. Cluster ids are dense,
// numbered by first appearance in the input. A template's confidence is the
// edge density of its cluster.
func Cluster(ctx context.Context, templates []types.Template, c *types.Context, cmp score.Comparator, opts Options) (Result, error) {
	if cmp == nil {
		cmp = score.Cosine
	}
	for i, t := range templates {
		if err := t.Validate(); err != nil {
			return Result{}, fmt.Errorf("template %d: %w", i, err)
		}
	}
	if len(templates) == 0 {
		return Result{}, nil
	}

	g, err := buildGraph(ctx, templates, c.ClusterThreshold, cmp)
	if err != nil {
		return Result{}, err
	}
	labels := g.propagate(opts)
	ids, count := relabel(labels)
	return Result{
		ClusterIDs:  ids,
		Confidences: g.purity(ids, count),
		Clusters:    count,
	}, nil
}

// Items pairs a cluster result with the caller's source ids.
func Items(r Result, sourceIDs []uint64) ([]types.ClusterItem, error) {
	if len(sourceIDs) != len(r.ClusterIDs) {
		return nil, fmt.Errorf("%d source ids for %d cluster assignments: %w", len(sourceIDs), len(r.ClusterIDs), types.ErrBadArgument)
	}
	items := make([]types.ClusterItem, len(sourceIDs))
	for i, id := range sourceIDs {
		items[i] = types.ClusterItem{
			ClusterID:  r.ClusterIDs[i],
			SourceID:   id,
			Confidence: r.Confidences[i],
		}
	}
	return items, nil
}

// similarityGraph is the undirected edge set plus self loops. The gonum
// simple graph does not allow self edges, so those are tracked separately.
type similarityGraph struct {
	g        *simple.UndirectedGraph
	selfLoop []bool
}

func buildGraph(ctx context.Context, templates []types.Template, threshold float64, cmp score.Comparator) (*similarityGraph, error) {
	n := len(templates)
	sg := &similarityGraph{g: simple.NewUndirectedGraph(), selfLoop: make([]bool, n)}
	for i := 0; i < n; i++ {
		sg.g.AddNode(simple.Node(i))
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i; j < n; j++ {
			if cmp.Score(templates[i].Vector, templates[j].Vector) <= threshold {
				continue
			}
			if i == j {
				sg.selfLoop[i] = true
				continue
			}
			sg.g.SetEdge(sg.g.NewEdge(simple.Node(i), simple.Node(j)))
		}
	}
	return sg, nil
}

func (sg *similarityGraph) neighbours(i int) []int {
	it := sg.g.From(int64(i))
	out := make([]int, 0, it.Len()+1)
	for it.Next() {
		out = append(out, int(it.Node().ID()))
	}
	if sg.selfLoop[i] {
		out = append(out, i)
	}
	return out
}

// propagate runs asynchronous label propagation. Every node starts with
// its own label; each sweep visits nodes in a fresh random order and moves
// each to the most common label among its neighbours, smallest label on
// ties. It stops after a sweep that changes nothing.
func (sg *similarityGraph) propagate(opts Options) []int {
	n := len(sg.selfLoop)
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	adj := make([][]int, n)
	for i := range adj {
		adj[i] = sg.neighbours(i)
	}
	labels := make([]int, n)
	order := make([]int, n)
	for i := range labels {
		labels[i] = i
		order[i] = i
	}

	counts := make(map[int]int)
	for iter := 0; iter < maxIter; iter++ {
		rng.Shuffle(n, func(a, b int) { order[a], order[b] = order[b], order[a] })
		changed := false
		for _, node := range order {
			if len(adj[node]) == 0 {
				continue
			}
			clear(counts)
			for _, nb := range adj[node] {
				counts[labels[nb]]++
			}
			best, bestCount := -1, 0
			for label, cnt := range counts {
				if cnt > bestCount || (cnt == bestCount && label < best) {
					best, bestCount = label, cnt
				}
			}
			if best != labels[node] {
				labels[node] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return labels
}

// relabel maps arbitrary labels onto 0..k-1 in order of first appearance.
func relabel(labels []int) ([]uint32, int) {
	dense := make(map[int]uint32)
	out := make([]uint32, len(labels))
	for i, l := range labels {
		id, ok := dense[l]
		if !ok {
			id = uint32(len(dense))
			dense[l] = id
		}
		out[i] = id
	}
	return out, len(dense)
}

// purity is the fraction of member pairs that share an edge, per cluster.
// Singleton clusters are trivially pure.
func (sg *similarityGraph) purity(ids []uint32, count int) []float64 {
	members := make([][]graph.Node, count)
	for i, id := range ids {
		members[id] = append(members[id], simple.Node(i))
	}
	density := make([]float64, count)
	for c, nodes := range members {
		if len(nodes) < 2 {
			density[c] = 1
			continue
		}
		edges := 0
		for a := 0; a < len(nodes); a++ {
			for b := a + 1; b < len(nodes); b++ {
				if sg.g.HasEdgeBetween(nodes[a].ID(), nodes[b].ID()) {
					edges++
				}
			}
		}
		pairs := len(nodes) * (len(nodes) - 1) / 2
		density[c] = float64(edges) / float64(pairs)
	}
	out := make([]float64, len(ids))
	for i, id := range ids {
		out[i] = density[id]
	}
	return out
}
