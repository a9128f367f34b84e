// Package gallery implements the id-keyed template store searched by the
// engine.
//
// A Gallery keeps templates in a dense array and maintains a forward map
// (id -> position) and a reverse map (position -> id). Between operations:
// every id maps to a unique position in [0, Len()), reverse[forward[id]] == id,
// and the array and both maps have the same cardinality.
//
// A Gallery is not safe for concurrent mutation. Callers serialize Insert
// and Remove against each other and against in-flight searches; concurrent
// reads are fine.
package gallery

import (
	"context"
	"fmt"

	"github.com/andresmejia3/biomatch/internal/batch"
	"github.com/andresmejia3/biomatch/internal/types"
)

type Gallery struct {
	templates []types.Template
	positions map[uint64]int // forward: id -> position
	ids       []uint64       // reverse: position -> id
	dim       int

	index    *annIndex // built by Prepare, dropped on mutation
	prepared bool
}

// New returns an empty gallery.
func New() *Gallery {
	return &Gallery{positions: make(map[uint64]int)}
}

// Create bulk-loads a gallery. It fails atomically: on a duplicate id or a
// malformed template no gallery is returned.
func Create(templates []types.Template, ids []uint64) (*Gallery, error) {
	if len(templates) != len(ids) {
		return nil, fmt.Errorf("%d templates but %d ids: %w", len(templates), len(ids), types.ErrBadArgument)
	}
	g := &Gallery{
		templates: make([]types.Template, 0, len(templates)),
		positions: make(map[uint64]int, len(ids)),
		ids:       make([]uint64, 0, len(ids)),
	}
	for i, t := range templates {
		if err := g.Insert(t, ids[i]); err != nil {
			return nil, fmt.Errorf("creating gallery at item %d: %w", i, err)
		}
	}
	return g, nil
}

// Insert appends a deep copy of t under id.
func (g *Gallery) Insert(t types.Template, id uint64) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, exists := g.positions[id]; exists {
		return fmt.Errorf("id %d: %w", id, types.ErrDuplicateID)
	}
	if g.dim != 0 && t.Dimension() != g.dim {
		return fmt.Errorf("id %d has dimension %d, gallery holds %d: %w", id, t.Dimension(), g.dim, types.ErrBadArgument)
	}

	g.dim = t.Dimension()
	g.positions[id] = len(g.templates)
	g.ids = append(g.ids, id)
	g.templates = append(g.templates, t.Clone())
	g.index = nil
	g.prepared = false
	return nil
}

// Remove deletes id by moving the last entry into its slot, keeping the
// array dense without a compaction pass.
func (g *Gallery) Remove(id uint64) error {
	pos, ok := g.positions[id]
	if !ok {
		return fmt.Errorf("id %d: %w", id, types.ErrMissingID)
	}

	last := len(g.templates) - 1
	if pos != last {
		movedID := g.ids[last]
		g.templates[pos] = g.templates[last]
		g.ids[pos] = movedID
		g.positions[movedID] = pos
	}
	g.templates[last] = types.Template{}
	g.templates = g.templates[:last]
	g.ids = g.ids[:last]
	delete(g.positions, id)

	if len(g.templates) == 0 {
		g.dim = 0
	}
	g.index = nil
	g.prepared = false
	return nil
}

// InsertBatch applies Insert to every (template, id) pair under policy.
// Items run sequentially since mutation is single-writer.
func (g *Gallery) InsertBatch(ctx context.Context, templates []types.Template, ids []uint64, policy types.BatchPolicy, opts ...batch.Option) batch.Result {
	if len(templates) != len(ids) {
		return batch.Result{Status: fmt.Errorf("%d templates but %d ids: %w", len(templates), len(ids), types.ErrBadArgument)}
	}
	return batch.Run(ctx, policy, len(ids), func(_ context.Context, i int) error {
		return g.Insert(templates[i], ids[i])
	}, append(opts, batch.WithWorkers(1))...)
}

// RemoveBatch applies Remove to every id under policy.
func (g *Gallery) RemoveBatch(ctx context.Context, ids []uint64, policy types.BatchPolicy, opts ...batch.Option) batch.Result {
	return batch.Run(ctx, policy, len(ids), func(_ context.Context, i int) error {
		return g.Remove(ids[i])
	}, append(opts, batch.WithWorkers(1))...)
}

// Len is the number of stored templates.
func (g *Gallery) Len() int { return len(g.templates) }

// Dimension is the feature length shared by every stored template, 0 when empty.
func (g *Gallery) Dimension() int { return g.dim }

// Has reports whether id is stored.
func (g *Gallery) Has(id uint64) bool {
	_, ok := g.positions[id]
	return ok
}

// Position returns the dense array slot currently holding id.
func (g *Gallery) Position(id uint64) (int, bool) {
	pos, ok := g.positions[id]
	return pos, ok
}

// IDAt returns the id stored at pos.
func (g *Gallery) IDAt(pos int) (uint64, bool) {
	if pos < 0 || pos >= len(g.ids) {
		return 0, false
	}
	return g.ids[pos], true
}

// Template returns a copy of the template stored under id.
func (g *Gallery) Template(id uint64) (types.Template, error) {
	pos, ok := g.positions[id]
	if !ok {
		return types.Template{}, fmt.Errorf("id %d: %w", id, types.ErrMissingID)
	}
	return g.templates[pos].Clone(), nil
}

// IDs returns the stored ids in position order.
func (g *Gallery) IDs() []uint64 {
	out := make([]uint64, len(g.ids))
	copy(out, g.ids)
	return out
}

// Vector exposes the stored feature vector at pos without copying.
// The slice must be treated as read-only.
func (g *Gallery) Vector(pos int) []float32 {
	return g.templates[pos].Vector
}

// Check verifies the structural invariants. It is cheap enough for tests
// and for validating freshly deserialized galleries.
func (g *Gallery) Check() error {
	n := len(g.templates)
	if len(g.ids) != n || len(g.positions) != n {
		return fmt.Errorf("cardinality mismatch: %d templates, %d reverse, %d forward", n, len(g.ids), len(g.positions))
	}
	for id, pos := range g.positions {
		if pos < 0 || pos >= n {
			return fmt.Errorf("id %d maps to position %d outside [0, %d)", id, pos, n)
		}
		if g.ids[pos] != id {
			return fmt.Errorf("id %d maps to position %d which holds id %d", id, pos, g.ids[pos])
		}
	}
	return nil
}
