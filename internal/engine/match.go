package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/biomatch/internal/batch"
	"github.com/andresmejia3/biomatch/internal/cluster"
	"github.com/andresmejia3/biomatch/internal/gallery"
	"github.com/andresmejia3/biomatch/internal/metrics"
	"github.com/andresmejia3/biomatch/internal/search"
	"github.com/andresmejia3/biomatch/internal/types"
)

// Verify scores probe against reference with the session comparator.
func (s *Session) Verify(ctx context.Context, reference, probe types.Template) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := reference.Validate(); err != nil {
		return 0, fmt.Errorf("reference: %w", err)
	}
	if err := probe.Validate(); err != nil {
		return 0, fmt.Errorf("probe: %w", err)
	}
	if reference.Dimension() != probe.Dimension() {
		return 0, fmt.Errorf("reference dimension %d, probe dimension %d: %w", reference.Dimension(), probe.Dimension(), types.ErrBadArgument)
	}
	return s.cmp.Score(reference.Vector, probe.Vector), nil
}

// VerifyBatch scores probes[i] against references[i].
func (s *Session) VerifyBatch(ctx context.Context, c *types.Context, references, probes []types.Template, opts ...batch.Option) batch.Values[float64] {
	if len(references) != len(probes) {
		return batch.Values[float64]{
			Status: fmt.Errorf("%d references but %d probes: %w", len(references), len(probes), types.ErrBadArgument),
		}
	}
	res := batch.Map(ctx, c.BatchPolicy, len(probes), func(ctx context.Context, i int) (float64, error) {
		return s.Verify(ctx, references[i], probes[i])
	}, s.batchOpts(opts)...)
	s.observe(ctx, "verify", res.Errors())
	return res
}

// Search ranks the gallery against probe.
func (s *Session) Search(ctx context.Context, c *types.Context, probe types.Template, g *gallery.Gallery) (search.Hits, error) {
	start := time.Now()
	hits, err := search.Search(ctx, probe, g, c, s.cmp)
	if s.metrics && err == nil {
		metrics.ObserveSearch(start)
	}
	s.log.LogSearch(ctx, g.Len(), hits.Len(), err)
	return hits, err
}

// SearchBatch ranks the gallery against every probe. The gallery must not
// be mutated while the batch runs.
func (s *Session) SearchBatch(ctx context.Context, c *types.Context, probes []types.Template, g *gallery.Gallery, opts ...batch.Option) batch.Values[search.Hits] {
	res := batch.Map(ctx, c.BatchPolicy, len(probes), func(ctx context.Context, i int) (search.Hits, error) {
		return s.Search(ctx, c, probes[i], g)
	}, s.batchOpts(opts)...)
	s.observe(ctx, "search", res.Errors())
	return res
}

// Cluster groups templates by identity and tags each with its source id.
func (s *Session) Cluster(ctx context.Context, c *types.Context, templates []types.Template, sourceIDs []uint64) ([]types.ClusterItem, error) {
	if len(templates) != len(sourceIDs) {
		return nil, fmt.Errorf("%d templates but %d source ids: %w", len(templates), len(sourceIDs), types.ErrBadArgument)
	}
	res, err := cluster.Cluster(ctx, templates, c, s.cmp, s.cluster)
	s.logCluster(ctx, c, len(templates), res.Clusters, err)
	if err != nil {
		return nil, err
	}
	return cluster.Items(res, sourceIDs)
}

// ClusterMedia clusters templates from several media items together and
// returns items grouped like the input.
func (s *Session) ClusterMedia(ctx context.Context, c *types.Context, perMedia [][]types.Template, perMediaIDs [][]uint64) ([][]types.ClusterItem, error) {
	if len(perMedia) != len(perMediaIDs) {
		return nil, fmt.Errorf("%d media but %d id lists: %w", len(perMedia), len(perMediaIDs), types.ErrBadArgument)
	}
	total := 0
	for m := range perMedia {
		if len(perMedia[m]) != len(perMediaIDs[m]) {
			return nil, fmt.Errorf("media %d: %d templates but %d ids: %w", m, len(perMedia[m]), len(perMediaIDs[m]), types.ErrBadArgument)
		}
		total += len(perMedia[m])
	}

	res, err := cluster.Media(ctx, perMedia, c, s.cmp, s.cluster)
	s.logCluster(ctx, c, total, res.Clusters, err)
	if err != nil {
		return nil, err
	}
	out := make([][]types.ClusterItem, len(perMedia))
	for m := range perMedia {
		out[m], err = cluster.Items(cluster.Result{
			ClusterIDs:  res.ClusterIDs[m],
			Confidences: res.Confidences[m],
		}, perMediaIDs[m])
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Session) logCluster(ctx context.Context, c *types.Context, n, clusters int, err error) {
	s.log.LogCluster(ctx, n, clusters, c.Hint, err)
	if err == nil && s.metrics {
		metrics.ClustersFormed.Observe(float64(clusters))
	}
	if err == nil && c.Hint >= 1 && float64(clusters) > c.Hint {
		s.log.WarnContext(ctx, "more clusters than the expected subject count", "clusters", clusters, "hint", c.Hint)
	}
}

// InsertBatch enrolls templates into g under ids. name labels the gallery
// size metric.
func (s *Session) InsertBatch(ctx context.Context, c *types.Context, name string, g *gallery.Gallery, templates []types.Template, ids []uint64, opts ...batch.Option) batch.Result {
	res := g.InsertBatch(ctx, templates, ids, c.BatchPolicy, opts...)
	for i, err := range res.Items {
		s.log.LogInsert(ctx, ids[i], err)
	}
	s.observe(ctx, "gallery_insert", res)
	s.trackSize(name, g)
	return res
}

// RemoveBatch removes ids from g.
func (s *Session) RemoveBatch(ctx context.Context, c *types.Context, name string, g *gallery.Gallery, ids []uint64, opts ...batch.Option) batch.Result {
	res := g.RemoveBatch(ctx, ids, c.BatchPolicy, opts...)
	for i, err := range res.Items {
		s.log.LogRemove(ctx, ids[i], err)
	}
	s.observe(ctx, "gallery_remove", res)
	s.trackSize(name, g)
	return res
}

func (s *Session) trackSize(name string, g *gallery.Gallery) {
	if s.metrics && name != "" {
		metrics.GallerySize.WithLabelValues(name).Set(float64(g.Len()))
	}
}
