package cluster

import (
	"context"
	"fmt"

	"github.com/andresmejia3/biomatch/internal/score"
	"github.com/andresmejia3/biomatch/internal/types"
)

// MediaResult holds per-media groups of cluster assignments with the same
// shape as the input.
type MediaResult struct {
	ClusterIDs  [][]uint32
	Confidences [][]float64
	Clusters    int
}

// Media clusters templates gathered from several media items together.
// The per-media lists are flattened, clustered as one set, and the outputs
// are split back along the original group boundaries.
func Media(ctx context.Context, perMedia [][]types.Template, c *types.Context, cmp score.Comparator, opts Options) (MediaResult, error) {
	total := 0
	for _, ts := range perMedia {
		total += len(ts)
	}
	flat := make([]types.Template, 0, total)
	for _, ts := range perMedia {
		flat = append(flat, ts...)
	}

	res, err := Cluster(ctx, flat, c, cmp, opts)
	if err != nil {
		return MediaResult{}, err
	}

	out := MediaResult{
		ClusterIDs:  make([][]uint32, len(perMedia)),
		Confidences: make([][]float64, len(perMedia)),
		Clusters:    res.Clusters,
	}
	off := 0
	for m, ts := range perMedia {
		n := len(ts)
		out.ClusterIDs[m] = res.ClusterIDs[off : off+n : off+n]
		out.Confidences[m] = res.Confidences[off : off+n : off+n]
		off += n
	}
	if off != len(res.ClusterIDs) {
		return MediaResult{}, fmt.Errorf("regrouped %d of %d assignments: %w", off, len(res.ClusterIDs), types.ErrBadArgument)
	}
	return out, nil
}
