package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/biomatch/internal/engine"
	"github.com/andresmejia3/biomatch/internal/types"
	"github.com/andresmejia3/biomatch/internal/utils"
)

type clusterOptions struct {
	Manifest string
	Output   string
	ByMedia  bool
}

var clusterOpts clusterOptions

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Group templates into identities",
	Long: `Clusters every template of a manifest and writes
id,media,cluster,confidence rows in manifest order.

With --by-media the manifest's media column splits the templates into
groups that are clustered together and reported per group.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := newSession(false)
		if err != nil {
			return err
		}
		return runCluster(cmd.Context(), sess, &CallCtx, clusterOpts)
	},
}

func init() {
	clusterCmd.Flags().StringVarP(&clusterOpts.Manifest, "manifest", "m", "", "Template manifest (id,template[,media])")
	clusterCmd.Flags().StringVarP(&clusterOpts.Output, "output", "o", "-", "CSV output path ('-' for stdout)")
	clusterCmd.Flags().BoolVar(&clusterOpts.ByMedia, "by-media", false, "Cluster per media group using the manifest's media column")
	clusterCmd.MarkFlagRequired("manifest")
	rootCmd.AddCommand(clusterCmd)
}

type clusterRow struct {
	row  manifestRow
	item types.ClusterItem
}

func runCluster(ctx context.Context, sess *engine.Session, c *types.Context, opts clusterOptions) error {
	rows, err := readManifest(opts.Manifest)
	if err != nil {
		return err
	}

	var out []clusterRow
	if opts.ByMedia {
		out, err = clusterByMedia(ctx, sess, c, rows)
	} else {
		templates, ids := splitManifest(rows)
		var items []types.ClusterItem
		items, err = sess.Cluster(ctx, c, templates, ids)
		for i, it := range items {
			out = append(out, clusterRow{row: rows[i], item: it})
		}
	}
	if err != nil {
		return err
	}

	tw, err := utils.CreateTable(opts.Output, "id", "media", "cluster", "confidence")
	if err != nil {
		return err
	}
	for _, r := range out {
		if err := tw.Write(strconv.FormatUint(r.item.SourceID, 10), r.row.Media,
			strconv.FormatUint(uint64(r.item.ClusterID), 10),
			strconv.FormatFloat(r.item.Confidence, 'f', 4, 64)); err != nil {
			tw.Close()
			return err
		}
	}
	return tw.Close()
}

// clusterByMedia groups manifest rows by their media column, keeping the
// order in which each media first appears.
func clusterByMedia(ctx context.Context, sess *engine.Session, c *types.Context, rows []manifestRow) ([]clusterRow, error) {
	var (
		order     []string
		groups    = map[string][]manifestRow{}
		templates [][]types.Template
		ids       [][]uint64
	)
	for _, r := range rows {
		if r.Media == "" {
			return nil, fmt.Errorf("template %d has no media: %w", r.ID, types.ErrBadArgument)
		}
		if _, ok := groups[r.Media]; !ok {
			order = append(order, r.Media)
		}
		groups[r.Media] = append(groups[r.Media], r)
	}
	for _, m := range order {
		ts, is := splitManifest(groups[m])
		templates = append(templates, ts)
		ids = append(ids, is)
	}

	perMedia, err := sess.ClusterMedia(ctx, c, templates, ids)
	if err != nil {
		return nil, err
	}
	var out []clusterRow
	for g, m := range order {
		for i, it := range perMedia[g] {
			out = append(out, clusterRow{row: groups[m][i], item: it})
		}
	}
	fmt.Fprintf(os.Stderr, "🧩 Clustered %d templates from %d media\n", len(rows), len(order))
	return out, nil
}
