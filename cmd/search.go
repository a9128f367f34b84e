package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/biomatch/internal/batch"
	"github.com/andresmejia3/biomatch/internal/engine"
	"github.com/andresmejia3/biomatch/internal/gallery"
	"github.com/andresmejia3/biomatch/internal/score"
	"github.com/andresmejia3/biomatch/internal/search"
	"github.com/andresmejia3/biomatch/internal/types"
	"github.com/andresmejia3/biomatch/internal/utils"
)

type searchOptions struct {
	Gallery   string
	Published string
	Backend   string
	InDB      bool
	Probes    string
	Output    string
	ANN       bool
}

var searchOpts searchOptions

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Rank gallery entries against probe templates",
	Long: `Searches every probe of a manifest against a gallery and writes
probe,rank,id,score rows, best first.

The gallery is a local file (--gallery) or a published one (--published).
With --in-db the ranking runs inside PostgreSQL through pgvector.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := newSession(false)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("ann") {
			searchOpts.ANN = Cfg.Engine.ANN
		}
		return runSearch(cmd.Context(), sess, &CallCtx, searchOpts)
	},
}

func init() {
	searchCmd.Flags().StringVarP(&searchOpts.Gallery, "gallery", "g", "", "Gallery file")
	searchCmd.Flags().StringVar(&searchOpts.Published, "published", "", "Name of a published gallery")
	searchCmd.Flags().StringVar(&searchOpts.Backend, "backend", "blob", "Backend of --published: blob or db")
	searchCmd.Flags().BoolVar(&searchOpts.InDB, "in-db", false, "Rank inside PostgreSQL (cosine only, needs --published)")
	searchCmd.Flags().StringVarP(&searchOpts.Probes, "probes", "p", "", "Probe manifest (id,template)")
	searchCmd.Flags().StringVarP(&searchOpts.Output, "output", "o", "-", "CSV output path ('-' for stdout)")
	searchCmd.Flags().BoolVar(&searchOpts.ANN, "ann", false, "Use an HNSW index for large galleries (approximate)")
	searchCmd.MarkFlagRequired("probes")
	searchCmd.MarkFlagsMutuallyExclusive("gallery", "published")
	searchCmd.MarkFlagsOneRequired("gallery", "published")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(ctx context.Context, sess *engine.Session, c *types.Context, opts searchOptions) error {
	rows, err := readManifest(opts.Probes)
	if err != nil {
		return err
	}
	probes, probeIDs := splitManifest(rows)
	labels := make([]string, len(probeIDs))
	for i, id := range probeIDs {
		labels[i] = strconv.FormatUint(id, 10)
	}

	var res batch.Values[search.Hits]
	if opts.InDB {
		if opts.Published == "" {
			return fmt.Errorf("--in-db needs --published: %w", types.ErrBadArgument)
		}
		if name, err := score.Canonical(Cfg.Engine.Comparator); err != nil {
			return err
		} else if name != "cosine" {
			return fmt.Errorf("--in-db ranks by cosine, comparator is %q: %w", name, types.ErrBadArgument)
		}
		res = searchInDB(ctx, c, opts.Published, probes)
	} else {
		g, err := searchGallery(ctx, opts)
		if err != nil {
			return err
		}
		res = sess.SearchBatch(ctx, c, probes, g, progress(len(probes), "🔎 Searching"))
	}

	out, err := utils.CreateTable(opts.Output, "probe", "rank", "id", "score")
	if err != nil {
		return err
	}
	for i, item := range res.Items {
		for r := 0; r < item.Value.Len(); r++ {
			if err := out.Write(labels[i], strconv.Itoa(r+1),
				strconv.FormatUint(item.Value.IDs[r], 10),
				strconv.FormatFloat(item.Value.Scores[r], 'f', 6, 64)); err != nil {
				out.Close()
				return err
			}
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	return report(os.Stderr, "search", labels, res.Errors())
}

// searchGallery loads the gallery named by opts and prepares it for search.
func searchGallery(ctx context.Context, opts searchOptions) (*gallery.Gallery, error) {
	var (
		g   *gallery.Gallery
		err error
	)
	if opts.Published != "" {
		g, err = fetchGallery(ctx, opts.Backend, opts.Published)
	} else {
		g, err = gallery.Load(opts.Gallery)
	}
	if err != nil {
		return nil, err
	}

	var prep []gallery.PrepareOption
	if opts.ANN {
		prep = append(prep, gallery.WithANN())
	}
	if err := g.Prepare(prep...); err != nil {
		return nil, err
	}
	return g, nil
}

// searchInDB ranks with pgvector's cosine distance. The threshold and the
// result cap are applied the same way the in-process search applies them;
// MaxReturns 0 returns every template.
func searchInDB(ctx context.Context, c *types.Context, name string, probes []types.Template) batch.Values[search.Hits] {
	db, err := openDB(ctx)
	if err != nil {
		return batch.Values[search.Hits]{Status: err}
	}
	k := int(c.MaxReturns)
	return batch.Map(ctx, c.BatchPolicy, len(probes), func(ctx context.Context, i int) (search.Hits, error) {
		if err := probes[i].Validate(); err != nil {
			return search.Hits{}, err
		}
		matches, err := db.Nearest(ctx, name, probes[i].Vector, k)
		if err != nil {
			return search.Hits{}, err
		}
		var h search.Hits
		for _, m := range matches {
			if c.Filtering() && m.Score < c.Threshold {
				break
			}
			h.IDs = append(h.IDs, m.ID)
			h.Scores = append(h.Scores, m.Score)
		}
		return h, nil
	})
}
