package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/biomatch/internal/blobstore"
	"github.com/andresmejia3/biomatch/internal/engine"
	"github.com/andresmejia3/biomatch/internal/gallery"
	"github.com/andresmejia3/biomatch/internal/types"
)

type galleryOptions struct {
	Path     string
	Manifest string
	IDs      []uint64
	Name     string
	Backend  string
}

var galleryOpts galleryOptions

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Build, edit and publish galleries",
}

var galleryBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Create a gallery file from a template manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := newSession(false)
		if err != nil {
			return err
		}
		return runGalleryInsert(cmd.Context(), sess, &CallCtx, galleryOpts, true)
	},
}

var galleryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Insert the templates of a manifest into an existing gallery",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := newSession(false)
		if err != nil {
			return err
		}
		return runGalleryInsert(cmd.Context(), sess, &CallCtx, galleryOpts, false)
	},
}

var galleryRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove ids from a gallery",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := newSession(false)
		if err != nil {
			return err
		}
		return runGalleryRemove(cmd.Context(), sess, &CallCtx, galleryOpts)
	},
}

var galleryInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the size and dimension of a gallery",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGalleryInfo(cmd.OutOrStdout(), galleryOpts.Path)
	},
}

var galleryPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Publish a gallery file to the blob store or PostgreSQL",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGalleryPush(cmd.Context(), galleryOpts)
	},
}

var galleryPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download a published gallery into a local file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGalleryPull(cmd.Context(), galleryOpts)
	},
}

var galleryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List published galleries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGalleryList(cmd.Context(), cmd.OutOrStdout(), galleryOpts.Backend)
	},
}

func init() {
	for _, c := range []*cobra.Command{galleryBuildCmd, galleryAddCmd, galleryRemoveCmd, galleryInfoCmd, galleryPushCmd, galleryPullCmd} {
		c.Flags().StringVarP(&galleryOpts.Path, "gallery", "g", "", "Gallery file (.zst and .lz4 are compressed)")
		c.MarkFlagRequired("gallery")
	}
	for _, c := range []*cobra.Command{galleryBuildCmd, galleryAddCmd} {
		c.Flags().StringVarP(&galleryOpts.Manifest, "manifest", "m", "", "Template manifest (id,template)")
		c.MarkFlagRequired("manifest")
	}
	galleryRemoveCmd.Flags().Uint64SliceVar(&galleryOpts.IDs, "id", nil, "Ids to remove")
	galleryRemoveCmd.MarkFlagRequired("id")

	for _, c := range []*cobra.Command{galleryPushCmd, galleryPullCmd, galleryListCmd} {
		c.Flags().StringVar(&galleryOpts.Backend, "backend", "blob", "Where published galleries live: blob or db")
	}
	for _, c := range []*cobra.Command{galleryPushCmd, galleryPullCmd} {
		c.Flags().StringVar(&galleryOpts.Name, "name", "", "Published gallery name")
		c.MarkFlagRequired("name")
	}

	galleryCmd.AddCommand(galleryBuildCmd, galleryAddCmd, galleryRemoveCmd, galleryInfoCmd, galleryPushCmd, galleryPullCmd, galleryListCmd)
	rootCmd.AddCommand(galleryCmd)
}

func runGalleryInsert(ctx context.Context, sess *engine.Session, c *types.Context, opts galleryOptions, create bool) error {
	rows, err := readManifest(opts.Manifest)
	if err != nil {
		return err
	}
	g := gallery.New()
	if !create {
		if g, err = gallery.Load(opts.Path); err != nil {
			return err
		}
	}

	templates, ids := splitManifest(rows)
	res := sess.InsertBatch(ctx, c, opts.Path, g, templates, ids, progress(len(rows), "📚 Inserting"))
	if err := g.Save(opts.Path); err != nil {
		return err
	}
	labels := make([]string, len(ids))
	for i, id := range ids {
		labels[i] = strconv.FormatUint(id, 10)
	}
	fmt.Fprintf(os.Stderr, "💾 Saved %s (%d templates)\n", opts.Path, g.Len())
	return report(os.Stderr, "insert", labels, res)
}

func runGalleryRemove(ctx context.Context, sess *engine.Session, c *types.Context, opts galleryOptions) error {
	g, err := gallery.Load(opts.Path)
	if err != nil {
		return err
	}
	res := sess.RemoveBatch(ctx, c, opts.Path, g, opts.IDs)
	if err := g.Save(opts.Path); err != nil {
		return err
	}
	labels := make([]string, len(opts.IDs))
	for i, id := range opts.IDs {
		labels[i] = strconv.FormatUint(id, 10)
	}
	return report(os.Stderr, "remove", labels, res)
}

func runGalleryInfo(w io.Writer, path string) error {
	g, err := gallery.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "gallery:   %s\n", path)
	fmt.Fprintf(w, "templates: %d\n", g.Len())
	fmt.Fprintf(w, "dimension: %d\n", g.Dimension())
	return nil
}

func runGalleryPush(ctx context.Context, opts galleryOptions) error {
	g, err := gallery.Load(opts.Path)
	if err != nil {
		return err
	}
	switch opts.Backend {
	case "db":
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		err = db.SaveGallery(ctx, opts.Name, g)
		if err != nil {
			return err
		}
	case "blob":
		bs, err := openBlobStore(ctx)
		if err != nil {
			return err
		}
		if err := blobstore.PutGallery(ctx, bs, opts.Name, g); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown backend %q: %w", opts.Backend, types.ErrBadArgument)
	}
	fmt.Fprintf(os.Stderr, "☁️  Pushed %s as %s (%d templates)\n", opts.Path, opts.Name, g.Len())
	return nil
}

func runGalleryPull(ctx context.Context, opts galleryOptions) error {
	g, err := fetchGallery(ctx, opts.Backend, opts.Name)
	if err != nil {
		return err
	}
	return g.Save(opts.Path)
}

// fetchGallery loads a published gallery from the chosen backend.
func fetchGallery(ctx context.Context, backend, name string) (*gallery.Gallery, error) {
	switch backend {
	case "db":
		db, err := openDB(ctx)
		if err != nil {
			return nil, err
		}
		return db.LoadGallery(ctx, name)
	case "blob":
		bs, err := openBlobStore(ctx)
		if err != nil {
			return nil, err
		}
		return blobstore.GetGallery(ctx, bs, name)
	}
	return nil, fmt.Errorf("unknown backend %q: %w", backend, types.ErrBadArgument)
}

func runGalleryList(ctx context.Context, w io.Writer, backend string) error {
	switch backend {
	case "db":
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		infos, err := db.ListGalleries(ctx)
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Fprintf(w, "%-30s %8d templates  dim %-5d updated %s\n", info.Name, info.Count, info.Dimension, info.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	case "blob":
		bs, err := openBlobStore(ctx)
		if err != nil {
			return err
		}
		names, err := bs.List(ctx, "")
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(w, n)
		}
		return nil
	}
	return fmt.Errorf("unknown backend %q: %w", backend, types.ErrBadArgument)
}
