package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/biomatch/internal/batch"
	"github.com/andresmejia3/biomatch/internal/engine"
	"github.com/andresmejia3/biomatch/internal/media"
	"github.com/andresmejia3/biomatch/internal/types"
	"github.com/andresmejia3/biomatch/internal/utils"
)

type enrollOptions struct {
	Inputs        []string
	Table         string
	OutDir        string
	Manifest      string
	DetectionsDir string
}

var enrollOpts enrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll [media...]",
	Short: "Build one template per image or video",
	Long: `Enrolls each input into a template file and appends it to a manifest
(id,template,media,media_hash) that gallery, search and cluster read.

With --detections the sightings saved by detect --det-dir are reused
instead of running the detector again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		enrollOpts.Inputs = append(enrollOpts.Inputs, args...)
		sess, release, err := newSession(true)
		if err != nil {
			return err
		}
		defer release()
		return runEnroll(cmd.Context(), sess, &CallCtx, enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().StringVar(&enrollOpts.Table, "table", "", "CSV with a media column (and optional detections column)")
	enrollCmd.Flags().StringVarP(&enrollOpts.OutDir, "output", "o", "templates", "Directory for template files")
	enrollCmd.Flags().StringVarP(&enrollOpts.Manifest, "manifest", "m", "", "Manifest path (default: <output>/templates.csv)")
	enrollCmd.Flags().StringVarP(&enrollOpts.DetectionsDir, "detections", "d", "", "Directory of .det files written by detect --det-dir")
	rootCmd.AddCommand(enrollCmd)
}

// enrollInput is one media item and, optionally, its saved detections file.
type enrollInput struct {
	Media      string
	Detections string
}

func enrollInputs(opts enrollOptions) ([]enrollInput, error) {
	var inputs []enrollInput
	if opts.Table != "" {
		t, err := utils.ReadTable(opts.Table)
		if err != nil {
			return nil, err
		}
		if err := t.Require("media"); err != nil {
			return nil, fmt.Errorf("%s: %w", opts.Table, err)
		}
		for i := 0; i < t.Len(); i++ {
			inputs = append(inputs, enrollInput{Media: t.Get(i, "media"), Detections: t.Get(i, "detections")})
		}
	}
	for _, p := range opts.Inputs {
		inputs = append(inputs, enrollInput{Media: p})
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("nothing to enroll: pass media paths or --table: %w", types.ErrBadArgument)
	}
	if opts.DetectionsDir != "" {
		for i := range inputs {
			if inputs[i].Detections == "" {
				inputs[i].Detections = detPath(opts.DetectionsDir, inputs[i].Media)
			}
		}
	}
	return inputs, nil
}

func runEnroll(ctx context.Context, sess *engine.Session, c *types.Context, opts enrollOptions) error {
	inputs, err := enrollInputs(opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %v: %w", opts.OutDir, err, types.ErrIO)
	}

	// Sources open on first read and close once exhausted, so only the
	// items workers are currently on hold an FFmpeg process.
	sources := make([]media.FrameSource, len(inputs))
	lazy := make([]*media.LazySource, len(inputs))
	labels := make([]string, len(inputs))
	for i, in := range inputs {
		path := in.Media
		lazy[i] = media.NewLazySource(ctx, -1, func(ctx context.Context) (media.FrameSource, func() error, error) {
			return media.OpenFile(ctx, path)
		})
		sources[i] = lazy[i]
		labels[i] = path
	}
	defer func() {
		for _, l := range lazy {
			l.Close()
		}
	}()

	withDetections := false
	for _, in := range inputs {
		if in.Detections != "" {
			withDetections = true
			break
		}
	}

	bar := progress(len(inputs), "🧬 Enrolling")
	var (
		templates []types.Template
		saved     [][]types.Detection
		status    batch.Result
	)
	if withDetections {
		dets := make([][]types.Detection, len(inputs))
		for i, in := range inputs {
			if in.Detections == "" {
				return fmt.Errorf("%s has no detections file: %w", in.Media, types.ErrBadArgument)
			}
			if dets[i], err = readDetections(in.Detections); err != nil {
				return err
			}
		}
		res := sess.EnrollDetectionsBatch(ctx, c, sources, dets, bar)
		for _, item := range res.Items {
			templates = append(templates, item.Value)
		}
		status = res.Errors()
	} else {
		res := sess.EnrollMediaBatch(ctx, c, sources, bar)
		for _, item := range res.Items {
			templates = append(templates, item.Value.Template)
			saved = append(saved, item.Value.Detections)
		}
		status = res.Errors()
	}

	manifest := opts.Manifest
	if manifest == "" {
		manifest = filepath.Join(opts.OutDir, "templates.csv")
	}
	out, err := utils.CreateTable(manifest, "id", "template", "media", "media_hash")
	if err != nil {
		return err
	}
	written := 0
	for i, itemErr := range status.Items {
		if itemErr != nil {
			continue
		}
		id, err := utils.MediaID64(inputs[i].Media)
		if err != nil {
			out.Close()
			return fmt.Errorf("media id for %s: %v: %w", inputs[i].Media, err, types.ErrIO)
		}
		hash, err := utils.GenerateMediaID(inputs[i].Media)
		if err != nil {
			out.Close()
			return fmt.Errorf("media hash for %s: %v: %w", inputs[i].Media, err, types.ErrIO)
		}
		name := templateName(inputs[i].Media)
		if err := writeTemplate(filepath.Join(opts.OutDir, name), templates[i]); err != nil {
			out.Close()
			return err
		}
		if saved != nil {
			det := strings.TrimSuffix(name, ".tmpl") + ".det"
			if err := writeDetections(filepath.Join(opts.OutDir, det), saved[i]); err != nil {
				out.Close()
				return err
			}
		}
		if err := out.Write(strconv.FormatUint(id, 10), manifestPath(manifest, opts.OutDir, name), inputs[i].Media, hash); err != nil {
			out.Close()
			return err
		}
		written++
	}
	if err := out.Close(); err != nil {
		return err
	}
	Log.InfoContext(ctx, "enrollment finished", "templates", written, "inputs", len(inputs), "manifest", manifest)
	return report(os.Stderr, "enroll", labels, status)
}

func templateName(mediaPath string) string {
	base := filepath.Base(mediaPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".tmpl"
}

// manifestPath writes template paths relative to the manifest when possible.
func manifestPath(manifest, dir, name string) string {
	full := filepath.Join(dir, name)
	if rel, err := filepath.Rel(filepath.Dir(manifest), full); err == nil {
		return rel
	}
	if abs, err := filepath.Abs(full); err == nil {
		return abs
	}
	return full
}
