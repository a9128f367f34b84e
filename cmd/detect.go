package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/biomatch/internal/batch"
	"github.com/andresmejia3/biomatch/internal/codec"
	"github.com/andresmejia3/biomatch/internal/engine"
	"github.com/andresmejia3/biomatch/internal/media"
	"github.com/andresmejia3/biomatch/internal/types"
	"github.com/andresmejia3/biomatch/internal/utils"
)

type detectOptions struct {
	Inputs   []string
	Output   string
	DetDir   string
	NthFrame int
}

var detectOpts detectOptions

var detectCmd = &cobra.Command{
	Use:   "detect [media...]",
	Short: "Detect subjects in images and videos",
	Long:  "Runs the detector over every frame of each input and writes one CSV row per sighting. With --det-dir the tracks are also saved as .det files for enroll --detections.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, release, err := newSession(true)
		if err != nil {
			return err
		}
		defer release()
		detectOpts.Inputs = args
		return runDetect(cmd.Context(), sess, &CallCtx, detectOpts, progress(len(args), "🔍 Detecting"))
	},
}

func init() {
	detectCmd.Flags().StringVarP(&detectOpts.Output, "output", "o", "-", "CSV output path ('-' for stdout)")
	detectCmd.Flags().StringVar(&detectOpts.DetDir, "det-dir", "", "Directory to write one .det file per input")
	detectCmd.Flags().IntVarP(&detectOpts.NthFrame, "nth-frame", "n", 1, "Keyframe interval (e.g. detect on every 10th frame)")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(ctx context.Context, sess *engine.Session, c *types.Context, opts detectOptions, extra ...batch.Option) error {
	if opts.NthFrame < 1 {
		return fmt.Errorf("--nth-frame must be at least 1: %w", types.ErrBadArgument)
	}
	if opts.DetDir != "" {
		if err := os.MkdirAll(opts.DetDir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %v: %w", opts.DetDir, err, types.ErrIO)
		}
	}

	res := batch.Map(ctx, c.BatchPolicy, len(opts.Inputs), func(ctx context.Context, i int) ([]types.Track, error) {
		tracks, err := detectFile(ctx, sess, c, opts.Inputs[i], opts.NthFrame)
		if err != nil {
			return nil, err
		}
		if opts.DetDir != "" {
			dets := make([]types.Detection, len(tracks))
			for j, t := range tracks {
				dets[j] = types.Detection{Track: t}
			}
			if err := writeDetections(detPath(opts.DetDir, opts.Inputs[i]), dets); err != nil {
				return nil, err
			}
		}
		return tracks, nil
	}, append([]batch.Option{batch.WithWorkers(Cfg.Engine.Workers)}, extra...)...)

	out, err := utils.CreateTable(opts.Output, "media", "track", "frame", "x", "y", "width", "height", "confidence")
	if err != nil {
		return err
	}
	for i, item := range res.Items {
		for t, track := range item.Value {
			for _, p := range track {
				if err := out.Write(opts.Inputs[i], strconv.Itoa(t), strconv.FormatUint(uint64(p.Frame), 10),
					itoa32(p.Rect.X), itoa32(p.Rect.Y), itoa32(p.Rect.Width), itoa32(p.Rect.Height),
					strconv.FormatFloat(float64(p.Confidence), 'f', 4, 32)); err != nil {
					out.Close()
					return err
				}
			}
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	return report(os.Stderr, "detect", opts.Inputs, res.Errors())
}

// detectFile runs the detector over every nth frame of path.
func detectFile(ctx context.Context, sess *engine.Session, c *types.Context, path string, nth int) ([]types.Track, error) {
	src, release, err := media.OpenFile(ctx, path)
	if err != nil {
		return nil, err
	}
	defer release()

	var all []types.Track
	for {
		f, ok, err := src.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return all, nil
		}
		if f.Index%nth != 0 {
			continue
		}
		tracks, err := sess.Detect(ctx, c, f)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", f.Index, err)
		}
		all = append(all, tracks...)
	}
}

func itoa32(v int32) string { return strconv.FormatInt(int64(v), 10) }

// detPath maps a media file to its .det file inside dir.
func detPath(dir, mediaPath string) string {
	base := filepath.Base(mediaPath)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".det")
}

func writeDetections(path string, dets []types.Detection) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %v: %w", path, err, types.ErrIO)
	}
	w := bufio.NewWriter(f)
	for _, d := range dets {
		if err := codec.WriteDetection(w, d); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %v: %w", path, err, types.ErrIO)
	}
	return f.Close()
}

// readDetections reads every detection in a .det file.
func readDetections(path string) ([]types.Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %v: %w", path, err, types.ErrIO)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var dets []types.Detection
	for {
		if _, err := r.Peek(1); errors.Is(err, io.EOF) {
			return dets, nil
		}
		d, err := codec.ReadDetection(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		dets = append(dets, d)
	}
}
