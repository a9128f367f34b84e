package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/biomatch/internal/engine"
	"github.com/andresmejia3/biomatch/internal/types"
	"github.com/andresmejia3/biomatch/internal/utils"
)

type verifyOptions struct {
	Reference string
	Probe     string
	Pairs     string
	Output    string
}

var verifyOpts verifyOptions

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Score reference templates against probe templates",
	Long: `Compares one --reference with one --probe, or every row of a --pairs
CSV (reference,probe), and prints the similarity scores.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := newSession(false)
		if err != nil {
			return err
		}
		if verifyOpts.Pairs != "" {
			return runVerifyPairs(cmd.Context(), sess, &CallCtx, verifyOpts)
		}
		return runVerify(cmd.Context(), cmd.OutOrStdout(), sess, verifyOpts)
	},
}

func init() {
	verifyCmd.Flags().StringVarP(&verifyOpts.Reference, "reference", "r", "", "Reference template file")
	verifyCmd.Flags().StringVarP(&verifyOpts.Probe, "probe", "p", "", "Probe template file")
	verifyCmd.Flags().StringVar(&verifyOpts.Pairs, "pairs", "", "CSV of reference,probe template paths")
	verifyCmd.Flags().StringVarP(&verifyOpts.Output, "output", "o", "-", "CSV output path for --pairs ('-' for stdout)")
	verifyCmd.MarkFlagsRequiredTogether("reference", "probe")
	verifyCmd.MarkFlagsMutuallyExclusive("pairs", "reference")
	verifyCmd.MarkFlagsOneRequired("pairs", "reference")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(ctx context.Context, w io.Writer, sess *engine.Session, opts verifyOptions) error {
	ref, err := readTemplate(opts.Reference)
	if err != nil {
		return err
	}
	probe, err := readTemplate(opts.Probe)
	if err != nil {
		return err
	}
	s, err := sess.Verify(ctx, ref, probe)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, strconv.FormatFloat(s, 'f', 6, 64))
	return nil
}

func runVerifyPairs(ctx context.Context, sess *engine.Session, c *types.Context, opts verifyOptions) error {
	t, err := utils.ReadTable(opts.Pairs)
	if err != nil {
		return err
	}
	if err := t.Require("reference", "probe"); err != nil {
		return fmt.Errorf("%s: %w", opts.Pairs, err)
	}
	base := filepath.Dir(opts.Pairs)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	refs := make([]types.Template, t.Len())
	probes := make([]types.Template, t.Len())
	labels := make([]string, t.Len())
	for i := 0; i < t.Len(); i++ {
		if refs[i], err = readTemplate(resolve(t.Get(i, "reference"))); err != nil {
			return err
		}
		if probes[i], err = readTemplate(resolve(t.Get(i, "probe"))); err != nil {
			return err
		}
		labels[i] = t.Get(i, "reference") + " vs " + t.Get(i, "probe")
	}

	res := sess.VerifyBatch(ctx, c, refs, probes)
	out, err := utils.CreateTable(opts.Output, "reference", "probe", "score")
	if err != nil {
		return err
	}
	for i, item := range res.Items {
		if item.Err != nil {
			continue
		}
		if err := out.Write(t.Get(i, "reference"), t.Get(i, "probe"), strconv.FormatFloat(item.Value, 'f', 6, 64)); err != nil {
			out.Close()
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	return report(os.Stderr, "verify", labels, res.Errors())
}
