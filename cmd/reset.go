package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetBlobs bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Published Galleries)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetBlobs {
			resetDB = true
			resetBlobs = true
		}
		return runReset(cmd.Context(), os.Stdin, os.Stdout, resetDB, resetBlobs, resetYes)
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear PostgreSQL gallery tables")
	resetCmd.Flags().BoolVar(&resetBlobs, "blobs", false, "Delete every published gallery blob")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func runReset(ctx context.Context, in io.Reader, out io.Writer, db, blobs, yes bool) error {
	reader := bufio.NewReader(in)

	if db && (yes || confirm(reader, out, "⚠️  Are you sure you want to DROP all database tables?")) {
		fmt.Fprintln(out, "🗑️  Clearing Database...")
		s, err := openDB(ctx)
		if err != nil {
			return err
		}
		if err := s.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}
	}

	if blobs && (yes || confirm(reader, out, "⚠️  Are you sure you want to delete all published galleries?")) {
		fmt.Fprintln(out, "🗑️  Clearing Published Galleries...")
		bs, err := openBlobStore(ctx)
		if err != nil {
			return err
		}
		names, err := bs.List(ctx, "")
		if err != nil {
			return err
		}
		for _, n := range names {
			if err := bs.Delete(ctx, n); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", n, err)
			}
		}
	}

	fmt.Fprintln(out, "✨ System Reset Complete.")
	return nil
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
