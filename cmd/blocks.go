package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/datapack-cli/internal/blocks"
)

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Inspect and clear source blocks",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("blocks")
	},
}

var blocksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List block records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		reg, closeBlocks, err := initBlocks(ctx)
		if err != nil {
			return err
		}
		defer closeBlocks()

		recs, err := reg.List(ctx)
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")
		recs = filterBlocks(recs, all, time.Now())
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No blocked sources.")
			return nil
		}
		formatBlocks(os.Stdout, recs, time.Now())
		return nil
	},
}

var blocksClearCmd = &cobra.Command{
	Use:   "clear <id>...",
	Short: "Clear the block on one or more sources",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reg, closeBlocks, err := initBlocks(ctx)
		if err != nil {
			return err
		}
		defer closeBlocks()

		for _, id := range args {
			if err := reg.Clear(ctx, id); err != nil {
				return eris.Wrapf(err, "blocks clear %s", id)
			}
			fmt.Fprintf(os.Stderr, "Cleared %s\n", id)
		}
		return nil
	},
}

var blocksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove cleared records whose window has passed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		reg, closeBlocks, err := initBlocks(ctx)
		if err != nil {
			return err
		}
		defer closeBlocks()

		n, err := reg.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Removed %d records\n", n)
		return nil
	},
}

func init() {
	blocksListCmd.Flags().Bool("all", false, "include expired and cleared records")

	blocksCmd.AddCommand(blocksListCmd)
	blocksCmd.AddCommand(blocksClearCmd)
	blocksCmd.AddCommand(blocksCleanupCmd)
	rootCmd.AddCommand(blocksCmd)
}

// filterBlocks drops inactive records unless all is set, and sorts by
// window end, latest first.
func filterBlocks(recs []blocks.Record, all bool, now time.Time) []blocks.Record {
	out := make([]blocks.Record, 0, len(recs))
	for _, r := range recs {
		if all || r.Active(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BlockedUntil.Equal(out[j].BlockedUntil) {
			return out[i].BlockedUntil.After(out[j].BlockedUntil)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// formatBlocks writes a tabular list of block records to w.
func formatBlocks(out io.Writer, recs []blocks.Record, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tCOUNT\tSTATUS\tREMAINING\tLAST_ERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t------\t---------\t----------")

	for _, r := range recs {
		remaining := "-"
		if r.Active(now) {
			remaining = r.BlockedUntil.Sub(now).Round(time.Minute).String()
		}
		lastErr := r.LastError
		if len(lastErr) > 40 {
			lastErr = lastErr[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Kind, r.ConsecutiveCount, r.LastStatus, remaining, lastErr)
	}
	_ = w.Flush()
}
