package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/datapack"
	"github.com/sells-group/datapack-cli/internal/industry"
	"github.com/sells-group/datapack-cli/internal/model"
)

var collectCmd = &cobra.Command{
	Use:   "collect <industry-id>",
	Short: "Collect the datapack for one industry",
	Long:  "Collects macro indicators once, then every configured company, persisting each company as it completes. Exits non-zero when the run fails.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("collect"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ind, err := industry.Find(cfg.IndustriesDir, args[0])
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		runID, _ := cmd.Flags().GetString("run-id")
		res, err := env.Engine.CollectIndustry(ctx, datapack.IndustryRequest{Industry: ind, RunID: runID})
		if err != nil {
			return eris.Wrap(err, "collect")
		}

		zap.L().Info("industry run finished",
			zap.String("run_id", res.Run.ID),
			zap.String("industry", ind.ID),
			zap.String("status", string(res.Run.Status)),
			zap.Int64("duration_ms", res.Run.DurationMS),
		)
		formatRunSummary(os.Stderr, res)

		out, _ := cmd.Flags().GetString("out")
		if err := writeDatapack(out, res.Datapack); err != nil {
			return err
		}
		if res.Run.Status == model.StatusFailed {
			return eris.Errorf("collect: run %s failed", res.Run.ID)
		}
		return nil
	},
}

func init() {
	collectCmd.Flags().String("run-id", "", "run id (generated when empty)")
	collectCmd.Flags().String("out", "", "write the datapack JSON to this file instead of stdout")
	rootCmd.AddCommand(collectCmd)
}

// writeDatapack encodes the datapack as indented JSON to path, or stdout
// when path is empty.
func writeDatapack(path string, pack *model.Datapack) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return eris.Wrapf(err, "collect: create %s", path)
		}
		defer f.Close() //nolint:errcheck
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(pack), "collect: encode datapack")
}

// formatRunSummary writes the per-company status table and any gate errors.
func formatRunSummary(out io.Writer, res *datapack.IndustryResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", res.Run.ID)
	_, _ = fmt.Fprintf(w, "Industry:\t%s\n", res.Run.IndustryID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", res.Run.Status)
	_, _ = fmt.Fprintf(w, "Macro:\t%s\n", res.Run.MacroStatus)
	complete, partial, failed := res.Run.Counts()
	_, _ = fmt.Fprintf(w, "Companies:\t%d complete, %d partial, %d failed\n", complete, partial, failed)
	if res.Datapack != nil {
		for _, c := range res.Datapack.Companies {
			line := fmt.Sprintf("  %s\t%s", c.Company.Ticker, c.Status)
			if len(c.MissingRequired) > 0 {
				line += fmt.Sprintf("\tmissing %v", c.MissingRequired)
			}
			_, _ = fmt.Fprintln(w, line)
		}
	}
	for _, e := range res.Gate.Errors {
		_, _ = fmt.Fprintf(w, "Gate:\t%s\n", e)
	}
	_ = w.Flush()
}
