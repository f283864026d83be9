package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/datapack-cli/internal/adapter"
	"github.com/sells-group/datapack-cli/internal/collector"
	"github.com/sells-group/datapack-cli/internal/industry"
	"github.com/sells-group/datapack-cli/internal/model"
)

var datapointCmd = &cobra.Command{
	Use:   "datapoint <industry-id> <key>",
	Short: "Resolve a single datapoint and print its attempt log",
	Long:  "Resolves one key against an industry's source list. With --ticker the company sources are used, otherwise the macro sources. Nothing is persisted.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ind, err := industry.Find(cfg.IndustriesDir, args[0])
		if err != nil {
			return err
		}
		ticker, _ := cmd.Flags().GetString("ticker")
		req, err := datapointRequest(ind, model.Key(args[1]), ticker, time.Now())
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		req.Candidates = supporting(env.Adapters, req.Candidates, req.Key)
		res, err := env.Engine.CollectDatapoint(ctx, req)
		if err != nil {
			return eris.Wrap(err, "datapoint")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	datapointCmd.Flags().String("ticker", "", "company ticker (macro sources when empty)")
	rootCmd.AddCommand(datapointCmd)
}

// datapointRequest builds the request for key from the industry config.
func datapointRequest(ind *industry.Config, key model.Key, ticker string, now time.Time) (collector.DatapointRequest, error) {
	req := collector.DatapointRequest{Key: key, AsOfMin: ind.AsOfMin(now)}
	if ticker == "" {
		req.Candidates = ind.MacroSources
		req.Severity = ind.Macro.Metrics().Severity(key)
		return req, nil
	}

	co := model.Company{Ticker: ticker}
	found := false
	for _, c := range ind.Companies {
		if c.Ticker == ticker {
			co, found = c, true
			break
		}
	}
	if !found {
		return req, eris.Errorf("datapoint: ticker %s is not in industry %s", ticker, ind.ID)
	}
	req.Ticker = co.Ticker
	req.Candidates = ind.CompanySources(co)
	req.Severity = ind.Valuation.Severity(key)
	return req, nil
}

// supporting drops candidates whose registered adapter cannot produce key.
func supporting(reg *adapter.Registry, cands []model.SourceCandidate, key model.Key) []model.SourceCandidate {
	var out []model.SourceCandidate
	for _, c := range cands {
		if a := reg.Get(c.AdapterID); a != nil && len(adapter.Intersect(a, []model.Key{key})) == 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}
