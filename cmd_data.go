package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"portfolio-optimizer/internal/db"
	"portfolio-optimizer/internal/engine"
	"portfolio-optimizer/internal/logger"
)

func newFetchCmd(a *app) *cobra.Command {
	var (
		symbols  []string
		start    string
		end      string
		skipMeta bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download price history and asset metadata into the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseDate(start)
			if err != nil {
				return err
			}
			to, err := parseDate(end)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var failed atomic.Int32

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(a.cfg.EODHD.MaxConcurrent)
			for _, sym := range symbols {
				sym := strings.ToUpper(strings.TrimSpace(sym))
				g.Go(func() error {
					pts, err := a.client.PriceSeries(gctx, sym, from, to, engine.Daily)
					if err != nil {
						if errors.Is(err, engine.ErrSymbolNotFound) {
							logger.Warn("FETCH", err.Error())
							failed.Add(1)
							return nil
						}
						return err
					}
					logger.Info("FETCH", fmt.Sprintf("%s: %d prices", sym, len(pts)))
					if skipMeta {
						return nil
					}
					gen, err := a.client.FetchGeneral(gctx, sym)
					if err != nil {
						logger.Warn("FETCH", fmt.Sprintf("%s metadata: %v", sym, err))
						return nil
					}
					return a.store.UpsertAsset(db.Asset{
						Symbol:   sym,
						Name:     gen.Name,
						Type:     gen.Type,
						Exchange: gen.Exchange,
						Currency: gen.CurrencyCode,
					})
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if n := failed.Load(); n > 0 {
				return fmt.Errorf("%d of %d symbols not found", n, len(symbols))
			}
			logger.Success("FETCH", fmt.Sprintf("%d symbols cached", len(symbols)))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&symbols, "symbols", "s", nil, "symbols to fetch")
	cmd.Flags().StringVar(&start, "start", "", "first date YYYY-MM-DD (default: full history)")
	cmd.Flags().StringVar(&end, "end", "", "last date YYYY-MM-DD (default: today)")
	cmd.Flags().BoolVar(&skipMeta, "prices-only", false, "skip asset metadata")
	cmd.MarkFlagRequired("symbols")
	return cmd
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or prune the price cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cov, err := a.store.CachedSymbols()
			if err != nil {
				return err
			}
			assets := make(map[string]db.Asset)
			for _, as := range a.store.ListAssets() {
				assets[as.Symbol] = as
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SYMBOL\tGROUP\tFROM\tTO\tROWS\tUPDATED")
			for _, c := range cov {
				from := c.From
				if from == "" {
					from = "(all)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", c.Symbol, assets[c.Symbol].Group, from, c.To, c.Rows, c.UpdatedAt)
			}
			return tw.Flush()
		},
	}
	var maxAge time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete cached prices not refreshed within --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.store.CleanupStalePrices(maxAge)
			return nil
		},
	}
	prune.Flags().DurationVar(&maxAge, "max-age", 30*24*time.Hour, "maximum cache age")
	cmd.AddCommand(prune)
	return cmd
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded optimization runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeRuns(cmd.OutOrStdout(), a.store.GetRuns(limit))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs")

	cmd.AddCommand(&cobra.Command{
		Use:   "show RUN_ID",
		Short: "Print a recorded run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.store.GetRun(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(r.Result))
			return err
		},
	}, &cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Delete a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.store.DeleteRun(args[0])
		},
	})
	return cmd
}

func writeRuns(w io.Writer, runs []db.RunRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tOBJECTIVE\tSYMBOLS\tPERIODS\tSHARPE\tHEALTH\tMS")
	for _, r := range runs {
		sharpe, health := "n/a", "n/a"
		if r.Sharpe != nil {
			sharpe = fmt.Sprintf("%.3f", *r.Sharpe)
		}
		if r.HealthScore != nil {
			health = fmt.Sprintf("%.1f", *r.HealthScore)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%d\n",
			r.ID, r.CreatedAt, r.Objective, strings.Join(r.Symbols, ","), r.Periods, sharpe, health, r.DurationMs)
	}
	return tw.Flush()
}

func newObjectivesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "objectives",
		Short: "List the available optimization objectives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeObjectives(cmd.OutOrStdout(), engine.Objectives())
		},
	}
}

func writeObjectives(w io.Writer, objs []engine.ObjectiveInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFAMILY\tTARGET\tNEEDS")
	for _, o := range objs {
		var needs []string
		if o.NeedsHistory {
			needs = append(needs, "history")
		}
		if o.NeedsBenchmark {
			needs = append(needs, "benchmark")
		}
		target := string(o.Target)
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.ID, o.Family, target, strings.Join(needs, ","))
	}
	return tw.Flush()
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			shown := *a.cfg
			if shown.EODHD.Token != "" {
				shown.EODHD.Token = "********"
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(&shown)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Persist a setting in the database",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.SetConfigValue(a.cfg, args[0], args[1]); err != nil {
				return err
			}
			logger.Success("CONFIG", fmt.Sprintf("%s = %s", args[0], args[1]))
			return nil
		},
	}, &cobra.Command{
		Use:   "save",
		Short: "Persist the current engine settings in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.store.SaveConfig(a.cfg)
		},
	})
	return cmd
}
