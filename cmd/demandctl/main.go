package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/app"
	"github.com/fractal-lba/demandcast/internal/backtest"
	"github.com/fractal-lba/demandcast/internal/config"
	"github.com/fractal-lba/demandcast/internal/promotion"
)

// options are the global flags shared by every subcommand.
type options struct {
	dataFile string
	format   string
	verbose  bool
}

func main() {
	_ = godotenv.Load(".env")

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "demandctl",
		Short: "Operator tool for item demand forecasts and price elasticity",
		Long: `Runs forecasts, elasticity estimates, backtests and prior refreshes
against the configured history source, outside the HTTP server.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.dataFile, "data", "", "JSON dataset (overrides DEMANDCAST_HISTORY_FILE)")
	rootCmd.PersistentFlags().StringVarP(&opts.format, "output", "o", "json", "Output format: json or text")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "Debug logging")

	rootCmd.AddCommand(forecastCmd(opts))
	rootCmd.AddCommand(elasticityCmd(opts))
	rootCmd.AddCommand(backtestCmd(opts))
	rootCmd.AddCommand(detectPromotionsCmd(opts))
	rootCmd.AddCommand(refreshPriorsCmd(opts))

	return rootCmd
}

func forecastCmd(opts *options) *cobra.Command {
	var horizon int

	cmd := &cobra.Command{
		Use:   "forecast ITEM_ID...",
		Short: "Forecast daily demand quantiles for one or more items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				out, err := a.ForecastBatch(ctx, args, horizon)
				if err != nil {
					return err
				}
				if opts.format != "text" {
					return writeJSON(cmd.OutOrStdout(), out)
				}
				for _, id := range args {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n", id)
					for _, r := range out[id] {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s  p10=%-6.0f p50=%-6.0f p90=%-6.0f conf=%.2f\n",
							r.ForecastDate.Format("2006-01-02"), r.P10, r.P50, r.P90, r.ConfidenceScore)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&horizon, "horizon", 7, "Forecast horizon in days")
	return cmd
}

func elasticityCmd(opts *options) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "elasticity [ITEM_ID...]",
		Short: "Estimate price elasticity through the fallback waterfall",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("pass item ids or --all")
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				var ests []api.ElasticityEstimate
				if all {
					var err error
					if ests, err = a.Elasticity.EstimateAll(ctx); err != nil {
						return err
					}
				} else {
					for _, id := range args {
						est, err := a.Elasticity.Estimate(ctx, id)
						if err != nil {
							return fmt.Errorf("estimate %s: %w", id, err)
						}
						ests = append(ests, est)
					}
				}

				if opts.format != "text" {
					return writeJSON(cmd.OutOrStdout(), ests)
				}
				for _, e := range ests {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %7.3f  [%7.3f, %7.3f]  conf=%.2f  %s\n",
						e.ItemID, e.Elasticity, e.CILower, e.CIUpper, e.Confidence, e.Method)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Estimate every item in the catalog")
	return cmd
}

func backtestCmd(opts *options) *cobra.Command {
	var xlsxPath string

	cmd := &cobra.Command{
		Use:   "backtest ITEM_ID",
		Short: "Run the rolling-origin backtest and evaluate acceptance gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				report, err := a.RunBacktest(ctx, args[0])
				if err != nil {
					return err
				}
				if xlsxPath != "" {
					if err := backtest.ExportXLSX(report, xlsxPath); err != nil {
						return fmt.Errorf("failed to export workbook: %w", err)
					}
				}

				if opts.format != "text" {
					if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
						return err
					}
				} else {
					fmt.Fprint(cmd.OutOrStdout(), report.Summary())
				}
				if !report.Decision.Accepted {
					return fmt.Errorf("backtest rejected: %v", report.Decision.Failures)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "Also write per-fold results to this workbook")
	return cmd
}

func detectPromotionsCmd(opts *options) *cobra.Command {
	var linesFile string

	cmd := &cobra.Command{
		Use:   "detect-promotions ITEM_ID",
		Short: "List known and inferred promotion periods for an item",
		Long: `Lists confirmed promotions and the periods inferred from the item's price
history. With --lines, raw POS lines are also scanned for discounts, voids and
promotional names.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var lines []promotion.TransactionLine
			if linesFile != "" {
				data, err := os.ReadFile(linesFile)
				if err != nil {
					return fmt.Errorf("failed to read lines: %w", err)
				}
				if err := json.Unmarshal(data, &lines); err != nil {
					return fmt.Errorf("failed to parse lines: %w", err)
				}
			}

			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				periods, err := a.DetectPromotions(ctx, args[0])
				if err != nil {
					return err
				}
				periods = append(periods, a.DetectLinePromotions(args[0], lines)...)
				slices.SortStableFunc(periods, func(x, y api.PromotionPeriod) int { return x.StartDate.Compare(y.StartDate) })

				if opts.format != "text" {
					return writeJSON(cmd.OutOrStdout(), periods)
				}
				for _, p := range periods {
					fmt.Fprintf(cmd.OutOrStdout(), "%s .. %s  discount=%.0f%%  %s (%.2f)\n",
						p.StartDate.Format("2006-01-02"), p.EndDate.Format("2006-01-02"),
						p.DiscountPct*100, p.DetectionMethod, p.Confidence)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&linesFile, "lines", "", "JSON array of POS transaction lines to scan")
	return cmd
}

func refreshPriorsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-priors",
		Short: "Rebuild category priors once and publish the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				snap, err := a.Refresher.RunOnce(ctx)
				if err != nil {
					return err
				}
				if opts.format != "text" {
					return writeJSON(cmd.OutOrStdout(), snap)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot v%d: %d categories, expires %s\n",
					snap.Version, len(snap.Categories), snap.ExpiresAt.Format("2006-01-02"))
				return nil
			})
		},
	}
}

// withApp loads configuration, applies the global flags and runs fn against a
// freshly wired App.
func withApp(ctx context.Context, opts *options, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.dataFile != "" {
		cfg.History.Backend = "memory"
		cfg.History.File = opts.dataFile
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}

	a, err := app.New(ctx, cfg, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
