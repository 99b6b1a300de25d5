package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"listing-experiments/internal/app"
	"listing-experiments/internal/config"
	"listing-experiments/internal/experiment"
	"listing-experiments/internal/logging"
	"listing-experiments/internal/models"
)

var (
	extendDays        int
	evaluateDate      string
	evaluateTolerance float64
	selectAccept      bool
	listStatus        string
)

var acceptCmd = &cobra.Command{
	Use:   "accept <listing-id> <experiment-id>",
	Short: "Apply an untested experiment to the live listing",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) (any, error) {
		listingID, err := parseListingID(args[0])
		if err != nil {
			return nil, err
		}
		exp, err := a.Resolver.Accept(ctx, listingID, args[1])
		indexOne(a, exp, err)
		return exp, err
	}),
}

var keepCmd = &cobra.Command{
	Use:   "keep <listing-id> <experiment-id>",
	Short: "Resolve the live experiment and keep its change",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) (any, error) {
		listingID, err := parseListingID(args[0])
		if err != nil {
			return nil, err
		}
		exp, err := a.Resolver.Keep(ctx, listingID, args[1])
		indexOne(a, exp, err)
		return exp, err
	}),
}

var revertCmd = &cobra.Command{
	Use:   "revert <listing-id> <experiment-id>",
	Short: "Restore the listing to its pre-experiment state",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) (any, error) {
		listingID, err := parseListingID(args[0])
		if err != nil {
			return nil, err
		}
		exp, err := a.Resolver.Revert(ctx, listingID, args[1])
		indexOne(a, exp, err)
		return exp, err
	}),
}

var extendCmd = &cobra.Command{
	Use:   "extend <listing-id> <experiment-id>",
	Short: "Push the planned end date of the live experiment forward",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) (any, error) {
		listingID, err := parseListingID(args[0])
		if err != nil {
			return nil, err
		}
		exp, err := a.Resolver.Extend(ctx, listingID, args[1], extendDays)
		indexOne(a, exp, err)
		return exp, err
	}),
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <listing-id> <experiment-id>",
	Short: "Compare the baseline against a later views snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) (any, error) {
		listingID, err := parseListingID(args[0])
		if err != nil {
			return nil, err
		}
		var tolerance *float64
		if cmd.Flags().Changed("tolerance") {
			tolerance = &evaluateTolerance
		}
		return a.Evaluator.Evaluate(ctx, listingID, args[1], evaluateDate, tolerance)
	}),
}

var selectCmd = &cobra.Command{
	Use:   "select <listing-id> [experiment-id]",
	Short: "Promote a proposal into the untested backlog",
	Args:  cobra.RangeArgs(1, 2),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) (any, error) {
		listingID, err := parseListingID(args[0])
		if err != nil {
			return nil, err
		}
		experimentID := ""
		if len(args) == 2 {
			experimentID = args[1]
		}
		exp, err := a.Promoter.SelectProposal(listingID, experimentID)
		if err != nil || !selectAccept {
			indexOne(a, exp, err)
			return exp, err
		}
		exp, err = a.Resolver.Accept(ctx, listingID, exp.ExperimentID)
		indexOne(a, exp, err)
		return exp, err
	}),
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments in one collection",
	Args:  cobra.NoArgs,
	RunE: withApp(func(_ context.Context, _ *cobra.Command, a *app.App, _ []string) (any, error) {
		switch listStatus {
		case "testing":
			return a.Catalog.Testing()
		case "finished":
			return a.Catalog.Finished()
		case "untested":
			return a.Catalog.Untested()
		case "tested":
			return a.Catalog.Tested()
		default:
			return nil, fmt.Errorf("unknown status %q (want testing, finished, untested or tested)", listStatus)
		}
	}),
}

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show per-state counts and outcome aggregates",
	Args:  cobra.NoArgs,
	RunE: withApp(func(_ context.Context, _ *cobra.Command, a *app.App, _ []string) (any, error) {
		return a.Catalog.Overview()
	}),
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull listings, views and live experiment images from the marketplace",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, _ *cobra.Command, a *app.App, _ []string) (any, error) {
		return a.Scheduler.RunSync(ctx)
	}),
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark finished experiments and evaluate the testing slot",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, _ *cobra.Command, a *app.App, _ []string) (any, error) {
		return a.Scheduler.RunSweep(ctx)
	}),
}

func init() {
	extendCmd.Flags().IntVar(&extendDays, "days", 7, "days to add to the planned end date")
	evaluateCmd.Flags().StringVar(&evaluateDate, "date", "", "comparison date YYYY-MM-DD (latest snapshot when empty)")
	evaluateCmd.Flags().Float64Var(&evaluateTolerance, "tolerance", 0, "dead zone for the normalized delta (shop setting when unset)")
	selectCmd.Flags().BoolVar(&selectAccept, "accept", false, "accept the selected option immediately")
	listCmd.Flags().StringVar(&listStatus, "status", "testing", "testing, finished, untested or tested")
}

type appFunc func(ctx context.Context, cmd *cobra.Command, a *app.App, args []string) (any, error)

// withApp loads config, wires the app and prints the result as JSON.
func withApp(run appFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		logger, err := logging.New(level, "console")
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck
		zap.ReplaceGlobals(logger)

		a, err := app.New(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := run(cmd.Context(), cmd, a, args)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

// indexOne keeps the search index current after a lifecycle change.
func indexOne(a *app.App, exp *models.Experiment, err error) {
	if err != nil || exp == nil || a.Indexer == nil {
		return
	}
	if ierr := a.Indexer.IndexExperiments([]*models.Experiment{exp}); ierr != nil {
		zap.L().Warn("listingctl: failed to index experiment", zap.Error(ierr))
	}
}

func parseListingID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid listing id %q", s)
	}
	return id, nil
}

// exitCode distinguishes rejected requests from marketplace failures.
func exitCode(err error) int {
	switch {
	case errors.Is(err, experiment.ErrPrecondition), errors.Is(err, experiment.ErrValidation),
		errors.Is(err, experiment.ErrNotEvaluable), errors.Is(err, experiment.ErrNotFound):
		return 2
	case errors.Is(err, experiment.ErrExternalCall):
		return 3
	default:
		return 1
	}
}
