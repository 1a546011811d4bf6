package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rcourtman/telemetry-control/internal/cost"
	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
	"github.com/rcourtman/telemetry-control/internal/rollout"
)

func newFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Inspect feature flag configuration files",
	}
	cmd.AddCommand(newFlagsValidateCmd())
	cmd.AddCommand(newFlagsEvalCmd())
	return cmd
}

func loadFlagFile(path string) (rollout.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rollout.Config{}, telerrors.WrapConfigError("read_flags", path, err)
	}
	cfg, err := rollout.ParseConfig(data)
	if err != nil {
		return rollout.Config{}, err
	}
	if err := rollout.Validate(cfg.Flags); err != nil {
		return rollout.Config{}, err
	}
	return cfg, nil
}

func newFlagsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a flag file for bad percentages, unknown dependencies, inverted windows and cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFlagFile(args[0])
			if err != nil {
				return err
			}
			version := cfg.Version
			if version == "" {
				version = "unversioned"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d flags (%s)\n", len(cfg.Flags), version)
			return nil
		},
	}
}

func newFlagsEvalCmd() *cobra.Command {
	var caller rollout.CallerContext
	cmd := &cobra.Command{
		Use:   "eval <file> [flag]",
		Short: "Evaluate one flag, or every flag, for a caller",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFlagFile(args[0])
			if err != nil {
				return err
			}
			evaluator := rollout.NewEvaluator(nil, 0)
			if err := evaluator.Load(cfg); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 2 {
				enabled, err := evaluator.Evaluate(args[1], caller)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s=%t (bucket %d)\n", args[1], enabled, rollout.Bucket(caller.SessionID))
				return nil
			}

			all, err := evaluator.GetAllFlags(caller)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(all))
			for name := range all {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "%s=%t\n", name, all[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&caller.SessionID, "session", "", "session ID used for percentage bucketing (required)")
	cmd.Flags().StringVar(&caller.Identity, "identity", "", "caller identity")
	cmd.Flags().StringVar(&caller.Group, "group", "", "caller group")
	cmd.Flags().BoolVar(&caller.Privileged, "privileged", false, "treat the caller as privileged")
	return cmd
}

func newCostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Cost and pricing utilities",
	}
	cmd.AddCommand(newCostEstimateCmd())
	return cmd
}

func newCostEstimateCmd() *cobra.Command {
	var pricingFile string
	cmd := &cobra.Command{
		Use:   "estimate <model> <input-units> <output-units>",
		Short: "Estimate the USD cost of a single usage record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || in < 0 {
				return fmt.Errorf("input units must be a non-negative integer, got %q", args[1])
			}
			outUnits, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil || outUnits < 0 {
				return fmt.Errorf("output units must be a non-negative integer, got %q", args[2])
			}

			table := cost.DefaultPriceTable()
			if pricingFile != "" {
				if table, err = cost.LoadPriceTable(pricingFile); err != nil {
					return err
				}
			}

			usd, ok := table.Estimate(args[0], in, outUnits)
			if !ok {
				return fmt.Errorf("no price for model %q in pricing version %s", args[0], table.Version)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: $%.6f (pricing %s)\n", args[0], usd, table.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&pricingFile, "pricing", "", "YAML or JSON price table (defaults to the bundled table)")
	return cmd
}
