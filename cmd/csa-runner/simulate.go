package main

import (
	"github.com/spf13/cobra"

	"github.com/terminal-bench/csarunner/internal/simulation"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate [case.yaml]",
	Short: "Run a task offline against an in-memory grid",
	Long: `Runs the whole task pipeline on the grid described by a YAML case, with a
validator declaring a border secure while its flow towards Spain stays
within the case limit. Prints the final statuses, every tested step and the
counter-trade set-points of the final results.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := simulation.LoadCase(args[0])
		if err != nil {
			return err
		}
		if c.Dichotomy.Precision == 0 {
			c.Dichotomy.Precision = cfg.Dichotomy.Precision
		}
		if c.Dichotomy.MaxIterationsByBorder == 0 {
			c.Dichotomy.MaxIterationsByBorder = cfg.Dichotomy.MaxIterationsByBorder
		}

		report, err := simulation.Run(cmd.Context(), c, logger)
		if err != nil {
			return err
		}
		return report.Write(cmd.OutOrStdout())
	},
}
