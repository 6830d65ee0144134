package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cadence/internal/app"
)

var nextCount int

var nextCmd = &cobra.Command{
	Use:   "next <job-id>",
	Short: "Preview upcoming fire times from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		times, err := app.NextRuns(cfgPath, args[0], nextCount, time.Now())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(times)
		}
		for _, t := range times {
			fmt.Println(t.Format(time.RFC3339))
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file without starting anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.Check(cfgPath)
		if err != nil {
			return err
		}
		fmt.Printf("%s: ok (%d stages, %d jobs)\n", cfgPath, len(cfg.Stages), len(cfg.Jobs))
		return nil
	},
}

func init() {
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "number of fire times")
}
