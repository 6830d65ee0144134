package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cadence/internal/control"
)

var (
	cfgPath string
	addr    string
	token   string
	timeout time.Duration
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:           "cadence",
	Short:         "Scheduled workflow runner",
	Long:          "cadence runs multi-stage jobs on cron schedules and exposes a local control API.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config yaml")
	pf.StringVar(&addr, "addr", envOr("CADENCE_ADDR", control.DefaultAddr), "control API address")
	pf.StringVar(&token, "token", os.Getenv("CADENCE_TOKEN"), "control API bearer token")
	pf.DurationVar(&timeout, "timeout", 10*time.Second, "request timeout for control commands")
	pf.BoolVar(&jsonOut, "json", false, "print raw JSON")

	rootCmd.AddCommand(serveCmd, triggerCmd, statusCmd, jobsCmd, historyCmd, eventsCmd, nextCmd, validateCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(exitCode(err))
	}
}
