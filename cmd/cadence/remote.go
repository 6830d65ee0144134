package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cadence/internal/control"
	"cadence/internal/workflow"
)

func newClient() *control.Client {
	return control.NewClient(addr, token, &http.Client{Timeout: timeout})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// exitCode maps control API refusals to distinct exit codes for scripts.
func exitCode(err error) int {
	var apiErr *control.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return 3
		case http.StatusConflict:
			return 4
		case http.StatusUnauthorized:
			return 5
		}
	}
	return 1
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <job-id>",
	Short: "Start a job now, outside its schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := newClient().Trigger(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]string{"execution_id": id})
		}
		fmt.Printf("triggered %s: %s\n", args[0], id)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show what a job is doing or how it last finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(st)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "job\t%s\n", st.JobID)
		fmt.Fprintf(w, "state\t%s\n", st.State)
		if st.ExecutionID != "" {
			fmt.Fprintf(w, "execution\t%s\n", st.ExecutionID)
		}
		fmt.Fprintf(w, "started\t%s\n", fmtTime(st.StartedAt))
		if st.CurrentStage != "" {
			fmt.Fprintf(w, "stage\t%s\n", st.CurrentStage)
		}
		if st.FinishedAt != nil {
			fmt.Fprintf(w, "finished\t%s\n", fmtTime(st.FinishedAt))
		}
		if st.Error != "" {
			fmt.Fprintf(w, "error\t%s (%s)\n", st.Error, st.ErrorKind)
			fmt.Fprintf(w, "retryable\t%v\n", st.Retryable)
			if st.NeedsAction {
				fmt.Fprintf(w, "action\tneeds user action\n")
			}
		}
		return w.Flush()
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List configured jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := newClient().Jobs(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(jobs)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSCHEDULE\tTZ\tENABLED\tNEXT\tSTAGES")
		for _, j := range jobs {
			tz := j.Timezone
			if tz == "" {
				tz = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n", j.ID, j.Cron, tz, j.Enabled, fmtTime(&j.NextRun), strings.Join(j.Stages, ","))
		}
		return w.Flush()
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently finished executions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newClient().History(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(h)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FINISHED\tJOB\tTRIGGER\tSTATUS\tDURATION\tERROR")
		for _, e := range h {
			msg := "-"
			if e.Error != nil {
				msg = e.Error.Message
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				fmtTime(e.FinishedAt), e.JobID, e.Trigger, e.Status, e.Duration.Round(time.Millisecond), msg)
		}
		return w.Flush()
	},
}

var eventTypes []string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow the live event stream",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		err := newClient().Events(ctx, eventTypes, func(e control.StreamEvent) error {
			if jsonOut {
				return printJSON(e)
			}
			var ev workflow.ExecutionEvent
			if err := e.Decode(&ev); err == nil && ev.JobID != "" {
				fmt.Printf("%s  %-28s %s %s\n", e.Time.Local().Format(time.TimeOnly), e.Type, ev.JobID, ev.ExecutionID)
				return nil
			}
			fmt.Printf("%s  %-28s %s\n", e.Time.Local().Format(time.TimeOnly), e.Type, e.Data)
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max executions to show (0 for all retained)")
	eventsCmd.Flags().StringSliceVarP(&eventTypes, "type", "t", nil, "event type prefixes to follow (repeatable)")
}
