package notifier

import (
	"fmt"
	"strings"

	"cadence/internal/workflow"
)

// hints maps error kinds to the next step an operator should take.
var hints = map[workflow.ErrorKind]string{
	workflow.KindAuth:         "Credentials were rejected. Log in again or refresh the token, then trigger the job manually.",
	workflow.KindUsageLimit:   "A usage or subscription limit was reached. Wait for the quota to reset or upgrade the plan.",
	workflow.KindNotInstalled: "A required command is not installed or not on PATH.",
	workflow.KindConfig:       "The job or stage configuration is invalid. Fix the config file; it reloads automatically.",
	workflow.KindMissingInput: "An expected input file or resource is missing.",
	workflow.KindAbandoned:    "The daemon stopped while this execution was running.",
}

// Compose turns an execution event into an operator message.
func Compose(typ string, ev workflow.ExecutionEvent) Message {
	m := Message{
		JobID:       ev.JobID,
		ExecutionID: ev.ExecutionID,
		Trigger:     ev.Trigger,
		Status:      ev.Status,
		Stage:       ev.Stage,
		ErrorKind:   ev.ErrorKind,
		Retryable:   ev.Retryable,
		NeedsAction: ev.NeedsAction,
		At:          ev.At,
	}

	label := ""
	if ev.Trigger == workflow.TriggerMissed {
		label = " (missed run)"
	}
	switch typ {
	case workflow.EventSucceeded:
		m.Title = fmt.Sprintf("%s succeeded%s", ev.JobID, label)
	case workflow.EventTimedOut:
		m.Title = fmt.Sprintf("%s timed out at stage %s%s", ev.JobID, ev.Stage, label)
	default:
		m.Title = fmt.Sprintf("%s failed at stage %s%s", ev.JobID, ev.Stage, label)
	}
	if ev.NeedsAction {
		m.Title = "Action needed: " + m.Title
	}

	var b strings.Builder
	b.WriteString(m.Title)
	if ev.Elapsed > 0 {
		fmt.Fprintf(&b, "\nDuration: %s", ev.Elapsed.Round(1e6))
	}
	if ev.ErrorKind != "" {
		fmt.Fprintf(&b, "\nKind: %s", ev.ErrorKind)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", clip(ev.Error, 500))
	}
	if h, ok := hints[ev.ErrorKind]; ok {
		b.WriteString("\n")
		b.WriteString(h)
	} else if ev.Retryable {
		b.WriteString("\nRetries were exhausted; the next scheduled run will try again.")
	}
	fmt.Fprintf(&b, "\nExecution: %s", ev.ExecutionID)
	m.Text = b.String()
	return m
}

// dedupKey groups repeats of the same outcome for one job.
func dedupKey(m Message) string {
	return fmt.Sprintf("%s|%s|%s", m.JobID, m.Status, m.ErrorKind)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
