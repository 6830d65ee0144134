// Package notifier delivers operator notifications about finished executions.
//
// The service subscribes to terminal execution events on the bus, composes a
// short message (with a concrete next step when a human has to act), and
// hands it to one or more sinks: the log, a JSON webhook, or a Telegram chat.
//
// Delivery is asynchronous. Repeats of the same outcome for a job are
// suppressed inside a dedup window, sends are rate limited, and transient
// sink failures are retried with exponential backoff.
package notifier
