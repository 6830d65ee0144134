//go:build linux

package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"cadence/internal/pipeline"
	"cadence/internal/retry"
	"cadence/internal/workflow"
)

func registerPlatformBuiltins(r *Registry) {
	r.builtins["systemd-unit"] = newSystemdUnit
}

type systemdUnitConfig struct {
	Unit string `json:"unit"`
	// Action is start, stop, restart or reload (default restart).
	Action string `json:"action"`
	// User talks to the per-user manager instead of the system one.
	User bool `json:"user"`
}

// newSystemdUnit builds a stage that runs a unit job over D-Bus and waits for
// systemd to report its result.
func newSystemdUnit(_ Env, raw json.RawMessage) (pipeline.LocalFunc, error) {
	var c systemdUnitConfig
	if err := decodeStrict(raw, &c); err != nil {
		return nil, err
	}
	unit := strings.TrimSpace(c.Unit)
	if unit == "" {
		return nil, fmt.Errorf("unit required")
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	action := strings.ToLower(strings.TrimSpace(c.Action))
	if action == "" {
		action = "restart"
	}
	switch action {
	case "start", "stop", "restart", "reload":
	default:
		return nil, fmt.Errorf("action: unknown %q", c.Action)
	}

	return func(ctx context.Context, in pipeline.Input) (string, error) {
		connect := dbus.NewSystemConnectionContext
		if c.User {
			connect = dbus.NewUserConnectionContext
		}
		conn, err := connect(ctx)
		if err != nil {
			return "", retry.WithKind(fmt.Errorf("connect to systemd: %w", err), workflow.KindNotInstalled)
		}
		defer conn.Close()

		done := make(chan string, 1)
		switch action {
		case "start":
			_, err = conn.StartUnitContext(ctx, unit, "replace", done)
		case "stop":
			_, err = conn.StopUnitContext(ctx, unit, "replace", done)
		case "reload":
			_, err = conn.ReloadUnitContext(ctx, unit, "replace", done)
		default:
			_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
		}
		if err != nil {
			if isNoSuchUnitErr(err) {
				return "", retry.WithKind(fmt.Errorf("%s %s: %w", action, unit, err), workflow.KindConfig)
			}
			return "", fmt.Errorf("%s %s: %w", action, unit, err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case result := <-done:
			if result != "done" {
				return "", retry.WithKind(fmt.Errorf("%s %s: job %s", action, unit, result), workflow.KindProcess)
			}
		}
		return fmt.Sprintf("%s %s: done", action, unit), nil
	}, nil
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "NoSuchUnit") || strings.Contains(s, "not-found")
}
