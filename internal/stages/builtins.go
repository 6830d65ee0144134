package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cadence/internal/pipeline"
	"cadence/internal/retry"
	"cadence/internal/workflow"
)

func registerBuiltins(r *Registry) {
	r.builtins["noop"] = newNoop
	r.builtins["sleep"] = newSleep
	r.builtins["write-file"] = newWriteFile
	r.builtins["read-file"] = newReadFile
	r.builtins["http-fetch"] = newHTTPFetch
	registerPlatformBuiltins(r)
}

type noopConfig struct {
	// Text replaces the payload; empty passes the previous payload through.
	Text string `json:"text"`
}

func newNoop(_ Env, raw json.RawMessage) (pipeline.LocalFunc, error) {
	var c noopConfig
	if err := decodeStrict(raw, &c); err != nil {
		return nil, err
	}
	t, err := parseTmpl("text", c.Text)
	if err != nil {
		return nil, fmt.Errorf("text: %w", err)
	}
	return func(ctx context.Context, in pipeline.Input) (string, error) {
		if c.Text == "" {
			return in.Previous, nil
		}
		return t.render(c.Text, inputVars(in, ""))
	}, nil
}

type sleepConfig struct {
	Duration string `json:"duration"`
}

func newSleep(_ Env, raw json.RawMessage) (pipeline.LocalFunc, error) {
	var c sleepConfig
	if err := decodeStrict(raw, &c); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(strings.TrimSpace(c.Duration))
	if err != nil || d < 0 {
		return nil, fmt.Errorf("duration: invalid %q", c.Duration)
	}
	return func(ctx context.Context, in pipeline.Input) (string, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
			return in.Previous, nil
		}
	}, nil
}

type writeFileConfig struct {
	Path string `json:"path"`
	// Content defaults to the previous stage's payload.
	Content string `json:"content"`
	Mode    string `json:"mode"`
}

func newWriteFile(env Env, raw json.RawMessage) (pipeline.LocalFunc, error) {
	var c writeFileConfig
	if err := decodeStrict(raw, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Path) == "" {
		return nil, fmt.Errorf("path required")
	}
	pathT, err := parseTmpl("path", c.Path)
	if err != nil {
		return nil, fmt.Errorf("path: %w", err)
	}
	contentT, err := parseTmpl("content", c.Content)
	if err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	mode := os.FileMode(0o644)
	if c.Mode != "" {
		m, err := strconv.ParseUint(c.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("mode: %w", err)
		}
		mode = os.FileMode(m)
	}

	return func(ctx context.Context, in pipeline.Input) (string, error) {
		v := inputVars(in, env.WorkDir)
		path, err := pathT.render(c.Path, v)
		if err != nil {
			return "", retry.WithKind(err, workflow.KindConfig)
		}
		path = resolvePath(env.WorkDir, path)
		content := in.Previous
		if c.Content != "" {
			if content, err = contentT.render(c.Content, v); err != nil {
				return "", retry.WithKind(err, workflow.KindConfig)
			}
		}
		if err := writeAtomic(path, []byte(content), mode); err != nil {
			return "", err
		}
		return path, nil
	}, nil
}

type readFileConfig struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes"`
	// Optional turns a missing file into an empty payload.
	Optional bool `json:"optional"`
}

func newReadFile(env Env, raw json.RawMessage) (pipeline.LocalFunc, error) {
	var c readFileConfig
	if err := decodeStrict(raw, &c); err != nil {
		return nil, err
	}
	pathT, err := parseTmpl("path", c.Path)
	if err != nil {
		return nil, fmt.Errorf("path: %w", err)
	}
	limit := c.MaxBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	return func(ctx context.Context, in pipeline.Input) (string, error) {
		raw := c.Path
		if strings.TrimSpace(raw) == "" {
			// Without a path the previous payload names the file.
			raw = strings.TrimSpace(in.Previous)
		}
		path, err := pathT.render(raw, inputVars(in, env.WorkDir))
		if err != nil {
			return "", retry.WithKind(err, workflow.KindConfig)
		}
		if path == "" {
			return "", retry.WithKind(errors.New("read-file: no path"), workflow.KindConfig)
		}
		f, err := os.Open(resolvePath(env.WorkDir, path))
		if err != nil {
			if c.Optional && errors.Is(err, os.ErrNotExist) {
				return "", nil
			}
			return "", err
		}
		defer f.Close()
		b, err := io.ReadAll(io.LimitReader(f, limit))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}, nil
}

type httpFetchConfig struct {
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
	MaxBytes int64             `json:"max_bytes"`
}

func newHTTPFetch(env Env, raw json.RawMessage) (pipeline.LocalFunc, error) {
	var c httpFetchConfig
	if err := decodeStrict(raw, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.URL) == "" {
		return nil, fmt.Errorf("url required")
	}
	urlT, err := parseTmpl("url", c.URL)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	bodyT, err := parseTmpl("body", c.Body)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	method := strings.ToUpper(strings.TrimSpace(c.Method))
	if method == "" {
		method = http.MethodGet
	}
	limit := c.MaxBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	client := env.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context, in pipeline.Input) (string, error) {
		v := inputVars(in, env.WorkDir)
		u, err := urlT.render(c.URL, v)
		if err != nil {
			return "", retry.WithKind(err, workflow.KindConfig)
		}
		var body io.Reader
		if c.Body != "" {
			b, err := bodyT.render(c.Body, v)
			if err != nil {
				return "", retry.WithKind(err, workflow.KindConfig)
			}
			body = strings.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return "", retry.WithKind(err, workflow.KindConfig)
		}
		for k, val := range c.Headers {
			req.Header.Set(k, os.ExpandEnv(val))
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
		if err != nil {
			return "", err
		}
		if err := statusError(resp, b); err != nil {
			return "", err
		}
		return string(b), nil
	}, nil
}

// statusError maps HTTP failures onto classifier marks.
func statusError(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code < 300 {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	err := fmt.Errorf("http %d %s: %s", code, http.StatusText(code), snippet)
	switch {
	case code == http.StatusTooManyRequests:
		return retry.RetryAfter(err, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return retry.NeedsAction(err, workflow.KindAuth)
	case code == http.StatusNotFound || code == http.StatusGone:
		return retry.WithKind(err, workflow.KindMissingInput)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return retry.WithKind(err, workflow.KindTimeout)
	case code >= 500:
		return retry.WithKind(err, workflow.KindNetwork)
	default:
		return retry.WithKind(err, workflow.KindConfig)
	}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return time.Second
}

func inputVars(in pipeline.Input, workDir string) Vars {
	return Vars{
		JobID:       in.JobID,
		ExecutionID: in.ExecutionID,
		Trigger:     string(in.Trigger),
		Stage:       in.Stage,
		Attempt:     in.Attempt,
		WorkDir:     workDir,
		Previous:    in.Previous,
		Prior:       in.Prior,
	}
}

func resolvePath(workDir, p string) string {
	if p == "" || filepath.IsAbs(p) || workDir == "" {
		return p
	}
	return filepath.Join(workDir, p)
}

func writeAtomic(path string, b []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
