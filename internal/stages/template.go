package stages

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"cadence/internal/pipeline"
	"cadence/internal/process"
)

// Vars is the data available to command templates.
type Vars struct {
	JobID       string
	ExecutionID string
	Trigger     string
	Stage       string
	Attempt     int
	WorkDir     string
	SideChannel string
	Previous    string
	Prior       map[string]string
}

var funcs = template.FuncMap{
	"env":   os.Getenv,
	"quote": func(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" },
	"trim":  strings.TrimSpace,
}

type tmpl struct{ t *template.Template }

func parseTmpl(name, text string) (tmpl, error) {
	if !strings.Contains(text, "{{") {
		return tmpl{}, nil
	}
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return tmpl{}, err
	}
	return tmpl{t: t}, nil
}

func (t tmpl) render(raw string, v Vars) (string, error) {
	if t.t == nil {
		return raw, nil
	}
	var sb strings.Builder
	if err := t.t.Execute(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

type field struct {
	raw string
	t   tmpl
}

func compileFields(prefix string, raws []string) ([]field, error) {
	out := make([]field, 0, len(raws))
	for i, s := range raws {
		t, err := parseTmpl(fmt.Sprintf("%s[%d]", prefix, i), s)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", prefix, i, err)
		}
		out = append(out, field{raw: s, t: t})
	}
	return out, nil
}

func renderFields(fs []field, v Vars) ([]string, error) {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		s, err := f.t.render(f.raw, v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// varsFor builds template data for one attempt. Dir is rendered first, then
// SideChannel, which may refer to it. Command, env and stdin are rendered by
// the caller against the result.
func varsFor(env Env, dir, side field, in pipeline.Input) (Vars, error) {
	v := Vars{
		JobID:       in.JobID,
		ExecutionID: in.ExecutionID,
		Trigger:     string(in.Trigger),
		Stage:       in.Stage,
		Attempt:     in.Attempt,
		WorkDir:     env.WorkDir,
		Previous:    in.Previous,
		Prior:       in.Prior,
	}
	if dir.raw != "" {
		d, err := dir.t.render(dir.raw, v)
		if err != nil {
			return Vars{}, fmt.Errorf("dir: %w", err)
		}
		v.WorkDir = d
	}
	if side.raw != "" {
		s, err := side.t.render(side.raw, v)
		if err != nil {
			return Vars{}, fmt.Errorf("side_channel: %w", err)
		}
		if !filepath.IsAbs(s) && v.WorkDir != "" {
			s = filepath.Join(v.WorkDir, s)
		}
		v.SideChannel = s
	}
	return v, nil
}

// processSpec compiles a command template into a pipeline.SpecFunc.
func processSpec(env Env, d Definition) (pipeline.SpecFunc, error) {
	args, err := compileFields("command", d.Command)
	if err != nil {
		return nil, err
	}
	envs, err := compileFields("env", d.Env)
	if err != nil {
		return nil, err
	}
	for i, e := range d.Env {
		if !strings.Contains(e, "=") {
			return nil, fmt.Errorf("env[%d]: expected KEY=VALUE", i)
		}
	}
	dirT, err := parseTmpl("dir", d.Dir)
	if err != nil {
		return nil, fmt.Errorf("dir: %w", err)
	}
	sideT, err := parseTmpl("side_channel", d.SideChannel)
	if err != nil {
		return nil, fmt.Errorf("side_channel: %w", err)
	}
	stdinT, err := parseTmpl("stdin", d.Stdin)
	if err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}
	dir := field{raw: d.Dir, t: dirT}
	side := field{raw: d.SideChannel, t: sideT}
	stdin := field{raw: d.Stdin, t: stdinT}
	pty := d.PTY

	return func(in pipeline.Input) (process.Spec, error) {
		v, err := varsFor(env, dir, side, in)
		if err != nil {
			return process.Spec{}, err
		}
		cmd, err := renderFields(args, v)
		if err != nil {
			return process.Spec{}, fmt.Errorf("command: %w", err)
		}
		extra, err := renderFields(envs, v)
		if err != nil {
			return process.Spec{}, fmt.Errorf("env: %w", err)
		}
		input, err := stdin.t.render(stdin.raw, v)
		if err != nil {
			return process.Spec{}, fmt.Errorf("stdin: %w", err)
		}
		spec := process.Spec{
			Command: cmd,
			Dir:     v.WorkDir,
			Env: append([]string{
				"CADENCE_JOB_ID=" + v.JobID,
				"CADENCE_EXECUTION_ID=" + v.ExecutionID,
				"CADENCE_STAGE=" + v.Stage,
				"CADENCE_SIDE_CHANNEL=" + v.SideChannel,
			}, extra...),
			PTY:   pty,
			Stdin: input,
			Label: v.ExecutionID,
		}
		return spec, nil
	}, nil
}
