package stages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"cadence/internal/pipeline"
	"cadence/pkg/logx"
)

var (
	ErrUnknownStage   = errors.New("unknown stage")
	ErrUnknownBuiltin = errors.New("unknown builtin")
)

// Definition is a named, configured stage.
type Definition struct {
	Name string
	// Builtin selects a local implementation; empty with a Command means process.
	Builtin string
	// Config is the builtin's own settings, decoded strictly.
	Config json.RawMessage

	Command     []string
	Dir         string
	Env         []string
	PTY         bool
	Stdin       string
	SideChannel string

	Timeout        time.Duration
	ProcessTimeout time.Duration
}

// Kind reports whether the definition runs locally or as a subprocess.
func (d Definition) Kind() pipeline.Kind {
	if len(d.Command) > 0 {
		return pipeline.KindProcess
	}
	return pipeline.KindLocal
}

// Factory builds a local stage from its raw config.
type Factory func(env Env, raw json.RawMessage) (pipeline.LocalFunc, error)

// Env is what factories may use at build time.
type Env struct {
	HTTP    *http.Client
	WorkDir string
	Log     logx.Logger
}

// Registry maps stage names to pipeline descriptors. Definitions are swapped
// as a whole on Apply, so a job never resolves a half-updated set.
type Registry struct {
	mu       sync.RWMutex
	env      Env
	builtins map[string]Factory
	local    map[string]pipeline.LocalFunc
	stages   map[string]pipeline.Stage
}

func NewRegistry(workDir string, log logx.Logger) *Registry {
	r := &Registry{
		env: Env{
			HTTP:    &http.Client{Timeout: 60 * time.Second},
			WorkDir: workDir,
			Log:     log.With(logx.String("comp", "stages")),
		},
		builtins: map[string]Factory{},
		local:    map[string]pipeline.LocalFunc{},
		stages:   map[string]pipeline.Stage{},
	}
	registerBuiltins(r)
	return r
}

// RegisterBuiltin adds a factory usable as `builtin:` in stage definitions.
func (r *Registry) RegisterBuiltin(name string, f Factory) {
	r.mu.Lock()
	r.builtins[strings.ToLower(strings.TrimSpace(name))] = f
	r.mu.Unlock()
}

// RegisterLocal exposes an in-code stage under name. Configured definitions
// with the same name take precedence.
func (r *Registry) RegisterLocal(name string, fn pipeline.LocalFunc) {
	r.mu.Lock()
	r.local[strings.TrimSpace(name)] = fn
	r.mu.Unlock()
}

// Builtins lists the names of registered builtin factories.
func (r *Registry) Builtins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builtins))
	for n := range r.builtins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Compile builds descriptors without installing them.
func (r *Registry) Compile(defs []Definition) (map[string]pipeline.Stage, error) {
	r.mu.RLock()
	env := r.env
	builtins := make(map[string]Factory, len(r.builtins))
	for k, v := range r.builtins {
		builtins[k] = v
	}
	r.mu.RUnlock()

	out := make(map[string]pipeline.Stage, len(defs))
	for i, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("stages[%d]: name required", i)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("stages[%d]: duplicate stage %q", i, name)
		}
		st, err := compile(env, builtins, d)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
		st.Name = name
		out[name] = st
	}
	return out, nil
}

// Apply validates and installs defs. On error the previous set stays active.
func (r *Registry) Apply(defs []Definition) error {
	compiled, err := r.Compile(defs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.stages = compiled
	r.mu.Unlock()
	return nil
}

// Has reports whether name resolves to a stage.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasLocked(r.stages, name)
}

func (r *Registry) hasLocked(stages map[string]pipeline.Stage, name string) bool {
	if _, ok := stages[name]; ok {
		return true
	}
	_, ok := r.local[name]
	return ok
}

// Check verifies that every name resolves against a candidate set, as
// returned by Compile. A nil set checks against the installed one.
func (r *Registry) Check(candidate map[string]pipeline.Stage, names []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if candidate == nil {
		candidate = r.stages
	}
	if len(names) == 0 {
		return fmt.Errorf("no stages")
	}
	for _, n := range names {
		if !r.hasLocked(candidate, n) {
			return fmt.Errorf("%w: %s", ErrUnknownStage, n)
		}
	}
	return nil
}

// Resolve returns the pipeline for a job's stage names.
func (r *Registry) Resolve(names []string) ([]pipeline.Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pipeline.Stage, 0, len(names))
	for _, n := range names {
		if st, ok := r.stages[n]; ok {
			out = append(out, st)
			continue
		}
		if fn, ok := r.local[n]; ok {
			out = append(out, pipeline.Local(n, fn))
			continue
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, n)
	}
	return out, nil
}

func compile(env Env, builtins map[string]Factory, d Definition) (pipeline.Stage, error) {
	if len(d.Command) > 0 && d.Builtin != "" {
		return pipeline.Stage{}, fmt.Errorf("builtin and command are mutually exclusive")
	}
	if len(d.Command) > 0 {
		fn, err := processSpec(env, d)
		if err != nil {
			return pipeline.Stage{}, err
		}
		st := pipeline.Process(d.Name, fn)
		st.Timeout, st.ProcessTimeout = d.Timeout, d.ProcessTimeout
		return st, nil
	}

	name := strings.ToLower(strings.TrimSpace(d.Builtin))
	if name == "" {
		return pipeline.Stage{}, fmt.Errorf("either builtin or command is required")
	}
	f, ok := builtins[name]
	if !ok {
		return pipeline.Stage{}, fmt.Errorf("%w: %s", ErrUnknownBuiltin, d.Builtin)
	}
	fn, err := f(env, d.Config)
	if err != nil {
		return pipeline.Stage{}, err
	}
	st := pipeline.Local(d.Name, fn)
	st.Timeout = d.Timeout
	return st, nil
}

// decodeStrict rejects unknown keys so typos in stage config fail validation.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
