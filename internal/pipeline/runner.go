package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cadence/internal/process"
	"cadence/internal/retry"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

var ErrInvalidStage = errors.New("invalid stage descriptor")

// Spawner starts subprocesses for process stages.
type Spawner interface {
	Spawn(ctx context.Context, spec process.Spec) (*process.Handle, error)
}

// Config holds runner defaults. Zero values fall back to built-in defaults.
type Config struct {
	StageTimeout   time.Duration
	ProcessTimeout time.Duration
	// OutputLimit caps the output kept in a StageResult (tail wins).
	OutputLimit int
}

func (c Config) withDefaults() Config {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 10 * time.Minute
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 5 * time.Minute
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = 4 << 10
	}
	return c
}

// Hooks observe progress. All of them are optional and are called from the
// goroutine running the pipeline, in stage order.
type Hooks struct {
	StageStarted  func(index int, name string)
	StageFinished func(index int, res workflow.StageResult)
	Retrying      func(index int, name string, a retry.Attempt)
}

// Request is one pipeline invocation.
type Request struct {
	JobID       string
	ExecutionID string
	Trigger     workflow.Trigger
	Stages      []Stage
	Retry       retry.Policy
	Hooks       Hooks
}

// Report is the terminal outcome of a pipeline run.
type Report struct {
	Status     workflow.Status
	StageIndex int
	StageName  string
	Results    []workflow.StageResult
	Error      *workflow.ErrorDetail
}

// Runner drives stages sequentially and halts on the first failure.
type Runner struct {
	mu   sync.RWMutex
	cfg  Config
	cls  *retry.Classifier
	proc Spawner
	log  logx.Logger
	now  func() time.Time
}

func NewRunner(cfg Config, proc Spawner, cls *retry.Classifier, log logx.Logger) *Runner {
	if cls == nil {
		cls = retry.Default()
	}
	return &Runner{
		cfg:  cfg.withDefaults(),
		cls:  cls,
		proc: proc,
		log:  log.With(logx.String("comp", "pipeline")),
		now:  time.Now,
	}
}

// Apply swaps defaults and the classifier; runs already in flight keep theirs.
func (r *Runner) Apply(cfg Config, cls *retry.Classifier) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	if cls != nil {
		r.cls = cls
	}
	r.mu.Unlock()
}

func (r *Runner) snapshot() (Config, *retry.Classifier) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg, r.cls
}

// Run executes req.Stages in order. A failed stage is retried in place while
// the classifier calls it retryable and the policy allows; completed results
// are never touched again.
func (r *Runner) Run(ctx context.Context, req Request) Report {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, cls := r.snapshot()
	rep := Report{Status: workflow.StatusSucceeded, Results: make([]workflow.StageResult, 0, len(req.Stages))}
	prior := make(map[string]string, len(req.Stages))
	previous := ""

	for i, st := range req.Stages {
		rep.StageIndex, rep.StageName = i, st.Name
		if req.Hooks.StageStarted != nil {
			req.Hooks.StageStarted(i, st.Name)
		}

		in := Input{
			JobID:       req.JobID,
			ExecutionID: req.ExecutionID,
			Trigger:     req.Trigger,
			Stage:       st.Name,
			Index:       i,
			Previous:    previous,
			Prior:       copyPrior(prior),
		}
		res, payload, class, err := r.runStage(ctx, cfg, cls, st, in, req)
		rep.Results = append(rep.Results, res)
		if req.Hooks.StageFinished != nil {
			req.Hooks.StageFinished(i, res)
		}

		if err != nil {
			rep.Error = class.Detail(err, st.Name, res.Attempts)
			rep.Status = workflow.StatusFailed
			if class.Kind == workflow.KindTimeout {
				rep.Status = workflow.StatusTimedOut
			}
			r.log.Debug("stage failed",
				logx.String("job", req.JobID),
				logx.String("execution", req.ExecutionID),
				logx.String("stage", st.Name),
				logx.String("kind", string(class.Kind)),
				logx.String("class", string(class.Class)),
				logx.Int("attempts", res.Attempts),
				logx.Err(err),
			)
			return rep
		}
		prior[st.Name] = payload
		previous = payload
	}
	return rep
}

func (r *Runner) runStage(ctx context.Context, cfg Config, cls *retry.Classifier, st Stage, in Input, req Request) (workflow.StageResult, string, retry.Classification, error) {
	started := r.now()
	var payload, output string

	op := func(ctx context.Context, attempt int) error {
		in.Attempt = attempt
		var err error
		payload, output, err = r.attempt(ctx, cfg, st, in)
		return err
	}
	classify := func(err error) retry.Classification { return cls.Classify(err, output) }
	onRetry := func(a retry.Attempt) {
		r.log.Info("retrying stage",
			logx.String("job", req.JobID),
			logx.String("execution", req.ExecutionID),
			logx.String("stage", st.Name),
			logx.Int("attempt", a.Number),
			logx.String("kind", string(a.Class.Kind)),
			logx.Duration("wait", a.Wait),
			logx.Err(a.Err),
		)
		if req.Hooks.Retrying != nil {
			req.Hooks.Retrying(in.Index, st.Name, a)
		}
	}

	result, err := retry.Do(ctx, req.Retry, classify, op, onRetry)
	res := workflow.StageResult{
		Name:     st.Name,
		OK:       err == nil,
		Output:   tail(output, cfg.OutputLimit),
		Attempts: result.Attempts,
		Started:  started,
		Elapsed:  r.now().Sub(started),
	}
	if err != nil {
		res.Error = err.Error()
		return res, "", result.Class, err
	}
	return res, payload, retry.Classification{}, nil
}

// attempt runs one try of a stage under its hard timeout.
func (r *Runner) attempt(ctx context.Context, cfg Config, st Stage, in Input) (payload, output string, err error) {
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = cfg.StageTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch st.Kind {
	case KindLocal:
		if st.Local == nil {
			return "", "", retry.WithKind(fmt.Errorf("stage %s: %w: no local function", st.Name, ErrInvalidStage), workflow.KindConfig)
		}
		payload, err = runLocal(sctx, st, in)
		output = payload
	case KindProcess:
		if st.Process == nil {
			return "", "", retry.WithKind(fmt.Errorf("stage %s: %w: no command", st.Name, ErrInvalidStage), workflow.KindConfig)
		}
		pt := st.ProcessTimeout
		if pt <= 0 {
			pt = cfg.ProcessTimeout
		}
		output, err = r.runProcess(sctx, st, in, pt)
		payload = output
	default:
		return "", "", retry.WithKind(fmt.Errorf("stage %s: %w: kind %q", st.Name, ErrInvalidStage, st.Kind), workflow.KindConfig)
	}

	if err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("stage %s exceeded %s: %w", st.Name, timeout, context.DeadlineExceeded)
	}
	return payload, output, err
}

// runLocal keeps the pipeline responsive even if fn ignores ctx: once the
// hard timeout fires the attempt fails and fn is left to finish on its own.
func runLocal(ctx context.Context, st Stage, in Input) (string, error) {
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				res = result{err: retry.WithKind(fmt.Errorf("stage %s panicked: %v", st.Name, p), workflow.KindUnknown)}
			}
			ch <- res
		}()
		res.out, res.err = st.Local(ctx, in)
	}()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Runner) runProcess(ctx context.Context, st Stage, in Input, timeout time.Duration) (string, error) {
	if r.proc == nil {
		return "", retry.WithKind(fmt.Errorf("stage %s: no process manager", st.Name), workflow.KindConfig)
	}
	spec, err := buildSpec(st, in)
	if err != nil {
		return "", retry.WithKind(fmt.Errorf("stage %s: %w", st.Name, err), workflow.KindConfig)
	}
	if spec.Label == "" {
		spec.Label = in.ExecutionID
	}

	h, err := r.proc.Spawn(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", st.Name, err)
	}
	o, err := h.Await(ctx, timeout)
	out := h.Output()
	if errors.Is(err, process.ErrTimeout) {
		return out, fmt.Errorf("stage %s: subprocess exceeded %s: %w", st.Name, timeout, err)
	}
	if err != nil {
		return out, err
	}
	if o.Err != nil {
		return out, fmt.Errorf("stage %s: %w", st.Name, o.Err)
	}
	if !o.Success() {
		return out, &process.ExitError{Code: o.ExitCode, Signal: o.Signal, Output: tail(out, 2048)}
	}
	return out, nil
}

func buildSpec(st Stage, in Input) (spec process.Spec, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("build command: panic: %v", p)
		}
	}()
	return st.Process(in)
}

func copyPrior(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
