package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cadence/internal/workflow"
)

const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
)

// Policy is an effective, defaulted retry policy.
type Policy struct {
	MaxAttempts  int
	Strategy     string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultPolicy is used when neither the job nor the executor config set one.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	Strategy:     StrategyExponential,
	InitialDelay: 2 * time.Second,
	MaxDelay:     time.Minute,
	Multiplier:   2,
	Jitter:       0.2,
}

// Resolve layers a job policy over a base policy; zero fields inherit.
func Resolve(job workflow.RetryPolicy, base Policy) Policy {
	p := base
	if job.MaxAttempts > 0 {
		p.MaxAttempts = job.MaxAttempts
	}
	if s := strings.TrimSpace(job.Strategy); s != "" {
		p.Strategy = strings.ToLower(s)
	}
	if job.InitialDelay > 0 {
		p.InitialDelay = job.InitialDelay
	}
	if job.MaxDelay > 0 {
		p.MaxDelay = job.MaxDelay
	}
	if job.Multiplier > 0 {
		p.Multiplier = job.Multiplier
	}
	if job.Jitter > 0 {
		p.Jitter = job.Jitter
	}
	return p.normalized()
}

// Validate rejects nonsense before it reaches a running job.
func (p Policy) Validate() error {
	switch strings.ToLower(strings.TrimSpace(p.Strategy)) {
	case "", StrategyFixed, StrategyExponential:
	default:
		return fmt.Errorf("unknown retry strategy %q", p.Strategy)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry max_attempts must be >= 0")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("retry jitter must be in [0, 1)")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1")
	}
	return nil
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// NewBackOff returns a fresh backoff sequence that stops after
// MaxAttempts-1 retries.
func (p Policy) NewBackOff() backoff.BackOff {
	p = p.normalized()
	var b backoff.BackOff
	switch p.Strategy {
	case StrategyFixed:
		b = backoff.NewConstantBackOff(p.InitialDelay)
	default:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.InitialDelay
		eb.MaxInterval = p.MaxDelay
		eb.Multiplier = p.Multiplier
		eb.RandomizationFactor = p.Jitter
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// Attempt describes one failed try reported to the OnRetry hook.
type Attempt struct {
	Number int
	Err    error
	Class  Classification
	Wait   time.Duration
}

// Result summarizes a Do call.
type Result struct {
	Attempts int
	// Class is the classification of the last error (zero on success).
	Class Classification
}

// Do runs op until it succeeds, fails non-retryably, exhausts the policy, or
// ctx ends. classify turns an error into a Classification; onRetry (optional)
// is called before each wait. The returned error is the last one op produced.
func Do(
	ctx context.Context,
	p Policy,
	classify func(error) Classification,
	op func(ctx context.Context, attempt int) error,
	onRetry func(Attempt),
) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.normalized()
	b := p.NewBackOff()

	attempt := 0
	for {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return Result{Attempts: attempt}, nil
		}
		c := classify(err)
		res := Result{Attempts: attempt, Class: c}
		if !c.Retryable() || ctx.Err() != nil {
			return res, err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return res, err
		}
		if c.RetryAfter > wait {
			wait = c.RetryAfter
			if wait > p.MaxDelay {
				wait = p.MaxDelay
			}
		}
		if onRetry != nil {
			onRetry(Attempt{Number: attempt, Err: err, Class: c, Wait: wait})
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, err
		case <-t.C:
		}
	}
}
