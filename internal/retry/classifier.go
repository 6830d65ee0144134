package retry

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"cadence/internal/process"
	"cadence/internal/workflow"
)

// Classification is the classifier's verdict on one failure.
type Classification struct {
	Class workflow.Class
	Kind  workflow.ErrorKind
	// Signature names the output pattern that matched, if any.
	Signature string
	// RetryAfter is a lower bound for the next delay (0 = none).
	RetryAfter time.Duration
}

func (c Classification) Retryable() bool   { return c.Class == workflow.ClassRetryable }
func (c Classification) NeedsAction() bool { return c.Class == workflow.ClassNeedsUserAction }

// Detail builds the ErrorDetail recorded on a failed execution.
func (c Classification) Detail(err error, stage string, attempts int) *workflow.ErrorDetail {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &workflow.ErrorDetail{
		Kind:        c.Kind,
		Class:       c.Class,
		Message:     msg,
		Stage:       stage,
		Attempts:    attempts,
		Retryable:   c.Retryable(),
		NeedsAction: c.NeedsAction(),
	}
}

// Classifier decides retryable vs terminal vs needs-user-action.
// It is immutable after construction and safe for concurrent use.
type Classifier struct {
	sigs []Signature
}

// NewClassifier builds a classifier. Custom signatures are checked before the
// built-in ones.
func NewClassifier(custom []SignatureConfig) (*Classifier, error) {
	extra, err := compileSignatures(custom)
	if err != nil {
		return nil, err
	}
	sigs := make([]Signature, 0, len(extra)+len(defaultSignatures))
	sigs = append(sigs, extra...)
	for _, s := range defaultSignatures {
		if s.Class == "" {
			s.Class = ClassOf(s.Kind)
		}
		sigs = append(sigs, s)
	}
	return &Classifier{sigs: sigs}, nil
}

// Default is a classifier with only the built-in signatures.
func Default() *Classifier {
	c, _ := NewClassifier(nil)
	return c
}

// Classify inspects err and the captured output of the failed stage.
//
// Precedence: explicit marks, then cancellation/deadline, then a missing
// executable, then typed causes in the error chain, then output signatures.
func (c *Classifier) Classify(err error, output string) Classification {
	if err == nil {
		return Classification{}
	}
	out := Classification{}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		out.RetryAfter = ra.RetryAfter()
	}

	var m *markedError
	if errors.As(err, &m) {
		kind := m.kind
		if kind == "" {
			kind = c.kindFor(err, output)
		}
		out.Class, out.Kind = m.class, kind
		return out
	}
	if out.RetryAfter > 0 {
		out.Class, out.Kind = workflow.ClassRetryable, workflow.KindRateLimit
		return out
	}

	switch {
	case errors.Is(err, process.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		out.Class, out.Kind = workflow.ClassRetryable, workflow.KindTimeout
		return out
	case errors.Is(err, context.Canceled):
		out.Class, out.Kind = workflow.ClassTerminal, workflow.KindCanceled
		return out
	case errors.Is(err, exec.ErrNotFound):
		out.Class, out.Kind = workflow.ClassNeedsUserAction, workflow.KindNotInstalled
		return out
	}

	kind, sig, ok := c.refine(err, output)
	if ok {
		out.Class, out.Kind, out.Signature = sig.Class, sig.Kind, sig.Name
		return out
	}
	out.Kind = kind
	out.Class = ClassOf(kind)
	return out
}

func (c *Classifier) kindFor(err error, output string) workflow.ErrorKind {
	if errors.Is(err, process.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return workflow.KindTimeout
	}
	kind, sig, ok := c.refine(err, output)
	if ok {
		return sig.Kind
	}
	return kind
}

// refine resolves typed causes from the error chain. Output signatures only
// apply to process exits and untyped errors, where the error alone does not
// say what went wrong.
func (c *Classifier) refine(err error, output string) (workflow.ErrorKind, Signature, bool) {
	kind := structuralKind(err)
	var ee *process.ExitError
	isExit := errors.As(err, &ee)
	if !isExit && kind != workflow.KindUnknown {
		return kind, Signature{}, false
	}

	var sb strings.Builder
	sb.WriteString(output)
	if isExit {
		if ee.Output != "" && ee.Output != output {
			sb.WriteByte('\n')
			sb.WriteString(ee.Output)
		}
	} else {
		// An untyped error carries its cause only in its text.
		sb.WriteByte('\n')
		sb.WriteString(err.Error())
	}
	if sig, ok := c.match(sb.String()); ok {
		return kind, sig, true
	}
	return kind, Signature{}, false
}

func (c *Classifier) match(text string) (Signature, bool) {
	for _, s := range c.sigs {
		if s.Pattern.MatchString(text) {
			return s, true
		}
	}
	return Signature{}, false
}

func structuralKind(err error) workflow.ErrorKind {
	var ee *process.ExitError
	if errors.As(err, &ee) {
		switch ee.Code {
		case 127:
			return workflow.KindNotInstalled
		case 126:
			return workflow.KindConfig
		}
		return workflow.KindProcess
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return workflow.KindTimeout
		}
		return workflow.KindNetwork
	}
	var oe *net.OpError
	if errors.As(err, &oe) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return workflow.KindNetwork
	}
	if errors.Is(err, fs.ErrNotExist) {
		return workflow.KindMissingInput
	}
	if errors.Is(err, fs.ErrPermission) {
		return workflow.KindConfig
	}
	return workflow.KindUnknown
}
