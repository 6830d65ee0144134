package process

import (
	"context"
	"errors"
	"io"
	"iter"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	logx "cadence/pkg/logx"
)

// Handle is a live external program session.
type Handle struct {
	ID        uint64
	PID       int
	Label     string
	Command   string
	PTY       bool
	StartedAt time.Time

	cfg  Config
	spec Spec
	cmd  *exec.Cmd
	log  logx.Logger

	reader io.ReadCloser
	input  io.WriteCloser
	inMu   sync.Mutex

	mu        sync.Mutex
	out       *ring
	wake      chan struct{} // closed and replaced on every write
	outClosed bool

	done     chan struct{}
	readDone chan struct{}
	outcome  Outcome

	killed    atomic.Bool
	killMu    sync.Mutex
	onRelease func(*Handle)
}

func (h *Handle) readLoop() {
	defer close(h.readDone)
	buf := make([]byte, 32<<10)
	for {
		n, err := h.reader.Read(buf)
		if n > 0 {
			h.mu.Lock()
			h.out.write(buf[:n])
			close(h.wake)
			h.wake = make(chan struct{})
			h.mu.Unlock()
		}
		if err != nil {
			// EOF on pipes, EIO on a pty master once the child side closes.
			break
		}
	}
	h.mu.Lock()
	h.outClosed = true
	close(h.wake)
	h.wake = make(chan struct{})
	h.mu.Unlock()
}

func (h *Handle) waitLoop(ctx context.Context) {
	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.log.Debug("process canceled", logx.Uint64("handle", h.ID), logx.Int("pid", h.PID))
			h.terminate()
		case <-exited:
		}
	}()

	err := h.cmd.Wait()
	close(exited)

	// Let the reader drain what the program wrote before exiting; a detached
	// grandchild may hold the output open, so don't wait forever.
	select {
	case <-h.readDone:
	case <-time.After(h.cfg.DrainTimeout):
	}
	_ = h.reader.Close()
	<-h.readDone

	h.inMu.Lock()
	if h.input != nil {
		_ = h.input.Close()
		h.input = nil
	}
	h.inMu.Unlock()

	o := Outcome{Duration: time.Since(h.StartedAt), Killed: h.killed.Load()}
	if ps := h.cmd.ProcessState; ps != nil {
		o.ExitCode = ps.ExitCode()
		o.Signal = signalName(ps)
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		o.Err = err
	}
	h.outcome = o
	if h.onRelease != nil {
		h.onRelease(h)
	}
	close(h.done)

	h.log.Debug("process exited",
		logx.Uint64("handle", h.ID),
		logx.Int("pid", h.PID),
		logx.Int("code", o.ExitCode),
		logx.String("signal", o.Signal),
		logx.Bool("killed", o.Killed),
		logx.Duration("took", o.Duration),
	)
}

// Done is closed when the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the exit outcome; ok is false while the process runs.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{}, false
	}
}

// Chunks yields output from the first retained byte onwards, blocking for new
// output until the process exits. Each call starts from the beginning again;
// output already evicted from the bounded buffer is skipped. Iteration ends
// when the output is closed, the consumer stops, or ctx is done.
func (h *Handle) Chunks(ctx context.Context) iter.Seq[[]byte] {
	if ctx == nil {
		ctx = context.Background()
	}
	return func(yield func([]byte) bool) {
		var pos int64
		for {
			h.mu.Lock()
			chunk := h.out.from(pos)
			pos = h.out.total
			closed := h.outClosed
			wake := h.wake
			h.mu.Unlock()

			if len(chunk) > 0 {
				if !yield(chunk) {
					return
				}
				continue
			}
			if closed {
				return
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Output returns the retained output.
func (h *Handle) Output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.out.bytes())
}

// Await waits for the process to exit. If timeout (> 0) elapses first, the
// process group is terminated and ErrTimeout is returned together with the
// final outcome. Cancellation of ctx kills the process the same way.
func (h *Handle) Await(ctx context.Context, timeout time.Duration) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var streamDone chan struct{}
	if h.spec.OnChunk != nil {
		streamDone = make(chan struct{})
		go func() {
			defer close(streamDone)
			for c := range h.Chunks(ctx) {
				h.spec.OnChunk(c)
			}
		}()
	}
	finish := func(o Outcome, err error) (Outcome, error) {
		if streamDone != nil {
			<-streamDone
		}
		return o, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-h.done:
		return finish(h.outcome, nil)
	case <-timer:
		h.log.Info("process timed out; terminating",
			logx.Uint64("handle", h.ID),
			logx.Int("pid", h.PID),
			logx.String("label", h.Label),
			logx.Duration("timeout", timeout),
		)
		h.terminate()
		return finish(h.outcome, ErrTimeout)
	case <-ctx.Done():
		h.terminate()
		return finish(h.outcome, ctx.Err())
	}
}

// Write forwards input to the program's terminal or stdin.
func (h *Handle) Write(p []byte) (int, error) {
	h.inMu.Lock()
	defer h.inMu.Unlock()
	if h.input == nil {
		return 0, ErrNotRunning
	}
	return h.input.Write(p)
}

// CloseInput signals end of input (pipe mode only; a no-op for a pty).
func (h *Handle) CloseInput() error {
	if h.PTY {
		return nil
	}
	h.inMu.Lock()
	defer h.inMu.Unlock()
	if h.input == nil {
		return nil
	}
	err := h.input.Close()
	h.input = nil
	return err
}

// Kill terminates the process group and waits for it to exit.
func (h *Handle) Kill() { h.terminate() }

func (h *Handle) terminate() {
	h.killMu.Lock()
	defer h.killMu.Unlock()

	select {
	case <-h.done:
		return
	default:
	}
	h.killed.Store(true)

	if err := signalGroup(h.cmd, sigTerm); err != nil {
		h.log.Debug("terminate signal failed", logx.Int("pid", h.PID), logx.Any("err", err))
	}
	t := time.NewTimer(h.cfg.KillGrace)
	defer t.Stop()
	select {
	case <-h.done:
		return
	case <-t.C:
	}

	h.log.Warn("process ignored terminate; killing", logx.Int("pid", h.PID), logx.Duration("grace", h.cfg.KillGrace))
	if err := signalGroup(h.cmd, sigKill); err != nil {
		h.log.Debug("kill signal failed", logx.Int("pid", h.PID), logx.Any("err", err))
	}
	<-h.done
}

func (h *Handle) Info() Info {
	h.mu.Lock()
	total := h.out.total
	h.mu.Unlock()
	return Info{
		ID:        h.ID,
		PID:       h.PID,
		Label:     h.Label,
		Command:   h.Command,
		StartedAt: h.StartedAt,
		PTY:       h.PTY,
		Bytes:     total,
	}
}
