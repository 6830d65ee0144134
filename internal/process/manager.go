package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "cadence/pkg/logx"
)

// Manager spawns external programs and tracks every live handle so shutdown
// can kill them all.
type Manager struct {
	log logx.Logger
	cfg Config

	seq atomic.Uint64

	mu     sync.Mutex
	live   map[uint64]*Handle
	closed bool
}

func NewManager(cfg Config, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		log:  log,
		cfg:  cfg.withDefaults(),
		live: map[uint64]*Handle{},
	}
}

// Apply swaps defaults for handles spawned afterwards.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// Spawn starts spec.Command. The handle is killed when ctx is canceled, even
// if nobody is awaiting it.
func (m *Manager) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		return nil, ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	cfg := m.cfg
	m.mu.Unlock()

	if spec.OutputLimit > 0 {
		cfg.OutputLimit = spec.OutputLimit
	}
	if spec.KillGrace > 0 {
		cfg.KillGrace = spec.KillGrace
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	h := &Handle{
		ID:        m.seq.Add(1),
		Label:     spec.Label,
		Command:   strings.Join(spec.Command, " "),
		PTY:       spec.PTY,
		cfg:       cfg,
		spec:      spec,
		cmd:       cmd,
		out:       newRing(cfg.OutputLimit),
		wake:      make(chan struct{}),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
		log:       m.log,
		onRelease: m.release,
	}

	var (
		reader io.ReadCloser
		input  io.WriteCloser
	)
	if spec.PTY {
		tty, err := startPTY(cmd)
		if err != nil {
			return nil, fmt.Errorf("spawn %s: %w", spec.Command[0], err)
		}
		reader, input = tty, tty
	} else {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("spawn %s: %w", spec.Command[0], err)
		}
		cmd.Stdout, cmd.Stderr = w, w
		var stdin io.WriteCloser
		if spec.Interactive || spec.Stdin != "" {
			stdin, err = cmd.StdinPipe()
			if err != nil {
				_ = r.Close()
				_ = w.Close()
				return nil, fmt.Errorf("spawn %s: %w", spec.Command[0], err)
			}
		}
		prepareGroup(cmd)
		if err := cmd.Start(); err != nil {
			_ = r.Close()
			_ = w.Close()
			return nil, fmt.Errorf("spawn %s: %w", spec.Command[0], err)
		}
		// The child owns the write end now.
		_ = w.Close()
		reader, input = r, stdin
	}

	h.PID = cmd.Process.Pid
	h.StartedAt = time.Now()
	h.reader = reader
	h.input = input

	if spec.Stdin != "" && input != nil {
		_, _ = io.WriteString(input, spec.Stdin)
	}
	if !spec.Interactive && !spec.PTY && input != nil {
		_ = input.Close()
		h.input = nil
	}

	m.mu.Lock()
	closed := m.closed
	m.live[h.ID] = h
	m.mu.Unlock()

	go h.readLoop()
	go h.waitLoop(ctx)

	m.log.Debug("process spawned",
		logx.Uint64("handle", h.ID),
		logx.Int("pid", h.PID),
		logx.String("label", h.Label),
		logx.Bool("pty", h.PTY),
		logx.String("cmd", spec.Command[0]),
	)

	if closed {
		h.terminate()
		return nil, ErrClosed
	}
	return h, nil
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	delete(m.live, h.ID)
	m.mu.Unlock()
}

// Live lists handles that have not exited yet.
func (m *Manager) Live() []Info {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.live))
	for _, h := range m.live {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Info())
	}
	return out
}

// KillAll terminates every live handle and waits until they exit or ctx ends.
func (m *Manager) KillAll(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.live))
	for _, h := range m.live {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	if len(hs) == 0 {
		return 0
	}
	m.log.Info("killing live processes", logx.Int("count", len(hs)))

	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.terminate()
		}(h)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("kill all deadline reached", logx.Any("err", ctx.Err()))
	}
	return len(hs)
}

// Close refuses new spawns and kills whatever is still running.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.KillAll(ctx)
}
