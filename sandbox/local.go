package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalRuntime runs commands as plain host processes. It enforces no
// isolation and exists for development machines without a container engine.
type LocalRuntime struct {
	logger *zap.Logger

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	cmd    *exec.Cmd
	output *io.PipeReader
	outW   *io.PipeWriter
	stdin  io.WriteCloser

	done     chan struct{}
	started  bool
	exitCode int64
	waitErr  error
}

// NewLocalRuntime creates a LocalRuntime.
func NewLocalRuntime(logger *zap.Logger) *LocalRuntime {
	logger.Warn("local sandbox backend enabled: submitted code runs on the host without isolation")
	return &LocalRuntime{
		logger: logger.With(zap.String("backend", "local")),
		procs:  make(map[string]*localProc),
	}
}

// Create prepares the process. Container paths in the command and working
// directory are rewritten to the host paths of the matching mounts.
func (l *LocalRuntime) Create(_ context.Context, spec ContainerSpec) (Handle, error) {
	if len(spec.Cmd) == 0 {
		return Handle{}, fmt.Errorf("create process: empty command")
	}

	pairs := make([]string, 0, 2*len(spec.Mounts))
	for _, m := range spec.Mounts {
		pairs = append(pairs, m.ContainerPath, m.HostPath)
	}
	rewrite := strings.NewReplacer(pairs...)

	argv := make([]string, len(spec.Cmd))
	for i, arg := range spec.Cmd {
		argv[i] = rewrite.Replace(arg)
	}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // local backend is opt-in and development only
	cmd.Dir = rewrite.Replace(spec.WorkingDir)
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + cmd.Dir}
	cmd.WaitDelay = time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	p := &localProc{cmd: cmd, output: pr, outW: pw, done: make(chan struct{})}
	if spec.OpenStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return Handle{}, fmt.Errorf("create process stdin: %w", err)
		}
		p.stdin = stdin
	}

	id := uuid.NewString()
	l.mu.Lock()
	l.procs[id] = p
	l.mu.Unlock()

	return Handle{ID: id, Name: spec.Name, Stdin: spec.OpenStdin}, nil
}

func (l *LocalRuntime) lookup(h Handle) (*localProc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[h.ID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Attach returns the combined output pipe and, when requested, stdin.
func (l *LocalRuntime) Attach(_ context.Context, h Handle) (*Attachment, error) {
	p, err := l.lookup(h)
	if err != nil {
		return nil, err
	}
	return &Attachment{Output: p.output, Stdin: p.stdin}, nil
}

// Start launches the process.
func (l *LocalRuntime) Start(_ context.Context, h Handle) error {
	p, err := l.lookup(h)
	if err != nil {
		return err
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	l.mu.Lock()
	p.started = true
	l.mu.Unlock()

	go func() {
		err := p.cmd.Wait()
		code := int64(0)
		if ps := p.cmd.ProcessState; ps != nil {
			code = int64(ps.ExitCode())
			if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				code = 128 + int64(status.Signal())
			}
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}

		l.mu.Lock()
		p.exitCode = code
		p.waitErr = err
		l.mu.Unlock()

		p.outW.Close()
		close(p.done)
	}()
	return nil
}

// Wait blocks until the process exits.
func (l *LocalRuntime) Wait(ctx context.Context, h Handle) (int64, error) {
	p, err := l.lookup(h)
	if err != nil {
		return -1, err
	}
	select {
	case <-p.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill sends SIGKILL to a running process.
func (l *LocalRuntime) Kill(_ context.Context, h Handle) error {
	p, err := l.lookup(h)
	if err != nil {
		return nil
	}
	l.mu.Lock()
	started := p.started
	l.mu.Unlock()
	if !started {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process: %w", err)
	}
	return nil
}

// Inspect reports whether the process is still running and its exit code.
func (l *LocalRuntime) Inspect(_ context.Context, h Handle) (State, error) {
	p, err := l.lookup(h)
	if err != nil {
		return State{}, err
	}
	select {
	case <-p.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return State{ExitCode: int(p.exitCode)}, nil
	default:
		l.mu.Lock()
		defer l.mu.Unlock()
		return State{Running: p.started}, nil
	}
}

// Remove kills the process if needed and forgets it.
func (l *LocalRuntime) Remove(ctx context.Context, h Handle) error {
	if err := l.Kill(ctx, h); err != nil {
		return err
	}

	l.mu.Lock()
	p, ok := l.procs[h.ID]
	delete(l.procs, h.ID)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	// Unblocks the output copier if nobody is reading any more.
	p.output.Close()
	if p.stdin != nil {
		p.stdin.Close()
	}
	return nil
}

// EnsureImage is a no-op; local processes use whatever is installed on the host.
func (l *LocalRuntime) EnsureImage(_ context.Context, ref string) error {
	l.logger.Debug("ignoring image for local backend", zap.String("image", ref))
	return nil
}

// Close kills every process still tracked.
func (l *LocalRuntime) Close() error {
	l.mu.Lock()
	handles := make([]Handle, 0, len(l.procs))
	for id := range l.procs {
		handles = append(handles, Handle{ID: id})
	}
	l.mu.Unlock()

	var errs []error
	for _, h := range handles {
		errs = append(errs, l.Remove(context.Background(), h))
	}
	return errors.Join(errs...)
}
