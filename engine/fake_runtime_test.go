package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/isdmx/codequeue/sandbox"
)

// program simulates the sandboxed process. It writes to out, may read stdin,
// and returns its exit code. killed is closed when the sandbox is killed.
type program func(stdin string, out io.Writer, killed <-chan struct{}) int64

type fakeRuntime struct {
	mu sync.Mutex

	program     program
	createErr   error
	attachErr   error
	startErr    error
	waitErr     error
	inspectErr  error
	inspectExit *int

	created     []sandbox.ContainerSpec
	stagedFiles map[string]string
	kills       int
	removes     int
	images      []string

	pr       *io.PipeReader
	pw       *io.PipeWriter
	stdinR   *io.PipeReader
	stdinW   *io.PipeWriter
	done     chan struct{}
	killCh   chan struct{}
	killOnce sync.Once
	exitCode int64
}

var _ sandbox.Runtime = (*fakeRuntime)(nil)

func (f *fakeRuntime) Create(_ context.Context, spec sandbox.ContainerSpec) (sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return sandbox.Handle{}, f.createErr
	}
	f.created = append(f.created, spec)

	f.stagedFiles = map[string]string{}
	if len(spec.Mounts) > 0 {
		entries, _ := os.ReadDir(spec.Mounts[0].HostPath)
		for _, e := range entries {
			b, _ := os.ReadFile(filepath.Join(spec.Mounts[0].HostPath, e.Name()))
			f.stagedFiles[e.Name()] = string(b)
		}
	}

	f.pr, f.pw = io.Pipe()
	if spec.OpenStdin {
		f.stdinR, f.stdinW = io.Pipe()
	}
	f.done = make(chan struct{})
	f.killCh = make(chan struct{})
	return sandbox.Handle{ID: "fake-1", Name: spec.Name, Stdin: spec.OpenStdin}, nil
}

func (f *fakeRuntime) Attach(context.Context, sandbox.Handle) (*sandbox.Attachment, error) {
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	att := &sandbox.Attachment{Output: f.pr}
	if f.stdinW != nil {
		att.Stdin = f.stdinW
	}
	return att, nil
}

func (f *fakeRuntime) Start(context.Context, sandbox.Handle) error {
	if f.startErr != nil {
		return f.startErr
	}
	go func() {
		var in string
		if f.stdinR != nil {
			b, _ := io.ReadAll(f.stdinR)
			in = string(b)
		}
		code := f.program(in, f.pw, f.killCh)
		f.mu.Lock()
		f.exitCode = code
		f.mu.Unlock()
		f.pw.Close()
		close(f.done)
	}()
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, _ sandbox.Handle) (int64, error) {
	select {
	case <-f.done:
		if f.waitErr != nil {
			return -1, f.waitErr
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *fakeRuntime) Kill(context.Context, sandbox.Handle) error {
	f.mu.Lock()
	f.kills++
	f.mu.Unlock()
	f.killOnce.Do(func() { close(f.killCh) })
	return nil
}

func (f *fakeRuntime) Inspect(context.Context, sandbox.Handle) (sandbox.State, error) {
	if f.inspectErr != nil {
		return sandbox.State{}, f.inspectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectExit != nil {
		return sandbox.State{ExitCode: *f.inspectExit}, nil
	}
	return sandbox.State{ExitCode: int(f.exitCode)}, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	f.removes++
	f.mu.Unlock()
	_ = f.Kill(ctx, h)
	f.pr.CloseWithError(errors.New("removed"))
	return nil
}

func (f *fakeRuntime) EnsureImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, ref)
	return nil
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) counts() (kills, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kills, f.removes
}

func printAndExit(output string, code int64) program {
	return func(_ string, out io.Writer, _ <-chan struct{}) int64 {
		_, _ = io.WriteString(out, output)
		return code
	}
}

func hangUntilKilled() program {
	return func(_ string, _ io.Writer, killed <-chan struct{}) int64 {
		<-killed
		return 137
	}
}

func floodUntilKilled() program {
	return func(_ string, out io.Writer, killed <-chan struct{}) int64 {
		line := []byte("spam spam spam spam spam spam spam spam\n")
		for {
			select {
			case <-killed:
				return 137
			default:
				if _, err := out.Write(line); err != nil {
					<-killed
					return 137
				}
			}
		}
	}
}

func echoStdin() program {
	return func(stdin string, out io.Writer, _ <-chan struct{}) int64 {
		_, _ = io.WriteString(out, "got: "+stdin)
		return 0
	}
}
