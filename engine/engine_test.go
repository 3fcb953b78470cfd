package engine

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codequeue/apperr"
	"github.com/isdmx/codequeue/language"
	"github.com/isdmx/codequeue/sandbox"
)

func testRegistry(t *testing.T) *language.Registry {
	t.Helper()
	py, err := language.NewSpec("python", "python:3.9-alpine", "py", "python3 {file}",
		language.WithForkBombSignatures("pthread_create", "Resource temporarily unavailable", "uv_thread_create"),
		language.WithReadOnlyMarkers("Read-only file system", "Errno 30"))
	require.NoError(t, err)
	cpp, err := language.NewSpec("cpp", "gcc:latest", "cpp", `sh -c "g++ {file} -o /tmp/out && /tmp/out"`,
		language.WithKilledMarker("Killed"), language.WithReadOnlyMarkers("Read-only file system"),
		language.WithSilentWriteFailure())
	require.NoError(t, err)
	reg, err := language.NewRegistry(py, cpp)
	require.NoError(t, err)
	return reg
}

func newTestEngine(t *testing.T, rt *fakeRuntime, opts ...Option) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	opts = append([]Option{
		WithStager(NewStager(OSFileSystem{}, root, "")),
		WithOutputLimit(4096),
		WithDefaultTimeout(2 * time.Second),
		WithUser("nobody"),
		WithLimits(sandbox.Limits{MemoryBytes: 128 << 20, PidsLimit: 50, TmpfsSize: "50M"}),
	}, opts...)
	return NewEngine(zaptest.NewLogger(t), testRegistry(t), rt, opts...), root
}

func assertCleanedUp(t *testing.T, rt *fakeRuntime, root string) {
	t.Helper()
	_, removes := rt.counts()
	assert.Equal(t, 1, removes, "sandbox must be removed exactly once")
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory must be deleted")
}

func TestExecuteSuccess(t *testing.T) {
	rt := &fakeRuntime{program: printAndExit("  hello world\n", 0)}
	e, root := newTestEngine(t, rt)

	res, err := e.Execute(context.Background(), Request{
		JobID:      "job-1",
		Language:   "python",
		SourceCode: "print('hello world')",
		Timeout:    time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, CategorySuccess, res.Category)
	assert.Equal(t, "hello world", res.Output)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Message())
	assert.NoError(t, res.Err())

	require.Len(t, rt.created, 1)
	spec := rt.created[0]
	assert.Equal(t, "python:3.9-alpine", spec.Image)
	assert.Equal(t, []string{"python3", "/job/Main.py"}, spec.Cmd)
	assert.Equal(t, "/job", spec.WorkingDir)
	assert.Equal(t, "nobody", spec.User)
	assert.False(t, spec.OpenStdin)
	assert.Equal(t, "job-1", spec.Labels["codequeue.job"])
	require.Len(t, spec.Mounts, 1)
	assert.Equal(t, "/job", spec.Mounts[0].ContainerPath)
	assert.True(t, spec.Mounts[0].ReadOnly)
	assert.Equal(t, "print('hello world')", rt.stagedFiles["Main.py"])

	assertCleanedUp(t, rt, root)
}

func TestExecuteReportsInspectedExitCode(t *testing.T) {
	three := 3
	rt := &fakeRuntime{program: printAndExit("Traceback: NameError\n", 1), inspectExit: &three}
	e, root := newTestEngine(t, rt)

	res, err := e.Execute(context.Background(), Request{Language: "python", SourceCode: "x", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, CategorySuccess, res.Category)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "Traceback: NameError", res.Output)
	assertCleanedUp(t, rt, root)
}

func TestExecuteFallsBackToWaitStatusWhenInspectFails(t *testing.T) {
	rt := &fakeRuntime{program: printAndExit("boom\n", 2), inspectErr: errors.New("inspect failed")}
	e, _ := newTestEngine(t, rt)

	res, err := e.Execute(context.Background(), Request{Language: "python", SourceCode: "x", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	rt := &fakeRuntime{program: hangUntilKilled()}
	e, root := newTestEngine(t, rt)

	started := time.Now()
	res, err := e.Execute(context.Background(), Request{
		Language:   "python",
		SourceCode: "while True: pass",
		Timeout:    100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 2*time.Second)

	assert.Equal(t, CategoryTimedOut, res.Category)
	assert.Equal(t, ExitTimedOut, res.ExitCode)
	assert.Equal(t, "Time Limit Exceeded (program ran too long)", res.Message())
	assert.True(t, apperr.Is(res.Err(), apperr.TimeLimitExceeded))
	assert.Empty(t, res.Output)

	kills, _ := rt.counts()
	assert.GreaterOrEqual(t, kills, 1)
	assertCleanedUp(t, rt, root)
}

func TestExecuteOutputFlood(t *testing.T) {
	rt := &fakeRuntime{program: floodUntilKilled()}
	e, root := newTestEngine(t, rt)

	res, err := e.Execute(context.Background(), Request{
		Language:   "python",
		SourceCode: "while True: print('spam')",
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, CategoryTimedOut, res.Category)
	assert.Equal(t, ExitTimedOut, res.ExitCode)
	assert.Equal(t, apperr.OutputLimitExceeded, res.Code)

	kills, _ := rt.counts()
	assert.GreaterOrEqual(t, kills, 1)
	assertCleanedUp(t, rt, root)
}

func TestExecuteClassification(t *testing.T) {
	tests := []struct {
		name     string
		language string
		program  program
		category Category
		exitCode int
		output   string
	}{
		{
			name:     "ForkBombSignature",
			language: "python",
			program:  printAndExit("BlockingIOError: [Errno 11] Resource temporarily unavailable\n", 1),
			category: CategoryResourceAbuse,
			exitCode: ExitResourceAbuse,
		},
		{
			name:     "CustomDetector",
			language: "cpp",
			program:  printAndExit("Killed\n", 137),
			category: CategoryResourceAbuse,
			exitCode: ExitResourceAbuse,
		},
		{
			name:     "ReadOnlyMarker",
			language: "python",
			program:  printAndExit("OSError: [Errno 30] Read-only file system: '/job/out.txt'\n", 1),
			category: CategoryFilesystemDenied,
			exitCode: ExitFilesystemDenied,
		},
		{
			name:     "SilentWriteFailure",
			language: "cpp",
			program:  printAndExit("", 0),
			category: CategoryFilesystemDenied,
			exitCode: ExitFilesystemDenied,
		},
		{
			name:     "ForkBombTakesPriorityOverReadOnly",
			language: "python",
			program:  printAndExit("pthread_create failed\nRead-only file system\n", 1),
			category: CategoryResourceAbuse,
			exitCode: ExitResourceAbuse,
		},
		{
			name:     "EmptyPythonOutputIsSuccess",
			language: "python",
			program:  printAndExit("", 0),
			category: CategorySuccess,
			exitCode: 0,
			output:   "",
		},
		{
			name:     "CppOutput",
			language: "cpp",
			program:  printAndExit("42\n", 0),
			category: CategorySuccess,
			exitCode: 0,
			output:   "42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{program: tt.program}
			e, root := newTestEngine(t, rt)

			res, err := e.Execute(context.Background(), Request{Language: tt.language, SourceCode: "code", Timeout: time.Second})
			require.NoError(t, err)
			assert.Equal(t, tt.category, res.Category)
			assert.Equal(t, tt.exitCode, res.ExitCode)
			assert.Equal(t, tt.output, res.Output)
			assertCleanedUp(t, rt, root)
		})
	}
}

func TestExecuteStdin(t *testing.T) {
	rt := &fakeRuntime{program: echoStdin()}
	e, _ := newTestEngine(t, rt)

	res, err := e.Execute(context.Background(), Request{Language: "python", SourceCode: "print(input())", Stdin: "42", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "got: 42", res.Output)
	require.Len(t, rt.created, 1)
	assert.True(t, rt.created[0].OpenStdin)
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	rt := &fakeRuntime{program: printAndExit("", 0)}
	e, root := newTestEngine(t, rt)

	res, err := e.Execute(context.Background(), Request{Language: "cobol", SourceCode: "x"})
	require.NoError(t, err)
	assert.Equal(t, CategoryUnsupportedLanguage, res.Category)
	assert.Equal(t, ExitUnsupportedLanguage, res.ExitCode)
	assert.Equal(t, "Unsupported language", res.Message())
	assert.Empty(t, rt.created, "no sandbox is created")

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecuteInfrastructureFailures(t *testing.T) {
	t.Run("CreateFails", func(t *testing.T) {
		rt := &fakeRuntime{program: printAndExit("", 0), createErr: errors.New("daemon unreachable")}
		e, root := newTestEngine(t, rt)

		_, err := e.Execute(context.Background(), Request{Language: "python", SourceCode: "x"})
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.InfrastructureError))
		assert.True(t, apperr.IsRetryable(err))

		_, removes := rt.counts()
		assert.Equal(t, 0, removes)
		entries, _ := os.ReadDir(root)
		assert.Empty(t, entries)
	})

	t.Run("StartFails", func(t *testing.T) {
		rt := &fakeRuntime{program: printAndExit("", 0), startErr: errors.New("oci runtime error")}
		e, root := newTestEngine(t, rt)

		_, err := e.Execute(context.Background(), Request{Language: "python", SourceCode: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "start sandbox")
		assertCleanedUp(t, rt, root)
	})

	t.Run("WaitFails", func(t *testing.T) {
		rt := &fakeRuntime{program: printAndExit("hi", 0), waitErr: errors.New("connection reset")}
		e, root := newTestEngine(t, rt)

		_, err := e.Execute(context.Background(), Request{Language: "python", SourceCode: "x", Timeout: time.Second})
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.InfrastructureError))
		assertCleanedUp(t, rt, root)
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		rt := &fakeRuntime{program: hangUntilKilled()}
		e, root := newTestEngine(t, rt)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		_, err := e.Execute(ctx, Request{Language: "python", SourceCode: "x", Timeout: 5 * time.Second})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assertCleanedUp(t, rt, root)
	})
}

func TestExecuteHostStagingDir(t *testing.T) {
	rt := &fakeRuntime{program: printAndExit("ok", 0)}
	root := t.TempDir()
	e := NewEngine(zaptest.NewLogger(t), testRegistry(t), rt,
		WithStager(NewStager(OSFileSystem{}, root, "/var/lib/host-stage")))

	_, err := e.Execute(context.Background(), Request{Language: "python", SourceCode: "x", Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, rt.created, 1)
	assert.Contains(t, rt.created[0].Mounts[0].HostPath, "/var/lib/host-stage/")
}

func TestPrepare(t *testing.T) {
	rt := &fakeRuntime{}
	e, _ := newTestEngine(t, rt)

	require.NoError(t, e.Prepare(context.Background()))
	assert.ElementsMatch(t, []string{"python:3.9-alpine", "gcc:latest"}, rt.images)
}
