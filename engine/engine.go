package engine

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codequeue/apperr"
	"github.com/isdmx/codequeue/config"
	"github.com/isdmx/codequeue/language"
	"github.com/isdmx/codequeue/sandbox"
)

const (
	defaultOutputLimit    = 4096
	defaultTimeout        = 3 * time.Second
	defaultMountPath      = "/job"
	defaultDrainGrace     = 2 * time.Second
	defaultCleanupTimeout = 10 * time.Second
)

// Request is one execution to perform.
type Request struct {
	JobID      string
	Language   string
	SourceCode string
	Stdin      string
	Timeout    time.Duration
}

// Engine executes requests in sandboxes. It is safe for concurrent use;
// every call uses its own sandbox and staging directory.
type Engine struct {
	logger   *zap.Logger
	registry *language.Registry
	runtime  sandbox.Runtime
	stager   *Stager

	limits         sandbox.Limits
	outputLimit    int
	defaultTimeout time.Duration
	mountPath      string
	user           string
	drainGrace     time.Duration
	cleanupTimeout time.Duration
}

// Option defines a functional option for Engine
type Option func(*Engine)

// WithStager replaces the staging helper.
func WithStager(s *Stager) Option {
	return func(e *Engine) {
		e.stager = s
	}
}

// WithLimits sets the per-sandbox resource limits.
func WithLimits(l sandbox.Limits) Option {
	return func(e *Engine) {
		e.limits = l
	}
}

// WithOutputLimit sets the output ceiling in characters.
func WithOutputLimit(n int) Option {
	return func(e *Engine) {
		e.outputLimit = n
	}
}

// WithDefaultTimeout sets the timeout used when a request carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.defaultTimeout = d
	}
}

// WithMountPath sets where the staging directory appears inside the sandbox.
func WithMountPath(p string) Option {
	return func(e *Engine) {
		e.mountPath = p
	}
}

// WithUser sets the user the sandboxed program runs as.
func WithUser(u string) Option {
	return func(e *Engine) {
		e.user = u
	}
}

// WithDrainGrace bounds how long to wait for buffered output after exit.
func WithDrainGrace(d time.Duration) Option {
	return func(e *Engine) {
		e.drainGrace = d
	}
}

// NewEngine creates an Engine with defaults matching the standard sandbox profile.
func NewEngine(logger *zap.Logger, registry *language.Registry, runtime sandbox.Runtime, opts ...Option) *Engine {
	e := &Engine{
		logger:         logger,
		registry:       registry,
		runtime:        runtime,
		stager:         NewStager(OSFileSystem{}, "/tmp/codequeue", ""),
		outputLimit:    defaultOutputLimit,
		defaultTimeout: defaultTimeout,
		mountPath:      defaultMountPath,
		drainGrace:     defaultDrainGrace,
		cleanupTimeout: defaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// New builds an Engine from configuration.
func New(logger *zap.Logger, cfg *config.Config, registry *language.Registry, runtime sandbox.Runtime) *Engine {
	return NewEngine(logger, registry, runtime,
		WithStager(NewStager(OSFileSystem{}, cfg.Sandbox.StagingDir, cfg.Sandbox.HostStagingDir)),
		WithLimits(sandbox.LimitsFromConfig(cfg.Sandbox)),
		WithOutputLimit(cfg.Sandbox.OutputLimit),
		WithDefaultTimeout(cfg.DefaultTimeout()),
		WithMountPath(cfg.Sandbox.MountPath),
		WithUser(cfg.Sandbox.User),
	)
}

// Execute runs req to completion. A non-nil error means the infrastructure
// failed and the job may be retried; every outcome caused by the submitted
// program is returned as a Result with a nil error.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	log := e.logger.With(zap.String("job_id", req.JobID), zap.String("language", req.Language))

	spec, ok := e.registry.Lookup(req.Language)
	if !ok {
		log.Warn("unsupported language reached the engine")
		return unsupportedLanguage(), nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	ws, err := e.stager.Stage(req.SourceCode, spec.FileName())
	if err != nil {
		return Result{}, apperr.Wrapf(err, apperr.InfrastructureError, "stage source")
	}
	defer func() {
		if err := e.stager.Release(ws); err != nil {
			log.Error("failed to remove staging directory", zap.String("path", ws.Dir), zap.Error(err))
		}
	}()

	h, err := e.runtime.Create(ctx, sandbox.ContainerSpec{
		Name:       "codequeue-" + ws.ID,
		Image:      spec.Image(),
		Cmd:        spec.Command(path.Join(e.mountPath, spec.FileName())),
		WorkingDir: e.mountPath,
		User:       e.user,
		Mounts:     []sandbox.Mount{{HostPath: ws.HostDir, ContainerPath: e.mountPath, ReadOnly: true}},
		Limits:     e.limits,
		OpenStdin:  req.Stdin != "",
		Labels:     map[string]string{"codequeue.job": req.JobID},
	})
	if err != nil {
		return Result{}, apperr.Wrapf(err, apperr.InfrastructureError, "create sandbox")
	}
	log = log.With(zap.String("container_id", h.ID))
	defer e.remove(log, h)

	res, err := e.run(ctx, log, spec, h, req.Stdin, timeout)
	if err != nil {
		return Result{}, err
	}
	res.Duration = time.Since(started)
	log.Debug("execution finished",
		zap.String("category", string(res.Category)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res, nil
}

type waitResult struct {
	code int64
	err  error
}

func (e *Engine) run(ctx context.Context, log *zap.Logger, spec language.Spec, h sandbox.Handle, stdin string, timeout time.Duration) (Result, error) {
	att, err := e.runtime.Attach(ctx, h)
	if err != nil {
		return Result{}, apperr.Wrapf(err, apperr.InfrastructureError, "attach sandbox")
	}
	defer att.Output.Close()

	gov := NewGovernor(e.outputLimit, func() {
		log.Info("output limit reached, killing sandbox", zap.Int("limit", e.outputLimit))
		e.kill(log, h)
	})

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if _, err := io.Copy(gov, att.Output); err != nil {
			log.Debug("output stream closed", zap.Error(err))
		}
		if err := gov.Close(); err != nil {
			log.Debug("failed to flush output", zap.Error(err))
		}
	}()

	if err := e.runtime.Start(ctx, h); err != nil {
		return Result{}, apperr.Wrapf(err, apperr.InfrastructureError, "start sandbox")
	}

	if att.Stdin != nil {
		go func() {
			if _, err := io.WriteString(att.Stdin, stdin); err != nil {
				log.Debug("failed to write stdin", zap.Error(err))
			}
			if err := att.Stdin.Close(); err != nil {
				log.Debug("failed to close stdin", zap.Error(err))
			}
		}()
	}

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := e.runtime.Wait(waitCtx, h)
		waitCh <- waitResult{code: code, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		log.Info("execution timed out, killing sandbox", zap.Duration("timeout", timeout))
		gov.MarkKilled()
		e.kill(log, h)
		return timedOut(KilledTimeout), nil

	case <-gov.Done():
		return timedOut(gov.Reason()), nil

	case w := <-waitCh:
		if gov.Killed() {
			return timedOut(gov.Reason()), nil
		}
		if w.err != nil {
			return Result{}, apperr.Wrapf(w.err, apperr.InfrastructureError, "wait for sandbox")
		}

		drain := time.NewTimer(e.drainGrace)
		defer drain.Stop()
		select {
		case <-streamDone:
		case <-drain.C:
			log.Warn("output stream still open after exit", zap.Duration("grace", e.drainGrace))
		}

		return e.classify(context.WithoutCancel(ctx), log, spec, h, gov, w.code), nil

	case <-ctx.Done():
		e.kill(log, h)
		return Result{}, apperr.Wrapf(ctx.Err(), apperr.InfrastructureError, "execution interrupted")
	}
}

// classify evaluates a naturally exited sandbox in fixed priority order.
func (e *Engine) classify(ctx context.Context, log *zap.Logger, spec language.Spec, h sandbox.Handle, gov *Governor, waitCode int64) Result {
	if gov.Killed() {
		return timedOut(gov.Reason())
	}

	output := gov.Snapshot()

	if spec.DetectsForkBomb(output) {
		log.Info("process limit abuse detected")
		return resourceAbuse()
	}

	if spec.DetectsDeniedWrite(output) {
		return filesystemDenied()
	}

	exitCode := int(waitCode)
	state, err := e.runtime.Inspect(ctx, h)
	if err != nil {
		log.Warn("failed to inspect sandbox, using wait status", zap.Error(err))
	} else {
		exitCode = state.ExitCode
	}

	return success(strings.TrimSpace(output), exitCode)
}

func (e *Engine) kill(log *zap.Logger, h sandbox.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cleanupTimeout)
	defer cancel()
	if err := e.runtime.Kill(ctx, h); err != nil {
		log.Warn("failed to kill sandbox", zap.Error(err))
	}
}

func (e *Engine) remove(log *zap.Logger, h sandbox.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cleanupTimeout)
	defer cancel()
	if err := e.runtime.Remove(ctx, h); err != nil {
		log.Error("failed to remove sandbox", zap.Error(err))
	}
}

// Prepare pulls every registered image that is missing locally.
func (e *Engine) Prepare(ctx context.Context) error {
	for _, img := range e.registry.Images() {
		if err := e.runtime.EnsureImage(ctx, img); err != nil {
			return apperr.Wrapf(err, apperr.InfrastructureError, "prepare image %s", img)
		}
	}
	return nil
}
