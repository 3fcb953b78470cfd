package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// dockerAPI is the subset of the Docker Engine client used by DockerRuntime.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// DockerRuntime implements Runtime against a Docker Engine compatible API.
// Podman's API service speaks the same protocol, so both backends share it.
type DockerRuntime struct {
	logger  *zap.Logger
	cli     dockerAPI
	backend string
}

// DockerOption defines a functional option for DockerRuntime
type DockerOption func(*dockerOptions)

type dockerOptions struct {
	cli        dockerAPI
	clientOpts []client.Opt
}

// WithDockerClient replaces the Engine API client, mainly for tests.
func WithDockerClient(cli dockerAPI) DockerOption {
	return func(o *dockerOptions) {
		o.cli = cli
	}
}

// WithClientOpts appends options passed to client.NewClientWithOpts.
func WithClientOpts(opts ...client.Opt) DockerOption {
	return func(o *dockerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// NewDockerRuntime connects to the daemon described by DOCKER_HOST and friends.
func NewDockerRuntime(logger *zap.Logger, opts ...DockerOption) (*DockerRuntime, error) {
	return newAPIRuntime(logger, "docker", opts...)
}

func newAPIRuntime(logger *zap.Logger, backend string, opts ...DockerOption) (*DockerRuntime, error) {
	o := &dockerOptions{
		clientOpts: []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()},
	}
	for _, opt := range opts {
		opt(o)
	}

	cli := o.cli
	if cli == nil {
		c, err := client.NewClientWithOpts(o.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create %s client: %w", backend, err)
		}
		cli = c
	}

	return &DockerRuntime{
		logger:  logger.With(zap.String("backend", backend)),
		cli:     cli,
		backend: backend,
	}, nil
}

// Create creates a stopped sandbox with networking disabled, a read-only root
// filesystem, dropped capabilities and the configured resource limits.
func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (Handle, error) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		WorkingDir:      spec.WorkingDir,
		User:            spec.User,
		Labels:          spec.Labels,
		AttachStdout:    true,
		AttachStderr:    true,
		AttachStdin:     spec.OpenStdin,
		OpenStdin:       spec.OpenStdin,
		StdinOnce:       spec.OpenStdin,
		NetworkDisabled: true,
	}

	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		binds = append(binds, m.Bind())
	}

	hostCfg := &container.HostConfig{
		Binds:          binds,
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges:true"},
		CapDrop:        []string{"ALL"},
		Resources:      resources(spec.Limits),
	}
	if spec.Limits.TmpfsSize != "" {
		hostCfg.Tmpfs = map[string]string{"/tmp": "rw,exec,nosuid,size=" + spec.Limits.TmpfsSize}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return Handle{}, fmt.Errorf("create container from %s: %w", spec.Image, err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("container_id", resp.ID), zap.String("warning", w))
	}

	return Handle{ID: resp.ID, Name: spec.Name, Stdin: spec.OpenStdin}, nil
}

func resources(l Limits) container.Resources {
	res := container.Resources{
		Memory:     l.MemoryBytes,
		MemorySwap: l.MemoryBytes,
	}
	if l.PidsLimit > 0 {
		pids := l.PidsLimit
		res.PidsLimit = &pids
	}
	if l.CPUSoftSec > 0 || l.CPUHardSec > 0 {
		res.Ulimits = []*units.Ulimit{{Name: "cpu", Soft: l.CPUSoftSec, Hard: l.CPUHardSec}}
	}
	return res
}

// Attach subscribes to the sandbox streams. It must be called before Start
// so that no early output is lost.
func (d *DockerRuntime) Attach(ctx context.Context, h Handle) (*Attachment, error) {
	resp, err := d.cli.ContainerAttach(ctx, h.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
		Stdin:  h.Stdin,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", h.ID, mapNotFound(err))
	}

	pr, pw := io.Pipe()
	go func() {
		// Both streams go to the same writer so the combined output keeps arrival order.
		_, copyErr := stdcopy.StdCopy(pw, pw, resp.Reader)
		pw.CloseWithError(copyErr)
	}()

	att := &Attachment{Output: &hijackedOutput{PipeReader: pr, resp: resp}}
	if h.Stdin {
		att.Stdin = &hijackedStdin{conn: resp.Conn, resp: resp}
	}
	return att, nil
}

type hijackedOutput struct {
	*io.PipeReader
	resp types.HijackedResponse
}

func (o *hijackedOutput) Close() error {
	o.resp.Close()
	return o.PipeReader.Close()
}

type hijackedStdin struct {
	conn net.Conn
	resp types.HijackedResponse
}

func (s *hijackedStdin) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *hijackedStdin) Close() error {
	return s.resp.CloseWrite()
}

// Start starts a created sandbox.
func (d *DockerRuntime) Start(ctx context.Context, h Handle) error {
	if err := d.cli.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", h.ID, mapNotFound(err))
	}
	return nil
}

// Wait blocks until the sandbox stops and returns its exit status.
func (d *DockerRuntime) Wait(ctx context.Context, h Handle) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, h.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("wait container %s: %s", h.ID, status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("wait container %s: %w", h.ID, mapNotFound(err))
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill sends SIGKILL. A sandbox that is already stopped or removed is not an error.
func (d *DockerRuntime) Kill(ctx context.Context, h Handle) error {
	err := d.cli.ContainerKill(ctx, h.ID, "SIGKILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("kill container %s: %w", h.ID, err)
}

// Inspect reports whether the sandbox is running and its exit code.
func (d *DockerRuntime) Inspect(ctx context.Context, h Handle) (State, error) {
	info, err := d.cli.ContainerInspect(ctx, h.ID)
	if err != nil {
		return State{}, fmt.Errorf("inspect container %s: %w", h.ID, mapNotFound(err))
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return State{}, fmt.Errorf("inspect container %s: missing state", h.ID)
	}
	return State{
		Running:   info.State.Running,
		ExitCode:  info.State.ExitCode,
		OOMKilled: info.State.OOMKilled,
	}, nil
}

// Remove force-removes the sandbox, tolerating one that is already gone.
func (d *DockerRuntime) Remove(ctx context.Context, h Handle) error {
	err := d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	if errdefs.IsConflict(err) {
		// Removal already in progress.
		d.logger.Debug("container removal already in progress", zap.String("container_id", h.ID))
		return nil
	}
	return fmt.Errorf("remove container %s: %w", h.ID, err)
}

// EnsureImage pulls ref unless it is already present locally.
func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	d.logger.Info("pulling image", zap.String("image", ref))
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// Close releases the API client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func mapNotFound(err error) error {
	if err != nil && errdefs.IsNotFound(err) {
		return errors.Join(ErrNotFound, err)
	}
	return err
}
