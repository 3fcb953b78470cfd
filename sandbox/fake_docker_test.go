package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeDockerAPI struct {
	mu sync.Mutex

	createdConfig *container.Config
	createdHost   *container.HostConfig
	createdName   string
	createErr     error

	stdout string
	stderr string

	waitCode int64
	waitErr  error

	killErr    error
	killed     []string
	removeErr  error
	removed    []string
	inspect    types.ContainerJSON
	inspectErr error

	imagePresent bool
	imageErr     error
	pulled       []string
	closed       bool
}

func (f *fakeDockerAPI) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.createdConfig = cfg
	f.createdHost = host
	f.createdName = name
	return container.CreateResponse{ID: "c-1"}, nil
}

func (f *fakeDockerAPI) ContainerAttach(_ context.Context, _ string, _ container.AttachOptions) (types.HijackedResponse, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	client, server := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, server)
	}()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeDockerAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeDockerAPI) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.waitErr != nil {
		errCh <- f.waitErr
	} else {
		statusCh <- container.WaitResponse{StatusCode: f.waitCode}
	}
	return statusCh, errCh
}

func (f *fakeDockerAPI) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return f.killErr
}

func (f *fakeDockerAPI) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	return f.inspect, f.inspectErr
}

func (f *fakeDockerAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeDockerAPI) ImageInspectWithRaw(context.Context, string) (types.ImageInspect, []byte, error) {
	if f.imagePresent {
		return types.ImageInspect{}, nil, nil
	}
	return types.ImageInspect{}, nil, f.imageErr
}

func (f *fakeDockerAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeDockerAPI) Close() error {
	f.closed = true
	return nil
}
