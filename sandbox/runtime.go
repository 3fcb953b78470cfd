package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when the referenced sandbox no longer exists.
var ErrNotFound = errors.New("sandbox: container not found")

// Mount binds a host directory into the sandbox.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Bind renders the mount in Docker's "host:container[:ro]" form.
func (m Mount) Bind() string {
	if m.ReadOnly {
		return fmt.Sprintf("%s:%s:ro", m.HostPath, m.ContainerPath)
	}
	return fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath)
}

// Limits bounds the resources available to one sandbox.
type Limits struct {
	MemoryBytes int64
	PidsLimit   int64
	CPUSoftSec  int64
	CPUHardSec  int64
	TmpfsSize   string
}

// ContainerSpec describes a sandbox to create. Networking is always disabled
// and the root filesystem is read-only apart from a tmpfs at /tmp.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	WorkingDir string
	User       string
	Mounts     []Mount
	Limits     Limits
	OpenStdin  bool
	Labels     map[string]string
}

// Handle references a created sandbox.
type Handle struct {
	ID    string
	Name  string
	Stdin bool
}

// Attachment exposes the live streams of a sandbox. Output carries stdout and
// stderr interleaved in arrival order. Stdin is nil unless the sandbox was
// created with OpenStdin.
type Attachment struct {
	Output io.ReadCloser
	Stdin  io.WriteCloser
}

// State is the inspected status of a sandbox.
type State struct {
	Running   bool
	ExitCode  int
	OOMKilled bool
}

// Runtime is the minimal lifecycle surface the execution engine needs from
// an isolation backend. Kill and Remove treat an already-gone sandbox as success.
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (Handle, error)
	Attach(ctx context.Context, h Handle) (*Attachment, error)
	Start(ctx context.Context, h Handle) error
	Wait(ctx context.Context, h Handle) (int64, error)
	Kill(ctx context.Context, h Handle) error
	Inspect(ctx context.Context, h Handle) (State, error)
	Remove(ctx context.Context, h Handle) error
	EnsureImage(ctx context.Context, ref string) error
	Close() error
}
