package sandbox

import (
	"os"
	"strings"

	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// RootlessPodmanSocket returns the per-user Podman socket derived from
// XDG_RUNTIME_DIR, or "" when the variable is unset.
func RootlessPodmanSocket() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return ""
	}
	return "unix://" + strings.TrimSuffix(dir, "/") + "/podman/podman.sock"
}

// NewPodmanRuntime connects to a Podman API service socket such as
// unix:///run/podman/podman.sock. Podman serves the Docker-compatible API,
// so the returned runtime is a DockerRuntime reporting backend "podman".
func NewPodmanRuntime(logger *zap.Logger, socket string, opts ...DockerOption) (*DockerRuntime, error) {
	if socket == "" {
		socket = RootlessPodmanSocket()
	}
	if socket != "" {
		opts = append([]DockerOption{WithClientOpts(client.WithHost(socket))}, opts...)
	}
	return newAPIRuntime(logger, "podman", opts...)
}
