package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/codequeue/config"
)

// NewRuntime creates the sandbox runtime selected by sandbox.backend.
func NewRuntime(logger *zap.Logger, cfg *config.Config) (Runtime, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		rt, err := NewDockerRuntime(logger)
		if err != nil {
			return nil, err
		}
		return rt, nil
	case "podman":
		rt, err := NewPodmanRuntime(logger, cfg.Sandbox.PodmanSocket)
		if err != nil {
			return nil, err
		}
		return rt, nil
	case "local":
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend requires sandbox.enable_local_backend")
		}
		return NewLocalRuntime(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// LimitsFromConfig converts the sandbox section into per-sandbox Limits.
func LimitsFromConfig(cfg config.SandboxConfig) Limits {
	return Limits{
		MemoryBytes: int64(cfg.MemoryMB) * 1024 * 1024,
		PidsLimit:   int64(cfg.PidsLimit),
		CPUSoftSec:  int64(cfg.CPUSoftSec),
		CPUHardSec:  int64(cfg.CPUHardSec),
		TmpfsSize:   cfg.TmpfsSize,
	}
}
