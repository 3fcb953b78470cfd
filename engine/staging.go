package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// File permission constants. Staged files must be readable by the
// unprivileged sandbox user.
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// FileSystem defines the file system operations used for staging
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// OSFileSystem implements FileSystem on the real file system
type OSFileSystem struct{}

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (OSFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (OSFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// Workspace is one staged submission. Dir is where this process wrote the
// source; HostDir is the same directory as seen by the container engine.
type Workspace struct {
	ID      string
	Dir     string
	HostDir string
}

// Stager writes submissions into uniquely named directories under root.
type Stager struct {
	fs       FileSystem
	root     string
	hostRoot string
}

// NewStager creates a Stager. hostRoot may be empty when the container engine
// sees the same paths as this process.
func NewStager(fs FileSystem, root, hostRoot string) *Stager {
	if fs == nil {
		fs = OSFileSystem{}
	}
	return &Stager{fs: fs, root: root, hostRoot: hostRoot}
}

// Stage writes source to <root>/<random id>/<fileName>.
func (s *Stager) Stage(source, fileName string) (Workspace, error) {
	id := uuid.NewString()
	dir := filepath.Join(s.root, id)
	if err := s.fs.MkdirAll(dir, DirPermission); err != nil {
		return Workspace{}, fmt.Errorf("create staging dir: %w", err)
	}
	if err := s.fs.WriteFile(filepath.Join(dir, fileName), []byte(source), FilePermission); err != nil {
		_ = s.fs.RemoveAll(dir)
		return Workspace{}, fmt.Errorf("write source file: %w", err)
	}

	hostDir := dir
	if s.hostRoot != "" {
		hostDir = filepath.Join(s.hostRoot, id)
	}
	return Workspace{ID: id, Dir: dir, HostDir: hostDir}, nil
}

// Release deletes the workspace recursively.
func (s *Stager) Release(ws Workspace) error {
	if ws.Dir == "" {
		return nil
	}
	return s.fs.RemoveAll(ws.Dir)
}
