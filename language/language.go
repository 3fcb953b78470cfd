package language

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/google/shlex"
)

// SourceBaseName is the base name of every staged source file.
const SourceBaseName = "Main"

const (
	filePlaceholder  = "{file}"
	classPlaceholder = "{class}"
)

// Detector reports whether output indicates process-limit abuse.
type Detector func(output string) bool

// Spec describes how one language is executed. Specs are immutable once built.
type Spec struct {
	name               string
	image              string
	extension          string
	command            []string
	forkBombSignatures []string
	detector           Detector
	readOnlyMarkers    []string
	silentWriteFailure bool
}

// Option customises a Spec under construction.
type Option func(*Spec)

// WithForkBombSignatures sets the output substrings that mark process-limit abuse.
func WithForkBombSignatures(signatures ...string) Option {
	return func(s *Spec) {
		s.forkBombSignatures = slices.Clone(signatures)
	}
}

// WithDetector sets a custom abuse detector evaluated in addition to the signatures.
func WithDetector(d Detector) Option {
	return func(s *Spec) {
		s.detector = d
	}
}

// WithKilledMarker installs a detector matching output that is exactly marker after trimming.
// Compiled programs killed by the pids limit often print nothing but the shell's "Killed".
func WithKilledMarker(marker string) Option {
	return WithDetector(func(output string) bool {
		return strings.TrimSpace(output) == marker
	})
}

// WithReadOnlyMarkers sets the output substrings that mark a write to the
// read-only filesystem.
func WithReadOnlyMarkers(markers ...string) Option {
	return func(s *Spec) {
		s.readOnlyMarkers = slices.Clone(markers)
	}
}

// WithSilentWriteFailure marks languages whose write failures produce no output at all.
func WithSilentWriteFailure() Option {
	return func(s *Spec) {
		s.silentWriteFailure = true
	}
}

// NewSpec parses commandTemplate with shell quoting rules and builds a Spec.
func NewSpec(name, image, extension, commandTemplate string, opts ...Option) (Spec, error) {
	if name == "" {
		return Spec{}, fmt.Errorf("language name is required")
	}
	if image == "" {
		return Spec{}, fmt.Errorf("language %s: image is required", name)
	}
	extension = strings.TrimPrefix(extension, ".")
	if extension == "" {
		return Spec{}, fmt.Errorf("language %s: extension is required", name)
	}

	command, err := shlex.Split(commandTemplate)
	if err != nil {
		return Spec{}, fmt.Errorf("language %s: parse command %q: %w", name, commandTemplate, err)
	}
	if len(command) == 0 {
		return Spec{}, fmt.Errorf("language %s: command is empty", name)
	}
	if !strings.Contains(commandTemplate, filePlaceholder) && !strings.Contains(commandTemplate, classPlaceholder) {
		return Spec{}, fmt.Errorf("language %s: command must reference %s or %s", name, filePlaceholder, classPlaceholder)
	}

	s := Spec{
		name:      name,
		image:     image,
		extension: extension,
		command:   command,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s, nil
}

func (s Spec) Name() string      { return s.name }
func (s Spec) Image() string     { return s.image }
func (s Spec) Extension() string { return s.extension }

// SilentWriteFailure reports whether empty output is treated as a denied write.
func (s Spec) SilentWriteFailure() bool { return s.silentWriteFailure }

// FileName returns the staged source file name, e.g. "Main.py".
func (s Spec) FileName() string {
	return SourceBaseName + "." + s.extension
}

// Command returns the argv that runs the source file at sourcePath inside the sandbox.
func (s Spec) Command(sourcePath string) []string {
	class := strings.TrimSuffix(path.Base(sourcePath), path.Ext(sourcePath))
	replacer := strings.NewReplacer(filePlaceholder, sourcePath, classPlaceholder, class)

	argv := make([]string, len(s.command))
	for i, arg := range s.command {
		argv[i] = replacer.Replace(arg)
	}
	return argv
}

// ForkBombSignatures returns a copy of the configured abuse signatures.
func (s Spec) ForkBombSignatures() []string {
	return slices.Clone(s.forkBombSignatures)
}

// DetectsForkBomb reports whether output contains an abuse signature or
// satisfies the custom detector.
func (s Spec) DetectsForkBomb(output string) bool {
	for _, sig := range s.forkBombSignatures {
		if sig != "" && strings.Contains(output, sig) {
			return true
		}
	}
	return s.detector != nil && s.detector(output)
}

// ReadOnlyMarkers returns a copy of the configured read-only markers.
func (s Spec) ReadOnlyMarkers() []string {
	return slices.Clone(s.readOnlyMarkers)
}

// DetectsDeniedWrite reports whether output shows a rejected filesystem
// write. Languages with silent write failures also match on blank output.
func (s Spec) DetectsDeniedWrite(output string) bool {
	for _, marker := range s.readOnlyMarkers {
		if marker != "" && strings.Contains(output, marker) {
			return true
		}
	}
	return s.silentWriteFailure && strings.TrimSpace(output) == ""
}
