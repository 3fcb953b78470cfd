package language

import (
	"fmt"
	"sort"

	"github.com/isdmx/codequeue/config"
)

// Registry maps language names to Specs. It is safe for concurrent reads.
type Registry struct {
	specs map[string]Spec
}

// NewRegistry builds a registry; duplicate names are rejected.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if s.name == "" {
			return nil, fmt.Errorf("language spec without name")
		}
		if _, dup := r.specs[s.name]; dup {
			return nil, fmt.Errorf("duplicate language %q", s.name)
		}
		r.specs[s.name] = s
	}
	return r, nil
}

// FromConfig builds the registry from the languages section of the configuration.
func FromConfig(cfg *config.Config) (*Registry, error) {
	names := make([]string, 0, len(cfg.Languages))
	for name := range cfg.Languages {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		lang := cfg.Languages[name]

		var opts []Option
		if len(lang.ForkBombSignatures) > 0 {
			opts = append(opts, WithForkBombSignatures(lang.ForkBombSignatures...))
		}
		if lang.KilledMarker != "" {
			opts = append(opts, WithKilledMarker(lang.KilledMarker))
		}
		markers := lang.ReadOnlyMarkers
		if len(markers) == 0 {
			markers = cfg.Sandbox.ReadOnlyMarkers
		}
		if len(markers) > 0 {
			opts = append(opts, WithReadOnlyMarkers(markers...))
		}
		if lang.SilentWriteFailure {
			opts = append(opts, WithSilentWriteFailure())
		}

		spec, err := NewSpec(name, lang.Image, lang.Extension, lang.Command, opts...)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return NewRegistry(specs...)
}

// Lookup returns the Spec registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Supports reports whether name is registered.
func (r *Registry) Supports(name string) bool {
	_, ok := r.specs[name]
	return ok
}

// Names returns the registered language names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Images returns the distinct sandbox images used by the registered languages.
func (r *Registry) Images() []string {
	seen := make(map[string]bool, len(r.specs))
	var images []string
	for _, name := range r.Names() {
		img := r.specs[name].image
		if !seen[img] {
			seen[img] = true
			images = append(images, img)
		}
	}
	return images
}
