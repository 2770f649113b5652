package scripting

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CommandSpec binds a command name to a global Lua function.
type CommandSpec struct {
	Name     string   `yaml:"name"`
	Function string   `yaml:"function"`
	Aliases  []string `yaml:"aliases"`
	Help     string   `yaml:"help"`
}

// Manifest lists the scripted commands to expose.
type Manifest struct {
	Commands []CommandSpec `yaml:"commands"`
}

// LoadManifest reads and validates a YAML manifest.
//
// Precondition: path must name a readable file.
// Postcondition: Returns a valid Manifest or a non-nil error.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %q: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %q: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes and validates YAML manifest data.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every entry names a command and a function, and that
// command names are unique within the manifest.
func (m *Manifest) Validate() error {
	var errs []string
	seen := make(map[string]bool, len(m.Commands))
	for i, c := range m.Commands {
		switch {
		case strings.TrimSpace(c.Name) == "":
			errs = append(errs, fmt.Sprintf("commands[%d]: name must not be empty", i))
		case seen[c.Name]:
			errs = append(errs, fmt.Sprintf("commands[%d]: duplicate name %q", i, c.Name))
		}
		seen[c.Name] = true
		if strings.TrimSpace(c.Function) == "" {
			errs = append(errs, fmt.Sprintf("commands[%d]: function must not be empty", i))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
