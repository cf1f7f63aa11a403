// Package manifest handles lattice.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a lattice.toml project configuration.
type Manifest struct {
	Project      Project               `toml:"project"`
	Source       Source                `toml:"source"`
	Dependencies map[string]Dependency `toml:"dependencies"`
	Bytecode     BytecodeConfig        `toml:"bytecode"`

	// Dir is the directory containing the lattice.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string   `toml:"name"`
	Version string   `toml:"version"`
	Authors []string `toml:"authors"`
}

// Source configures source file locations.
type Source struct {
	Dirs  []string `toml:"dirs"`
	Entry string   `toml:"entry"`
}

// Dependency represents a single project dependency.
type Dependency struct {
	Git  string `toml:"git"`
	Tag  string `toml:"tag"`
	Path string `toml:"path"`
}

// BytecodeConfig configures compiled chunk output.
type BytecodeConfig struct {
	Output     string `toml:"output"`
	Register   bool   `toml:"register"`    // emit .rlatc instead of .latc
	StripNames bool   `toml:"strip-names"` // omit local-name debug tables
}

// Load parses a lattice.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "lattice.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if len(m.Source.Dirs) == 0 {
		m.Source.Dirs = []string{"src"}
	}
	if m.Source.Entry == "" {
		m.Source.Entry = "main.lat"
	}
	if m.Bytecode.Output == "" {
		m.Bytecode.Output = "build"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a lattice.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "lattice.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// EntryPath returns the absolute path of the entry source file.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.Dir, m.Source.Entry)
}

// SourceDirPaths returns absolute paths for the configured source directories.
func (m *Manifest) SourceDirPaths() []string {
	var paths []string
	for _, d := range m.Source.Dirs {
		paths = append(paths, filepath.Join(m.Dir, d))
	}
	return paths
}

// OutputDir returns the absolute path of the compiled bytecode directory.
func (m *Manifest) OutputDir() string {
	return filepath.Join(m.Dir, m.Bytecode.Output)
}

// DepsDir returns the path to the .lattice/deps directory.
func (m *Manifest) DepsDir() string {
	return filepath.Join(m.Dir, ".lattice", "deps")
}
