package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleManifest = `
[project]
name = "crystal-cache"
version = "0.3.1"
authors = ["Ada <ada@example.com>"]

[source]
dirs = ["lib", "app"]
entry = "app/main.lat"

[dependencies]
stdmath = { git = "https://example.com/stdmath.git", tag = "v1.2.0" }
local-utils = { path = "../utils" }

[bytecode]
output = "out"
register = true
strip-names = true
`

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "lattice.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, sampleManifest)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Project.Name != "crystal-cache" || m.Project.Version != "0.3.1" {
		t.Errorf("project: %+v", m.Project)
	}
	if len(m.Source.Dirs) != 2 || m.Source.Entry != "app/main.lat" {
		t.Errorf("source: %+v", m.Source)
	}
	if !m.Bytecode.Register || !m.Bytecode.StripNames || m.Bytecode.Output != "out" {
		t.Errorf("bytecode: %+v", m.Bytecode)
	}

	dep, ok := m.Dependencies["stdmath"]
	if !ok || dep.Git == "" || dep.Tag != "v1.2.0" {
		t.Errorf("git dependency: %+v", dep)
	}
	if local := m.Dependencies["local-utils"]; local.Path != "../utils" {
		t.Errorf("path dependency: %+v", local)
	}
	if m.Dir == "" || !filepath.IsAbs(m.Dir) {
		t.Errorf("Dir not absolute: %q", m.Dir)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[project]\nname = \"bare\"\n")

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Source.Dirs) != 1 || m.Source.Dirs[0] != "src" {
		t.Errorf("default dirs: %v", m.Source.Dirs)
	}
	if m.Source.Entry != "main.lat" {
		t.Errorf("default entry: %q", m.Source.Entry)
	}
	if m.Bytecode.Output != "build" {
		t.Errorf("default output: %q", m.Bytecode.Output)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for missing lattice.toml")
	}
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[project\nname =")
	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}
}

func TestFindAndLoadWalksUp(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "[project]\nname = \"walker\"\n")
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if m == nil || m.Project.Name != "walker" {
		t.Fatalf("manifest: %+v", m)
	}
	if m.Dir != root {
		t.Errorf("Dir: got %q, want %q", m.Dir, root)
	}
}

func TestFindAndLoadNoManifest(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil manifest, got %+v", m)
	}
}

func TestDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, sampleManifest)
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	if got, want := m.EntryPath(), filepath.Join(m.Dir, "app", "main.lat"); got != want {
		t.Errorf("EntryPath: %q, want %q", got, want)
	}
	paths := m.SourceDirPaths()
	if len(paths) != 2 || paths[0] != filepath.Join(m.Dir, "lib") {
		t.Errorf("SourceDirPaths: %v", paths)
	}
	if got, want := m.OutputDir(), filepath.Join(m.Dir, "out"); got != want {
		t.Errorf("OutputDir: %q, want %q", got, want)
	}
	if got, want := m.DepsDir(), filepath.Join(m.Dir, ".lattice", "deps"); got != want {
		t.Errorf("DepsDir: %q, want %q", got, want)
	}
}
