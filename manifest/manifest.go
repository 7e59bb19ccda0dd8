// Package manifest handles karst.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a karst.toml project configuration.
type Manifest struct {
	Project Project     `toml:"project"`
	Source  Source      `toml:"source"`
	Image   ImageConfig `toml:"image"`
	Cache   CacheConfig `toml:"cache"`

	// Dir is the directory containing the karst.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source configures source file locations.
type Source struct {
	Dirs  []string `toml:"dirs"`
	Entry string   `toml:"entry"`
}

// ImageConfig configures image output.
type ImageConfig struct {
	Output        string `toml:"output"`
	IncludeSource bool   `toml:"include-source"`
}

// CacheConfig configures the compiled-image cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load parses a karst.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "karst.toml")
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
	if m.Image.Output == "" {
		m.Image.Output = m.Project.Name + ".kimg"
	}
	if m.Cache.Path == "" {
		m.Cache.Path = filepath.Join(m.Dir, ".karst-cache.db")
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a karst.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", startDir, err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "karst.toml")); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// SourceFiles lists the .kst files under the manifest's source dirs.
func (m *Manifest) SourceFiles() ([]string, error) {
	var files []string
	for _, dir := range m.Source.Dirs {
		root := filepath.Join(m.Dir, dir)
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && filepath.Ext(path) == ".kst" {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return files, nil
}
