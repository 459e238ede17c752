package config

import (
	"os"
	"path"
	"path/filepath"
)

// Files resolves include names and reads config sources.
type Files interface {
	// Resolve returns canonical key used for include loop detection.
	Resolve(name string) string
	// Read returns nil, nil when key does not exist.
	Read(key string) ([]byte, error)
}

// DirFiles reads from disk, relative names resolve against Dir.
type DirFiles struct {
	Dir string
}

// OpenDir resolves relative names against directory of main file.
func OpenDir(main string) (DirFiles, string) {
	dir, name := filepath.Split(main)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return DirFiles{Dir: dir}, name
}

func (d DirFiles) Resolve(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(d.Dir, name)
}

func (DirFiles) Read(key string) ([]byte, error) {
	b, err := os.ReadFile(key)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

// MapFiles is in-memory Files for tests, keys are slash separated names.
type MapFiles map[string]string

func (m MapFiles) Resolve(name string) string { return path.Clean(name) }

func (m MapFiles) Read(key string) ([]byte, error) {
	if s, ok := m[key]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
