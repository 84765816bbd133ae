package models

import (
	"path/filepath"
	"strings"
)

// Repository is a version-controlled working tree found during a scan.
type Repository struct {
	Root   string
	GitDir string
}

// Contains reports whether path is the repository root or lies beneath it.
func (r *Repository) Contains(path string) bool {
	return isWithin(r.Root, path)
}

// InVCSDir reports whether path lies inside the repository's metadata directory.
func (r *Repository) InVCSDir(path string) bool {
	return isWithin(r.GitDir, path)
}

// Rel returns path relative to the repository root.
func (r *Repository) Rel(path string) (string, error) {
	return filepath.Rel(r.Root, path)
}

func isWithin(dir, path string) bool {
	if dir == "" {
		return false
	}
	dir = filepath.Clean(dir)
	path = filepath.Clean(path)
	if path == dir {
		return true
	}
	if dir == string(filepath.Separator) {
		return strings.HasPrefix(path, dir)
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
