package mirror

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/openmined/filemirror/internal/utils"
)

// PathMapping ties one watch root to its sync targets. Target order only affects log order.
type PathMapping struct {
	Watch string
	Syncs []string
}

// NewPathMapping resolves the watch root and targets to absolute paths, creates any
// that are missing and checks that no target overlaps its own root, both as
// written and after following symlinks. The mapping holds the symlink-free paths.
func NewPathMapping(watch string, syncs []string) (*PathMapping, error) {
	root, err := utils.ResolvePath(watch)
	if err != nil {
		return nil, &ConfigError{Op: "resolve watch", Path: watch, Err: err}
	}

	m := &PathMapping{Watch: root, Syncs: make([]string, 0, len(syncs))}
	for _, s := range syncs {
		target, err := utils.ResolvePath(s)
		if err != nil {
			return nil, &ConfigError{Op: "resolve sync", Path: s, Err: err}
		}
		m.Syncs = append(m.Syncs, target)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	for _, dir := range append([]string{m.Watch}, m.Syncs...) {
		if err := utils.EnsureDir(dir); err != nil {
			return nil, &ConfigError{Op: "create dir", Path: dir, Err: err}
		}
	}

	// a symlinked target may still point into its own root
	if m.Watch, err = evalDir(m.Watch); err != nil {
		return nil, err
	}
	for i, target := range m.Syncs {
		if m.Syncs[i], err = evalDir(target); err != nil {
			return nil, err
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

func evalDir(dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", &ConfigError{Op: "resolve symlinks", Path: dir, Err: err}
	}
	return resolved, nil
}

// Validate rejects targets that would mirror into (or out of) their own watch root.
func (m *PathMapping) Validate() error {
	if !filepath.IsAbs(m.Watch) {
		return &ConfigError{Op: "validate", Path: m.Watch, Err: errors.New("watch path is not absolute")}
	}

	seen := make(map[string]struct{}, len(m.Syncs))
	for _, target := range m.Syncs {
		if !filepath.IsAbs(target) {
			return &ConfigError{Op: "validate", Path: target, Err: errors.New("sync path is not absolute")}
		}
		if _, dup := seen[target]; dup {
			return &ConfigError{Op: "validate", Path: target, Err: errors.New("duplicate sync path")}
		}
		seen[target] = struct{}{}

		switch {
		case target == m.Watch:
			return &ConfigError{Op: "validate", Path: target, Err: errors.New("sync path equals its watch path")}
		case utils.IsSubPath(m.Watch, target):
			return &ConfigError{Op: "validate", Path: target, Err: fmt.Errorf("sync path is inside watch path %s", m.Watch)}
		case utils.IsSubPath(target, m.Watch):
			return &ConfigError{Op: "validate", Path: target, Err: fmt.Errorf("sync path contains watch path %s", m.Watch)}
		}
	}
	return nil
}

// SourcePath returns the absolute path of relPath under the watch root.
func (m *PathMapping) SourcePath(relPath string) string {
	return filepath.Join(m.Watch, filepath.FromSlash(relPath))
}

// Resolve returns the absolute path of relPath under every sync target, in target order.
func (m *PathMapping) Resolve(relPath string) []string {
	rel := filepath.FromSlash(relPath)
	out := make([]string, len(m.Syncs))
	for i, target := range m.Syncs {
		out[i] = filepath.Join(target, rel)
	}
	return out
}
