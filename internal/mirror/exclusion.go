package mirror

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	gitignore "github.com/sabhiram/go-gitignore"
)

type ExclusionOptions struct {
	// Extensions are matched against files only, case-insensitively, with or without the leading dot.
	Extensions []string
	// Paths are absolute; anything equal to or prefixed by one is excluded.
	Paths []string
	// Patterns are gitignore lines matched relative to the owning watch root.
	Patterns []string
	// Roots are the watch roots Patterns are evaluated against.
	Roots []string
	// StrictPrefix matches Paths on whole path segments, so /a/foo no longer excludes /a/foo2.
	StrictPrefix bool
}

// ExclusionFilter is read-only after construction and safe for concurrent use.
type ExclusionFilter struct {
	exts     mapset.Set[string]
	paths    []string
	strict   bool
	roots    []string
	patterns *gitignore.GitIgnore
}

// NewExclusionFilter compiles opts. Paths must be absolute. An empty extension
// excludes files without one; a bare "." is rejected as ambiguous.
func NewExclusionFilter(opts ExclusionOptions) (*ExclusionFilter, error) {
	f := &ExclusionFilter{
		exts:   mapset.NewThreadUnsafeSet[string](),
		strict: opts.StrictPrefix,
		roots:  opts.Roots,
	}

	for _, ext := range opts.Extensions {
		if strings.TrimSpace(ext) == "." {
			return nil, &ConfigError{Op: "exclude ext", Path: ext, Err: errors.New(`use "" to exclude files without an extension`)}
		}
		f.exts.Add(normalizeExt(ext))
	}

	for _, p := range opts.Paths {
		if !filepath.IsAbs(p) {
			return nil, &ConfigError{Op: "exclude path", Path: p, Err: errors.New("path is not absolute")}
		}
		f.paths = append(f.paths, filepath.Clean(p))
	}

	if len(opts.Patterns) > 0 {
		f.patterns = gitignore.CompileIgnoreLines(opts.Patterns...)
	}

	return f, nil
}

// IsExcluded reports whether the entry at the absolute path must not be mirrored,
// whatever kind of change was seen for it.
func (f *ExclusionFilter) IsExcluded(path string, t EntryType) bool {
	if f == nil {
		return false
	}

	path = filepath.Clean(path)

	if t == File && f.exts.Contains(extensionOf(path)) {
		return true
	}

	for _, excluded := range f.paths {
		if f.matchPrefix(excluded, path) {
			return true
		}
	}

	return f.matchPattern(path, t)
}

func (f *ExclusionFilter) Extensions() []string {
	return mapset.Sorted(f.exts)
}

func (f *ExclusionFilter) Paths() []string {
	return f.paths
}

func (f *ExclusionFilter) matchPrefix(excluded, path string) bool {
	if !strings.HasPrefix(path, excluded) {
		return false
	}
	if !f.strict || len(path) == len(excluded) {
		return true
	}
	return path[len(excluded)] == filepath.Separator
}

func (f *ExclusionFilter) matchPattern(path string, t EntryType) bool {
	if f.patterns == nil {
		return false
	}
	for _, root := range f.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		// an ignored directory hides everything below it, so every ancestor is tried too
		parts := strings.Split(filepath.ToSlash(rel), "/")
		for i := 1; i <= len(parts); i++ {
			candidate := strings.Join(parts[:i], "/")
			if i < len(parts) || t == Dir {
				// "dir/" patterns only match paths ending in a slash
				candidate += "/"
			}
			if f.patterns.MatchesPath(candidate) {
				return true
			}
		}
	}
	return false
}

// extensionOf returns the lowercase text after the last dot of the base name, or "" when there is none.
func extensionOf(path string) string {
	name := filepath.Base(path)
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

func normalizeExt(ext string) string {
	ext = strings.TrimSpace(ext)
	ext = strings.TrimPrefix(ext, ".")
	return strings.ToLower(ext)
}

// LoadExcludedPaths reads a newline separated list of paths relative to the
// watch roots and returns each line joined onto every root. Blank lines and
// lines containing '#' are skipped.
func LoadExcludedPaths(file string, roots []string) ([]string, error) {
	fh, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var paths []string
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.Contains(line, "#") {
			continue
		}
		for _, root := range roots {
			paths = append(paths, filepath.Join(root, filepath.FromSlash(line)))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}

	return paths, nil
}
