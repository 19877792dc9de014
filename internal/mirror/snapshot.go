package mirror

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/filemirror/internal/utils"
)

type EntryType uint8

const (
	File EntryType = iota
	Dir
)

func (t EntryType) String() string {
	if t == Dir {
		return "dir"
	}
	return "file"
}

// Entry is the change signal recorded for one path.
type Entry struct {
	Type    EntryType
	Size    int64
	ModTime time.Time
}

// SameSignal reports whether two entries of the same type look unchanged.
// Size is compared as well as mtime since mtime granularity can be as coarse as seconds.
func (e Entry) SameSignal(o Entry) bool {
	return e.Type == o.Type && e.Size == o.Size && e.ModTime.Equal(o.ModTime)
}

// Snapshot is a point-in-time listing of a watch root keyed by slash separated relative path.
// The root itself is not an entry. Snapshots are never modified after Capture returns.
type Snapshot struct {
	Root    string
	TakenAt time.Time
	Entries map[string]Entry
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}

// Capture walks root and records every directory and file below it.
// Entries that vanish or cannot be read during the walk are left out; only a
// failure to read root itself is returned.
func Capture(root string) (*Snapshot, error) {
	snap := &Snapshot{
		Root:    root,
		TakenAt: time.Now(),
		Entries: make(map[string]Entry),
	}

	// WalkDir does not follow a symlinked root
	walkRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	err = filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if path == walkRoot {
			if walkErr != nil {
				return walkErr
			}
			if !d.IsDir() {
				return fmt.Errorf("%s is not a directory", root)
			}
			return nil
		}

		if walkErr != nil {
			logScanError(path, walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if isTempFile(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logScanError(path, err)
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(walkRoot, path)
		if err != nil {
			return fmt.Errorf("walk rel path: %w", err)
		}

		entry := Entry{Type: File, Size: info.Size(), ModTime: info.ModTime()}
		if d.IsDir() {
			entry = Entry{Type: Dir}
		}
		snap.Entries[utils.NormPath(relPath)] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	return snap, nil
}

func logScanError(path string, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("scan entry vanished", "path", path)
		return
	}
	slog.Warn("scan entry skipped", "path", path, "error", err)
}

func isTempFile(name string) bool {
	return strings.Contains(name, tempFileMarker)
}
