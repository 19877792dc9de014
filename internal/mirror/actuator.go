package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/openmined/filemirror/internal/utils"
	"golang.org/x/sync/errgroup"
)

// tempFileMarker is part of every temp file name the actuator creates; Capture skips such files.
const tempFileMarker = ".filemirror.tmp."

const defaultTargetConcurrency = 4

// Recorder is told about every successful file mirror and delete, per target.
type Recorder interface {
	RecordWrite(target, relPath string, signal Entry) error
	RecordDelete(target, relPath string) error
}

// Actuator applies change events to every sync target of a mapping.
type Actuator struct {
	kinds           map[ChangeKind]bool
	recursiveDelete bool
	concurrency     int
	recorder        Recorder
}

type ActuatorOption func(*Actuator)

// WithKinds limits which change kinds are mirrored. Without it all kinds are.
func WithKinds(kinds ...ChangeKind) ActuatorOption {
	return func(a *Actuator) {
		a.kinds = make(map[ChangeKind]bool, len(kinds))
		for _, k := range kinds {
			a.kinds[k] = true
		}
	}
}

// WithRecursiveDelete makes directory deletes remove the whole target subtree
// instead of only an empty directory.
func WithRecursiveDelete(enabled bool) ActuatorOption {
	return func(a *Actuator) {
		a.recursiveDelete = enabled
	}
}

// WithTargetConcurrency bounds how many targets of one event are written at once.
func WithTargetConcurrency(n int) ActuatorOption {
	return func(a *Actuator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithRecorder reports each successful file write and delete to r, usually a *Journal.
func WithRecorder(r Recorder) ActuatorOption {
	return func(a *Actuator) {
		a.recorder = r
	}
}

func NewActuator(opts ...ActuatorOption) *Actuator {
	a := &Actuator{
		kinds:       map[ChangeKind]bool{Create: true, Modify: true, Delete: true},
		concurrency: defaultTargetConcurrency,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Monitors reports whether events of kind k are mirrored.
func (a *Actuator) Monitors(k ChangeKind) bool {
	return a.kinds[k]
}

// Apply mirrors one event onto every target of mapping. Excluded entries and
// unmonitored kinds are a no-op. The returned errors are one *ApplyError per
// failed target; a failure on one target never stops the others.
func (a *Actuator) Apply(ctx context.Context, event ChangeEvent, mapping *PathMapping, filter *ExclusionFilter) []error {
	if !a.Monitors(event.Kind) {
		return nil
	}

	log := loggerFrom(ctx)

	source := mapping.SourcePath(event.RelPath)
	if filter.IsExcluded(source, event.Type) {
		log.Debug("mirror excluded", "op", event.Kind, "path", source)
		return nil
	}

	var signal Entry
	if event.Type == File && event.Kind != Delete {
		info, err := os.Lstat(source)
		if err != nil {
			// gone again before we got to it, the next tick will report the delete
			log.Debug("mirror source vanished", "path", source, "error", err)
			return []error{&ApplyError{Op: "stat", Target: source, Err: err}}
		}
		signal = Entry{Type: File, Size: info.Size(), ModTime: info.ModTime()}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var eg errgroup.Group
	eg.SetLimit(a.concurrency)

	targets := mapping.Resolve(event.RelPath)
	for i, target := range targets {
		targetRoot := mapping.Syncs[i]
		eg.Go(func() error {
			if err := a.applyTarget(log, event, source, target, signal); err != nil {
				log.Error("mirror failed", "op", event.Kind, "type", event.Type, "path", target, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			a.record(log, event, targetRoot, signal)
			return nil
		})
	}
	_ = eg.Wait()

	return errs
}

func (a *Actuator) applyTarget(log *slog.Logger, event ChangeEvent, source, target string, signal Entry) error {
	switch {
	case event.Kind == Delete && event.Type == Dir:
		return a.deleteDir(log, target)
	case event.Kind == Delete:
		return deleteFile(log, target)
	case event.Type == Dir:
		return makeDir(log, target)
	default:
		return copyFile(log, source, target, signal.Size)
	}
}

func (a *Actuator) record(log *slog.Logger, event ChangeEvent, targetRoot string, signal Entry) {
	if a.recorder == nil || event.Type != File {
		return
	}

	var err error
	if event.Kind == Delete {
		err = a.recorder.RecordDelete(targetRoot, event.RelPath)
	} else {
		err = a.recorder.RecordWrite(targetRoot, event.RelPath, signal)
	}
	if err != nil {
		log.Warn("journal update failed", "target", targetRoot, "path", event.RelPath, "error", err)
	}
}

func makeDir(log *slog.Logger, target string) error {
	info, err := os.Lstat(target)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		// a file from an earlier mirror is in the way; the source is now a directory
		if err := os.Remove(target); err != nil {
			return &ApplyError{Op: "replace file", Target: target, Err: err}
		}
	case !errors.Is(err, fs.ErrNotExist):
		return &ApplyError{Op: "stat", Target: target, Err: err}
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return &ApplyError{Op: "mkdir", Target: target, Err: err}
	}
	log.Info("mirror", "op", "mkdir", "path", target)
	return nil
}

// copyFile writes the full source content next to target and renames it into
// place, so a failed copy leaves whatever was there before untouched.
func copyFile(log *slog.Logger, source, target string, size int64) error {
	if info, err := os.Lstat(target); err == nil && info.IsDir() {
		// the source used to be a directory here
		if err := os.RemoveAll(target); err != nil {
			return &ApplyError{Op: "replace dir", Target: target, Err: err}
		}
	}

	if err := utils.EnsureParent(target); err != nil {
		return &ApplyError{Op: "mkdir", Target: filepath.Dir(target), Err: err}
	}

	if err := writeFileAtomic(source, target); err != nil {
		return &ApplyError{Op: "copy", Target: target, Err: err}
	}

	log.Info("mirror", "op", "copy", "path", target, "size", humanize.Bytes(uint64(size)))
	return nil
}

func writeFileAtomic(source, target string) error {
	src, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+tempFileMarker+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if info, err := src.Stat(); err == nil {
		_ = tmp.Chmod(info.Mode().Perm())
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}

func deleteFile(log *slog.Logger, target string) error {
	info, err := os.Lstat(target)
	if isAbsent(err) {
		return nil
	}
	if err != nil {
		return &ApplyError{Op: "stat", Target: target, Err: err}
	}
	if info.IsDir() {
		// a directory was mirrored here after the file went away; leave it alone
		return nil
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &ApplyError{Op: "delete", Target: target, Err: err}
	}
	log.Info("mirror", "op", "delete", "path", target)
	return nil
}

func (a *Actuator) deleteDir(log *slog.Logger, target string) error {
	info, err := os.Lstat(target)
	if isAbsent(err) {
		return nil
	}
	if err != nil {
		return &ApplyError{Op: "stat", Target: target, Err: err}
	}
	if !info.IsDir() {
		return nil
	}

	if a.recursiveDelete {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &ApplyError{Op: "rmdir", Target: target, Err: err}
	}
	log.Info("mirror", "op", "rmdir", "path", target)
	return nil
}

// isAbsent reports whether err means nothing can exist at the path, including
// when a parent directory was replaced by a file.
func isAbsent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
