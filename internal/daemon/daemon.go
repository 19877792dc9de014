package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/filemirror/internal/config"
	"github.com/openmined/filemirror/internal/fswatch"
	"github.com/openmined/filemirror/internal/mirror"
	"golang.org/x/sync/errgroup"
)

const LockFileName = ".filemirror.lock"

var ErrLocked = errors.New("another filemirror instance is using this config")

// Daemon owns everything built from one config: the mappings, the exclusion
// filter, the optional journal and the coordinator polling the roots. A Daemon
// runs once: Start or RunOnce closes the journal on the way out.
type Daemon struct {
	cfg         *config.Config
	mappings    []*mirror.PathMapping
	filter      *mirror.ExclusionFilter
	journal     *mirror.Journal
	coordinator *mirror.Coordinator
	flock       *flock.Flock
}

func New(cfg *config.Config) (*Daemon, error) {
	mappings := make([]*mirror.PathMapping, 0, len(cfg.Paths))
	roots := make([]string, 0, len(cfg.Paths))
	for _, p := range cfg.Paths {
		m, err := mirror.NewPathMapping(p.Watch, p.Syncs)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
		roots = append(roots, m.Watch)
	}

	// exclusions are matched against the symlink-free roots the coordinator walks
	filter, err := NewFilter(cfg, roots)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		mappings: mappings,
		filter:   filter,
		flock:    flock.New(lockPath(cfg)),
	}

	actuatorOpts := []mirror.ActuatorOption{
		mirror.WithKinds(cfg.ChangeKinds()...),
		mirror.WithRecursiveDelete(cfg.RecursiveDelete),
	}

	if cfg.Journal != "" {
		journal, err := mirror.OpenJournal(cfg.Journal)
		if err != nil {
			return nil, &mirror.ConfigError{Op: "open journal", Path: cfg.Journal, Err: err}
		}
		d.journal = journal
		actuatorOpts = append(actuatorOpts, mirror.WithRecorder(journal))
	}

	coordCfg := mirror.CoordinatorConfig{
		Mappings: mappings,
		Filter:   filter,
		Actuator: mirror.NewActuator(actuatorOpts...),
		Interval: cfg.Interval(),
		Journal:  d.journal,
	}
	if cfg.Notify {
		coordCfg.Notifier = fswatch.NewNotifier(0)
	}

	d.coordinator, err = mirror.NewCoordinator(coordCfg)
	if err != nil {
		d.closeJournal()
		return nil, err
	}

	return d, nil
}

// NewFilter builds the exclusion filter for cfg, reading its exclude file and
// anchoring its entries and patterns at roots.
func NewFilter(cfg *config.Config, roots []string) (*mirror.ExclusionFilter, error) {
	paths, err := mirror.LoadExcludedPaths(cfg.ExcludeFiles, roots)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && cfg.ExcludeFilesOptional:
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("exclude file not found", "path", cfg.ExcludeFiles)
	default:
		return nil, &mirror.ConfigError{Op: "read exclude file", Path: cfg.ExcludeFiles, Err: err}
	}

	return mirror.NewExclusionFilter(mirror.ExclusionOptions{
		Extensions:   cfg.ExcludeExts,
		Paths:        paths,
		Patterns:     cfg.ExcludePatterns,
		Roots:        roots,
		StrictPrefix: cfg.StrictPrefix,
	})
}

func (d *Daemon) Mappings() []*mirror.PathMapping {
	return d.mappings
}

func (d *Daemon) Filter() *mirror.ExclusionFilter {
	return d.filter
}

// Start takes the instance lock, starts polling and blocks until ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.lock(); err != nil {
		d.closeJournal()
		return err
	}
	defer d.release()

	slog.Info("filemirror daemon start", "config", d.cfg.Path, "roots", len(d.mappings), "interval", d.cfg.Interval())

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := d.coordinator.Start(egCtx); err != nil {
			return fmt.Errorf("failed to start coordinator: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("received interrupt signal, stopping daemon")
		d.coordinator.Stop()
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("filemirror daemon failure", "error", err)
		return err
	}

	slog.Info("filemirror daemon stopped")
	return nil
}

// RunOnce takes the instance lock and runs a single pass over every root.
func (d *Daemon) RunOnce(ctx context.Context) error {
	if err := d.lock(); err != nil {
		d.closeJournal()
		return err
	}
	defer d.release()

	return d.coordinator.SyncOnce(ctx)
}

func (d *Daemon) lock() error {
	locked, err := d.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", d.flock.Path(), err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

func (d *Daemon) release() {
	d.closeJournal()

	if !d.flock.Locked() {
		return
	}
	if err := d.flock.Unlock(); err != nil {
		slog.Warn("failed to unlock", "path", d.flock.Path(), "error", err)
		return
	}
	if err := os.Remove(d.flock.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove lock file", "path", d.flock.Path(), "error", err)
	}
}

func (d *Daemon) closeJournal() {
	if d.journal == nil {
		return
	}
	if err := d.journal.Close(); err != nil {
		slog.Warn("failed to close journal", "error", err)
	}
	d.journal = nil
}

func lockPath(cfg *config.Config) string {
	dir := "."
	if cfg.Path != "" {
		dir = filepath.Dir(cfg.Path)
	}
	return filepath.Join(dir, LockFileName)
}
