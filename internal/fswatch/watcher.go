// Package fswatch turns recursive fsnotify events under a directory into
// coalesced wake-up signals for the polling loop.
package fswatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openmined/filemirror/internal/utils"
)

const defaultDebounce = 100 * time.Millisecond

var (
	ErrWatcherClosed = errors.New("watcher closed")
	ErrDirNotExist   = errors.New("directory to watch does not exist")
)

// Notifier hands out one wake-up channel per watched root.
type Notifier struct {
	debounce time.Duration
}

func NewNotifier(debounce time.Duration) *Notifier {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Notifier{debounce: debounce}
}

// Watch starts watching root recursively. The returned channel receives a value
// at most once per debounce window after something under root changed, and is
// closed when ctx is done or the underlying watcher fails.
func (n *Notifier) Watch(ctx context.Context, root string) (<-chan struct{}, error) {
	w, err := New(root)
	if err != nil {
		return nil, err
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer w.Close()
		w.run(ctx, n.debounce, wake)
	}()
	return wake, nil
}

// Watcher keeps an fsnotify watch on every directory below a root.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	isClosed bool
}

func New(root string) (*Watcher, error) {
	if !utils.DirExists(root) {
		return nil, ErrDirNotExist
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}

	w := &Watcher{root: root, watcher: fw}
	if err := w.addRecursive(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isClosed {
		return ErrWatcherClosed
	}
	w.isClosed = true
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context, debounce time.Duration, wake chan<- struct{}) {
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.handleEvent(event) {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("fswatch error", "root", w.root, "error", err)

		case <-timer.C:
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// handleEvent keeps the watch set in step with the tree and reports whether the event counts as a change.
func (w *Watcher) handleEvent(event fsnotify.Event) bool {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				slog.Debug("fswatch add failed", "path", event.Name, "error", err)
			}
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// removed directories drop their own watch; anything else is not watched
		if err := w.watcher.Remove(event.Name); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			slog.Debug("fswatch remove failed", "path", event.Name, "error", err)
		}
	}

	return true
}

func (w *Watcher) addRecursive(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isClosed {
		return ErrWatcherClosed
	}

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("walk dir: %w", err)
			}
			// raced with a delete
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("fsnotify add watch: %w", err)
			}
		}
		return nil
	})
}
