package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultInterval = 2 * time.Second

// Notifier wakes a root's loop early when something below the root changed.
// The poll still decides what changed; a notifier only shortens the wait.
type Notifier interface {
	Watch(ctx context.Context, root string) (<-chan struct{}, error)
}

type CoordinatorConfig struct {
	Mappings []*PathMapping
	Filter   *ExclusionFilter
	Actuator *Actuator
	Interval time.Duration
	// Journal is optional. When set, targets that missed a write are repaired on later ticks.
	Journal *Journal
	// Notifier is optional.
	Notifier Notifier
}

// Coordinator polls every watch root on its own goroutine and mirrors what changed.
// States are Stopped and Running; Start and Stop move between them and may be repeated.
type Coordinator struct {
	cfg   CoordinatorConfig
	roots []*rootWatch

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// rootWatch is the per-root state. prev is only touched by the goroutine running that root.
type rootWatch struct {
	index   int
	mapping *PathMapping
	prev    *Snapshot
	tickMu  sync.Mutex
}

// NewCoordinator validates every mapping and fills in the default interval and actuator.
// The coordinator starts out stopped.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if len(cfg.Mappings) == 0 {
		return nil, &ConfigError{Op: "coordinator", Err: ErrNoMappings}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Actuator == nil {
		cfg.Actuator = NewActuator()
	}

	c := &Coordinator{cfg: cfg}
	for i, m := range cfg.Mappings {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		c.roots = append(c.roots, &rootWatch{index: i, mapping: m})
	}
	return c, nil
}

func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start launches one polling loop per watch root and returns. The first tick of
// every root runs immediately, which mirrors the whole existing tree. Calling
// Start while running does nothing.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	wakeups := make([]<-chan struct{}, len(c.roots))
	if c.cfg.Notifier != nil {
		for i, r := range c.roots {
			ch, err := c.cfg.Notifier.Watch(runCtx, r.mapping.Watch)
			if err != nil {
				// polling alone still converges
				slog.Warn("change notifications unavailable", "root", r.mapping.Watch, "error", err)
				continue
			}
			wakeups[i] = ch
		}
	}

	c.cancel = cancel
	c.running = true

	for i, r := range c.roots {
		slog.Info("watch start", "root", r.mapping.Watch, "syncs", r.mapping.Syncs, "interval", c.cfg.Interval)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.loop(runCtx, r, wakeups[i])
		}()
	}

	return nil
}

// Stop cancels every loop and waits for ticks already in progress to finish.
// Snapshots are dropped, so a later Start mirrors everything again.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	for _, r := range c.roots {
		r.prev = nil
	}
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	slog.Info("watch stopped")
}

// SyncOnce runs a single capture, diff and apply pass over every root in turn.
func (c *Coordinator) SyncOnce(ctx context.Context) error {
	if c.Running() {
		return ErrAlreadyRunning
	}

	var errs []error
	for _, r := range c.roots {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.tick(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) loop(ctx context.Context, r *rootWatch, wakeup <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.runTick(ctx, r, ticker.C)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-wakeup:
			if !ok {
				// notifier gone, keep polling
				wakeup = nil
				continue
			}
		}
		c.runTick(ctx, r, ticker.C)
	}
}

// runTick runs one tick and then throws away ticks that came due while it
// worked, so a slow root skips beats instead of running back to back.
func (c *Coordinator) runTick(ctx context.Context, r *rootWatch, beats <-chan time.Time) {
	start := time.Now()
	if _, err := c.tick(ctx, r); err != nil {
		slog.Error("tick failed", "root", r.mapping.Watch, "error", err)
	}

	elapsed := time.Since(start)
	if elapsed <= c.cfg.Interval {
		return
	}
	select {
	case <-beats:
	default:
	}
	slog.Warn("tick overran interval", "root", r.mapping.Watch, "took", elapsed, "interval", c.cfg.Interval,
		"skipped", int(elapsed/c.cfg.Interval))
}

// tick captures the root, diffs it against the previous capture and applies the
// events. The snapshot is only kept when the capture succeeded, so an
// unreadable root is never mistaken for an empty one.
func (c *Coordinator) tick(ctx context.Context, r *rootWatch) ([]ChangeEvent, error) {
	if !r.tickMu.TryLock() {
		return nil, nil
	}
	defer r.tickMu.Unlock()

	log := slog.With("root", r.mapping.Watch, "cycle", uuid.NewString()[:8])
	ctx = withLogger(ctx, log)
	tStart := time.Now()

	cur, err := Capture(r.mapping.Watch)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	tCapture := time.Since(tStart)

	events := Diff(r.prev, cur)
	r.prev = cur

	if c.cfg.Journal != nil {
		repairs, err := c.cfg.Journal.Repairs(r.mapping, cur, events)
		if err != nil {
			log.Warn("journal repairs unavailable", "error", err)
		}
		for _, ev := range repairs {
			if c.cfg.Filter.IsExcluded(r.mapping.SourcePath(ev.RelPath), ev.Type) || !c.cfg.Actuator.Monitors(ev.Kind) {
				continue
			}
			log.Debug("repair", "op", ev.Kind, "path", ev.RelPath)
			events = append(events, ev)
		}
	}

	failed := 0
	for i := range events {
		events[i].Root = r.index
		if errs := c.cfg.Actuator.Apply(ctx, events[i], r.mapping, c.cfg.Filter); len(errs) > 0 {
			failed += len(errs)
		}
	}

	if len(events) > 0 || failed > 0 {
		log.Info("tick",
			"entries", cur.Len(),
			"events", len(events),
			"failed", failed,
			"tsCapture", tCapture,
			"tsTotal", time.Since(tStart),
		)
	} else {
		log.Debug("tick", "entries", cur.Len(), "tsTotal", time.Since(tStart))
	}

	return events, nil
}
