package mirror

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testInterval = 20 * time.Millisecond
	waitFor      = 5 * time.Second
	pollEvery    = 10 * time.Millisecond
)

func fileHas(path, want string) func() bool {
	return func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == want
	}
}

func gone(path string) func() bool {
	return func() bool {
		_, err := os.Lstat(path)
		return os.IsNotExist(err)
	}
}

func newCoordinator(t *testing.T, cfg CoordinatorConfig) *Coordinator {
	t.Helper()
	if cfg.Interval == 0 {
		cfg.Interval = testInterval
	}
	c, err := NewCoordinator(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestNewCoordinator_RequiresMappings(t *testing.T) {
	_, err := NewCoordinator(CoordinatorConfig{})
	assert.ErrorIs(t, err, ErrNoMappings)

	bad := &PathMapping{Watch: "/src", Syncs: []string{"/src/inner"}}
	_, err = NewCoordinator(CoordinatorConfig{Mappings: []*PathMapping{bad}})
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCoordinator_MirrorsLifecycle(t *testing.T) {
	m := newMapping(t, 2)
	writeFile(t, m.SourcePath("existing/a.txt"), "initial")

	filter, err := NewExclusionFilter(ExclusionOptions{
		Extensions: []string{"log"},
		Paths:      []string{m.SourcePath("private")},
	})
	require.NoError(t, err)

	c := newCoordinator(t, CoordinatorConfig{Mappings: []*PathMapping{m}, Filter: filter})
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Running())

	// initial sync
	for _, target := range m.Resolve("existing/a.txt") {
		require.Eventually(t, fileHas(target, "initial"), waitFor, pollEvery)
	}

	// create, excluded by extension and by path
	writeFile(t, m.SourcePath("new/b.txt"), "bee")
	writeFile(t, m.SourcePath("new/noise.log"), "noise")
	writeFile(t, m.SourcePath("private/secret.txt"), "secret")
	for _, target := range m.Resolve("new/b.txt") {
		require.Eventually(t, fileHas(target, "bee"), waitFor, pollEvery)
	}

	// modify with a different size so coarse mtimes cannot hide it
	writeFile(t, m.SourcePath("existing/a.txt"), "changed content")
	for _, target := range m.Resolve("existing/a.txt") {
		require.Eventually(t, fileHas(target, "changed content"), waitFor, pollEvery)
	}

	// delete a whole directory
	require.NoError(t, os.RemoveAll(m.SourcePath("new")))
	for _, target := range m.Resolve("new") {
		require.Eventually(t, gone(target), waitFor, pollEvery)
	}

	for _, target := range m.Resolve("new/noise.log") {
		assert.NoFileExists(t, target)
	}
	for _, target := range m.Resolve("private") {
		assert.NoDirExists(t, target)
	}

	c.Stop()
	assert.False(t, c.Running())
}

func TestCoordinator_StartIsIdempotentAndRestartable(t *testing.T) {
	m := newMapping(t, 1)
	c := newCoordinator(t, CoordinatorConfig{Mappings: []*PathMapping{m}})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.SyncOnce(ctx), ErrAlreadyRunning)

	c.Stop()
	c.Stop()

	writeFile(t, m.SourcePath("after-restart.txt"), "x")
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, fileHas(m.Resolve("after-restart.txt")[0], "x"), waitFor, pollEvery)
}

func TestCoordinator_StopHaltsMirroring(t *testing.T) {
	m := newMapping(t, 1)
	c := newCoordinator(t, CoordinatorConfig{Mappings: []*PathMapping{m}})

	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	writeFile(t, m.SourcePath("late.txt"), "late")
	time.Sleep(10 * testInterval)
	assert.NoFileExists(t, m.Resolve("late.txt")[0])
}

func TestCoordinator_RootsAreIndependent(t *testing.T) {
	m1 := newMapping(t, 1)
	m2 := newMapping(t, 1)

	c := newCoordinator(t, CoordinatorConfig{Mappings: []*PathMapping{m1, m2}})
	require.NoError(t, c.Start(context.Background()))

	writeFile(t, m1.SourcePath("one.txt"), "1")
	writeFile(t, m2.SourcePath("two.txt"), "2")

	require.Eventually(t, fileHas(m1.Resolve("one.txt")[0], "1"), waitFor, pollEvery)
	require.Eventually(t, fileHas(m2.Resolve("two.txt")[0], "2"), waitFor, pollEvery)
	assert.NoFileExists(t, filepath.Join(m2.Syncs[0], "one.txt"))
}

func TestCoordinator_UnreadableRootKeepsTargets(t *testing.T) {
	m := newMapping(t, 1)
	writeFile(t, m.SourcePath("a.txt"), "a")

	c := newCoordinator(t, CoordinatorConfig{Mappings: []*PathMapping{m}})
	ctx := context.Background()
	require.NoError(t, c.SyncOnce(ctx))
	require.FileExists(t, m.Resolve("a.txt")[0])

	moved := m.Watch + ".moved"
	require.NoError(t, os.Rename(m.Watch, moved))
	assert.Error(t, c.SyncOnce(ctx))
	assert.FileExists(t, m.Resolve("a.txt")[0], "a missing root is not a mass delete")

	require.NoError(t, os.Rename(moved, m.Watch))
	require.NoError(t, c.SyncOnce(ctx))
	assert.FileExists(t, m.Resolve("a.txt")[0])
}

func TestCoordinator_TickOrdersEvents(t *testing.T) {
	m := newMapping(t, 1)
	writeFile(t, m.SourcePath("d/x.txt"), "x")

	c := newCoordinator(t, CoordinatorConfig{Mappings: []*PathMapping{m}})
	r := c.roots[0]
	ctx := context.Background()

	events, err := c.tick(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []ChangeEvent{
		{Kind: Create, RelPath: "d", Type: Dir},
		{Kind: Create, RelPath: "d/x.txt", Type: File},
	}, events)

	// rename d -> e is a create of the new tree then a delete of the old one
	require.NoError(t, os.Rename(m.SourcePath("d"), m.SourcePath("e")))
	events, err = c.tick(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []ChangeEvent{
		{Kind: Create, RelPath: "e", Type: Dir},
		{Kind: Create, RelPath: "e/x.txt", Type: File},
		{Kind: Delete, RelPath: "d/x.txt", Type: File},
		{Kind: Delete, RelPath: "d", Type: Dir},
	}, events)

	assert.NoDirExists(t, m.Resolve("d")[0], "children go first so the single-level delete succeeds")
	assert.Equal(t, "x", readFile(t, m.Resolve("e/x.txt")[0]))
}

func TestCoordinator_TypeFlipWithJournalSettles(t *testing.T) {
	m := newMapping(t, 1)
	j := openJournal(t)
	writeFile(t, m.SourcePath("x/y"), "child")

	c := newCoordinator(t, CoordinatorConfig{
		Mappings: []*PathMapping{m},
		Actuator: NewActuator(WithRecorder(j)),
		Journal:  j,
	})
	r := c.roots[0]
	ctx := context.Background()

	_, err := c.tick(ctx, r)
	require.NoError(t, err)
	_, ok, err := j.Get(m.Syncs[0], "x/y")
	require.NoError(t, err)
	require.True(t, ok)

	// directory x becomes a file x
	require.NoError(t, os.RemoveAll(m.SourcePath("x")))
	writeFile(t, m.SourcePath("x"), "file now")

	events, err := c.tick(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []ChangeEvent{
		{Kind: Create, RelPath: "x", Type: File},
		{Kind: Delete, RelPath: "x/y", Type: File},
		{Kind: Delete, RelPath: "x", Type: Dir},
	}, events)
	assert.Equal(t, "file now", readFile(t, m.Resolve("x")[0]))

	_, ok, err = j.Get(m.Syncs[0], "x/y")
	require.NoError(t, err)
	assert.False(t, ok, "the delete below the replaced directory counts as done")

	for range 3 {
		events, err = c.tick(ctx, r)
		require.NoError(t, err)
		assert.Empty(t, events)
	}
}

// sleepRecorder makes every file write of a tick take at least delay.
type sleepRecorder struct {
	delay time.Duration
}

func (r sleepRecorder) RecordWrite(string, string, Entry) error {
	time.Sleep(r.delay)
	return nil
}

func (r sleepRecorder) RecordDelete(string, string) error { return nil }

// gateRecorder holds a tick inside its first file write until release is closed.
type gateRecorder struct {
	entered chan struct{}
	release chan struct{}
}

func (r *gateRecorder) RecordWrite(string, string, Entry) error {
	select {
	case r.entered <- struct{}{}:
	default:
	}
	<-r.release
	return nil
}

func (r *gateRecorder) RecordDelete(string, string) error { return nil }

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCoordinator_OverrunDropsQueuedBeat(t *testing.T) {
	logs := captureLogs(t)
	m := newMapping(t, 1)
	writeFile(t, m.SourcePath("a.txt"), "a")

	c := newCoordinator(t, CoordinatorConfig{
		Mappings: []*PathMapping{m},
		Actuator: NewActuator(WithRecorder(sleepRecorder{delay: 5 * testInterval})),
	})

	beats := make(chan time.Time, 1)
	beats <- time.Now()
	c.runTick(context.Background(), c.roots[0], beats)

	assert.Empty(t, beats, "a beat that came due during a slow tick is skipped")
	assert.Contains(t, logs.String(), "tick overran interval")
	assert.Contains(t, logs.String(), "skipped=")
	assert.Equal(t, "a", readFile(t, m.Resolve("a.txt")[0]))
}

func TestCoordinator_FastTickKeepsBeat(t *testing.T) {
	m := newMapping(t, 1)
	c := newCoordinator(t, CoordinatorConfig{Mappings: []*PathMapping{m}, Interval: time.Hour})

	beats := make(chan time.Time, 1)
	beats <- time.Now()
	c.runTick(context.Background(), c.roots[0], beats)

	assert.Len(t, beats, 1)
}

func TestCoordinator_TicksOfOneRootNeverOverlap(t *testing.T) {
	m := newMapping(t, 1)
	writeFile(t, m.SourcePath("a.txt"), "a")
	gate := &gateRecorder{entered: make(chan struct{}, 1), release: make(chan struct{})}

	c := newCoordinator(t, CoordinatorConfig{
		Mappings: []*PathMapping{m},
		Actuator: NewActuator(WithRecorder(gate)),
	})
	r := c.roots[0]
	ctx := context.Background()

	first := make(chan []ChangeEvent, 1)
	go func() {
		events, _ := c.tick(ctx, r)
		first <- events
	}()

	select {
	case <-gate.entered:
	case <-time.After(waitFor):
		t.Fatal("first tick never reached the write")
	}

	// the first tick still holds the root
	events, err := c.tick(ctx, r)
	require.NoError(t, err)
	assert.Nil(t, events)

	close(gate.release)
	select {
	case events := <-first:
		assert.Equal(t, []ChangeEvent{{Kind: Create, RelPath: "a.txt", Type: File}}, events)
	case <-time.After(waitFor):
		t.Fatal("first tick did not finish")
	}
}

type chanNotifier struct {
	ch chan struct{}
}

func (n *chanNotifier) Watch(ctx context.Context, root string) (<-chan struct{}, error) {
	return n.ch, nil
}

func TestCoordinator_NotifierWakesEarly(t *testing.T) {
	m := newMapping(t, 1)
	n := &chanNotifier{ch: make(chan struct{}, 1)}

	// an interval long enough that only the wake-up can explain the second mirror
	c := newCoordinator(t, CoordinatorConfig{Mappings: []*PathMapping{m}, Interval: time.Hour, Notifier: n})
	require.NoError(t, c.Start(context.Background()))

	writeFile(t, m.SourcePath("woken.txt"), "w")
	require.Eventually(t, func() bool {
		select {
		case n.ch <- struct{}{}:
		default:
		}
		return fileHas(m.Resolve("woken.txt")[0], "w")()
	}, waitFor, pollEvery)
}
