package mirror

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func snapshotOf(entries map[string]Entry) *Snapshot {
	return &Snapshot{Root: "/src", Entries: entries}
}

func TestDiff_ModifyAndCreateBeforeDelete(t *testing.T) {
	t1 := time.Unix(1_700_000_000, 0)
	t2 := t1.Add(time.Second)

	prev := snapshotOf(map[string]Entry{"a": {Type: File, Size: 1, ModTime: t1}})
	cur := snapshotOf(map[string]Entry{
		"a": {Type: File, Size: 1, ModTime: t2},
		"b": {Type: Dir},
	})

	assert.Equal(t, []ChangeEvent{
		{Kind: Modify, RelPath: "a", Type: File},
		{Kind: Create, RelPath: "b", Type: Dir},
	}, Diff(prev, cur))
}

func TestDiff_FirstTickIsAllCreates(t *testing.T) {
	cur := snapshotOf(map[string]Entry{
		"docs":       {Type: Dir},
		"docs/a.md":  {Type: File, Size: 3},
		"docs/sub":   {Type: Dir},
		"docs/sub/b": {Type: File},
		"readme.txt": {Type: File},
	})

	events := Diff(nil, cur)
	assert.Len(t, events, len(cur.Entries))
	for _, ev := range events {
		assert.Equal(t, Create, ev.Kind, ev.RelPath)
	}

	// parents precede children
	assert.Equal(t, "docs", events[0].RelPath)
	assert.Equal(t, "docs/a.md", events[1].RelPath)
	assert.Equal(t, "docs/sub", events[2].RelPath)
	assert.Equal(t, "docs/sub/b", events[3].RelPath)
}

func TestDiff_DeletesChildrenBeforeParents(t *testing.T) {
	prev := snapshotOf(map[string]Entry{
		"keep":        {Type: File},
		"old":         {Type: Dir},
		"old/inner":   {Type: Dir},
		"old/inner/x": {Type: File},
		"old/y":       {Type: File},
	})
	cur := snapshotOf(map[string]Entry{
		"keep": {Type: File},
		"new":  {Type: File},
	})

	assert.Equal(t, []ChangeEvent{
		{Kind: Create, RelPath: "new", Type: File},
		{Kind: Delete, RelPath: "old/y", Type: File},
		{Kind: Delete, RelPath: "old/inner/x", Type: File},
		{Kind: Delete, RelPath: "old/inner", Type: Dir},
		{Kind: Delete, RelPath: "old", Type: Dir},
	}, Diff(prev, cur))
}

func TestDiff_DirectorySignalIsIgnored(t *testing.T) {
	prev := snapshotOf(map[string]Entry{"d": {Type: Dir, ModTime: time.Unix(1, 0)}})
	cur := snapshotOf(map[string]Entry{"d": {Type: Dir, ModTime: time.Unix(2, 0)}})

	assert.Empty(t, Diff(prev, cur))
}

func TestDiff_UnchangedIsEmpty(t *testing.T) {
	entries := map[string]Entry{"a": {Type: File, Size: 4, ModTime: time.Unix(5, 0)}}
	assert.Empty(t, Diff(snapshotOf(entries), snapshotOf(entries)))
}

func TestDiff_SizeOnlyChangeIsModify(t *testing.T) {
	ts := time.Unix(5, 0)
	prev := snapshotOf(map[string]Entry{"a": {Type: File, Size: 4, ModTime: ts}})
	cur := snapshotOf(map[string]Entry{"a": {Type: File, Size: 8, ModTime: ts}})

	assert.Equal(t, []ChangeEvent{{Kind: Modify, RelPath: "a", Type: File}}, Diff(prev, cur))
}

func TestDiff_TypeChange(t *testing.T) {
	prev := snapshotOf(map[string]Entry{"x": {Type: File}})
	cur := snapshotOf(map[string]Entry{"x": {Type: Dir}})

	assert.Equal(t, []ChangeEvent{
		{Kind: Create, RelPath: "x", Type: Dir},
		{Kind: Delete, RelPath: "x", Type: File},
	}, Diff(prev, cur))
}

func TestDiff_EverythingGone(t *testing.T) {
	prev := snapshotOf(map[string]Entry{"a": {Type: File}})

	assert.Equal(t, []ChangeEvent{{Kind: Delete, RelPath: "a", Type: File}}, Diff(prev, snapshotOf(nil)))
}

func TestChangeKind_String(t *testing.T) {
	assert.Equal(t, "create", Create.String())
	assert.Equal(t, "modify", Modify.String())
	assert.Equal(t, "delete", Delete.String())
	assert.Equal(t, "delete file a/b", ChangeEvent{Kind: Delete, RelPath: "a/b", Type: File}.String())
}
