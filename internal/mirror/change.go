package mirror

import (
	"fmt"
	"sort"
)

type ChangeKind uint8

const (
	Create ChangeKind = iota
	Modify
	Delete
)

func (k ChangeKind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("ChangeKind(%d)", uint8(k))
	}
}

// ChangeEvent is one detected change inside the watch root with index Root.
type ChangeEvent struct {
	Kind    ChangeKind
	RelPath string
	Type    EntryType
	Root    int
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s %s", e.Kind, e.Type, e.RelPath)
}

// Diff compares two snapshots of the same root. A nil prev diffs against an
// empty tree, so the whole of cur comes back as creates.
//
// Creates and modifies come first, sorted so parents precede children. Deletes
// follow, sorted so children precede parents. A path whose type flipped between
// file and dir produces a create of the new type and a delete of the old one.
func Diff(prev, cur *Snapshot) []ChangeEvent {
	var upserts, deletes []ChangeEvent

	if cur != nil {
		for path, now := range cur.Entries {
			var before Entry
			var existed bool
			if prev != nil {
				before, existed = prev.Entries[path]
			}

			switch {
			case !existed:
				upserts = append(upserts, ChangeEvent{Kind: Create, RelPath: path, Type: now.Type})
			case before.Type != now.Type:
				upserts = append(upserts, ChangeEvent{Kind: Create, RelPath: path, Type: now.Type})
				deletes = append(deletes, ChangeEvent{Kind: Delete, RelPath: path, Type: before.Type})
			case now.Type == File && !before.SameSignal(now):
				upserts = append(upserts, ChangeEvent{Kind: Modify, RelPath: path, Type: File})
			}
		}
	}

	if prev != nil {
		for path, before := range prev.Entries {
			if cur != nil {
				if _, ok := cur.Entries[path]; ok {
					continue
				}
			}
			deletes = append(deletes, ChangeEvent{Kind: Delete, RelPath: path, Type: before.Type})
		}
	}

	sort.Slice(upserts, func(i, j int) bool { return upserts[i].RelPath < upserts[j].RelPath })
	sort.Slice(deletes, func(i, j int) bool { return deletes[i].RelPath > deletes[j].RelPath })

	return append(upserts, deletes...)
}
