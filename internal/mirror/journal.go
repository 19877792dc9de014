package mirror

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/filemirror/internal/db"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS mirror_journal (
    target TEXT NOT NULL,
    path TEXT NOT NULL,
    size INTEGER NOT NULL,
    mod_time INTEGER NOT NULL, -- unix nanoseconds
    PRIMARY KEY (target, path)
);
`

type journalRow struct {
	Target  string `db:"target"`
	Path    string `db:"path"`
	Size    int64  `db:"size"`
	ModTime int64  `db:"mod_time"`
}

// Journal remembers, per sync target and relative path, the source signal of
// the last file copy that succeeded. It lets a tick notice targets that missed
// a write even when the source has not changed since.
type Journal struct {
	db   *sqlx.DB
	path string
}

// OpenJournal opens the journal at path, or an in-memory one when path is empty.
func OpenJournal(path string) (*Journal, error) {
	opts := []db.Option{db.WithMaxOpenConns(1)}
	if path != "" {
		opts = append(opts, db.WithPath(path))
	}

	conn, err := db.NewSqliteDB(opts...)
	if err != nil {
		return nil, fmt.Errorf("open mirror journal: %w", err)
	}

	if _, err := conn.Exec(journalSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init mirror journal schema: %w", err)
	}

	return &Journal{db: conn, path: path}, nil
}

func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close mirror journal: %w", err)
	}
	slog.Debug("mirror journal closed", "path", j.path)
	return nil
}

func (j *Journal) RecordWrite(target, relPath string, signal Entry) error {
	row := journalRow{
		Target:  target,
		Path:    relPath,
		Size:    signal.Size,
		ModTime: signal.ModTime.UnixNano(),
	}
	_, err := j.db.NamedExec(`INSERT OR REPLACE INTO mirror_journal (target, path, size, mod_time)
		VALUES (:target, :path, :size, :mod_time)`, row)
	if err != nil {
		return fmt.Errorf("journal write %s: %w", relPath, err)
	}
	return nil
}

func (j *Journal) RecordDelete(target, relPath string) error {
	if _, err := j.db.Exec("DELETE FROM mirror_journal WHERE target = ? AND path = ?", target, relPath); err != nil {
		return fmt.Errorf("journal delete %s: %w", relPath, err)
	}
	return nil
}

// Get returns the recorded signal for one target and path.
func (j *Journal) Get(target, relPath string) (Entry, bool, error) {
	var rows []journalRow
	err := j.db.Select(&rows, "SELECT target, path, size, mod_time FROM mirror_journal WHERE target = ? AND path = ?", target, relPath)
	if err != nil {
		return Entry{}, false, fmt.Errorf("journal get %s: %w", relPath, err)
	}
	if len(rows) == 0 {
		return Entry{}, false, nil
	}
	return rows[0].entry(), true, nil
}

// Repairs compares the current snapshot of mapping's root against what each
// target last received and returns file events that bring lagging targets up
// to date. Paths already covered by pending are skipped.
func (j *Journal) Repairs(mapping *PathMapping, snap *Snapshot, pending []ChangeEvent) ([]ChangeEvent, error) {
	if len(mapping.Syncs) == 0 || snap == nil {
		return nil, nil
	}

	query, args, err := sqlx.In("SELECT target, path, size, mod_time FROM mirror_journal WHERE target IN (?)", mapping.Syncs)
	if err != nil {
		return nil, fmt.Errorf("journal repairs query: %w", err)
	}
	var rows []journalRow
	if err := j.db.Select(&rows, j.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("journal repairs: %w", err)
	}

	// per path, the set of targets holding the current signal
	upToDate := make(map[string]int, len(rows))
	stale := make(map[string]bool)
	for _, row := range rows {
		cur, ok := snap.Entries[row.Path]
		switch {
		case !ok || cur.Type != File:
			stale[row.Path] = true
		case cur.SameSignal(row.entry()):
			upToDate[row.Path]++
		}
	}

	skip := make(map[string]struct{}, len(pending))
	for _, ev := range pending {
		skip[ev.RelPath] = struct{}{}
	}

	var repairs []ChangeEvent
	for path, entry := range snap.Entries {
		if entry.Type != File {
			continue
		}
		if _, ok := skip[path]; ok {
			continue
		}
		if upToDate[path] < len(mapping.Syncs) {
			repairs = append(repairs, ChangeEvent{Kind: Modify, RelPath: path, Type: File})
		}
	}
	for path := range stale {
		if _, ok := skip[path]; ok {
			continue
		}
		if cur, ok := snap.Entries[path]; ok && cur.Type == File {
			continue
		}
		repairs = append(repairs, ChangeEvent{Kind: Delete, RelPath: path, Type: File})
	}

	return repairs, nil
}

func (r journalRow) entry() Entry {
	return Entry{Type: File, Size: r.Size, ModTime: time.Unix(0, r.ModTime)}
}
