package reactive

import (
	"fmt"
	"reflect"

	"github.com/INLOpen/nexuslocal/core"
)

// Diff is the keyed set-difference between two delivered row sets. The full
// current row set always accompanies it; the diff is metadata that lets a
// caller apply a patch instead of replacing wholesale.
type Diff struct {
	Inserted core.Rows
	Updated  core.Rows
	Deleted  []any // key values of rows no longer present
}

// Empty reports whether the diff carries no changes.
func (d *Diff) Empty() bool {
	return len(d.Inserted) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// keyedRows indexes a row set by the string form of its key column value.
// Insertion order of keys is preserved so diffs come out deterministic.
type keyedRows struct {
	order []string
	rows  map[string]core.Row
	keys  map[string]any // original key value, for delete events
}

func keyRows(rows core.Rows, keyColumn string) (*keyedRows, error) {
	k := &keyedRows{
		rows: make(map[string]core.Row, len(rows)),
		keys: make(map[string]any, len(rows)),
	}
	for _, row := range rows {
		keyValue, ok := row[keyColumn]
		if !ok {
			return nil, fmt.Errorf("key column %q missing from result row", keyColumn)
		}
		id := fmt.Sprint(keyValue)
		if _, dup := k.rows[id]; dup {
			return nil, fmt.Errorf("key column %q is not unique: duplicate value %v", keyColumn, keyValue)
		}
		k.order = append(k.order, id)
		k.rows[id] = row
		k.keys[id] = keyValue
	}
	return k, nil
}

// diffKeyed computes the keyed difference from prev to next.
func diffKeyed(prev, next *keyedRows) *Diff {
	d := &Diff{}
	for _, id := range next.order {
		row := next.rows[id]
		old, existed := prev.rows[id]
		switch {
		case !existed:
			d.Inserted = append(d.Inserted, row)
		case !reflect.DeepEqual(old, row):
			d.Updated = append(d.Updated, row)
		}
	}
	for _, id := range prev.order {
		if _, still := next.rows[id]; !still {
			d.Deleted = append(d.Deleted, prev.keys[id])
		}
	}
	return d
}

// changeEvents renders a diff as one event per affected key. table is the
// subscription's single referenced table when that is unambiguous.
func changeEvents(d *Diff, table, keyColumn string, commitSeq uint64) []core.ChangeEvent {
	var events []core.ChangeEvent
	for _, row := range d.Inserted {
		events = append(events, core.ChangeEvent{
			Table: table, Op: core.OpInsert, Key: row[keyColumn], Row: row, CommitSeq: commitSeq,
		})
	}
	for _, row := range d.Updated {
		events = append(events, core.ChangeEvent{
			Table: table, Op: core.OpUpdate, Key: row[keyColumn], Row: row, CommitSeq: commitSeq,
		})
	}
	for _, key := range d.Deleted {
		events = append(events, core.ChangeEvent{
			Table: table, Op: core.OpDelete, Key: key, CommitSeq: commitSeq,
		})
	}
	return events
}
