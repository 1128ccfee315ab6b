package core

// Row is a single result row keyed by column name. Values are whatever the
// underlying SQL driver produced for the column.
type Row map[string]any

// Rows is an ordered result set.
type Rows []Row

// ChangeOp identifies the kind of row-level effect a commit had on a
// subscribed result set.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is one committed row-level effect, keyed by the subscription's
// key column. Row is nil for OpDelete.
type ChangeEvent struct {
	Table     string
	Op        ChangeOp
	Key       any
	Row       Row
	CommitSeq uint64
}

// CommitNotice describes one committed transaction: the sequence number the
// leader assigned to it and the set of tables it touched. A table name of
// "*" means the touched set could not be narrowed and every table must be
// considered affected.
type CommitNotice struct {
	Seq    uint64
	Tables []string
}

// WildcardTable marks a commit whose touched tables could not be extracted.
const WildcardTable = "*"

// Statement is one parameterized SQL statement inside a transaction.
type Statement struct {
	SQL  string
	Args []any
}

// SubscriptionMode selects how a live query delivers its results.
type SubscriptionMode string

const (
	// ModeFull re-delivers the complete row set after each relevant commit.
	ModeFull SubscriptionMode = "full"
	// ModeIncremental delivers the complete row set plus a keyed diff
	// against the previously delivered rows. Requires a unique key column.
	ModeIncremental SubscriptionMode = "incremental"
	// ModeChanges delivers only the delta operations, one event per
	// affected key, with no snapshot. Requires a unique key column.
	ModeChanges SubscriptionMode = "changes"
)

// Valid reports whether the mode is one of the recognized modes.
func (m SubscriptionMode) Valid() bool {
	switch m {
	case ModeFull, ModeIncremental, ModeChanges:
		return true
	}
	return false
}

// NeedsKeyColumn reports whether the mode requires a unique key column for
// row identity.
func (m SubscriptionMode) NeedsKeyColumn() bool {
	return m == ModeIncremental || m == ModeChanges
}
