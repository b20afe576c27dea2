package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Masterminds/squirrel"
)

var (
	ErrNilContext     = errors.New("storage context is required")
	ErrClosed         = errors.New("storage context is closed")
	ErrIncompatibleTx = errors.New("transaction handle belongs to another backend")
	ErrTxActive       = errors.New("storage context is already bound to a transaction")
	ErrNoKey          = errors.New("entity type declares no primary key")
)

// Predicate filters rows. Any squirrel.Sqlizer works,
// e.g. squirrel.Eq{"status": "open"}.
type Predicate = squirrel.Sqlizer

type MutationKind int

const (
	MutationInsert MutationKind = iota
	MutationUpdate
	MutationDelete
)

// Mutation is one staged change. Where scopes updates and deletes and is
// ignored for inserts.
type Mutation struct {
	Kind   MutationKind
	Table  string
	Values map[string]any
	Where  Predicate
}

// Tracked is the snapshot of a loaded entity. On flush the context diffs
// Current() against Snapshot and persists only the columns that changed.
type Tracked struct {
	Table    string
	Key      map[string]any
	Snapshot map[string]any
	Current  func() map[string]any
}

// Tx is a transaction boundary handle. Every participant joined to the
// same handle commits or rolls back together.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Context is one logical session to a backing store. It owns the pending
// change set and the transaction boundary; a Context belongs to exactly
// one unit of work and must not be shared.
type Context interface {
	// Query evaluates a built select against the store.
	Query(ctx context.Context, q squirrel.SelectBuilder) (*sql.Rows, error)
	// Raw executes a parameterized query string. Parameters bind
	// positionally; never concatenate values into the text.
	Raw(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	// Exec runs a non-query statement and returns the affected row count.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// Stage appends a mutation to the pending change set.
	Stage(m Mutation) error
	// Track registers a loaded entity for diff-on-flush persistence.
	Track(t Tracked) error
	// Flush applies the pending change set through the bound transaction,
	// if any, and returns the total affected row count. Storage failures
	// propagate unchanged and leave the change set in place. While joined
	// to a boundary the change set also survives a successful flush, so a
	// rollback never loses it; it is consumed by Accept.
	Flush(ctx context.Context) (int64, error)
	// Accept consumes the flushed change set once the joined boundary has
	// committed. Outside a boundary Flush consumes it directly.
	Accept()

	// Begin opens a new transaction boundary on the underlying store.
	Begin(ctx context.Context) (Tx, error)
	// Join rebinds the context to an externally started boundary.
	Join(tx Tx) error
	// Leave detaches the context from its current boundary.
	Leave()

	// Close releases the session. Idempotent.
	Close() error
}
