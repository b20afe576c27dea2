package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/DioGolang/GoStore/pkg/logger"
	"github.com/DioGolang/GoStore/pkg/metrics"
	"github.com/DioGolang/GoStore/store"
	"github.com/Masterminds/squirrel"
)

// Context is a store.Context over database/sql. The *sql.DB is shared
// infrastructure owned by the caller; Close releases the session state
// only, never the pool. One Context serves one unit of work.
type Context struct {
	db  *sql.DB
	log logger.Logger
	met metrics.Metrics

	mu      sync.Mutex
	tx      *sql.Tx
	pending []store.Mutation
	tracked map[string]*store.Tracked
	closed  bool
}

type Option func(*Context)

func WithLogger(l logger.Logger) Option {
	return func(c *Context) { c.log = l }
}

func WithMetrics(m metrics.Metrics) Option {
	return func(c *Context) { c.met = m }
}

func New(db *sql.DB, opts ...Option) *Context {
	c := &Context{
		db:      db,
		log:     logger.NewNop(),
		met:     metrics.NewNoop(),
		tracked: make(map[string]*store.Tracked),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// runner returns the bound transaction when one is joined, the pool
// otherwise. Callers must hold c.mu.
func (c *Context) runner() execer {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

func (c *Context) acquire() (execer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, store.ErrClosed
	}
	return c.runner(), nil
}

func (c *Context) Query(ctx context.Context, q squirrel.SelectBuilder) (*sql.Rows, error) {
	ex, err := c.acquire()
	if err != nil {
		return nil, err
	}
	text, args, err := q.PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return nil, err
	}
	return ex.QueryContext(ctx, text, args...)
}

func (c *Context) Raw(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ex, err := c.acquire()
	if err != nil {
		return nil, err
	}
	return ex.QueryContext(ctx, query, args...)
}

func (c *Context) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	ex, err := c.acquire()
	if err != nil {
		return 0, err
	}
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *Context) Stage(m store.Mutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	if m.Kind == store.MutationUpdate {
		// A staged update carries every non-key column, so it supersedes
		// the tracked diff for the same row.
		if eq, ok := m.Where.(squirrel.Eq); ok {
			if t, ok := c.tracked[trackKey(m.Table, eq)]; ok {
				t.Snapshot = t.Current()
			}
		}
	}
	c.pending = append(c.pending, m)
	return nil
}

func (c *Context) Track(t store.Tracked) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	c.tracked[trackKey(t.Table, t.Key)] = &t
	return nil
}

// Flush applies the staged mutations in order, then the diffs of tracked
// entities. The change set survives a failed flush so the commit can be
// retried after the boundary rolls back. While joined to a boundary a
// successful flush keeps it too; only Accept, after the boundary commits,
// consumes it.
func (c *Context) Flush(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, store.ErrClosed
	}

	start := time.Now()
	ex := c.runner()

	var total int64
	for _, m := range c.pending {
		n, err := c.apply(ctx, ex, m)
		if err != nil {
			return 0, err
		}
		total += n
	}
	for _, t := range c.tracked {
		changed := diff(t.Snapshot, t.Current())
		if len(changed) == 0 {
			continue
		}
		n, err := c.apply(ctx, ex, store.Mutation{
			Kind:   store.MutationUpdate,
			Table:  t.Table,
			Values: changed,
			Where:  squirrel.Eq(t.Key),
		})
		if err != nil {
			return 0, err
		}
		total += n
	}

	if c.tx == nil {
		c.consume()
	}
	c.met.ObserveFlush(int(total), time.Since(start))
	c.log.Debug(ctx, "change set flushed", logger.Int64("affected", total))
	return total, nil
}

// Accept marks the flushed change set durable once the joined boundary
// has committed.
func (c *Context) Accept() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.consume()
}

// consume drops the pending mutations and rebases tracked snapshots on
// the now-durable state. Callers must hold c.mu.
func (c *Context) consume() {
	c.pending = nil
	for _, t := range c.tracked {
		t.Snapshot = t.Current()
	}
}

func (c *Context) apply(ctx context.Context, ex execer, m store.Mutation) (int64, error) {
	var (
		text string
		args []any
		err  error
	)
	switch m.Kind {
	case store.MutationInsert:
		text, args, err = squirrel.Insert(m.Table).SetMap(m.Values).
			PlaceholderFormat(squirrel.Dollar).ToSql()
	case store.MutationUpdate:
		text, args, err = squirrel.Update(m.Table).SetMap(m.Values).Where(m.Where).
			PlaceholderFormat(squirrel.Dollar).ToSql()
	case store.MutationDelete:
		text, args, err = squirrel.Delete(m.Table).Where(m.Where).
			PlaceholderFormat(squirrel.Dollar).ToSql()
	default:
		return 0, fmt.Errorf("unknown mutation kind %d", m.Kind)
	}
	if err != nil {
		return 0, err
	}
	res, err := ex.ExecContext(ctx, text, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *Context) Begin(ctx context.Context) (store.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, store.ErrClosed
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (c *Context) Join(tx store.Tx) error {
	st, ok := tx.(*Tx)
	if !ok {
		return store.ErrIncompatibleTx
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	if c.tx != nil {
		return store.ErrTxActive
	}
	c.tx = st.tx
	return nil
}

func (c *Context) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tx = nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.tx = nil
	c.pending = nil
	c.tracked = nil
	return nil
}

// Tx wraps a database/sql transaction as a shareable boundary handle.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *Tx) Rollback(context.Context) error { return t.tx.Rollback() }

func trackKey(table string, key map[string]any) string {
	k := table
	for _, c := range slices.Sorted(maps.Keys(key)) {
		k += fmt.Sprintf("|%s=%v", c, key[c])
	}
	return k
}

func diff(snapshot, current map[string]any) map[string]any {
	out := make(map[string]any)
	for col, cur := range current {
		if prev, ok := snapshot[col]; !ok || !equal(prev, cur) {
			out[col] = cur
		}
	}
	return out
}

func equal(a, b any) bool {
	if t, ok := a.(time.Time); ok {
		u, ok := b.(time.Time)
		return ok && t.Equal(u)
	}
	return reflect.DeepEqual(a, b)
}
