package uow

import (
	"context"
	"iter"
	"reflect"
	"sync"
	"time"

	"github.com/DioGolang/GoStore/pkg/logger"
	"github.com/DioGolang/GoStore/pkg/metrics"
	"github.com/DioGolang/GoStore/store"
	"github.com/georgysavva/scany/v2/sqlscan"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// UnitOfWork owns exactly one storage context, vends one cached
// repository per entity type and coordinates the commit, optionally
// spanning peer units under a single transaction boundary.
type UnitOfWork struct {
	st     store.Context
	log    logger.Logger
	met    metrics.Metrics
	tracer trace.Tracer

	mu     sync.Mutex
	repos  map[reflect.Type]any
	closed bool
}

type Option func(*UnitOfWork)

func WithLogger(l logger.Logger) Option {
	return func(u *UnitOfWork) { u.log = l }
}

func WithMetrics(m metrics.Metrics) Option {
	return func(u *UnitOfWork) { u.met = m }
}

// New binds a unit of work to its storage context. The context must not
// be shared with another unit.
func New(st store.Context, opts ...Option) (*UnitOfWork, error) {
	if st == nil {
		return nil, store.ErrNilContext
	}
	u := &UnitOfWork{
		st:     st,
		log:    logger.NewNop(),
		met:    metrics.NewNoop(),
		tracer: otel.Tracer("gostore/uow"),
		repos:  make(map[reflect.Type]any),
	}
	for _, o := range opts {
		o(u)
	}
	return u, nil
}

// ContextAs narrows the storage context to a concrete capability type.
// An incompatible context yields the zero value and false, not an error.
func ContextAs[T any](u *UnitOfWork) (T, bool) {
	t, ok := u.st.(T)
	return t, ok
}

// RepositoryFor returns the unit's repository for E, building it on first
// use. Repeat calls return the identical instance for the unit's whole
// lifetime.
func RepositoryFor[E any](u *UnitOfWork, d *store.Descriptor[E]) *Repository[E] {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.repos == nil {
		// After Close; operations on the repository fail with ErrClosed.
		return newRepository(u.st, d, u.log)
	}
	t := reflect.TypeFor[E]()
	if r, ok := u.repos[t]; ok {
		return r.(*Repository[E])
	}
	r := newRepository(u.st, d, u.log)
	u.repos[t] = r
	return r
}

// ExecCommand runs a non-query statement and returns the affected rows.
func (u *UnitOfWork) ExecCommand(ctx context.Context, query string, args ...any) (int64, error) {
	if u.isClosed() {
		return 0, store.ErrClosed
	}
	return u.st.Exec(ctx, query, args...)
}

// QueryAs runs a raw query on the unit's context and maps the rows onto
// an arbitrary result shape T, not necessarily an entity. Lazy and
// restartable, like Repository.Query.
func QueryAs[T any](ctx context.Context, u *UnitOfWork, query string, args ...any) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		if u.isClosed() {
			yield(nil, store.ErrClosed)
			return
		}
		rows, err := u.st.Raw(ctx, query, args...)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rows.Close()
		rs := sqlscan.NewRowScanner(rows)
		for rows.Next() {
			t := new(T)
			if err := rs.Scan(t); err != nil {
				yield(nil, err)
				return
			}
			if !yield(t, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// SaveChanges flushes every staged change of this unit, and of the given
// peers, inside one transaction boundary opened on this unit's store.
// Peers flush strictly first, in the order given, then the owning unit;
// the result is the total affected count across all participants. On any
// failure the whole boundary rolls back and the causing error is returned
// untouched, so a non-nil error always means nothing was committed
// anywhere. Concurrent calls with overlapping participants must be
// serialized by the caller.
func (u *UnitOfWork) SaveChanges(ctx context.Context, peers ...*UnitOfWork) (int64, error) {
	if u.isClosed() {
		return 0, store.ErrClosed
	}

	ctx, span := u.tracer.Start(ctx, "uow.SaveChanges",
		trace.WithAttributes(attribute.Int("participants", len(peers)+1)))
	defer span.End()

	start := time.Now()
	tx, err := u.st.Begin(ctx)
	if err != nil {
		return 0, err
	}

	joined := make([]store.Context, 0, len(peers)+1)
	defer func() {
		for _, c := range joined {
			c.Leave()
		}
	}()

	if err := u.st.Join(tx); err != nil {
		u.rollback(ctx, tx)
		return 0, err
	}
	joined = append(joined, u.st)

	for _, p := range peers {
		if p.isClosed() {
			u.abort(ctx, tx, span, start, len(peers), store.ErrClosed)
			return 0, store.ErrClosed
		}
		if err := p.st.Join(tx); err != nil {
			u.abort(ctx, tx, span, start, len(peers), err)
			return 0, err
		}
		joined = append(joined, p.st)
	}

	var total int64
	for _, p := range peers {
		n, err := p.st.Flush(ctx)
		if err != nil {
			u.abort(ctx, tx, span, start, len(peers), err)
			return 0, err
		}
		total += n
	}
	n, err := u.st.Flush(ctx)
	if err != nil {
		u.abort(ctx, tx, span, start, len(peers), err)
		return 0, err
	}
	total += n

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		u.met.RecordCommit(len(peers)+1, false, time.Since(start))
		return 0, err
	}

	// Change sets are consumed only now: an abort anywhere above leaves
	// every participant's staged work in place for retry.
	for _, c := range joined {
		c.Accept()
	}

	u.met.RecordCommit(len(peers)+1, true, time.Since(start))
	u.log.Debug(ctx, "changes committed",
		logger.Int("participants", len(peers)+1),
		logger.Int64("affected", total),
	)
	return total, nil
}

// abort rolls the boundary back without disturbing the causing error. A
// rollback failure is logged, never returned in place of the cause.
func (u *UnitOfWork) abort(ctx context.Context, tx store.Tx, span trace.Span, start time.Time, peers int, cause error) {
	u.rollback(ctx, tx)
	u.met.RecordCommit(peers+1, false, time.Since(start))
	span.RecordError(cause)
}

func (u *UnitOfWork) rollback(ctx context.Context, tx store.Tx) {
	if err := tx.Rollback(ctx); err != nil {
		u.log.Error(ctx, "rollback failed", logger.WithError(err))
	}
	u.met.RecordRollback()
}

// Close releases the storage context and drops the repository cache.
// Safe to call repeatedly; later calls are no-ops.
func (u *UnitOfWork) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.repos = nil
	return u.st.Close()
}

func (u *UnitOfWork) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}
