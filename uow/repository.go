package uow

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"time"

	"github.com/DioGolang/GoStore/pkg/logger"
	"github.com/DioGolang/GoStore/store"
	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
)

// Repository is the typed facade over one entity collection inside a
// single storage context. It holds no state beyond that binding: reads go
// to the store, mutations are staged on the context and become durable at
// SaveChanges.
type Repository[E any] struct {
	st   store.Context
	desc *store.Descriptor[E]
	log  logger.Logger
	now  func() time.Time
}

func newRepository[E any](st store.Context, d *store.Descriptor[E], log logger.Logger) *Repository[E] {
	return &Repository[E]{st: st, desc: d, log: log, now: time.Now}
}

func (r *Repository[E]) selectBuilder(pred store.Predicate) squirrel.SelectBuilder {
	q := squirrel.Select(r.desc.SelectColumns()...).From(r.desc.Table())
	if pred != nil {
		q = q.Where(pred)
	}
	return q
}

// Query returns the matching entities (all of them for a nil predicate)
// as a detached, read-only view: mutating a returned entity touches
// nothing until it is explicitly passed to Update. The sequence is lazy
// and restartable, each range re-executes the query.
func (r *Repository[E]) Query(ctx context.Context, pred store.Predicate) iter.Seq2[*E, error] {
	return r.scan(ctx, pred, false)
}

// Where filters like Query but registers the returned entities with the
// storage context: mutating them in place is picked up by the next
// SaveChanges, no Update call needed. Entity types without a key field
// cannot be tracked and degrade to Query behavior.
func (r *Repository[E]) Where(ctx context.Context, pred store.Predicate) iter.Seq2[*E, error] {
	return r.scan(ctx, pred, true)
}

// Raw executes a parameterized query mapped onto E. Parameters bind
// positionally; never concatenate values into the query text.
func (r *Repository[E]) Raw(ctx context.Context, query string, args ...any) iter.Seq2[*E, error] {
	return func(yield func(*E, error) bool) {
		rows, err := r.st.Raw(ctx, query, args...)
		if err != nil {
			yield(nil, err)
			return
		}
		r.yieldRows(rows, false, yield)
	}
}

func (r *Repository[E]) scan(ctx context.Context, pred store.Predicate, track bool) iter.Seq2[*E, error] {
	return func(yield func(*E, error) bool) {
		rows, err := r.st.Query(ctx, r.selectBuilder(pred))
		if err != nil {
			yield(nil, err)
			return
		}
		r.yieldRows(rows, track, yield)
	}
}

func (r *Repository[E]) yieldRows(rows *sql.Rows, track bool, yield func(*E, error) bool) {
	defer rows.Close()
	rs := sqlscan.NewRowScanner(rows)
	for rows.Next() {
		e := new(E)
		if err := rs.Scan(e); err != nil {
			yield(nil, err)
			return
		}
		if track {
			if err := r.track(e); err != nil {
				yield(nil, err)
				return
			}
		}
		if !yield(e, nil) {
			return
		}
	}
	if err := rows.Err(); err != nil {
		yield(nil, err)
	}
}

func (r *Repository[E]) track(e *E) error {
	key, err := r.desc.KeyOf(e)
	if err != nil {
		if errors.Is(err, store.ErrNoKey) {
			return nil
		}
		return err
	}
	return r.st.Track(store.Tracked{
		Table:    r.desc.Table(),
		Key:      key,
		Snapshot: r.desc.Values(e),
		Current:  func() map[string]any { return r.desc.Values(e) },
	})
}

// FindByKey looks an entity up by primary key. Absence is a nil entity,
// not an error.
func (r *Repository[E]) FindByKey(ctx context.Context, keys ...any) (*E, error) {
	pred, err := r.desc.KeyPredicate(keys...)
	if err != nil {
		return nil, err
	}
	return r.First(ctx, pred)
}

// First returns the first match, or nil when nothing matched.
func (r *Repository[E]) First(ctx context.Context, pred store.Predicate) (*E, error) {
	rows, err := r.st.Query(ctx, r.selectBuilder(pred).Limit(1))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	e := new(E)
	if err := sqlscan.NewRowScanner(rows).Scan(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Exists reports whether any row matches the predicate.
func (r *Repository[E]) Exists(ctx context.Context, pred store.Predicate) (bool, error) {
	q := squirrel.Select("1").From(r.desc.Table()).Limit(1)
	if pred != nil {
		q = q.Where(pred)
	}
	rows, err := r.st.Query(ctx, q)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	if rows.Next() {
		return true, nil
	}
	return false, rows.Err()
}

// Insert stages the entities for creation, stamping Created on types that
// declare it. Nothing reaches the store until SaveChanges.
func (r *Repository[E]) Insert(entities ...*E) error {
	now := r.now()
	for _, e := range entities {
		r.desc.StampCreated(e, now)
		err := r.st.Stage(store.Mutation{
			Kind:   store.MutationInsert,
			Table:  r.desc.Table(),
			Values: r.desc.Values(e),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Update stamps ModifiedTime on every entity in the call and stages the
// changes.
func (r *Repository[E]) Update(entities ...*E) error {
	now := r.now()
	for _, e := range entities {
		r.desc.StampModified(e, now)
		key, err := r.desc.KeyOf(e)
		if err != nil {
			return err
		}
		err = r.st.Stage(store.Mutation{
			Kind:   store.MutationUpdate,
			Table:  r.desc.Table(),
			Values: r.desc.NonKeyValues(e),
			Where:  squirrel.Eq(key),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Delete stages removal of loaded entities.
func (r *Repository[E]) Delete(entities ...*E) error {
	for _, e := range entities {
		key, err := r.desc.KeyOf(e)
		if err != nil {
			return err
		}
		err = r.st.Stage(store.Mutation{
			Kind:  store.MutationDelete,
			Table: r.desc.Table(),
			Where: squirrel.Eq(key),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteByKey stages removal by primary key. Types with a key field get a
// stub staged directly, no fetch round trip. Types without one fall back
// to fetch-then-delete, where an absent row is a no-op.
func (r *Repository[E]) DeleteByKey(ctx context.Context, keys ...any) error {
	pred, err := r.desc.KeyPredicate(keys...)
	if err != nil {
		return err
	}
	stub, err := r.desc.NewWithKey(keys...)
	if err == nil {
		return r.Delete(stub)
	}
	if !errors.Is(err, store.ErrNoKey) {
		return err
	}

	e, err := r.First(ctx, pred)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	return r.st.Stage(store.Mutation{
		Kind:  store.MutationDelete,
		Table: r.desc.Table(),
		Where: pred,
	})
}
