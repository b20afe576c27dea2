package uow_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DioGolang/GoStore/store"
	"github.com/DioGolang/GoStore/store/sqlstore"
	"github.com/DioGolang/GoStore/uow"
	"github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type order struct {
	ID           string    `db:"id,pk"`
	Customer     string    `db:"customer"`
	Total        float64   `db:"total"`
	Created      time.Time `db:"created"`
	ModifiedTime time.Time `db:"modified_time"`
}

type invoice struct {
	ID      string  `db:"id,pk"`
	OrderID string  `db:"order_id"`
	Amount  float64 `db:"amount"`
}

type ledgerLine struct {
	Ref  string `db:"ref"`
	Note string `db:"note"`
}

var (
	orders   = store.MustDescribe[order]("orders")
	invoices = store.MustDescribe[invoice]("invoices")
	ledger   = store.MustDescribe[ledgerLine]("ledger_lines", store.WithKeyColumns("ref"))
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE orders (
			id TEXT PRIMARY KEY,
			customer TEXT,
			total REAL,
			created TIMESTAMP,
			modified_time TIMESTAMP
		);
		CREATE TABLE invoices (
			id TEXT PRIMARY KEY,
			order_id TEXT,
			amount REAL
		);
		CREATE TABLE ledger_lines (
			ref TEXT,
			note TEXT
		);`)
	require.NoError(t, err)
	return db
}

func newUnit(t *testing.T, db *sql.DB) *uow.UnitOfWork {
	t.Helper()
	u, err := uow.New(sqlstore.New(db))
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func TestNew_RequiresContext(t *testing.T) {
	u, err := uow.New(nil)
	assert.ErrorIs(t, err, store.ErrNilContext)
	assert.Nil(t, u)
}

func TestRepositoryFor_ReturnsIdenticalInstance(t *testing.T) {
	u := newUnit(t, newTestDB(t))

	first := uow.RepositoryFor(u, orders)
	second := uow.RepositoryFor(u, orders)
	other := uow.RepositoryFor(u, invoices)

	assert.Same(t, first, second)
	assert.NotNil(t, other)
}

func TestContextAs(t *testing.T) {
	u := newUnit(t, newTestDB(t))

	sqlCtx, ok := uow.ContextAs[*sqlstore.Context](u)
	assert.True(t, ok)
	assert.NotNil(t, sqlCtx)

	_, ok = uow.ContextAs[*trackingContext](u)
	assert.False(t, ok)
}

func TestClose_Idempotent(t *testing.T) {
	st := &trackingContext{Context: sqlstore.New(newTestDB(t))}
	u, err := uow.New(st)
	require.NoError(t, err)

	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	assert.Equal(t, 1, st.closes)

	_, err = u.ExecCommand(context.Background(), `SELECT 1`)
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = u.SaveChanges(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestInsert_StampsCreatedAndCommitsOnSave(t *testing.T) {
	db := newTestDB(t)
	u := newUnit(t, db)
	repo := uow.RepositoryFor(u, orders)

	before := time.Now()
	e := &order{ID: "o-1", Customer: "acme", Total: 10}
	require.NoError(t, repo.Insert(e))
	after := time.Now()

	assert.False(t, e.Created.Before(before))
	assert.False(t, e.Created.After(after))

	// Staged only: nothing is visible before SaveChanges.
	found, err := repo.FindByKey(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	n, err := u.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err = repo.FindByKey(context.Background(), "o-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "acme", found.Customer)
}

func TestUpdate_StampsModifiedTime(t *testing.T) {
	db := newTestDB(t)
	u := newUnit(t, db)
	repo := uow.RepositoryFor(u, orders)

	e := &order{ID: "o-1", Customer: "acme", Total: 10}
	require.NoError(t, repo.Insert(e))
	_, err := u.SaveChanges(context.Background())
	require.NoError(t, err)

	before := time.Now()
	e.Total = 25
	require.NoError(t, repo.Update(e))
	after := time.Now()

	assert.False(t, e.ModifiedTime.Before(before))
	assert.False(t, e.ModifiedTime.After(after))

	n, err := u.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := repo.FindByKey(context.Background(), "o-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 25.0, found.Total)
}

func TestQuery_IsDetached(t *testing.T) {
	db := newTestDB(t)
	u := newUnit(t, db)
	repo := uow.RepositoryFor(u, orders)

	require.NoError(t, repo.Insert(&order{ID: "o-1", Customer: "acme", Total: 10}))
	_, err := u.SaveChanges(context.Background())
	require.NoError(t, err)

	var loaded *order
	for e, err := range repo.Query(context.Background(), squirrel.Eq{"id": "o-1"}) {
		require.NoError(t, err)
		loaded = e
	}
	require.NotNil(t, loaded)

	// Mutating a detached entity stages nothing.
	loaded.Customer = "globex"
	n, err := u.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	found, err := repo.FindByKey(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", found.Customer)

	// An explicit Update re-attaches it.
	require.NoError(t, repo.Update(loaded))
	_, err = u.SaveChanges(context.Background())
	require.NoError(t, err)

	found, err = repo.FindByKey(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "globex", found.Customer)
}

func TestWhere_IsTracked(t *testing.T) {
	db := newTestDB(t)
	u := newUnit(t, db)
	repo := uow.RepositoryFor(u, orders)

	require.NoError(t, repo.Insert(&order{ID: "o-1", Customer: "acme", Total: 10}))
	_, err := u.SaveChanges(context.Background())
	require.NoError(t, err)

	var loaded *order
	for e, err := range repo.Where(context.Background(), squirrel.Eq{"id": "o-1"}) {
		require.NoError(t, err)
		loaded = e
	}
	require.NotNil(t, loaded)

	// No Update call: the tracked entity is diffed at SaveChanges.
	loaded.Customer = "globex"
	n, err := u.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := repo.FindByKey(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "globex", found.Customer)
}

func TestDeleteByKey_DoesNotFetch(t *testing.T) {
	db := newTestDB(t)
	st := &trackingContext{Context: sqlstore.New(db)}
	u, err := uow.New(st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })

	repo := uow.RepositoryFor(u, orders)
	require.NoError(t, repo.Insert(&order{ID: "o-1", Customer: "acme"}))
	_, err = u.SaveChanges(context.Background())
	require.NoError(t, err)

	st.queries = 0
	require.NoError(t, repo.DeleteByKey(context.Background(), "o-1"))
	assert.Zero(t, st.queries, "delete by key must not issue a select")

	n, err := u.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := repo.FindByKey(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestDeleteByKey_KeylessFallback(t *testing.T) {
	db := newTestDB(t)
	u := newUnit(t, db)
	repo := uow.RepositoryFor(u, ledger)

	require.NoError(t, repo.Insert(&ledgerLine{Ref: "l-1", Note: "opening"}))
	_, err := u.SaveChanges(context.Background())
	require.NoError(t, err)

	t.Run("Should be a no-op for an absent key", func(t *testing.T) {
		require.NoError(t, repo.DeleteByKey(context.Background(), "missing"))
		n, err := u.SaveChanges(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Should delete an existing row", func(t *testing.T) {
		require.NoError(t, repo.DeleteByKey(context.Background(), "l-1"))
		n, err := u.SaveChanges(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestFindByKey_AbsenceIsNil(t *testing.T) {
	u := newUnit(t, newTestDB(t))
	repo := uow.RepositoryFor(u, orders)

	found, err := repo.FindByKey(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Nil(t, found)

	exists, err := repo.Exists(context.Background(), squirrel.Eq{"id": "nothing"})
	require.NoError(t, err)
	assert.False(t, exists)

	first, err := repo.First(context.Background(), squirrel.Eq{"id": "nothing"})
	require.NoError(t, err)
	assert.Nil(t, first)
}

func TestSaveChanges_AcrossUnits_Commit(t *testing.T) {
	db := newTestDB(t)
	unitA := newUnit(t, db)
	unitB := newUnit(t, db)

	require.NoError(t, uow.RepositoryFor(unitA, orders).Insert(&order{ID: "o-1", Customer: "acme", Total: 10}))
	require.NoError(t, uow.RepositoryFor(unitB, invoices).Insert(&invoice{ID: "inv-1", OrderID: "o-1", Amount: 10}))

	total, err := unitA.SaveChanges(context.Background(), unitB)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	o, err := uow.RepositoryFor(unitA, orders).FindByKey(context.Background(), "o-1")
	require.NoError(t, err)
	assert.NotNil(t, o)

	inv, err := uow.RepositoryFor(unitB, invoices).FindByKey(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.NotNil(t, inv)
}

func TestSaveChanges_AcrossUnits_RollsBackEverything(t *testing.T) {
	db := newTestDB(t)
	unitA := newUnit(t, db)
	unitB := newUnit(t, db)

	// A committed invoice the staged one will collide with.
	_, err := db.Exec(`INSERT INTO invoices (id, order_id, amount) VALUES ('inv-1', 'old', 1)`)
	require.NoError(t, err)

	require.NoError(t, uow.RepositoryFor(unitA, orders).Insert(&order{ID: "o-1", Customer: "acme", Total: 10}))
	require.NoError(t, uow.RepositoryFor(unitB, invoices).Insert(&invoice{ID: "inv-1", OrderID: "o-1", Amount: 10}))

	total, err := unitA.SaveChanges(context.Background(), unitB)
	require.Error(t, err)
	assert.Zero(t, total)

	// Nothing from either participant is visible.
	o, err := uow.RepositoryFor(unitA, orders).FindByKey(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Nil(t, o)

	inv, err := uow.RepositoryFor(unitB, invoices).FindByKey(context.Background(), "inv-1")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, "old", inv.OrderID)
}

func TestSaveChanges_FailedBoundaryKeepsPeerChanges(t *testing.T) {
	db := newTestDB(t)
	unitA := newUnit(t, db)
	unitB := newUnit(t, db)

	// The owner's staged order collides with a committed row; the peer's
	// invoice is valid and flushes first.
	_, err := db.Exec(`INSERT INTO orders (id, customer, total) VALUES ('o-1', 'old', 1)`)
	require.NoError(t, err)

	require.NoError(t, uow.RepositoryFor(unitA, orders).Insert(&order{ID: "o-1", Customer: "acme", Total: 10}))
	require.NoError(t, uow.RepositoryFor(unitB, invoices).Insert(&invoice{ID: "inv-1", OrderID: "o-1", Amount: 10}))

	_, err = unitA.SaveChanges(context.Background(), unitB)
	require.Error(t, err)

	inv, err := uow.RepositoryFor(unitB, invoices).FindByKey(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Nil(t, inv)

	// The peer's change set survived the rollback; committing it alone lands.
	n, err := unitB.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	inv, err = uow.RepositoryFor(unitB, invoices).FindByKey(context.Background(), "inv-1")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, "o-1", inv.OrderID)
}

func TestUpdate_AfterWhere_PersistsOnce(t *testing.T) {
	db := newTestDB(t)
	u := newUnit(t, db)
	repo := uow.RepositoryFor(u, orders)

	require.NoError(t, repo.Insert(&order{ID: "o-1", Customer: "acme", Total: 10}))
	_, err := u.SaveChanges(context.Background())
	require.NoError(t, err)

	var loaded *order
	for e, err := range repo.Where(context.Background(), squirrel.Eq{"id": "o-1"}) {
		require.NoError(t, err)
		loaded = e
	}
	require.NotNil(t, loaded)

	// Tracked and explicitly updated: one logical change, one row.
	loaded.Total = 25
	require.NoError(t, repo.Update(loaded))

	n, err := u.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := repo.FindByKey(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, 25.0, found.Total)
}

func TestSaveChanges_PeersFlushFirstInOrder(t *testing.T) {
	db := newTestDB(t)

	var flushes []string
	newTracked := func(name string) *trackingContext {
		return &trackingContext{Context: sqlstore.New(db), name: name, flushes: &flushes}
	}

	unitA, err := uow.New(newTracked("A"))
	require.NoError(t, err)
	unitB, err := uow.New(newTracked("B"))
	require.NoError(t, err)
	unitC, err := uow.New(newTracked("C"))
	require.NoError(t, err)

	_, err = unitA.SaveChanges(context.Background(), unitB, unitC)
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "C", "A"}, flushes)
}

func TestExecCommandAndQueryAs(t *testing.T) {
	db := newTestDB(t)
	u := newUnit(t, db)

	n, err := u.ExecCommand(context.Background(),
		`INSERT INTO orders (id, customer, total) VALUES ($1, $2, $3)`, "o-1", "acme", 10.0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	type countRow struct {
		N int64 `db:"n"`
	}
	var counts []int64
	for row, err := range uow.QueryAs[countRow](context.Background(), u,
		`SELECT COUNT(*) AS n FROM orders WHERE customer = $1`, "acme") {
		require.NoError(t, err)
		counts = append(counts, row.N)
	}
	assert.Equal(t, []int64{1}, counts)
}

func TestRepositoryRaw(t *testing.T) {
	db := newTestDB(t)
	u := newUnit(t, db)
	repo := uow.RepositoryFor(u, orders)

	require.NoError(t, repo.Insert(
		&order{ID: "o-1", Customer: "acme", Total: 10},
		&order{ID: "o-2", Customer: "globex", Total: 20},
	))
	_, err := u.SaveChanges(context.Background())
	require.NoError(t, err)

	var ids []string
	for e, err := range repo.Raw(context.Background(),
		`SELECT id, customer, total, created, modified_time FROM orders WHERE total > $1 ORDER BY id`, 5.0) {
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"o-1", "o-2"}, ids)
}

// trackingContext decorates a store.Context to observe the traffic a test
// cares about.
type trackingContext struct {
	store.Context
	name    string
	queries int
	closes  int
	flushes *[]string
}

func (c *trackingContext) Query(ctx context.Context, q squirrel.SelectBuilder) (*sql.Rows, error) {
	c.queries++
	return c.Context.Query(ctx, q)
}

func (c *trackingContext) Flush(ctx context.Context) (int64, error) {
	if c.flushes != nil {
		*c.flushes = append(*c.flushes, c.name)
	}
	return c.Context.Flush(ctx)
}

func (c *trackingContext) Close() error {
	c.closes++
	return c.Context.Close()
}
