/*
Package postgres provides a PostgreSQL-backed implementation of the allocation store.

CONCURRENCY:
  Unlike SQLite, PostgreSQL runs atomic units in parallel. LockResource takes
  a row lock (SELECT ... FOR UPDATE) on the resource so that two processes
  sharing the database still serialise admission for the same resource.
  The in-process keyed mutex in the allocation package only covers one
  process; the row lock covers the rest.

UNIQUENESS:
  UNIQUE (event_id, resource_id) on allocations is the last line of defence
  against duplicate bindings. A violation surfaces as a duplicate_binding
  conflict, never as a raw driver error.

SCHEMA:
  Embedded migrations in ./migrations, applied under an advisory lock.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/resource-engine/allocation"
	"github.com/warp/resource-engine/store/postgres/migrations"
)

// Store implements allocation.TxStore on a pgx connection pool.
type Store struct {
	*conn
	pool *pgxpool.Pool
}

var (
	_ allocation.TxStore       = (*Store)(nil)
	_ allocation.AuditRunStore = (*Store)(nil)
)

// New connects to dsn, verifies the connection and applies migrations.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewFromPool(pool), nil
}

// NewFromPool wraps an existing pool. The schema must already be migrated.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{conn: &conn{q: pool}, pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// WithTx runs fn inside a database transaction. The tx is rolled back when
// fn fails or ctx is done before commit.
func (s *Store) WithTx(ctx context.Context, fn func(allocation.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := fn(&conn{q: tx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Reset truncates every table. Used by tests and demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE allocations, ledger_transactions, events, resources, audit_runs`)
	return err
}

// =============================================================================
// CONN - Shared by the pool and by transactions
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier
}

// -----------------------------------------------------------------------------
// Resources
// -----------------------------------------------------------------------------

const resourceColumns = `id, name, kind, organization_id, max_concurrent_usage, cached_stock, created_at`

func (c *conn) InsertResource(ctx context.Context, r allocation.Resource) error {
	const stmt = `
INSERT INTO resources (id, name, kind, organization_id, max_concurrent_usage, cached_stock, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := c.q.Exec(ctx, stmt,
		string(r.ID), r.Name, string(r.Kind), string(r.OrganizationID),
		r.MaxConcurrentUsage, r.CachedStock, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &allocation.ConflictError{Reason: allocation.ReasonDuplicateID, ResourceID: r.ID}
		}
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (c *conn) GetResource(ctx context.Context, id allocation.ResourceID) (allocation.Resource, error) {
	return c.getResource(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = $1`, id)
}

// LockResource takes the row lock on the resource for the rest of the tx.
func (c *conn) LockResource(ctx context.Context, id allocation.ResourceID) (allocation.Resource, error) {
	return c.getResource(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = $1 FOR UPDATE`, id)
}

func (c *conn) getResource(ctx context.Context, query string, id allocation.ResourceID) (allocation.Resource, error) {
	r, err := scanResource(c.q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return allocation.Resource{}, &allocation.NotFoundError{Entity: "resource", ID: string(id)}
	}
	if err != nil {
		return allocation.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	return r, nil
}

func (c *conn) ListResources(ctx context.Context, kind allocation.Kind) ([]allocation.Resource, error) {
	rows, err := c.q.Query(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE ($1 = '' OR kind = $1) ORDER BY created_at, id`,
		string(kind))
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []allocation.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *conn) IncrementCachedStock(ctx context.Context, id allocation.ResourceID, delta int) error {
	return c.updateStock(ctx, `UPDATE resources SET cached_stock = cached_stock + $1 WHERE id = $2`, id, delta)
}

func (c *conn) SetCachedStock(ctx context.Context, id allocation.ResourceID, stock int) error {
	return c.updateStock(ctx, `UPDATE resources SET cached_stock = $1 WHERE id = $2`, id, stock)
}

func (c *conn) updateStock(ctx context.Context, stmt string, id allocation.ResourceID, value int) error {
	tag, err := c.q.Exec(ctx, stmt, value, string(id))
	if err != nil {
		return fmt.Errorf("update cached stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &allocation.NotFoundError{Entity: "resource", ID: string(id)}
	}
	return nil
}

func scanResource(row pgx.Row) (allocation.Resource, error) {
	var (
		r             allocation.Resource
		id, kind, org string
		limit         *int
		createdAt     time.Time
	)
	if err := row.Scan(&id, &r.Name, &kind, &org, &limit, &r.CachedStock, &createdAt); err != nil {
		return allocation.Resource{}, err
	}
	r.ID = allocation.ResourceID(id)
	r.Kind = allocation.Kind(kind)
	r.OrganizationID = allocation.OrganizationID(org)
	r.MaxConcurrentUsage = limit
	r.CreatedAt = createdAt.UTC()
	return r, nil
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

func (c *conn) SaveEvent(ctx context.Context, e allocation.Event) error {
	const stmt = `
INSERT INTO events (id, organization_id, name, starts_at, ends_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	organization_id = EXCLUDED.organization_id,
	name = EXCLUDED.name,
	starts_at = EXCLUDED.starts_at,
	ends_at = EXCLUDED.ends_at`

	_, err := c.q.Exec(ctx, stmt,
		string(e.ID), string(e.OrganizationID), e.Name, e.Window.Start, e.Window.End)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

func (c *conn) GetEvent(ctx context.Context, id allocation.EventID) (allocation.Event, error) {
	return c.getEvent(ctx, `SELECT organization_id, name, starts_at, ends_at FROM events WHERE id = $1`, id)
}

// LockEvent takes the row lock on the event for the rest of the tx.
func (c *conn) LockEvent(ctx context.Context, id allocation.EventID) (allocation.Event, error) {
	return c.getEvent(ctx, `SELECT organization_id, name, starts_at, ends_at FROM events WHERE id = $1 FOR UPDATE`, id)
}

func (c *conn) getEvent(ctx context.Context, query string, id allocation.EventID) (allocation.Event, error) {
	var (
		org        string
		e          allocation.Event
		start, end time.Time
	)
	err := c.q.QueryRow(ctx, query, string(id)).Scan(&org, &e.Name, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return allocation.Event{}, &allocation.NotFoundError{Entity: "event", ID: string(id)}
	}
	if err != nil {
		return allocation.Event{}, fmt.Errorf("get event: %w", err)
	}
	e.ID = id
	e.OrganizationID = allocation.OrganizationID(org)
	e.Window = allocation.Window{Start: start.UTC(), End: end.UTC()}
	return e, nil
}

// -----------------------------------------------------------------------------
// Allocations
// -----------------------------------------------------------------------------

const allocationColumns = `a.id, a.event_id, a.resource_id, a.quantity, a.created_at, a.updated_at`

func (c *conn) InsertAllocation(ctx context.Context, a allocation.Allocation) error {
	const stmt = `
INSERT INTO allocations (id, event_id, resource_id, quantity, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := c.q.Exec(ctx, stmt,
		string(a.ID), string(a.EventID), string(a.ResourceID), a.Quantity, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &allocation.ConflictError{
				Reason:     allocation.ReasonDuplicateBinding,
				ResourceID: a.ResourceID,
				EventID:    a.EventID,
			}
		}
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

func (c *conn) GetAllocation(ctx context.Context, id allocation.AllocationID) (allocation.Allocation, error) {
	a, err := scanAllocation(c.q.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM allocations a WHERE a.id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return allocation.Allocation{}, &allocation.NotFoundError{Entity: "allocation", ID: string(id)}
	}
	if err != nil {
		return allocation.Allocation{}, fmt.Errorf("get allocation: %w", err)
	}
	return a, nil
}

func (c *conn) FindAllocation(ctx context.Context, eventID allocation.EventID, resourceID allocation.ResourceID) (*allocation.Allocation, error) {
	a, err := scanAllocation(c.q.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM allocations a WHERE a.event_id = $1 AND a.resource_id = $2`,
		string(eventID), string(resourceID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find allocation: %w", err)
	}
	return &a, nil
}

func (c *conn) ListAllocations(ctx context.Context, resourceID allocation.ResourceID) ([]allocation.Allocation, error) {
	return c.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM allocations a WHERE a.resource_id = $1 ORDER BY a.created_at, a.id`,
		string(resourceID))
}

func (c *conn) ListEventAllocations(ctx context.Context, eventID allocation.EventID) ([]allocation.Allocation, error) {
	return c.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM allocations a WHERE a.event_id = $1 ORDER BY a.created_at, a.id`,
		string(eventID))
}

func (c *conn) OverlappingAllocations(ctx context.Context, resourceID allocation.ResourceID, w allocation.Window, excludeEvent allocation.EventID) ([]allocation.Allocation, error) {
	const query = `
SELECT ` + allocationColumns + `
FROM allocations a
JOIN events e ON e.id = a.event_id
WHERE a.resource_id = $1
  AND a.event_id <> $2
  AND e.starts_at < $3
  AND e.ends_at > $4
ORDER BY a.created_at, a.id`
	return c.queryAllocations(ctx, query, string(resourceID), string(excludeEvent), w.End, w.Start)
}

func (c *conn) UpdateAllocationQuantity(ctx context.Context, id allocation.AllocationID, quantity int, updatedAt time.Time) error {
	tag, err := c.q.Exec(ctx,
		`UPDATE allocations SET quantity = $1, updated_at = $2 WHERE id = $3`,
		quantity, updatedAt, string(id))
	if err != nil {
		return fmt.Errorf("update allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &allocation.NotFoundError{Entity: "allocation", ID: string(id)}
	}
	return nil
}

func (c *conn) DeleteAllocation(ctx context.Context, id allocation.AllocationID) error {
	tag, err := c.q.Exec(ctx, `DELETE FROM allocations WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &allocation.NotFoundError{Entity: "allocation", ID: string(id)}
	}
	return nil
}

func (c *conn) queryAllocations(ctx context.Context, query string, args ...any) ([]allocation.Allocation, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var out []allocation.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAllocation(row pgx.Row) (allocation.Allocation, error) {
	var (
		a                       allocation.Allocation
		id, eventID, resourceID string
		createdAt, updatedAt    time.Time
	)
	if err := row.Scan(&id, &eventID, &resourceID, &a.Quantity, &createdAt, &updatedAt); err != nil {
		return allocation.Allocation{}, err
	}
	a.ID = allocation.AllocationID(id)
	a.EventID = allocation.EventID(eventID)
	a.ResourceID = allocation.ResourceID(resourceID)
	a.CreatedAt = createdAt.UTC()
	a.UpdatedAt = updatedAt.UTC()
	return a, nil
}

// -----------------------------------------------------------------------------
// Ledger (append-only)
// -----------------------------------------------------------------------------

func (c *conn) AppendTransaction(ctx context.Context, tx allocation.Transaction) error {
	const stmt = `
INSERT INTO ledger_transactions
	(id, resource_id, quantity, tx_type, effective_at, event_id, note, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9)`

	_, err := c.q.Exec(ctx, stmt,
		string(tx.ID), string(tx.ResourceID), tx.Quantity, string(tx.Type), tx.EffectiveAt,
		string(tx.EventID), tx.Note, string(tx.ActorID), tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &allocation.ConflictError{Reason: allocation.ReasonDuplicateID, ResourceID: tx.ResourceID}
		}
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (c *conn) Transactions(ctx context.Context, resourceID allocation.ResourceID) ([]allocation.Transaction, error) {
	const query = `
SELECT id, quantity, tx_type, effective_at, COALESCE(event_id, ''), note, COALESCE(actor_id, ''), created_at
FROM ledger_transactions
WHERE resource_id = $1
ORDER BY effective_at, seq`

	rows, err := c.q.Query(ctx, query, string(resourceID))
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	txs := []allocation.Transaction{}
	for rows.Next() {
		var (
			id, typ, eventID, actorID string
			effectiveAt, createdAt    time.Time
			tx                        = allocation.Transaction{ResourceID: resourceID}
		)
		if err := rows.Scan(&id, &tx.Quantity, &typ, &effectiveAt, &eventID, &tx.Note, &actorID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.ID = allocation.TransactionID(id)
		tx.Type = allocation.TransactionType(typ)
		tx.EventID = allocation.EventID(eventID)
		tx.ActorID = allocation.ActorID(actorID)
		tx.EffectiveAt = effectiveAt.UTC()
		tx.CreatedAt = createdAt.UTC()
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (c *conn) SumTransactions(ctx context.Context, resourceID allocation.ResourceID, at *time.Time) (int, error) {
	var sum int
	err := c.q.QueryRow(ctx, `
SELECT COALESCE(SUM(quantity), 0)::int
FROM ledger_transactions
WHERE resource_id = $1 AND ($2::timestamptz IS NULL OR effective_at <= $2)`,
		string(resourceID), at).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

// -----------------------------------------------------------------------------
// Audit runs
// -----------------------------------------------------------------------------

func (c *conn) SaveAuditRun(ctx context.Context, run allocation.AuditRun) error {
	_, err := c.q.Exec(ctx, `
INSERT INTO audit_runs (id, started_at, completed_at, resources, drifted, shortages, error)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.StartedAt, run.CompletedAt, run.Resources, run.Drifted, run.Shortages, run.Error)
	if err != nil {
		return fmt.Errorf("save audit run: %w", err)
	}
	return nil
}

// ListAuditRuns returns the most recent runs first. limit <= 0 means all.
func (c *conn) ListAuditRuns(ctx context.Context, limit int) ([]allocation.AuditRun, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := c.q.Query(ctx, `
SELECT id, started_at, completed_at, resources, drifted, shortages, error
FROM audit_runs
ORDER BY started_at DESC
LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("list audit runs: %w", err)
	}
	defer rows.Close()

	var runs []allocation.AuditRun
	for rows.Next() {
		var run allocation.AuditRun
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.CompletedAt, &run.Resources, &run.Drifted, &run.Shortages, &run.Error); err != nil {
			return nil, fmt.Errorf("scan audit run: %w", err)
		}
		run.StartedAt = run.StartedAt.UTC()
		run.CompletedAt = run.CompletedAt.UTC()
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
