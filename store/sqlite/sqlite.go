/*
Package sqlite provides a SQLite-backed implementation of the allocation store.

PURPOSE:
  Implements allocation.TxStore (resources, events, allocations, ledger)
  and allocation.AuditRunStore using SQLite. The PostgreSQL store in
  store/postgres follows the same layout with row-level locks.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_transactions
  - No DELETE statements on ledger_transactions (except Reset, for demos)
  - Corrections are new Return / Adjustment transactions

KEY TABLES:
  resources:           Kind, ownership, shareable cap, cached stock
  events:              Windows mirrored from the event collaborator
  allocations:         One row per (event, resource), UNIQUE enforced
  ledger_transactions: Immutable signed deltas
  audit_runs:          History of reconciliation / shortage audits

INDEXES:
  - idx_ledger_resource_effective: Balance summation (hot path)
  - idx_allocations_resource: Overlap queries
  - idx_events_window: Overlap queries

CONCURRENCY:
  SQLite has a single writer. The pool is capped at one connection so an
  in-memory database is shared and a tx never waits on itself; atomic units
  begin with BEGIN IMMEDIATE (_txlock=immediate) so the write lock is taken
  up front. LockResource is therefore a plain read.

TIME ENCODING:
  Times are stored as fixed-width UTC text (timeLayout) so that string
  comparison in SQL matches chronological order.

USAGE:
  store, err := sqlite.New("./data/resources.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := allocation.NewService(store)

SEE ALSO:
  - allocation/store.go: Interface definitions
  - allocation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/resource-engine/allocation"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements allocation.TxStore using SQLite.
type Store struct {
	*conn
	db *sql.DB
}

var (
	_ allocation.TxStore       = (*Store)(nil)
	_ allocation.AuditRunStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: &conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('exclusive', 'shareable', 'consumable')),
		organization_id TEXT NOT NULL DEFAULT '',
		max_concurrent_usage INTEGER,
		cached_stock INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		CHECK ((kind = 'shareable') = (max_concurrent_usage IS NOT NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_resources_kind
		ON resources(kind);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		starts_at TEXT NOT NULL,
		ends_at TEXT NOT NULL,
		CHECK (ends_at > starts_at)
	);

	CREATE INDEX IF NOT EXISTS idx_events_window
		ON events(starts_at, ends_at);

	-- CRITICAL: at most one binding per (event, resource)
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id),
		resource_id TEXT NOT NULL REFERENCES resources(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (event_id, resource_id)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_resource
		ON allocations(resource_id);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL REFERENCES resources(id),
		quantity INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		event_id TEXT,
		note TEXT NOT NULL DEFAULT '',
		actor_id TEXT,
		created_at TEXT NOT NULL
	);

	-- Composite index for balance summation (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_resource_effective
		ON ledger_transactions(resource_id, effective_at);

	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		resources INTEGER NOT NULL DEFAULT 0,
		drifted INTEGER NOT NULL DEFAULT 0,
		shortages INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (allocation.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The tx is
// rolled back when fn fails or ctx is done before commit.
func (s *Store) WithTx(ctx context.Context, fn func(store allocation.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// CONN - Shared implementation over *sql.DB or *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

// =============================================================================
// RESOURCES
// =============================================================================

func (c *conn) InsertResource(ctx context.Context, r allocation.Resource) error {
	query := `
		INSERT INTO resources (id, name, kind, organization_id, max_concurrent_usage, cached_stock, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		r.ID, r.Name, r.Kind, r.OrganizationID,
		nullInt(r.MaxConcurrentUsage), r.CachedStock, formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &allocation.ConflictError{Reason: allocation.ReasonDuplicateID, ResourceID: r.ID}
		}
		return fmt.Errorf("failed to insert resource: %w", err)
	}
	return nil
}

const resourceColumns = `id, name, kind, organization_id, max_concurrent_usage, cached_stock, created_at`

func (c *conn) GetResource(ctx context.Context, id allocation.ResourceID) (allocation.Resource, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return allocation.Resource{}, &allocation.NotFoundError{Entity: "resource", ID: string(id)}
	}
	return r, err
}

func (c *conn) ListResources(ctx context.Context, kind allocation.Kind) ([]allocation.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE (? = '' OR kind = ?) ORDER BY created_at, id`
	rows, err := c.q.QueryContext(ctx, query, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	var out []allocation.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LockResource reads the resource. The tx already holds SQLite's write lock.
func (c *conn) LockResource(ctx context.Context, id allocation.ResourceID) (allocation.Resource, error) {
	return c.GetResource(ctx, id)
}

func (c *conn) IncrementCachedStock(ctx context.Context, id allocation.ResourceID, delta int) error {
	return c.updateResource(ctx, id, `UPDATE resources SET cached_stock = cached_stock + ? WHERE id = ?`, delta)
}

func (c *conn) SetCachedStock(ctx context.Context, id allocation.ResourceID, stock int) error {
	return c.updateResource(ctx, id, `UPDATE resources SET cached_stock = ? WHERE id = ?`, stock)
}

func (c *conn) updateResource(ctx context.Context, id allocation.ResourceID, query string, value int) error {
	res, err := c.q.ExecContext(ctx, query, value, id)
	if err != nil {
		return fmt.Errorf("failed to update cached stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &allocation.NotFoundError{Entity: "resource", ID: string(id)}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResource(row scanner) (allocation.Resource, error) {
	var (
		r         allocation.Resource
		limit     sql.NullInt64
		createdAt string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Kind, &r.OrganizationID, &limit, &r.CachedStock, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan resource: %w", err)
	}
	if limit.Valid {
		v := int(limit.Int64)
		r.MaxConcurrentUsage = &v
	}
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (c *conn) SaveEvent(ctx context.Context, e allocation.Event) error {
	query := `
		INSERT INTO events (id, organization_id, name, starts_at, ends_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			name = excluded.name,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at
	`
	_, err := c.q.ExecContext(ctx, query,
		e.ID, e.OrganizationID, e.Name, formatTime(e.Window.Start), formatTime(e.Window.End))
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (c *conn) GetEvent(ctx context.Context, id allocation.EventID) (allocation.Event, error) {
	var (
		e          allocation.Event
		start, end string
	)
	err := c.q.QueryRowContext(ctx,
		`SELECT id, organization_id, name, starts_at, ends_at FROM events WHERE id = ?`, id,
	).Scan(&e.ID, &e.OrganizationID, &e.Name, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return allocation.Event{}, &allocation.NotFoundError{Entity: "event", ID: string(id)}
	}
	if err != nil {
		return allocation.Event{}, fmt.Errorf("failed to get event: %w", err)
	}
	e.Window = allocation.Window{Start: parseTime(start), End: parseTime(end)}
	return e, nil
}

// LockEvent reads the event. The tx already holds SQLite's write lock.
func (c *conn) LockEvent(ctx context.Context, id allocation.EventID) (allocation.Event, error) {
	return c.GetEvent(ctx, id)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (c *conn) InsertAllocation(ctx context.Context, a allocation.Allocation) error {
	query := `
		INSERT INTO allocations (id, event_id, resource_id, quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		a.ID, a.EventID, a.ResourceID, a.Quantity, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &allocation.ConflictError{
				Reason:     allocation.ReasonDuplicateBinding,
				ResourceID: a.ResourceID,
				EventID:    a.EventID,
			}
		}
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

const allocationColumns = `a.id, a.event_id, a.resource_id, a.quantity, a.created_at, a.updated_at`

func (c *conn) GetAllocation(ctx context.Context, id allocation.AllocationID) (allocation.Allocation, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations a WHERE a.id = ?`, id)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return allocation.Allocation{}, &allocation.NotFoundError{Entity: "allocation", ID: string(id)}
	}
	return a, err
}

func (c *conn) FindAllocation(ctx context.Context, eventID allocation.EventID, resourceID allocation.ResourceID) (*allocation.Allocation, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations a WHERE a.event_id = ? AND a.resource_id = ?`,
		eventID, resourceID)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *conn) ListAllocations(ctx context.Context, resourceID allocation.ResourceID) ([]allocation.Allocation, error) {
	return c.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM allocations a WHERE a.resource_id = ? ORDER BY a.created_at, a.id`,
		resourceID)
}

func (c *conn) ListEventAllocations(ctx context.Context, eventID allocation.EventID) ([]allocation.Allocation, error) {
	return c.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM allocations a WHERE a.event_id = ? ORDER BY a.created_at, a.id`,
		eventID)
}

// OverlappingAllocations uses the half-open test start < w.End AND end > w.Start.
func (c *conn) OverlappingAllocations(ctx context.Context, resourceID allocation.ResourceID, w allocation.Window, excludeEvent allocation.EventID) ([]allocation.Allocation, error) {
	query := `
		SELECT ` + allocationColumns + `
		FROM allocations a
		JOIN events e ON e.id = a.event_id
		WHERE a.resource_id = ?
		  AND a.event_id <> ?
		  AND e.starts_at < ?
		  AND e.ends_at > ?
		ORDER BY a.created_at, a.id
	`
	return c.queryAllocations(ctx, query, resourceID, excludeEvent, formatTime(w.End), formatTime(w.Start))
}

func (c *conn) UpdateAllocationQuantity(ctx context.Context, id allocation.AllocationID, quantity int, updatedAt time.Time) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE allocations SET quantity = ?, updated_at = ? WHERE id = ?`,
		quantity, formatTime(updatedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &allocation.NotFoundError{Entity: "allocation", ID: string(id)}
	}
	return nil
}

func (c *conn) DeleteAllocation(ctx context.Context, id allocation.AllocationID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM allocations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete allocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &allocation.NotFoundError{Entity: "allocation", ID: string(id)}
	}
	return nil
}

func (c *conn) queryAllocations(ctx context.Context, query string, args ...any) ([]allocation.Allocation, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var out []allocation.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAllocation(row scanner) (allocation.Allocation, error) {
	var (
		a                    allocation.Allocation
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.EventID, &a.ResourceID, &a.Quantity, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan allocation: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

// AppendTransaction adds a transaction to the ledger.
func (c *conn) AppendTransaction(ctx context.Context, tx allocation.Transaction) error {
	query := `
		INSERT INTO ledger_transactions
		(id, resource_id, quantity, tx_type, effective_at, event_id, note, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		tx.ID,
		tx.ResourceID,
		tx.Quantity,
		tx.Type,
		formatTime(tx.EffectiveAt),
		nullString(string(tx.EventID)),
		tx.Note,
		nullString(string(tx.ActorID)),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &allocation.ConflictError{Reason: allocation.ReasonDuplicateID, ResourceID: tx.ResourceID}
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (c *conn) Transactions(ctx context.Context, resourceID allocation.ResourceID) ([]allocation.Transaction, error) {
	query := `
		SELECT id, resource_id, quantity, tx_type, effective_at, event_id, note, actor_id, created_at
		FROM ledger_transactions
		WHERE resource_id = ?
		ORDER BY effective_at, created_at, rowid
	`
	rows, err := c.q.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := []allocation.Transaction{}
	for rows.Next() {
		var (
			tx                     allocation.Transaction
			effectiveAt, createdAt string
			eventID, actorID       sql.NullString
		)
		err := rows.Scan(&tx.ID, &tx.ResourceID, &tx.Quantity, &tx.Type,
			&effectiveAt, &eventID, &tx.Note, &actorID, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.EffectiveAt = parseTime(effectiveAt)
		tx.CreatedAt = parseTime(createdAt)
		tx.EventID = allocation.EventID(eventID.String)
		tx.ActorID = allocation.ActorID(actorID.String)
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func (c *conn) SumTransactions(ctx context.Context, resourceID allocation.ResourceID, at *time.Time) (int, error) {
	var (
		sum int
		err error
	)
	if at == nil {
		err = c.q.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(quantity), 0) FROM ledger_transactions WHERE resource_id = ?`,
			resourceID).Scan(&sum)
	} else {
		err = c.q.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(quantity), 0) FROM ledger_transactions WHERE resource_id = ? AND effective_at <= ?`,
			resourceID, formatTime(*at)).Scan(&sum)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

// =============================================================================
// AUDIT RUNS
// =============================================================================

func (c *conn) SaveAuditRun(ctx context.Context, run allocation.AuditRun) error {
	query := `
		INSERT INTO audit_runs (id, started_at, completed_at, resources, drifted, shortages, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		run.ID, formatTime(run.StartedAt), formatTime(run.CompletedAt),
		run.Resources, run.Drifted, run.Shortages, run.Error)
	if err != nil {
		return fmt.Errorf("failed to save audit run: %w", err)
	}
	return nil
}

// ListAuditRuns returns the most recent runs first. limit <= 0 means all.
func (c *conn) ListAuditRuns(ctx context.Context, limit int) ([]allocation.AuditRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, started_at, completed_at, resources, drifted, shortages, error
		FROM audit_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit runs: %w", err)
	}
	defer rows.Close()

	var runs []allocation.AuditRun
	for rows.Next() {
		var (
			run                allocation.AuditRun
			started, completed string
		)
		if err := rows.Scan(&run.ID, &started, &completed, &run.Resources, &run.Drifted, &run.Shortages, &run.Error); err != nil {
			return nil, fmt.Errorf("failed to scan audit run: %w", err)
		}
		run.StartedAt = parseTime(started)
		run.CompletedAt = parseTime(completed)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	tables := []string{"allocations", "ledger_transactions", "events", "resources", "audit_runs"}
	for _, table := range tables {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
