package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/flotilla/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed width so started_at sorts as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the journal at dsn and runs migrations.
// ":memory:" gives a private in-memory journal.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// One connection: sqlite has a single writer, and every connection to
	// ":memory:" would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Operation Journal
// =============================================================================

type operationRow struct {
	ID         string  `db:"id"`
	Project    string  `db:"project"`
	Name       string  `db:"name"`
	Services   string  `db:"services"`
	Strategy   string  `db:"strategy"`
	Status     string  `db:"status"`
	Error      string  `db:"error"`
	StartedAt  string  `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

type failureRow struct {
	OperationID string `db:"operation_id"`
	Position    int    `db:"position"`
	domain.OperationFailure
}

// RecordOperation writes op and its failures in one transaction. Recording
// the same operation again replaces the earlier record, so a running
// operation can be journaled and later finished.
func (s *SQLiteStore) RecordOperation(ctx context.Context, op *domain.Operation) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.RecordOperation(ctx, op)
	})
}

func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*domain.Operation, error) {
	return getOperation(ctx, s.db, id)
}

func (s *SQLiteStore) ListOperations(ctx context.Context, opts ListOptions) ([]domain.Operation, error) {
	return listOperations(ctx, s.db, opts)
}

func (s *SQLiteStore) PruneOperations(ctx context.Context, project string, keep int) (int, error) {
	return pruneOperations(ctx, s.db, project, keep)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	if err := fn(&txSQLiteStore{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}
	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) RecordOperation(ctx context.Context, op *domain.Operation) error {
	return recordOperation(ctx, s.tx, op)
}

func (s *txSQLiteStore) GetOperation(ctx context.Context, id string) (*domain.Operation, error) {
	return getOperation(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListOperations(ctx context.Context, opts ListOptions) ([]domain.Operation, error) {
	return listOperations(ctx, s.tx, opts)
}

func (s *txSQLiteStore) PruneOperations(ctx context.Context, project string, keep int) (int, error) {
	return pruneOperations(ctx, s.tx, project, keep)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Queries
// =============================================================================

func recordOperation(ctx context.Context, exec executor, op *domain.Operation) error {
	if op == nil || op.ID == "" {
		return NewStoreError("RecordOperation", "operation", "", "operation id is required", ErrInvalidData)
	}

	services := op.Services
	if services == nil {
		services = []string{}
	}
	servicesJSON, err := json.Marshal(services)
	if err != nil {
		return NewStoreError("RecordOperation", "operation", op.ID, "failed to serialize services", ErrInvalidData)
	}

	var finishedAt *string
	if op.FinishedAt != nil {
		s := op.FinishedAt.UTC().Format(timeFormat)
		finishedAt = &s
	}

	query := `
		INSERT INTO operations (id, project, name, services, strategy, status, error, started_at, finished_at)
		VALUES (:id, :project, :name, :services, :strategy, :status, :error, :started_at, :finished_at)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			finished_at = excluded.finished_at`

	row := operationRow{
		ID:         op.ID,
		Project:    op.Project,
		Name:       op.Name,
		Services:   string(servicesJSON),
		Strategy:   op.Strategy,
		Status:     string(op.Status),
		Error:      op.Error,
		StartedAt:  op.StartedAt.UTC().Format(timeFormat),
		FinishedAt: finishedAt,
	}
	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("RecordOperation", "operation", op.ID, err.Error(), err)
	}

	if _, err := exec.ExecContext(ctx, `DELETE FROM operation_failures WHERE operation_id = ?`, op.ID); err != nil {
		return NewStoreError("RecordOperation", "operation", op.ID, err.Error(), err)
	}
	for i, f := range op.Failures {
		_, err := exec.NamedExecContext(ctx, `
			INSERT INTO operation_failures (operation_id, position, service, container, error)
			VALUES (:operation_id, :position, :service, :container, :error)`,
			failureRow{OperationID: op.ID, Position: i, OperationFailure: f})
		if err != nil {
			return NewStoreError("RecordOperation", "operation", op.ID, err.Error(), err)
		}
	}
	return nil
}

func getOperation(ctx context.Context, exec executor, id string) (*domain.Operation, error) {
	var row operationRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM operations WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetOperation", "operation", id, "operation not found", errors.Join(ErrNotFound, domain.ErrOperationNotFound))
		}
		return nil, NewStoreError("GetOperation", "operation", id, err.Error(), err)
	}

	op, err := rowToOperation(&row)
	if err != nil {
		return nil, err
	}
	if err := loadFailures(ctx, exec, []*domain.Operation{op}); err != nil {
		return nil, err
	}
	return op, nil
}

func listOperations(ctx context.Context, exec executor, opts ListOptions) ([]domain.Operation, error) {
	opts = opts.Normalize()

	var (
		rows []operationRow
		err  error
	)
	if opts.Project != "" {
		err = exec.SelectContext(ctx, &rows,
			`SELECT * FROM operations WHERE project = ? ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`,
			opts.Project, opts.Limit, opts.Offset)
	} else {
		err = exec.SelectContext(ctx, &rows,
			`SELECT * FROM operations ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`,
			opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, NewStoreError("ListOperations", "operation", "", err.Error(), err)
	}

	ops := make([]domain.Operation, 0, len(rows))
	ptrs := make([]*domain.Operation, 0, len(rows))
	for i := range rows {
		op, err := rowToOperation(&rows[i])
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	for i := range ops {
		ptrs = append(ptrs, &ops[i])
	}
	if err := loadFailures(ctx, exec, ptrs); err != nil {
		return nil, err
	}
	return ops, nil
}

func loadFailures(ctx context.Context, exec executor, ops []*domain.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	ids := make([]string, len(ops))
	byID := make(map[string]*domain.Operation, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
		byID[op.ID] = op
	}

	query, args, err := sqlx.In(`SELECT * FROM operation_failures WHERE operation_id IN (?) ORDER BY operation_id, position`, ids)
	if err != nil {
		return NewStoreError("ListOperations", "operation", "", err.Error(), err)
	}
	var rows []failureRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return NewStoreError("ListOperations", "operation", "", err.Error(), err)
	}
	for _, row := range rows {
		op := byID[row.OperationID]
		op.Failures = append(op.Failures, row.OperationFailure)
	}
	return nil
}

// pruneOperations keeps the newest keep operations of project and deletes
// the rest. Failures go with them through the cascade.
func pruneOperations(ctx context.Context, exec executor, project string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := exec.ExecContext(ctx, `
		DELETE FROM operations
		WHERE project = ? AND id NOT IN (
			SELECT id FROM operations WHERE project = ?
			ORDER BY started_at DESC, rowid DESC LIMIT ?
		)`, project, project, keep)
	if err != nil {
		return 0, NewStoreError("PruneOperations", "operation", "", err.Error(), err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func rowToOperation(row *operationRow) (*domain.Operation, error) {
	op := &domain.Operation{
		ID:       row.ID,
		Project:  row.Project,
		Name:     row.Name,
		Strategy: row.Strategy,
		Status:   domain.OperationStatus(row.Status),
		Error:    row.Error,
	}

	if err := json.Unmarshal([]byte(row.Services), &op.Services); err != nil {
		return nil, NewStoreError("rowToOperation", "operation", row.ID, "failed to parse services", ErrInvalidData)
	}

	started, err := parseTime(row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToOperation", "operation", row.ID, "failed to parse started_at", ErrInvalidData)
	}
	op.StartedAt = started

	if row.FinishedAt != nil {
		finished, err := parseTime(*row.FinishedAt)
		if err != nil {
			return nil, NewStoreError("rowToOperation", "operation", row.ID, "failed to parse finished_at", ErrInvalidData)
		}
		op.FinishedAt = &finished
	}
	return op, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
}
