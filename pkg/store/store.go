// Package store persists work items in SQLite. Each item tracks one device
// identifier through its submission lifecycle; the schema enforces at most
// one row per identifier so re-running a batch can never duplicate state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/imeitools/batch-engine/pkg/logging"
)

// ErrAlreadyExists is returned when inserting an identifier that is already
// tracked.
var ErrAlreadyExists = errors.New("work item already exists")

// ErrNotFound is returned when a lookup matches no work item.
var ErrNotFound = errors.New("work item not found")

// WorkItem is one tracked device identifier.
type WorkItem struct {
	ID           int64
	IMEI         string
	OrderID      string
	ServiceID    int
	Status       Status
	RawResult    string
	ParsedFields map[string]string
	SubmittedAt  time.Time
	UpdatedAt    time.Time
}

// Repository provides durable work item storage backed by SQLite.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the database at path and prepares the
// schema. WAL mode keeps the reconciliation loop's writes from blocking
// concurrent reads.
func Open(path string) (*Repository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &Repository{
		db:  db,
		log: logging.NewLogger("store"),
	}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		imei TEXT NOT NULL UNIQUE,
		order_id TEXT UNIQUE,
		service_id INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'Submitted',
		raw_result TEXT NOT NULL DEFAULT '',
		parsed_fields TEXT NOT NULL DEFAULT '{}',
		submitted_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);
	CREATE INDEX IF NOT EXISTS idx_work_items_order_id ON work_items(order_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Insert stores a new work item. It returns ErrAlreadyExists when the
// identifier (or order id) is already tracked, leaving the existing row
// untouched.
func (r *Repository) Insert(ctx context.Context, item *WorkItem) error {
	query := `
		INSERT INTO work_items (imei, order_id, service_id, status, raw_result, parsed_fields, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	item.SubmittedAt = now
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = StatusSubmitted
	}

	fieldsJSON, err := encodeFields(item.ParsedFields)
	if err != nil {
		return err
	}

	// SQLite allows multiple NULLs in a UNIQUE column, but not multiple
	// empty strings; orders that were accepted without an id stay NULL.
	var orderID interface{}
	if item.OrderID != "" {
		orderID = item.OrderID
	}

	res, err := r.db.ExecContext(ctx, query,
		item.IMEI,
		orderID,
		item.ServiceID,
		item.Status,
		item.RawResult,
		fieldsJSON,
		item.SubmittedAt.Unix(),
		item.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert work item: %w", err)
	}

	item.ID, _ = res.LastInsertId()
	return nil
}

// InsertAll stores a batch of work items in one transaction, skipping those
// already tracked. It reports how many were stored and how many skipped.
func (r *Repository) InsertAll(ctx context.Context, items []*WorkItem) (stored, skipped int, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO work_items (imei, order_id, service_id, status, raw_result, parsed_fields, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, item := range items {
		if item.Status == "" {
			item.Status = StatusSubmitted
		}
		fieldsJSON, err := encodeFields(item.ParsedFields)
		if err != nil {
			return 0, 0, err
		}
		var orderID interface{}
		if item.OrderID != "" {
			orderID = item.OrderID
		}

		res, err := stmt.ExecContext(ctx, item.IMEI, orderID, item.ServiceID, item.Status, item.RawResult, fieldsJSON, now, now)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to insert work item %s: %w", item.IMEI, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			skipped++
		} else {
			stored++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit: %w", err)
	}
	return stored, skipped, nil
}

// UpdateResult merges reconciliation output into an existing item. Only
// non-empty incoming values overwrite stored columns, so a result that went
// missing on the service side can never blank out data we already have. The
// update is refused (returning false) when the status transition would move
// the item backwards or out of a terminal state.
func (r *Repository) UpdateResult(ctx context.Context, imei string, status Status, rawResult string, fields map[string]string) (bool, error) {
	current, err := r.GetByIMEI(ctx, imei)
	if err != nil {
		return false, err
	}

	if !current.Status.CanTransition(status) {
		r.log.Warn().
			Str("imei", imei).
			Str("from", string(current.Status)).
			Str("to", string(status)).
			Msg("Refusing backwards status transition")
		return false, nil
	}

	merged := current.ParsedFields
	if merged == nil {
		merged = make(map[string]string)
	}
	for k, v := range fields {
		if v != "" {
			merged[k] = v
		}
	}
	fieldsJSON, err := encodeFields(merged)
	if err != nil {
		return false, err
	}

	// COALESCE keeps the stored result text when the incoming one is empty;
	// the status predicate guards against a concurrent writer having moved
	// the row since we read it.
	query := `
		UPDATE work_items
		SET status = ?,
		    raw_result = COALESCE(NULLIF(?, ''), raw_result),
		    parsed_fields = ?,
		    updated_at = ?
		WHERE imei = ? AND status = ?
	`
	res, err := r.db.ExecContext(ctx, query, status, rawResult, fieldsJSON, time.Now().Unix(), imei, current.Status)
	if err != nil {
		return false, fmt.Errorf("failed to update work item %s: %w", imei, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetOrderID records the service-assigned order id for an identifier after
// a resubmission.
func (r *Repository) SetOrderID(ctx context.Context, imei, orderID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE work_items SET order_id = ?, updated_at = ? WHERE imei = ?`,
		orderID, time.Now().Unix(), imei)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to set order id for %s: %w", imei, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByIMEI returns the work item tracking the given identifier.
func (r *Repository) GetByIMEI(ctx context.Context, imei string) (*WorkItem, error) {
	return r.getOne(ctx, `WHERE imei = ?`, imei)
}

// GetByOrderID returns the work item tracking the given service order id.
func (r *Repository) GetByOrderID(ctx context.Context, orderID string) (*WorkItem, error) {
	return r.getOne(ctx, `WHERE order_id = ?`, orderID)
}

func (r *Repository) getOne(ctx context.Context, where string, arg interface{}) (*WorkItem, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+where, arg)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query work item: %w", err)
	}
	return item, nil
}

// ListByStatus returns all items currently in any of the given states,
// ordered oldest-first so long-waiting orders are reconciled first.
func (r *Repository) ListByStatus(ctx context.Context, statuses ...Status) ([]*WorkItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}

	query := selectColumns + `WHERE status IN (` + placeholders + `) ORDER BY submitted_at ASC`
	return r.list(ctx, query, args...)
}

// ListOutstanding returns all items in a non-terminal state.
func (r *Repository) ListOutstanding(ctx context.Context) ([]*WorkItem, error) {
	return r.ListByStatus(ctx, StatusSubmitted, StatusInProcess)
}

// ListRecent returns the most recently updated items, newest first.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]*WorkItem, error) {
	return r.list(ctx, selectColumns+`ORDER BY updated_at DESC LIMIT ?`, limit)
}

// FilterKnown partitions identifiers into those already tracked and those
// not yet seen, preserving input order within each group.
func (r *Repository) FilterKnown(ctx context.Context, imeis []string) (known, unknown []string, err error) {
	existing := make(map[string]bool, len(imeis))

	// Chunked to stay under SQLite's bound-parameter limit.
	const chunk = 500
	for start := 0; start < len(imeis); start += chunk {
		end := start + chunk
		if end > len(imeis) {
			end = len(imeis)
		}
		part := imeis[start:end]

		placeholders := strings.Repeat("?,", len(part))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]interface{}, len(part))
		for i, imei := range part {
			args[i] = imei
		}

		rows, err := r.db.QueryContext(ctx, `SELECT imei FROM work_items WHERE imei IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to query known identifiers: %w", err)
		}
		for rows.Next() {
			var imei string
			if err := rows.Scan(&imei); err != nil {
				rows.Close()
				return nil, nil, err
			}
			existing[imei] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, nil, err
		}
		rows.Close()
	}

	for _, imei := range imeis {
		if existing[imei] {
			known = append(known, imei)
		} else {
			unknown = append(unknown, imei)
		}
	}
	return known, unknown, nil
}

// Stats returns the number of items per status.
func (r *Repository) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

const selectColumns = `SELECT id, imei, COALESCE(order_id, ''), service_id, status, raw_result, parsed_fields, submitted_at, updated_at FROM work_items `

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]*WorkItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query work items: %w", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*WorkItem, error) {
	var item WorkItem
	var fieldsJSON string
	var submittedAt, updatedAt int64

	err := row.Scan(&item.ID, &item.IMEI, &item.OrderID, &item.ServiceID, &item.Status, &item.RawResult, &fieldsJSON, &submittedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &item.ParsedFields); err != nil {
		return nil, fmt.Errorf("failed to decode parsed fields for %s: %w", item.IMEI, err)
	}
	item.SubmittedAt = time.Unix(submittedAt, 0)
	item.UpdatedAt = time.Unix(updatedAt, 0)
	return &item, nil
}

func encodeFields(fields map[string]string) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode parsed fields: %w", err)
	}
	return string(data), nil
}
