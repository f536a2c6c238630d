package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLStore implements Store on Postgres, SQLite or MySQL. The connection is
// opened and the schema applied lazily on first use.
type SQLStore struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	db     *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(postgresDialect, dsn)
}

// NewSQLiteStore opens a SQLite database at path (":memory:" works too).
func NewSQLiteStore(path string) (*SQLStore, error) {
	return newSQLStore(sqliteDialect, path)
}

// NewMySQLStore takes a go-sql-driver DSN such as user:pass@tcp(host:3306)/db.
func NewMySQLStore(dsn string) (*SQLStore, error) {
	return newSQLStore(mysqlDialect, dsn)
}

func newSQLStore(dialect sqlDialect, dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:     dsn,
		dialect: dialect,
		openDB:  sql.Open,
		now:     time.Now,
	}, nil
}

func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

// conn returns the open database, connecting and applying the schema on
// first use. A failed connect is retried by the next call. After Close every
// call reports ErrClosed.
func (s *SQLStore) conn() (*sql.DB, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.db != nil {
		return s.db, nil
	}

	db, err := s.openDB(s.dialect.driver, s.dsn)
	if err != nil {
		return nil, err
	}
	if s.dialect.name == sqliteDialect.name {
		db.SetMaxOpenConns(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", s.dialect.name, err)
	}
	for _, stmt := range append(append([]string{}, s.dialect.pragmas...), s.dialect.schema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s schema: %w", s.dialect.name, err)
		}
	}
	s.db = db
	return db, nil
}

// Close releases the connection pool. It is safe to call more than once and
// before the store was ever used.
func (s *SQLStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil
	return db.Close()
}

const invoiceColumns = "i.id, i.invoice_id, i.supplier, i.posting_date, i.grand_total, i.erp_modified, i.items_hash, i.updated_at"

func (s *SQLStore) GetInvoice(ctx context.Context, externalID string) (Invoice, error) {
	db, err := s.conn()
	if err != nil {
		return Invoice{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.dialect.rebind("SELECT " + invoiceColumns + " FROM invoices i WHERE i.invoice_id = ?")
	invoices, err := s.queryInvoices(ctx, db, query, strings.TrimSpace(externalID))
	if err != nil {
		return Invoice{}, err
	}
	if len(invoices) == 0 {
		return Invoice{}, ErrNotFound
	}
	return invoices[0], nil
}

func (s *SQLStore) ListInvoices(ctx context.Context, limit int) ([]Invoice, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.dialect.rebind("SELECT " + invoiceColumns + " FROM invoices i ORDER BY i.id DESC LIMIT ?")
	return s.queryInvoices(ctx, db, query, limit)
}

func (s *SQLStore) ListAnomalies(ctx context.Context, minScore float64, limit int) ([]Invoice, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.dialect.rebind("SELECT " + invoiceColumns + ` FROM invoices i
		JOIN risk_analysis r ON r.invoice_fk = i.id
		WHERE r.score >= ?
		ORDER BY r.score DESC, i.id DESC
		LIMIT ?`)
	return s.queryInvoices(ctx, db, query, minScore, limit)
}

func (s *SQLStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if fn == nil {
		return ErrInvalidInput
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqlTx{store: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLStore) GetCursor(ctx context.Context, key string) (string, bool, error) {
	db, err := s.conn()
	if err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var value string
	err = db.QueryRowContext(ctx, s.dialect.rebind("SELECT state_value FROM sync_state WHERE state_key = ?"), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) SetCursor(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	_, err = db.ExecContext(ctx, s.dialect.rebind(s.dialect.upsertState), key, value, s.timestamp())
	return err
}

func (s *SQLStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLStore) queryInvoices(ctx context.Context, q queryer, query string, args ...any) ([]Invoice, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		ids      []int64
		invoices []Invoice
	)
	for rows.Next() {
		var (
			id        int64
			inv       Invoice
			updatedAt string
		)
		if err := rows.Scan(&id, &inv.ExternalID, &inv.Supplier, &inv.PostingDate, &inv.GrandTotal, &inv.Modified, &inv.Fingerprint, &updatedAt); err != nil {
			return nil, err
		}
		inv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		ids = append(ids, id)
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Invoice{}, nil
	}

	items, err := s.loadItems(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	risks, err := s.loadRisks(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		invoices[i].Items = items[id]
		if invoices[i].Items == nil {
			invoices[i].Items = []LineItem{}
		}
		if risk, ok := risks[id]; ok {
			invoices[i].Risk = &risk
		}
	}
	return invoices, nil
}

func (s *SQLStore) loadItems(ctx context.Context, q queryer, ids []int64) (map[int64][]LineItem, error) {
	query := s.dialect.rebind(fmt.Sprintf(`SELECT invoice_fk, idx, item_code, item_name, qty, rate, amount
		FROM invoice_items WHERE invoice_fk IN (%s)
		ORDER BY invoice_fk, idx, item_code`, placeholders(len(ids))))
	rows, err := q.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]LineItem, len(ids))
	for rows.Next() {
		var (
			fk   int64
			item LineItem
		)
		if err := rows.Scan(&fk, &item.Idx, &item.ItemCode, &item.ItemName, &item.Qty, &item.Rate, &item.Amount); err != nil {
			return nil, err
		}
		out[fk] = append(out[fk], item)
	}
	return out, rows.Err()
}

func (s *SQLStore) loadRisks(ctx context.Context, q queryer, ids []int64) (map[int64]RiskAssessment, error) {
	query := s.dialect.rebind(fmt.Sprintf(`SELECT invoice_fk, score, risk_level, reasons, calculated_at
		FROM risk_analysis WHERE invoice_fk IN (%s)`, placeholders(len(ids))))
	rows, err := q.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]RiskAssessment, len(ids))
	for rows.Next() {
		var (
			fk           int64
			risk         RiskAssessment
			level        string
			reasons      string
			calculatedAt string
		)
		if err := rows.Scan(&fk, &risk.Score, &level, &reasons, &calculatedAt); err != nil {
			return nil, err
		}
		risk.Level = RiskLevel(level)
		if err := json.Unmarshal([]byte(reasons), &risk.Reasons); err != nil {
			return nil, fmt.Errorf("decode risk reasons for invoice %d: %w", fk, err)
		}
		risk.CalculatedAt, _ = time.Parse(time.RFC3339Nano, calculatedAt)
		out[fk] = risk
	}
	return out, rows.Err()
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

type sqlTx struct {
	store *SQLStore
	tx    *sql.Tx
}

func (t *sqlTx) UpsertInvoice(ctx context.Context, inv Invoice, items []LineItem) error {
	id := strings.TrimSpace(inv.ExternalID)
	if id == "" {
		return ErrInvalidInput
	}
	d := t.store.dialect
	now := t.store.timestamp()

	fk, err := t.invoiceFK(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		fk, err = t.insertInvoice(ctx, id, inv, now)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		_, err = t.tx.ExecContext(ctx, d.rebind(`UPDATE invoices
			SET supplier = ?, posting_date = ?, grand_total = ?, erp_modified = ?, items_hash = ?, updated_at = ?
			WHERE id = ?`),
			inv.Supplier, inv.PostingDate, inv.GrandTotal, inv.Modified, inv.Fingerprint, now, fk)
		if err != nil {
			return fmt.Errorf("update invoice %s: %w", id, err)
		}
	}

	if _, err := t.tx.ExecContext(ctx, d.rebind("DELETE FROM invoice_items WHERE invoice_fk = ?"), fk); err != nil {
		return fmt.Errorf("clear items for %s: %w", id, err)
	}
	insertItem := d.rebind(`INSERT INTO invoice_items (invoice_fk, idx, item_code, item_name, qty, rate, amount)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, item := range items {
		if _, err := t.tx.ExecContext(ctx, insertItem, fk, item.Idx, item.ItemCode, item.ItemName, item.Qty, item.Rate, item.Amount); err != nil {
			return fmt.Errorf("insert item %d/%s for %s: %w", item.Idx, item.ItemCode, id, err)
		}
	}
	return nil
}

func (t *sqlTx) insertInvoice(ctx context.Context, id string, inv Invoice, now string) (int64, error) {
	d := t.store.dialect
	query := `INSERT INTO invoices (invoice_id, supplier, posting_date, grand_total, erp_modified, items_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	args := []any{id, inv.Supplier, inv.PostingDate, inv.GrandTotal, inv.Modified, inv.Fingerprint, now}
	if d.returningID {
		var fk int64
		if err := t.tx.QueryRowContext(ctx, d.rebind(query+" RETURNING id"), args...).Scan(&fk); err != nil {
			return 0, fmt.Errorf("insert invoice %s: %w", id, err)
		}
		return fk, nil
	}
	res, err := t.tx.ExecContext(ctx, d.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("insert invoice %s: %w", id, err)
	}
	return res.LastInsertId()
}

func (t *sqlTx) PutRisk(ctx context.Context, externalID string, assessment RiskAssessment) error {
	id := strings.TrimSpace(externalID)
	fk, err := t.invoiceFK(ctx, id)
	if err != nil {
		return err
	}
	reasons := assessment.Reasons
	if reasons == nil {
		reasons = []RiskReason{}
	}
	payload, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("encode risk reasons for %s: %w", id, err)
	}
	calculatedAt := assessment.CalculatedAt
	if calculatedAt.IsZero() {
		calculatedAt = t.store.now()
	}

	d := t.store.dialect
	if _, err := t.tx.ExecContext(ctx, d.rebind("DELETE FROM risk_analysis WHERE invoice_fk = ?"), fk); err != nil {
		return fmt.Errorf("clear risk for %s: %w", id, err)
	}
	_, err = t.tx.ExecContext(ctx, d.rebind(`INSERT INTO risk_analysis (invoice_fk, score, risk_level, reasons, calculated_at)
		VALUES (?, ?, ?, ?, ?)`),
		fk, assessment.Score, string(assessment.Level), string(payload), calculatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert risk for %s: %w", id, err)
	}
	return nil
}

func (t *sqlTx) invoiceFK(ctx context.Context, externalID string) (int64, error) {
	var fk int64
	err := t.tx.QueryRowContext(ctx, t.store.dialect.rebind("SELECT id FROM invoices WHERE invoice_id = ?"), externalID).Scan(&fk)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return fk, nil
}
