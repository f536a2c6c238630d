package ledger

import (
	"strconv"
	"strings"
)

type sqlDialect struct {
	name        string
	driver      string
	numbered    bool
	returningID bool
	schema      []string
	pragmas     []string
	upsertState string
}

var postgresDialect = sqlDialect{
	name:        "postgres",
	driver:      "postgres",
	numbered:    true,
	returningID: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id BIGSERIAL PRIMARY KEY,
			invoice_id TEXT NOT NULL UNIQUE,
			supplier TEXT NOT NULL DEFAULT '',
			posting_date TEXT NOT NULL DEFAULT '',
			grand_total DOUBLE PRECISION NOT NULL DEFAULT 0,
			erp_modified TEXT NOT NULL DEFAULT '',
			items_hash TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS invoice_items (
			id BIGSERIAL PRIMARY KEY,
			invoice_fk BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			item_code TEXT NOT NULL,
			item_name TEXT NOT NULL DEFAULT '',
			qty DOUBLE PRECISION NOT NULL DEFAULT 0,
			rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			UNIQUE (invoice_fk, idx, item_code)
		)`,
		`CREATE TABLE IF NOT EXISTS risk_analysis (
			id BIGSERIAL PRIMARY KEY,
			invoice_fk BIGINT NOT NULL UNIQUE REFERENCES invoices(id) ON DELETE CASCADE,
			score DOUBLE PRECISION NOT NULL,
			risk_level TEXT NOT NULL,
			reasons TEXT NOT NULL,
			calculated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS risk_analysis_score_idx ON risk_analysis (score)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			state_key TEXT PRIMARY KEY,
			state_value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	},
	upsertState: `INSERT INTO sync_state (state_key, state_value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (state_key) DO UPDATE SET state_value = excluded.state_value, updated_at = excluded.updated_at`,
}

var sqliteDialect = sqlDialect{
	name:        "sqlite",
	driver:      "sqlite3",
	returningID: false,
	pragmas: []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invoice_id TEXT NOT NULL UNIQUE,
			supplier TEXT NOT NULL DEFAULT '',
			posting_date TEXT NOT NULL DEFAULT '',
			grand_total REAL NOT NULL DEFAULT 0,
			erp_modified TEXT NOT NULL DEFAULT '',
			items_hash TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS invoice_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invoice_fk INTEGER NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			item_code TEXT NOT NULL,
			item_name TEXT NOT NULL DEFAULT '',
			qty REAL NOT NULL DEFAULT 0,
			rate REAL NOT NULL DEFAULT 0,
			amount REAL NOT NULL DEFAULT 0,
			UNIQUE (invoice_fk, idx, item_code)
		)`,
		`CREATE TABLE IF NOT EXISTS risk_analysis (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invoice_fk INTEGER NOT NULL UNIQUE REFERENCES invoices(id) ON DELETE CASCADE,
			score REAL NOT NULL,
			risk_level TEXT NOT NULL,
			reasons TEXT NOT NULL,
			calculated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS risk_analysis_score_idx ON risk_analysis (score)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			state_key TEXT PRIMARY KEY,
			state_value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	},
	upsertState: `INSERT INTO sync_state (state_key, state_value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (state_key) DO UPDATE SET state_value = excluded.state_value, updated_at = excluded.updated_at`,
}

var mysqlDialect = sqlDialect{
	name:   "mysql",
	driver: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			invoice_id VARCHAR(140) NOT NULL,
			supplier VARCHAR(255) NOT NULL DEFAULT '',
			posting_date VARCHAR(32) NOT NULL DEFAULT '',
			grand_total DOUBLE NOT NULL DEFAULT 0,
			erp_modified VARCHAR(64) NOT NULL DEFAULT '',
			items_hash VARCHAR(64) NOT NULL DEFAULT '',
			updated_at VARCHAR(64) NOT NULL DEFAULT '',
			UNIQUE KEY invoices_invoice_id_uq (invoice_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS invoice_items (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			invoice_fk BIGINT NOT NULL,
			idx INT NOT NULL,
			item_code VARCHAR(140) NOT NULL,
			item_name VARCHAR(255) NOT NULL DEFAULT '',
			qty DOUBLE NOT NULL DEFAULT 0,
			rate DOUBLE NOT NULL DEFAULT 0,
			amount DOUBLE NOT NULL DEFAULT 0,
			UNIQUE KEY invoice_items_uq (invoice_fk, idx, item_code),
			CONSTRAINT invoice_items_invoice_fk FOREIGN KEY (invoice_fk) REFERENCES invoices(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS risk_analysis (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			invoice_fk BIGINT NOT NULL,
			score DOUBLE NOT NULL,
			risk_level VARCHAR(16) NOT NULL,
			reasons TEXT NOT NULL,
			calculated_at VARCHAR(64) NOT NULL,
			UNIQUE KEY risk_analysis_invoice_uq (invoice_fk),
			KEY risk_analysis_score_idx (score),
			CONSTRAINT risk_analysis_invoice_fk FOREIGN KEY (invoice_fk) REFERENCES invoices(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			state_key VARCHAR(191) NOT NULL PRIMARY KEY,
			state_value TEXT NOT NULL,
			updated_at VARCHAR(64) NOT NULL
		) ENGINE=InnoDB`,
	},
	upsertState: `INSERT INTO sync_state (state_key, state_value, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE state_value = VALUES(state_value), updated_at = VALUES(updated_at)`,
}

// rebind rewrites ? placeholders into $1..$n for dialects that need it.
func (d sqlDialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
