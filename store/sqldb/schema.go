package sqldb

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// tables holds the quoted table names.
type tables struct {
	counters  string
	documents string
	values    string
	bitmaps   string
	terms     string
	states    string
	changes   string
	quota     string
}

func newTables(prefix string) tables {
	q := func(name string) string { return pq.QuoteIdentifier(prefix + name) }
	return tables{
		counters:  q("counters"),
		documents: q("documents"),
		values:    q("property_values"),
		bitmaps:   q("bitmaps"),
		terms:     q("term_index"),
		states:    q("states"),
		changes:   q("change_log"),
		quota:     q("quota"),
	}
}

// blobType returns the binary column type for the driver.
func blobType(driver string) string {
	if driver == "postgres" {
		return "BYTEA"
	}
	return "BLOB"
}

func (s *Store) ensureSchema(ctx context.Context) error {
	t := s.tables
	blob := blobType(s.db.DriverName())
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			account_id BIGINT NOT NULL,
			kind SMALLINT NOT NULL,
			collection SMALLINT NOT NULL,
			next_id BIGINT NOT NULL,
			PRIMARY KEY (account_id, kind, collection)
		)`, t.counters),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			account_id BIGINT NOT NULL,
			collection SMALLINT NOT NULL,
			document_id BIGINT NOT NULL,
			PRIMARY KEY (account_id, collection, document_id)
		)`, t.documents),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			account_id BIGINT NOT NULL,
			collection SMALLINT NOT NULL,
			document_id BIGINT NOT NULL,
			property VARCHAR(255) NOT NULL,
			value %s NOT NULL,
			PRIMARY KEY (account_id, collection, document_id, property)
		)`, t.values, blob),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			account_id BIGINT NOT NULL,
			collection SMALLINT NOT NULL,
			property VARCHAR(255) NOT NULL,
			bit_key TEXT NOT NULL,
			document_id BIGINT NOT NULL,
			PRIMARY KEY (account_id, collection, property, bit_key, document_id)
		)`, t.bitmaps),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			account_id BIGINT NOT NULL,
			collection SMALLINT NOT NULL,
			document_id BIGINT NOT NULL,
			data %s NOT NULL,
			PRIMARY KEY (account_id, collection, document_id)
		)`, t.terms, blob),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			account_id BIGINT NOT NULL,
			collection SMALLINT NOT NULL,
			change_id BIGINT NOT NULL,
			PRIMARY KEY (account_id, collection)
		)`, t.states),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			account_id BIGINT NOT NULL,
			collection SMALLINT NOT NULL,
			change_id BIGINT NOT NULL,
			entries TEXT NOT NULL,
			PRIMARY KEY (account_id, collection, change_id)
		)`, t.changes),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			account_id BIGINT PRIMARY KEY,
			used BIGINT NOT NULL
		)`, t.quota),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (account_id, collection, document_id, property)`,
		pq.QuoteIdentifier(s.opts.tablePrefix+"bitmaps_doc_idx"), t.bitmaps)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		s.logger.Warn("failed to create index", "error", err, "sql", idx)
	}
	return nil
}
