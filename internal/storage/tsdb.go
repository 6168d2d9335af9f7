package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/g6/collector/internal/domain"
	_ "modernc.org/sqlite" // pure Go driver, no cgo toolchain required
)

// buildConnectionString tunes the connection for a high write volume
// workload that is tolerant of losing the last fraction of a second on
// an unclean shutdown: relaxed durability PRAGMAs rather than a
// fully-durable ledger profile.
func buildConnectionString(path string) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(OFF)"
	connStr += "&_pragma=temp_store(MEMORY)"
	connStr += "&_pragma=cache_size(-64000)"
	connStr += "&_pragma=busy_timeout(5000)"
	return connStr
}

const schema = `
CREATE TABLE IF NOT EXISTS quotes (
	ts          TEXT NOT NULL,
	idx         TEXT NOT NULL,
	rule        TEXT NOT NULL,
	expiry      TEXT NOT NULL,
	strike      REAL NOT NULL,
	opt_type    TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	last_price  REAL NOT NULL,
	volume      INTEGER,
	oi          INTEGER,
	bid         REAL,
	ask         REAL,
	iv          REAL,
	delta       REAL,
	gamma       REAL,
	theta       REAL,
	vega        REAL,
	rho         REAL
);
CREATE INDEX IF NOT EXISTS idx_quotes_lookup ON quotes(idx, expiry, ts);
`

// TSDBSink is the optional embedded time-series sink (G6_TSDB_ENABLED):
// pure-Go modernc.org/sqlite driver, WAL journaling, a bounded
// connection pool tuned for a single long-running process.
type TSDBSink struct {
	db *sql.DB
}

func NewTSDBSink(path string) (*TSDBSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("tsdb: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", buildConnectionString(path))
	if err != nil {
		return nil, fmt.Errorf("tsdb: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(24 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("tsdb: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("tsdb: migrate: %w", err)
	}
	return &TSDBSink{db: db}, nil
}

func (t *TSDBSink) WriteRows(ctx context.Context, rows []domain.Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tsdb: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO quotes
		(ts, idx, rule, expiry, strike, opt_type, symbol, last_price, volume, oi, bid, ask, iv, delta, gamma, theta, vega, rho)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("tsdb: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var delta, gamma, theta, vega, rho any
		if r.Greeks != nil {
			delta, gamma, theta, vega, rho = r.Greeks.Delta, r.Greeks.Gamma, r.Greeks.Theta, r.Greeks.Vega, r.Greeks.Rho
		}
		_, err := stmt.ExecContext(ctx,
			r.Timestamp.UTC().Format(time.RFC3339Nano), r.Index, r.Rule, r.Expiry.Format("2006-01-02"),
			r.Strike, string(r.Type), r.Quote.Symbol, r.Quote.LastPrice,
			ptrToAny(r.Quote.Volume), ptrToAny(r.Quote.OI), ptrToAny(r.Quote.Bid), ptrToAny(r.Quote.Ask), ptrToAny(r.Quote.IV),
			delta, gamma, theta, vega, rho,
		)
		if err != nil {
			return fmt.Errorf("tsdb: insert: %w", err)
		}
	}
	return tx.Commit()
}

func ptrToAny[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func (t *TSDBSink) Close() error {
	return t.db.Close()
}
