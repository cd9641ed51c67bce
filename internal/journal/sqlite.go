// Package journal appends confirmed lifecycle events to a SQLite table.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"skytrader/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_journal (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	direction  TEXT NOT NULL DEFAULT '',
	price      TEXT NOT NULL DEFAULT '0',
	quantity   TEXT NOT NULL DEFAULT '0',
	order_id   INTEGER NOT NULL DEFAULT 0,
	note       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trade_journal_symbol ON trade_journal(symbol, id);
`

// Entry is a stored journal row
type Entry struct {
	ID        int64
	CreatedAt time.Time
	core.JournalEvent
}

type SQLiteJournal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the journal database at path
func Open(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// sqlite allows one writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &SQLiteJournal{db: db, now: time.Now}, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, ev core.JournalEvent) error {
	const q = `INSERT INTO trade_journal (created_at, kind, symbol, direction, price, quantity, order_id, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, q,
		j.now().UnixNano(), ev.Kind, ev.Symbol, string(ev.Direction),
		ev.Price.String(), ev.Quantity.String(), ev.OrderID, ev.Note)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", ev.Kind, err)
	}
	return nil
}

// Recent returns up to limit entries for symbol, newest first
func (j *SQLiteJournal) Recent(ctx context.Context, symbol string, limit int) ([]Entry, error) {
	const q = `SELECT id, created_at, kind, symbol, direction, price, quantity, order_id, note
		FROM trade_journal WHERE symbol = ? ORDER BY id DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, q, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			created    int64
			dir        string
			price, qty string
		)
		if err := rows.Scan(&e.ID, &created, &e.Kind, &e.Symbol, &dir, &price, &qty, &e.OrderID, &e.Note); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		e.Direction = core.Direction(dir)
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("journal row %d: bad price %q: %w", e.ID, price, err)
		}
		if e.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("journal row %d: bad quantity %q: %w", e.ID, qty, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

var _ core.IJournal = (*SQLiteJournal)(nil)
