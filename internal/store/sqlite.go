package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/models"
)

// SQLiteStore implements BarStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the bar database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(symbol, timeframe, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_bars_symbol_timeframe ON bars(symbol, timeframe, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveBars upserts bars in one transaction. Timestamps are stored in UTC.
func (s *SQLiteStore) SaveBars(ctx context.Context, timeframe string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (symbol, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if b.Symbol == "" {
			return apperrors.NewDataError("bars", "", "bar without symbol", apperrors.ErrInputValidation)
		}
		_, err := stmt.ExecContext(ctx, b.Symbol, timeframe, b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return fmt.Errorf("failed to insert bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetBars retrieves bars from the database. An empty result is ErrDataNotFound.
func (s *SQLiteStore) GetBars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Bar, error) {
	var sb strings.Builder
	sb.WriteString("SELECT timestamp, open, high, low, close, volume FROM bars WHERE symbol = ? AND timeframe = ?")
	args := []interface{}{symbol, timeframe}
	if !from.IsZero() {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, to.UTC())
	}
	sb.WriteString(" ORDER BY timestamp ASC")

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		b := models.Bar{Symbol: symbol}
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		b.Timestamp = b.Timestamp.UTC()
		bars = append(bars, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}

	if len(bars) == 0 {
		return nil, apperrors.NewDataError("bars", symbol, fmt.Sprintf("no %s bars in range", timeframe), apperrors.ErrDataNotFound)
	}

	return bars, nil
}

// GetBarsFreshness returns the timestamp of the most recent bar, or the zero time.
func (s *SQLiteStore) GetBarsFreshness(ctx context.Context, symbol, timeframe string) (time.Time, error) {
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM bars WHERE symbol = ? AND timeframe = ?
	`, symbol, timeframe).Scan(&latest)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("failed to get bars freshness: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return parseTimestamp(latest.String)
}

// Symbols lists the symbols that have bars of the given timeframe.
func (s *SQLiteStore) Symbols(ctx context.Context, timeframe string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT symbol FROM bars WHERE timeframe = ? ORDER BY symbol
	`, timeframe)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// MAX() loses the column's declared type, so the driver hands back text.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperrors.NewDataError("bars", "", "unparseable timestamp "+s, apperrors.ErrMalformedBar)
}
