package sink

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"cloudpico-stations/internal/reading"
)

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-readings.sql
var getReadingsSQL string

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// ReadingRepository stores readings and reads back their history.
type ReadingRepository interface {
	Sink
	History(ctx context.Context, station string, from, to time.Time, limit int) ([]Row, error)
}

// SQLRepository writes readings to the sqlite readings table, one row per datum.
type SQLRepository struct {
	db *sql.DB
}

func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Persist inserts every datum of r in one transaction.
func (s *SQLRepository) Persist(ctx context.Context, station string, r reading.Reading) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Error("sqlite rollback", "station", station, "error", rbErr)
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertReadingSQL)
	if err != nil {
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			slog.Error("close insert statement", "error", err)
		}
	}()

	for _, row := range rows(station, r) {
		var v any
		if row.Value != nil {
			v = *row.Value
		}
		if _, err = stmt.ExecContext(ctx, row.Station, row.Time.Format(tsLayout), string(row.Datum), v); err != nil {
			return fmt.Errorf("sqlite insert %s/%s: %w", station, row.Datum, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// History returns up to limit rows of station between from and to, oldest first.
func (s *SQLRepository) History(ctx context.Context, station string, from, to time.Time, limit int) ([]Row, error) {
	res, err := s.db.QueryContext(ctx, getReadingsSQL,
		station, from.UTC().Format(tsLayout), to.UTC().Format(tsLayout), limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := res.Close(); err != nil {
			slog.Error("close readings rows", "error", err)
		}
	}()

	var out []Row
	for res.Next() {
		var (
			row   Row
			ts    string
			datum string
			value sql.NullFloat64
		)
		if err := res.Scan(&row.Station, &ts, &datum, &value); err != nil {
			return nil, err
		}
		row.Time, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		row.Datum = reading.Datum(datum)
		if value.Valid {
			v := value.Float64
			row.Value = &v
		}
		out = append(out, row)
	}
	return out, res.Err()
}
