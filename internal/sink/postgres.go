package sink

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"cloudpico-stations/internal/reading"
)

//go:embed sql/pg-schema.sql
var pgSchemaSQL string

//go:embed sql/pg-insert-reading.sql
var pgInsertReadingSQL string

//go:embed sql/pg-get-readings.sql
var pgGetReadingsSQL string

// pgConn is the part of *pgxpool.Pool the repository uses.
type pgConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository stores readings in the same per-datum layout as
// SQLRepository, batched in one transaction per reading.
type PostgresRepository struct {
	pool pgConn
}

func NewPostgresRepository(pool pgConn) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// EnsureSchema creates the readings table if it does not exist.
func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, pgSchemaSQL); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Persist(ctx context.Context, station string, r reading.Reading) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer func() {
		// no-op once committed
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("postgres rollback", "station", station, "error", err)
		}
	}()

	batch := &pgx.Batch{}
	for _, row := range rows(station, r) {
		batch.Queue(pgInsertReadingSQL, row.Station, row.Time, string(row.Datum), row.Value)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres insert %s: %w", station, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	return nil
}

func (p *PostgresRepository) History(ctx context.Context, station string, from, to time.Time, limit int) ([]Row, error) {
	res, err := p.pool.Query(ctx, pgGetReadingsSQL, station, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var out []Row
	for res.Next() {
		var (
			row   Row
			datum string
		)
		if err := res.Scan(&row.Station, &row.Time, &datum, &row.Value); err != nil {
			return nil, err
		}
		row.Time = row.Time.UTC()
		row.Datum = reading.Datum(datum)
		out = append(out, row)
	}
	return out, res.Err()
}
