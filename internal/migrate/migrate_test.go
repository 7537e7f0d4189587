package migrate

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRun_appliesSchemaOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	done, err := Run(ctx, db, quietLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(done) == 0 || done[0] != "0001" {
		t.Fatalf("applied = %v, want 0001 first", done)
	}

	if _, err := db.Exec(`INSERT INTO readings (station, ts, datum, value) VALUES ('outside', '2024-03-01T20:10:00.000000000Z', 'wind_speed', NULL)`); err != nil {
		t.Fatalf("insert into migrated readings: %v", err)
	}
	var idx int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_readings_ts'`).Scan(&idx); err != nil {
		t.Fatalf("index lookup: %v", err)
	}
	if idx != 1 {
		t.Error("idx_readings_ts not created")
	}

	again, err := Run(ctx, db, quietLogger())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second Run applied %v, want nothing", again)
	}
}

func TestPendingMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/0002_b.sql":   {Data: []byte("SELECT 2;")},
		"sql/0001_a.sql":   {Data: []byte("SELECT 1;")},
		"sql/0003_c.sql":   {Data: []byte("SELECT 3;")},
		"sql/README.md":    {Data: []byte("not a migration")},
		"sql/12_short.sql": {Data: []byte("SELECT 12;")},
	}

	got, err := pendingMigrations(fsys, map[string]bool{"0002": true})
	if err != nil {
		t.Fatalf("pendingMigrations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("pending = %d, want 2", len(got))
	}
	if got[0].version != "0001" || got[0].name != "a" || got[1].version != "0003" {
		t.Errorf("pending = %+v", got)
	}
}

func TestApply_rollsBackFailedMigration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := ensureMigrationsTable(ctx, db); err != nil {
		t.Fatalf("ensureMigrationsTable: %v", err)
	}

	err := apply(ctx, db, migration{version: "0099", name: "broken", body: "CREATE TABLE ok (id INTEGER); CREATE TABLE ok (id INTEGER);"})
	if err == nil {
		t.Fatal("apply: expected error")
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		t.Fatalf("appliedVersions: %v", err)
	}
	if applied["0099"] {
		t.Error("failed migration recorded as applied")
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'ok'`).Scan(&n); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if n != 0 {
		t.Error("partial migration was not rolled back")
	}
}
