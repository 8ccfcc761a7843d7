package migrate_test

import (
	"context"
	"testing"

	"hearth/internal/db"
	"hearth/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v < 1 {
		t.Fatalf("version = %d, want >= 1", v)
	}
	// re-running applies nothing and keeps the version
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	again, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	if again != v {
		t.Fatalf("version changed on rerun: %d -> %d", v, again)
	}
	// the full schema is queryable after migration
	for _, table := range []string{"tasks", "runs", "events", "bills", "calendar_events", "transactions", "memories"} {
		var count int
		if err := conn.QueryRowContext(ctx, `SELECT count(*) FROM `+table).Scan(&count); err != nil {
			t.Fatalf("table %s: %v", table, err)
		}
	}
}
