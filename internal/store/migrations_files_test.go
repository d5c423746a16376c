package store

import (
	"context"
	"io/fs"
	"regexp"
	"slices"
	"strings"
	"testing"
)

func TestMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(Migrations(), "*.up.sql")
	if err != nil {
		t.Fatalf("glob up migrations: %v", err)
	}
	downs, err := fs.Glob(Migrations(), "*.down.sql")
	if err != nil {
		t.Fatalf("glob down migrations: %v", err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("up migrations %v, down migrations %v", ups, downs)
	}

	named := regexp.MustCompile(`^\d{4}_[a-z_]+\.up\.sql$`)
	for _, up := range ups {
		if !named.MatchString(up) {
			t.Errorf("migration %s does not follow NNNN_name.up.sql", up)
		}
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if !slices.Contains(downs, down) {
			t.Errorf("migration %s has no %s", up, down)
		}
	}
}

func TestMigrationsRoundTripSQLite(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := ApplyMigrations(ctx, db, DialectSQLite, Migrations()); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if err := RevertMigrations(ctx, db, Migrations()); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, DialectSQLite, Migrations()); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 recorded migrations, got %d", count)
	}
}
