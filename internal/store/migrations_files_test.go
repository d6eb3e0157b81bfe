package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"salescoach/api/internal/content"
)

const migrationsDir = "../../db/migrations"

func TestMigrationsArePairedAndOrdered(t *testing.T) {
	ups, err := migrationFiles(migrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("list up migrations: %v", err)
	}
	downs, err := migrationFiles(migrationsDir, ".down.sql")
	if err != nil {
		t.Fatalf("list down migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}
	if len(ups) != len(downs) {
		t.Fatalf("got %d up and %d down migrations", len(ups), len(downs))
	}

	version := regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.(up|down)\.sql$`)
	for i := range ups {
		up, down := filepath.Base(ups[i]), filepath.Base(downs[i])
		upMatch, downMatch := version.FindStringSubmatch(up), version.FindStringSubmatch(down)
		if upMatch == nil || downMatch == nil {
			t.Fatalf("badly named migration pair %s / %s", up, down)
		}
		if upMatch[1] != downMatch[1] {
			t.Fatalf("version %s has no matching down file (found %s)", upMatch[1], down)
		}
	}
}

// Incremental sync pages on (team_id, updated_at) and must see tombstones,
// so the schema has to carry both and allow every record kind.
func TestContentSchemaSupportsSync(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join(migrationsDir, "0001_content_records.up.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	schema := string(raw)
	for _, want := range []string{"team_id", "updated_at", "active", "PRIMARY KEY (team_id, id)", "(team_id, updated_at)"} {
		if !strings.Contains(schema, want) {
			t.Fatalf("schema is missing %q", want)
		}
	}
	for _, kind := range content.Kinds {
		if !strings.Contains(schema, "'"+string(kind)+"'") {
			t.Fatalf("schema does not allow kind %q", kind)
		}
	}
}

func TestLoadMigrationsPairsVersions(t *testing.T) {
	migrations, err := loadMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migrations) < 2 || migrations[0].version != "0001_content_records" {
		t.Fatalf("unexpected migrations: %+v", migrations)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0001_orphan.up.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatalf("write migration: %v", err)
	}
	if _, err := loadMigrations(dir); err == nil {
		t.Fatal("expected an error for an up migration without a down file")
	}
}
