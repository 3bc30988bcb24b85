package database

import (
	"io/fs"
	"net/url"
	"strings"
	"testing"

	"github.com/arklim/config-governance/internal/infra/config"
)

func TestMigrationURL(t *testing.T) {
	raw := migrationURL(config.PostgresSettings{
		Host:     "db",
		Port:     5433,
		User:     "governance",
		Password: "p@ss",
		Database: "governance",
		SSLMode:  "disable",
	})

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse migration url: %v", err)
	}
	if u.Scheme != "pgx5" || u.Host != "db:5433" || u.Path != "/governance" {
		t.Fatalf("unexpected migration url %s", raw)
	}
	if pw, _ := u.User.Password(); pw != "p@ss" {
		t.Fatalf("expected escaped password to round trip, got %q", pw)
	}
	if u.Query().Get("x-migrations-table") != migrationsTable || u.Query().Get("sslmode") != "disable" {
		t.Fatalf("unexpected query %s", u.RawQuery)
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	ups, downs := 0, 0
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("expected paired migrations, got %d up and %d down", ups, downs)
	}

	up, err := fs.ReadFile(migrationFiles, "migrations/000001_versioning.up.sql")
	if err != nil {
		t.Fatalf("read up migration: %v", err)
	}
	for _, want := range []string{"versions_one_draft_per_root", "versions_one_open_published_per_root", "DEFERRABLE INITIALLY DEFERRED"} {
		if !strings.Contains(string(up), want) {
			t.Fatalf("expected %q in up migration", want)
		}
	}
}

func TestSchemaNameDefaults(t *testing.T) {
	if got := schemaName(config.PostgresSettings{}); got != "governance" {
		t.Fatalf("expected default schema, got %s", got)
	}
	if got := schemaName(config.PostgresSettings{Schema: "tenant_a"}); got != "tenant_a" {
		t.Fatalf("expected configured schema, got %s", got)
	}
}
