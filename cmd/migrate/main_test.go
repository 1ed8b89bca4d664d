package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_init.up.sql", 1, false},
		{"012_add_index.down.sql", 12, false},
		{"init.sql", 0, true},
		{"abc_init.up.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := versionFromFile(tt.name)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("versionFromFile(%q) = %d, %v; want %d, err=%v", tt.name, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.up.sql", "001_a.up.sql", "001_a.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.up.sql"), 0o700); err != nil {
		t.Fatal(err)
	}

	ups, err := migrationFiles(dir, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) != 2 || ups[0] != "001_a.up.sql" || ups[1] != "002_b.up.sql" {
		t.Errorf("unexpected up files: %v", ups)
	}

	downs, _ := migrationFiles(dir, ".down.sql")
	if len(downs) != 1 {
		t.Errorf("unexpected down files: %v", downs)
	}
}

func TestShippedMigrationsPair(t *testing.T) {
	dir := filepath.Join("..", "..", "migrations")
	ups, err := migrationFiles(dir, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	downs, err := migrationFiles(dir, ".down.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("every up migration needs a down: ups=%v downs=%v", ups, downs)
	}
}
