package database

import (
	"testing"
	"testing/fstest"

	"github.com/safetrip/idanchor/migrations"
)

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_anchor_transactions.up.sql", 1, false},
		{"012_more.up.sql", 12, false},
		{"init.sql", 0, true},
		{"abc_init.up.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := VersionFromFile(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("VersionFromFile(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("VersionFromFile(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestUpFiles_sortedAndFiltered(t *testing.T) {
	fsys := fstest.MapFS{
		"002_b.up.sql":   {Data: []byte("SELECT 2")},
		"001_a.up.sql":   {Data: []byte("SELECT 1")},
		"001_a.down.sql": {Data: []byte("SELECT 0")},
		"embed.go":       {Data: []byte("package x")},
	}
	files, err := upFiles(fsys)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "001_a.up.sql" || files[1] != "002_b.up.sql" {
		t.Errorf("unexpected files: %v", files)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	files, err := upFiles(migrations.FS)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) < 2 {
		t.Fatalf("expected embedded migrations, got %v", files)
	}
	for _, f := range files {
		if _, err := VersionFromFile(f); err != nil {
			t.Errorf("migration %s: %v", f, err)
		}
	}
}
