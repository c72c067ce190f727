package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")
	body := `{"owner_id":"tourist-1","trip_id":"trip-42","document_type":"passport",
		"document_number":"X1","valid_from":"2026-01-01T00:00:00Z","valid_until":"2026-12-31T00:00:00Z"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	rec, err := readRecord(path)
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	if rec.OwnerID != "tourist-1" || rec.ValidUntil.Year() != 2026 {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestReadRecord_malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readRecord(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"hash", "anchor", "get", "cancel", "wait", "record", "verify",
		"status", "anchoring", "history", "audit", "discrepancies", "health", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}
