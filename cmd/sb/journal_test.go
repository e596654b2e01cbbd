package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func journalConfig(t *testing.T, extra string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	return writeConfig(t, fmt.Sprintf("journal:\n  enabled: true\n  path: %s\n%s", dbPath, extra))
}

func TestJournalReplay_Empty(t *testing.T) {
	out, err := runCmd(t, "journal", "replay", "-c", journalConfig(t, ""))
	if err != nil {
		t.Fatalf("journal replay: %v", err)
	}
	for _, want := range []string{"Organization:  org-1", "Replayed:      0", "Invariants:    ok"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestJournalReplay_JSON(t *testing.T) {
	out, err := runCmd(t, "journal", "replay", "--json", "--org", "org-9", "-c", journalConfig(t, ""))
	if err != nil {
		t.Fatalf("journal replay: %v", err)
	}
	if !strings.Contains(out, `"replayed": 0`) {
		t.Errorf("output = %s", out)
	}
}

func TestJournalPrune(t *testing.T) {
	out, err := runCmd(t, "journal", "prune", "--older-than", "1h", "-c", journalConfig(t, ""))
	if err != nil {
		t.Fatalf("journal prune: %v", err)
	}
	if !strings.Contains(out, "Pruned 0 entries older than 1h0m0s") {
		t.Errorf("output = %s", out)
	}
}

func TestJournalPrune_UsesRetention(t *testing.T) {
	out, err := runCmd(t, "journal", "prune", "-c", journalConfig(t, "  retention_days: 2\n"))
	if err != nil {
		t.Fatalf("journal prune: %v", err)
	}
	if !strings.Contains(out, "older than 48h0m0s") {
		t.Errorf("output = %s", out)
	}
}

func TestJournalPrune_NeedsAge(t *testing.T) {
	if _, err := runCmd(t, "journal", "prune", "-c", journalConfig(t, "")); err == nil {
		t.Fatal("expected error without --older-than or retention")
	}
}
