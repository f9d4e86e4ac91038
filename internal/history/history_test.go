package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scholarlab/lectern/pkg/models"
)

func record(ts time.Time, runID string) models.RunRecord {
	return models.RunRecord{
		Timestamp: ts,
		RunID:     runID,
		Workflow:  "explain",
		Persona:   "DR_TEST",
		Query:     "mediation analysis",
		Score:     9.1,
		Success:   true,
	}
}

func TestAppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	l := NewLog(path)

	now := time.Now().UTC()
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		if err := l.Append(record(now.Add(time.Duration(i)*time.Minute), id)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := l.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d records, want 3", len(all))
	}
	if all[0].RunID != "run-1" || all[2].RunID != "run-3" {
		t.Errorf("order = %s..%s, want run-1..run-3", all[0].RunID, all[2].RunID)
	}

	last, err := l.List(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[0].RunID != "run-2" {
		t.Errorf("List(2) = %v", last)
	}
}

func TestListMissingFileIsEmpty(t *testing.T) {
	l := NewLog(filepath.Join(t.TempDir(), "nope", "history.jsonl"))
	got, err := l.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records, want 0", len(got))
	}
}

func TestListSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	l := NewLog(path)
	if err := l.Append(record(time.Now(), "run-1")); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()
	if err := l.Append(record(time.Now(), "run-2")); err != nil {
		t.Fatal(err)
	}

	got, err := l.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %d records, want 2", len(got))
	}
}

func TestJanitorPrunesOldRecordsAndFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")
	l := NewLog(path)

	now := time.Now().UTC()
	if err := l.Append(record(now.AddDate(0, 0, -45), "old-run")); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(record(now, "fresh-run")); err != nil {
		t.Fatal(err)
	}

	outDir := filepath.Join(dir, "output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	oldFile := filepath.Join(outDir, "explain_old.md")
	freshFile := filepath.Join(outDir, "explain_fresh.md")
	for _, f := range []string{oldFile, freshFile} {
		if err := os.WriteFile(f, []byte("# output"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	stale := now.AddDate(0, 0, -45)
	if err := os.Chtimes(oldFile, stale, stale); err != nil {
		t.Fatal(err)
	}

	j := NewJanitor(l, []string{outDir}, 30, time.Hour)
	stats := j.RunCycle()

	if stats.RecordsPruned != 1 {
		t.Errorf("records pruned = %d, want 1", stats.RecordsPruned)
	}
	if stats.FilesPruned != 1 {
		t.Errorf("files pruned = %d, want 1", stats.FilesPruned)
	}
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("old output file still present")
	}
	if _, err := os.Stat(freshFile); err != nil {
		t.Error("fresh output file deleted")
	}

	got, err := l.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RunID != "fresh-run" {
		t.Errorf("surviving records = %v", got)
	}
}

func TestJanitorMissingOutputDir(t *testing.T) {
	l := NewLog(filepath.Join(t.TempDir(), "history.jsonl"))
	j := NewJanitor(l, []string{"/nonexistent/output"}, 30, time.Hour)
	stats := j.RunCycle()
	if len(stats.Errors) != 0 {
		t.Errorf("errors = %v, want none for missing dir", stats.Errors)
	}
}
