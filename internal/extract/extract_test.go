package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestExtractRanksAndFilters(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mediation.md", "Mediation analysis decomposes effects. Mediation analysis requires care.")
	writeFile(t, dir, "regression.txt", "Regression basics: analysis of residuals and assumptions.")
	writeFile(t, dir, "cooking.md", "How to bake sourdough bread at home.")
	writeFile(t, dir, "diagram.png", "binary-ish bytes")

	results := New(0).Extract("mediation analysis", dir)

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (irrelevant and non-text filtered)", len(results))
	}
	if results[0].SourceFile != "mediation.md" {
		t.Errorf("top result = %q, want mediation.md", results[0].SourceFile)
	}
	for i := 1; i < len(results); i++ {
		if results[i].RelevanceScore > results[i-1].RelevanceScore {
			t.Error("results not sorted by relevance desc")
		}
	}
	for _, r := range results {
		if r.RelevanceScore <= relevanceFloor {
			t.Errorf("result %q below relevance floor: %f", r.SourceFile, r.RelevanceScore)
		}
	}
}

func TestExtractCapsResults(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 15; i++ {
		writeFile(t, dir, fmt.Sprintf("note%02d.md", i), "mediation analysis notes, file variant")
	}
	results := New(0).Extract("mediation analysis", dir)
	if len(results) != maxResults {
		t.Errorf("results = %d, want capped at %d", len(results), maxResults)
	}
}

func TestExtractMissingDirIsEmpty(t *testing.T) {
	results := New(0).Extract("mediation analysis", "/nonexistent/knowledge")
	if len(results) != 0 {
		t.Errorf("results = %d, want 0 for missing dir", len(results))
	}
}

func TestExtractSkipsOversizedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big.md", strings.Repeat("mediation analysis ", 100))
	results := New(10).Extract("mediation analysis", dir)
	if len(results) != 0 {
		t.Errorf("results = %d, want 0 (file over size cap)", len(results))
	}
}

func TestRelevance(t *testing.T) {
	terms := []string{"mediation", "analysis"}

	if got := Relevance("", terms); got != 0.0 {
		t.Errorf("empty content relevance = %f, want 0", got)
	}
	if got := Relevance("nothing matches here", terms); got != 0.0 {
		t.Errorf("no-match relevance = %f, want 0", got)
	}
	if got := Relevance("only mediation appears", terms); got != 0.5 {
		t.Errorf("half-match relevance = %f, want 0.5", got)
	}
	// Both terms plus the exact phrase: 1.0 + 0.3 capped at 1.0.
	if got := Relevance("mediation analysis explained", terms); got != 1.0 {
		t.Errorf("phrase relevance = %f, want 1.0", got)
	}
}
