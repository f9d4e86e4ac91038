// Package patterns persists high-scoring reasoning runs and retrieves
// them by lexical similarity to seed future sessions with a warm-start
// hint. Patterns are append-only and immutable once stored; retrieval
// results are non-binding hints, never ground truth.
package patterns

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/scholarlab/lectern/pkg/models"
)

// MinScore is the quality bar for persisting a pattern. Store is a
// no-op below it.
const MinScore = 8.0

// Retrieval tuning.
const (
	DefaultTopK         = 3
	SimilarityFloor     = 0.10
	maxKeyTerms         = 20
	maxStrategies       = 5
	maxSummaryParagraph = 300
)

// Store is the persistence boundary for reasoning patterns. The memory
// implementation snapshots to disk; the Postgres implementation is used
// when a database URL is configured.
type Store interface {
	// Store persists a pattern when score >= MinScore. Returns nil
	// (and no error) when the score is below the bar.
	Store(ctx context.Context, query, text string, score float64, feedback string) (*models.ReasoningPattern, error)

	// Retrieve returns up to topK patterns whose key-term sets have
	// Jaccard similarity strictly above SimilarityFloor with the
	// query's term set, best first. Ties break on higher stored score.
	Retrieve(ctx context.Context, query string, topK int) ([]models.PatternMatch, error)

	// Count reports how many patterns are stored.
	Count(ctx context.Context) (int, error)

	Close() error
}

var stopwords = map[string]struct{}{
	"this": {}, "that": {}, "what": {}, "when": {}, "where": {}, "which": {}, "their": {},
	"there": {}, "these": {}, "those": {}, "about": {}, "would": {}, "could": {}, "should": {},
	"have": {}, "been": {}, "were": {}, "will": {}, "with": {}, "from": {}, "they": {}, "them": {},
}

// ExtractKeyTerms pulls up to 20 unique lowercase terms longer than
// four characters from text, skipping stopwords. Order of first
// appearance is preserved.
func ExtractKeyTerms(text string) []string {
	var (
		terms []string
		seen  = make(map[string]struct{})
	)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if len(w) <= 4 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		term := strings.Trim(w, ".,!?;:\"'()[]{}")
		if term == "" {
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
		if len(terms) == maxKeyTerms {
			break
		}
	}
	return terms
}

// strategySignals maps text markers to the strategy they indicate.
var strategySignals = []struct {
	markers  []string
	strategy string
}{
	{[]string{"##", "###"}, "Use clear section headers"},
	{[]string{"1.", "2."}, "Use numbered steps or lists"},
	{[]string{"framework"}, "Reference theoretical frameworks"},
	{[]string{"example", "for instance"}, "Include concrete examples"},
	{[]string{"according to", "research shows"}, "Cite sources and evidence"},
	{[]string{"therefore", "thus"}, "Use clear logical transitions"},
	{[]string{"in conclusion", "to summarize"}, "Include clear conclusion"},
}

// ExtractStrategies scans the text and scoring feedback for signals of
// what worked, deduplicated and capped at 5.
func ExtractStrategies(text, feedback string) []string {
	var strategies []string
	textLower := strings.ToLower(text)

	for _, sig := range strategySignals {
		for _, m := range sig.markers {
			// Header markers are case-sensitive by nature; the rest
			// are already lowercase.
			if strings.Contains(text, m) || strings.Contains(textLower, m) {
				strategies = append(strategies, sig.strategy)
				break
			}
		}
	}

	if feedback != "" {
		fbLower := strings.ToLower(feedback)
		if strings.Contains(fbLower, "grounding") {
			strategies = append(strategies, "Strengthen knowledge base grounding")
		}
		if strings.Contains(fbLower, "structure") {
			strategies = append(strategies, "Improve organizational structure")
		}
	}

	return dedupe(strategies, maxStrategies)
}

func dedupe(in []string, limit int) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Summarize keeps the first substantial non-heading paragraph of the
// text, bounded in length.
func Summarize(text string) string {
	var paragraphs []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	if len(paragraphs) == 0 {
		if len(text) > 200 {
			return text[:200]
		}
		return text
	}

	limit := len(paragraphs)
	if limit > 3 {
		limit = 3
	}
	for _, para := range paragraphs[:limit] {
		if len(para) > 100 && !strings.HasPrefix(para, "#") {
			if len(para) > maxSummaryParagraph {
				return para[:maxSummaryParagraph] + "..."
			}
			return para
		}
	}

	first := paragraphs[0]
	if len(first) > 200 {
		return first[:200]
	}
	return first
}

// Jaccard computes set similarity between two term lists.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}

	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// rankMatches filters by the similarity floor, orders best first with
// stored score as the tiebreaker, and caps at topK.
func rankMatches(queryTerms []string, candidates []models.ReasoningPattern, topK int) []models.PatternMatch {
	if topK <= 0 {
		topK = DefaultTopK
	}
	var matches []models.PatternMatch
	for _, p := range candidates {
		sim := Jaccard(queryTerms, p.KeyTerms)
		if sim > SimilarityFloor {
			matches = append(matches, models.PatternMatch{Pattern: p, Similarity: sim})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Pattern.Score > matches[j].Pattern.Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// BuildWarmStartPrompt renders retrieved matches as a non-binding hint
// block for the generation prompt. Empty when there are no matches.
func BuildWarmStartPrompt(query string, matches []models.PatternMatch) string {
	if len(matches) == 0 {
		return ""
	}

	var strategies []string
	for _, m := range matches {
		strategies = append(strategies, m.Pattern.Strategies...)
	}
	strategies = dedupe(strategies, maxStrategies)

	parts := []string{
		fmt.Sprintf("For the query: '%s'", query),
		"",
		"Based on similar past reasoning patterns that scored well:",
	}
	limit := len(matches)
	if limit > 2 {
		limit = 2
	}
	for _, m := range matches[:limit] {
		q := m.Pattern.Query
		if len(q) > 80 {
			q = q[:80]
		}
		parts = append(parts, fmt.Sprintf("- Similar query (score %.1f): %s...", m.Pattern.Score, q))
	}
	if len(strategies) > 0 {
		parts = append(parts, "", "Recommended strategies:")
		for _, s := range strategies {
			parts = append(parts, "  • "+s)
		}
	}
	return strings.Join(parts, "\n")
}
