// Package extract is the knowledge-base extraction collaborator: it
// scans a persona's knowledge directory for text material relevant to a
// query. Binary formats are out of scope; only plain-text files are
// read. Extraction never fails a run: errors degrade to an empty result.
package extract

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/scholarlab/lectern/pkg/models"
)

// Retrieval tuning.
const (
	maxResults     = 10
	relevanceFloor = 0.10
	phraseBonus    = 0.3
)

// textExtensions lists the file types the extractor reads.
var textExtensions = map[string]string{
	".md":  "notes",
	".txt": "notes",
}

// Extractor reads knowledge-base files and scores them against queries.
type Extractor struct {
	maxFileBytes int64
}

// New creates an Extractor. Files larger than maxFileBytes are skipped;
// zero means 1 MiB.
func New(maxFileBytes int64) *Extractor {
	if maxFileBytes <= 0 {
		maxFileBytes = 1 << 20
	}
	return &Extractor{maxFileBytes: maxFileBytes}
}

// Extract walks knowledgeDir, scores every readable text file against
// the query, and returns the most relevant entries sorted descending,
// capped at 10. A missing directory or unreadable file yields fewer
// results, never an error.
func (e *Extractor) Extract(query, knowledgeDir string) []models.ExtractedContent {
	var queryTerms []string
	for _, t := range strings.Fields(strings.ToLower(query)) {
		if len(t) > 3 {
			queryTerms = append(queryTerms, t)
		}
	}

	var results []models.ExtractedContent
	err := filepath.WalkDir(knowledgeDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Skipping unreadable entry")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		contentType, ok := textExtensions[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > e.maxFileBytes {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to read knowledge file")
			return nil
		}

		text := string(data)
		relevance := Relevance(text, queryTerms)
		if relevance > relevanceFloor {
			results = append(results, models.ExtractedContent{
				SourceFile:     filepath.Base(path),
				ContentType:    contentType,
				Text:           text,
				RelevanceScore: relevance,
			})
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("dir", knowledgeDir).Msg("Knowledge directory walk failed")
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	log.Info().Int("files", len(results)).Str("dir", knowledgeDir).Msg("Knowledge extracted")
	return results
}

// Relevance scores content against query terms: matched-term fraction
// plus a bonus when the full term phrase appears, capped at 1.0.
func Relevance(content string, queryTerms []string) float64 {
	if content == "" || len(queryTerms) == 0 {
		return 0.0
	}
	contentLower := strings.ToLower(content)

	matches := 0
	for _, term := range queryTerms {
		if strings.Contains(contentLower, term) {
			matches++
		}
	}

	score := float64(matches) / float64(len(queryTerms))
	if strings.Contains(contentLower, strings.Join(queryTerms, " ")) {
		score += phraseBonus
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
