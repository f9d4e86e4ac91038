// Package scoring grades a generated draft against a three-dimension
// heuristic rubric: grounding in the supplied reference material,
// structural coherence, and coverage of the original query. Scores are
// deterministic: identical inputs always produce identical scores and
// feedback strings.
package scoring

import (
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scholarlab/lectern/pkg/models"
)

// PassThreshold is the overall score a draft must reach to leave the
// reasoning loop early.
const PassThreshold = 9.0

// Rubric weights. They sum to 1.0.
const (
	weightKBRelevance       = 0.40
	weightCoherence         = 0.30
	weightAddressesQuestion = 0.30
)

const baseScore = 5.0

// citationIndicators signal attribution to source material. Each match
// adds 0.5 up to a +2.0 cap.
var citationIndicators = []string{
	"according to", "based on", "from the", "course material",
	"professor", "research shows", "literature", "study",
	"framework", "model", "theory", "source",
}

// structureIndicators and their per-match increments.
var structureIndicators = []struct {
	marker string
	value  float64
}{
	{"##", 1.0},
	{"1.", 0.5}, {"2.", 0.5}, {"3.", 0.5},
	{"-", 0.3}, {"•", 0.3},
	{"first", 0.5}, {"second", 0.5}, {"third", 0.5},
	{"therefore", 0.5}, {"thus", 0.5}, {"hence", 0.5},
	{"because", 0.3}, {"since", 0.3},
	{"in conclusion", 0.5}, {"to summarize", 0.5},
}

// directIndicators signal the draft is answering the question head-on.
var directIndicators = []string{
	"this means", "this refers to", "defined as",
	"the answer", "in response", "to address",
}

// Engine scores drafts. It is stateless apart from the per-session
// score history and safe to reuse across iterations of one session.
type Engine struct {
	history []models.ReasoningScore
}

// NewEngine creates a scoring engine with an empty history.
func NewEngine() *Engine {
	return &Engine{}
}

// Score grades the draft against the query and reference documents and
// appends the result to the session history.
func (e *Engine) Score(query, draft string, referenceDocs []string, iteration int) models.ReasoningScore {
	kb := scoreKBRelevance(draft, referenceDocs)
	coherence := scoreCoherence(draft)
	addresses := scoreAddressesQuestion(query, draft)

	overall := kb*weightKBRelevance + coherence*weightCoherence + addresses*weightAddressesQuestion
	overall = math.Round(overall*10) / 10

	score := models.ReasoningScore{
		Overall:           overall,
		Passed:            overall >= PassThreshold,
		KBRelevance:       kb,
		Coherence:         coherence,
		AddressesQuestion: addresses,
		Feedback:          buildFeedback(kb, coherence, addresses, query),
		Iteration:         iteration,
		Timestamp:         time.Now().UTC(),
	}
	e.history = append(e.history, score)

	log.Info().
		Float64("overall", overall).
		Float64("kb", kb).
		Float64("coherence", coherence).
		Float64("addresses", addresses).
		Int("iteration", iteration).
		Bool("passed", score.Passed).
		Msg("Draft scored")

	return score
}

// History returns a copy of all scores produced this session.
func (e *Engine) History() []models.ReasoningScore {
	out := make([]models.ReasoningScore, len(e.history))
	copy(out, e.history)
	return out
}

// Latest returns the most recent score, if any.
func (e *Engine) Latest() (models.ReasoningScore, bool) {
	if len(e.history) == 0 {
		return models.ReasoningScore{}, false
	}
	return e.history[len(e.history)-1], true
}

// Reset clears the history for a new reasoning chain.
func (e *Engine) Reset() {
	e.history = nil
}

// Improvement summarizes the score progression across the session.
type Improvement struct {
	Iterations  int     `json:"iterations"`
	FirstScore  float64 `json:"first_score"`
	LastScore   float64 `json:"last_score"`
	Improvement float64 `json:"improvement"`
	Passed      bool    `json:"passed"`
}

// ImprovementSummary reports how the score evolved across iterations.
func (e *Engine) ImprovementSummary() Improvement {
	if len(e.history) == 0 {
		return Improvement{}
	}
	first := e.history[0].Overall
	last := e.history[len(e.history)-1].Overall
	return Improvement{
		Iterations:  len(e.history),
		FirstScore:  first,
		LastScore:   last,
		Improvement: last - first,
		Passed:      e.history[len(e.history)-1].Passed,
	}
}

// scoreKBRelevance rewards drafts that reuse terms from the reference
// documents and carry citation-style phrasing.
func scoreKBRelevance(draft string, referenceDocs []string) float64 {
	if draft == "" {
		return 0.0
	}
	draftLower := strings.ToLower(draft)
	score := baseScore

	if len(referenceDocs) > 0 {
		kbTerms := make(map[string]struct{})
		for _, doc := range referenceDocs {
			for _, w := range strings.Fields(strings.ToLower(doc)) {
				if len(w) > 4 {
					kbTerms[w] = struct{}{}
				}
			}
		}
		if len(kbTerms) > 0 {
			matches := 0
			for term := range kbTerms {
				if strings.Contains(draftLower, term) {
					matches++
				}
			}
			ratio := float64(matches) / float64(len(kbTerms))
			if ratio > 1.0 {
				ratio = 1.0
			}
			score += ratio * 3.0
		}
	}

	citations := 0
	for _, ind := range citationIndicators {
		if strings.Contains(draftLower, ind) {
			citations++
		}
	}
	score += math.Min(2.0, float64(citations)*0.5)

	return clamp(score)
}

// scoreCoherence rewards structure and penalizes very short drafts.
func scoreCoherence(draft string) float64 {
	if draft == "" {
		return 0.0
	}
	score := baseScore
	draftLower := strings.ToLower(draft)

	for _, ind := range structureIndicators {
		if strings.Contains(draftLower, ind.marker) {
			score += ind.value
		}
	}

	wordCount := len(strings.Fields(draft))
	switch {
	case wordCount < 50:
		score -= 2.0
	case wordCount >= 100:
		score += 1.0
	}
	if wordCount >= 200 {
		score += 0.5
	}

	paragraphs := 0
	for _, p := range strings.Split(draft, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}
	if paragraphs >= 3 {
		score += 1.0
	}

	return clamp(score)
}

// scoreAddressesQuestion rewards coverage of the query's terms and
// direct-answer phrasing.
func scoreAddressesQuestion(query, draft string) float64 {
	if draft == "" || query == "" {
		return 0.0
	}
	score := baseScore
	queryLower := strings.ToLower(query)
	draftLower := strings.ToLower(draft)

	var queryTerms []string
	for _, t := range strings.Fields(queryLower) {
		if len(t) > 3 {
			queryTerms = append(queryTerms, t)
		}
	}

	termMatches := 0
	for _, term := range queryTerms {
		if strings.Contains(draftLower, term) {
			termMatches++
		}
	}
	if len(queryTerms) > 0 {
		score += float64(termMatches) / float64(len(queryTerms)) * 3.0
	}

	indicators := directIndicators
	if len(queryLower) > 20 {
		indicators = append([]string{"about " + queryLower[:20]}, indicators...)
	} else {
		indicators = append([]string{queryLower}, indicators...)
	}
	for _, ind := range indicators {
		if strings.Contains(draftLower, ind) {
			score += 0.5
		}
	}

	if len(draft) > 500 && float64(termMatches) >= float64(len(queryTerms))*0.7 {
		score += 1.0
	}

	return clamp(score)
}

// buildFeedback assembles revision guidance from the sub-score bands.
// Deterministic: the same sub-scores always yield the same string.
func buildFeedback(kb, coherence, addresses float64, query string) string {
	var parts []string

	if kb < 7.0 {
		parts = append(parts, "GROUNDING: Strengthen connection to knowledge base materials. "+
			"Include specific references to course concepts, frameworks, or readings.")
	} else if kb < 9.0 {
		parts = append(parts, "GROUNDING: Good foundation. Add more specific citations or examples from source materials.")
	}

	if coherence < 7.0 {
		parts = append(parts, "STRUCTURE: Improve logical flow. Use headers, numbered steps, or clear transitions. "+
			"Ensure each point builds on the previous.")
	} else if coherence < 9.0 {
		parts = append(parts, "STRUCTURE: Good organization. Consider adding a summary or clearer conclusion.")
	}

	if addresses < 7.0 {
		snippet := query
		if len(snippet) > 50 {
			snippet = snippet[:50]
		}
		parts = append(parts, "RELEVANCE: Response doesn't fully address the question '"+snippet+"...'. "+
			"Directly answer what was asked before expanding.")
	} else if addresses < 9.0 {
		parts = append(parts, "RELEVANCE: Good coverage. Ensure all aspects of the question are addressed.")
	}

	if len(parts) == 0 {
		return "Excellent reasoning quality. No improvements needed."
	}
	return strings.Join(parts, " | ")
}

func clamp(v float64) float64 {
	return math.Min(10.0, math.Max(0.0, v))
}
