// Package review performs the independent validation pass over finished
// output. It is deliberately separate from the generation-time scoring
// rubric: this pass checks format conformance and critical failure
// markers against a 6.0 bar, never against the 9.0 reasoning bar.
package review

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/scholarlab/lectern/pkg/models"
)

// MeetsThreshold is the minimum score for output to pass validation.
// A critical issue fails the review regardless of score.
const MeetsThreshold = 6.0

const reviewBaseScore = 7.0

// emptyTopicPhrases mark output that claims no topic was supplied even
// though the caller provided one.
var emptyTopicPhrases = []string{
	"topic is empty",
	"topic field is empty",
	"topic required",
	"need you to specify",
	"please specify what",
	"awaiting topic selection",
}

// ungroundedPhrases mark output that ignored the supplied reference
// material and fell back to a generic disclaimer.
var ungroundedPhrases = []string{
	"i don't have access to",
	"i cannot access",
	"no specific information",
}

var objectiveTriggers = []string{
	"objective", "generate objective", "create objective", "thesis objective",
}

// Engine validates finished output. Standards are optional persona
// phrases the content is expected to touch on.
type Engine struct {
	standards []string
}

// NewEngine creates a review engine with no persona standards.
func NewEngine() *Engine {
	return &Engine{}
}

// SetStandards installs persona-specific phrases to check for.
func (e *Engine) SetStandards(standards []string) {
	e.standards = standards
}

// Review grades content against critical-failure markers, the workflow's
// expected shape, and generic length/structure checks. Deterministic for
// identical inputs.
func (e *Engine) Review(content, workflowName, userQuery string) models.ReviewResult {
	var (
		issues      []models.ReviewIssue
		suggestions []string
		strengths   []string
	)
	score := reviewBaseScore

	critical := checkCriticalIssues(content, workflowName, userQuery)
	for _, issue := range critical {
		issues = append(issues, issue)
		score -= 3.0
	}

	if workflowName != "" {
		shapeIssues, shapeStrengths := validateWorkflowShape(content, workflowName, userQuery)
		issues = append(issues, shapeIssues...)
		strengths = append(strengths, shapeStrengths...)
		score -= float64(len(shapeIssues)) * 0.5
	}

	wordCount := len(strings.Fields(content))
	if wordCount < 100 {
		issues = append(issues, models.ReviewIssue{
			Type:     "length",
			Severity: models.SeverityMajor,
			Message:  "Content too short",
		})
		score -= 1.0
	} else if wordCount > 500 {
		strengths = append(strengths, "Comprehensive content")
	}

	if strings.Contains(content, "##") || strings.Count(content, "\n\n") > 2 {
		strengths = append(strengths, "Good structure with sections")
	} else {
		suggestions = append(suggestions, "Consider adding section headers")
	}

	contentLower := strings.ToLower(content)
	for _, standard := range e.standards {
		if !strings.Contains(contentLower, strings.ToLower(standard)) {
			suggestions = append(suggestions, "Address: "+standard)
		}
	}

	score = math.Max(0.0, math.Min(10.0, score))

	result := models.ReviewResult{
		OverallScore: score,
		Issues:       issues,
		Suggestions:  suggestions,
		Strengths:    strengths,
	}
	result.MeetsStandards = score >= MeetsThreshold && !result.HasCritical()

	log.Info().
		Float64("score", score).
		Bool("meets_standards", result.MeetsStandards).
		Int("issues", len(issues)).
		Str("workflow", workflowName).
		Msg("Output reviewed")

	return result
}

// checkCriticalIssues scans for markers that auto-fail the review.
func checkCriticalIssues(content, workflowName, userQuery string) []models.ReviewIssue {
	var issues []models.ReviewIssue
	contentLower := strings.ToLower(content)

	if userQuery != "" && containsAny(contentLower, emptyTopicPhrases) {
		issues = append(issues, models.ReviewIssue{
			Type:     "empty_topic_response",
			Severity: models.SeverityCritical,
			Message:  "Output claims the topic is empty although input was provided",
		})
	}

	if workflowName == "guide" &&
		strings.Contains(contentLower, "explained by:") && strings.Contains(contentLower, "prof.") &&
		!strings.Contains(contentLower, "guidance:") && !strings.Contains(contentLower, "objective") {
		issues = append(issues, models.ReviewIssue{
			Type:     "wrong_workflow_format",
			Severity: models.SeverityCritical,
			Message:  "Guide workflow produced an explain-style template",
		})
	}

	if containsAny(contentLower, ungroundedPhrases) {
		issues = append(issues, models.ReviewIssue{
			Type:     "no_kb_grounding",
			Severity: models.SeverityCritical,
			Message:  "Output not grounded in knowledge base materials",
		})
	}

	return issues
}

// validateWorkflowShape runs workflow-specific structural checks.
func validateWorkflowShape(content, workflowName, userQuery string) ([]models.ReviewIssue, []string) {
	var (
		issues    []models.ReviewIssue
		strengths []string
	)
	contentLower := strings.ToLower(content)
	queryLower := strings.ToLower(userQuery)

	switch workflowName {
	case "explain":
		if strings.Contains(content, "##") &&
			(strings.Contains(contentLower, "definition") || strings.Contains(contentLower, "concept")) {
			strengths = append(strengths, "Proper explain format with sections")
		}

	case "guide":
		if containsAny(queryLower, objectiveTriggers) {
			if strings.Contains(contentLower, "the objective of this research is to") {
				strengths = append(strengths, "Follows the expected objective format")
			} else {
				issues = append(issues, models.ReviewIssue{
					Type:     "missing_objective_format",
					Severity: models.SeverityMajor,
					Message:  "Objective should start with 'The objective of this research is to...'",
				})
			}
			if strings.Contains(contentLower, "business context") {
				strengths = append(strengths, "Includes business context section")
			} else {
				issues = append(issues, models.ReviewIssue{
					Type:     "missing_business_context",
					Severity: models.SeverityMajor,
					Message:  "Objective missing Business Context section",
				})
			}
		}
		if strings.Contains(contentLower, "reflection question") || strings.Contains(contentLower, "framework") {
			strengths = append(strengths, "Includes guiding elements")
		}

	case "review":
		if strings.Contains(contentLower, "strength") && strings.Contains(contentLower, "weakness") {
			strengths = append(strengths, "Proper review format with strengths/weaknesses")
		} else if strings.Contains(contentLower, "suggestion") || strings.Contains(contentLower, "improve") {
			strengths = append(strengths, "Provides improvement guidance")
		}

	case "research":
		if strings.Contains(contentLower, "gap") || strings.Contains(contentLower, "source") {
			strengths = append(strengths, "Identifies research gaps/sources")
		}
	}

	return issues, strengths
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// FormatFeedback renders a review as revision guidance for the next
// generation attempt.
func FormatFeedback(result models.ReviewResult) string {
	lines := []string{fmt.Sprintf("## Review Score: %.1f/10", result.OverallScore), ""}

	if len(result.Strengths) > 0 {
		lines = append(lines, "### Strengths")
		for _, s := range result.Strengths {
			lines = append(lines, "- "+s)
		}
		lines = append(lines, "")
	}
	if len(result.Issues) > 0 {
		lines = append(lines, "### Issues")
		for _, i := range result.Issues {
			lines = append(lines, "- "+i.Message)
		}
		lines = append(lines, "")
	}
	if len(result.Suggestions) > 0 {
		lines = append(lines, "### Suggestions")
		for _, s := range result.Suggestions {
			lines = append(lines, "- "+s)
		}
	}
	return strings.Join(lines, "\n")
}
