package review

import (
	"strings"
	"testing"

	"github.com/scholarlab/lectern/pkg/models"
)

func longContent(core string) string {
	return core + "\n\n" + strings.Repeat("Additional supporting discussion of the submission under review. ", 20)
}

func TestUngroundedDisclaimerIsCritical(t *testing.T) {
	content := longContent("Unfortunately I don't have access to the course materials for this question.")

	result := NewEngine().Review(content, "explain", "what is mediation analysis")

	if result.MeetsStandards {
		t.Error("MeetsStandards = true, want false for ungrounded disclaimer")
	}
	found := false
	for _, issue := range result.Issues {
		if issue.Severity == models.SeverityCritical && issue.Type == "no_kb_grounding" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing critical no_kb_grounding issue: %+v", result.Issues)
	}
}

func TestEmptyTopicClaimIsCritical(t *testing.T) {
	content := longContent("The topic is empty, so I am awaiting topic selection before proceeding.")

	result := NewEngine().Review(content, "explain", "regression assumptions")
	if !result.HasCritical() {
		t.Fatalf("want critical issue, got %+v", result.Issues)
	}
	if result.MeetsStandards {
		t.Error("MeetsStandards = true with critical issue present")
	}

	// Without a user query the empty-topic claim is not flagged.
	result = NewEngine().Review(content, "explain", "")
	for _, issue := range result.Issues {
		if issue.Type == "empty_topic_response" {
			t.Error("empty_topic_response flagged without a user query")
		}
	}
}

func TestCriticalIssueFailsEvenWithHighScore(t *testing.T) {
	// Plenty of length and structure, but a disclaimer buried inside.
	content := "## Analysis\n\n" +
		strings.Repeat("Well grounded discussion with strengths and weaknesses examined in detail. ", 30) +
		"\n\nHowever, I cannot access the original dataset.\n\n## Conclusion\n\nSummary."

	result := NewEngine().Review(content, "review", "evaluate my thesis draft")
	if !result.HasCritical() {
		t.Fatal("disclaimer not detected as critical")
	}
	if result.MeetsStandards {
		t.Error("MeetsStandards must be false whenever a critical issue exists")
	}
}

func TestGuideObjectiveFormatChecks(t *testing.T) {
	query := "generate objective for my thesis on supply chains"

	good := longContent("The objective of this research is to quantify supply chain resilience.\n\n" +
		"## Business Context\n\nRetail logistics firms face disruption risk.")
	result := NewEngine().Review(good, "guide", query)
	if result.HasCritical() {
		t.Fatalf("unexpected critical issues: %+v", result.Issues)
	}
	for _, issue := range result.Issues {
		if issue.Type == "missing_objective_format" || issue.Type == "missing_business_context" {
			t.Errorf("unexpected shape issue: %+v", issue)
		}
	}

	bad := longContent("## Supply Chains\n\nHere is a broad discussion without the required framing.")
	result = NewEngine().Review(bad, "guide", query)
	var types []string
	for _, issue := range result.Issues {
		types = append(types, issue.Type)
	}
	wantTypes := []string{"missing_objective_format", "missing_business_context"}
	for _, want := range wantTypes {
		found := false
		for _, got := range types {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing %q issue, got %v", want, types)
		}
	}
}

func TestShortContentPenalized(t *testing.T) {
	result := NewEngine().Review("Too brief.", "explain", "q")
	found := false
	for _, issue := range result.Issues {
		if issue.Type == "length" && issue.Severity == models.SeverityMajor {
			found = true
		}
	}
	if !found {
		t.Errorf("missing length issue: %+v", result.Issues)
	}
}

func TestReviewFormatStrengths(t *testing.T) {
	content := longContent("## Assessment\n\nThe main strength is the clear methodology. " +
		"The key weakness is the limited sample size.")

	result := NewEngine().Review(content, "review", "review my draft")
	found := false
	for _, s := range result.Strengths {
		if strings.Contains(s, "strengths/weaknesses") {
			found = true
		}
	}
	if !found {
		t.Errorf("strengths = %v", result.Strengths)
	}
	if !result.MeetsStandards {
		t.Errorf("MeetsStandards = false, score = %f, issues = %+v", result.OverallScore, result.Issues)
	}
}

func TestStandardsProduceSuggestions(t *testing.T) {
	e := NewEngine()
	e.SetStandards([]string{"APA citations", "methodology"})

	content := longContent("## Notes\n\nThe methodology section is thorough.")
	result := e.Review(content, "explain", "q")

	found := false
	for _, s := range result.Suggestions {
		if s == "Address: APA citations" {
			found = true
		}
	}
	if !found {
		t.Errorf("suggestions = %v", result.Suggestions)
	}
	for _, s := range result.Suggestions {
		if s == "Address: methodology" {
			t.Error("satisfied standard should not be suggested")
		}
	}
}

func TestReviewIsDeterministic(t *testing.T) {
	content := longContent("## Discussion\n\nStrength and weakness analysis with framework references.")
	a := NewEngine().Review(content, "review", "review this")
	b := NewEngine().Review(content, "review", "review this")

	if a.OverallScore != b.OverallScore || a.MeetsStandards != b.MeetsStandards {
		t.Errorf("reviews differ: %+v vs %+v", a, b)
	}
	if len(a.Issues) != len(b.Issues) || len(a.Strengths) != len(b.Strengths) {
		t.Error("issue/strength lists differ between identical reviews")
	}
}

func TestScoreClampedToRange(t *testing.T) {
	// Stack every critical marker to drive the raw score negative.
	content := "Topic is empty. I don't have access to anything. No specific information."
	result := NewEngine().Review(content, "guide", "generate objective")
	if result.OverallScore < 0 || result.OverallScore > 10 {
		t.Errorf("score = %f out of range", result.OverallScore)
	}
}

func TestFormatFeedback(t *testing.T) {
	result := models.ReviewResult{
		OverallScore: 5.5,
		Issues: []models.ReviewIssue{
			{Type: "length", Severity: models.SeverityMajor, Message: "Content too short"},
		},
		Suggestions: []string{"Consider adding section headers"},
		Strengths:   []string{"Provides improvement guidance"},
	}

	fb := FormatFeedback(result)
	for _, want := range []string{
		"## Review Score: 5.5/10",
		"### Strengths",
		"### Issues",
		"- Content too short",
		"### Suggestions",
	} {
		if !strings.Contains(fb, want) {
			t.Errorf("feedback missing %q:\n%s", want, fb)
		}
	}
}
