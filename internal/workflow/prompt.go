package workflow

import (
	"fmt"
	"os"
	"strings"

	"github.com/scholarlab/lectern/internal/persona"
	"github.com/scholarlab/lectern/pkg/models"
)

// Prompt assembly limits.
const (
	maxSourceExcerpts  = 3
	sourceExcerptChars = 500
	maxSubmissionChars = 4000
	placeholderInitial = "initial"
)

// buildPrompt assembles the generation prompt: the workflow instruction
// (persona override or built-in default), top source excerpts, and the
// warm-start hint when one exists.
func buildPrompt(spec Spec, p *persona.Persona, query, warmStart string, extracted []models.ExtractedContent, inputs map[string]string) string {
	var b strings.Builder

	b.WriteString(instructionFor(spec, p, query, inputs))

	if len(extracted) > 0 {
		b.WriteString("\n\n## Source Materials\n\n")
		b.WriteString("Ground your response in these knowledge base excerpts and cite them:\n\n")
		for i, c := range extracted {
			if i == maxSourceExcerpts {
				break
			}
			excerpt := strings.TrimSpace(strings.ReplaceAll(c.Text, "\n", " "))
			if len(excerpt) > sourceExcerptChars {
				excerpt = excerpt[:sourceExcerptChars] + "..."
			}
			fmt.Fprintf(&b, "- Source %d (%s): %s\n", i+1, c.SourceFile, excerpt)
		}
	}

	if warmStart != "" {
		b.WriteString("\n\n")
		b.WriteString(warmStart)
	}

	if len(p.Guidelines) > 0 {
		b.WriteString("\n\n## Guidelines\n\n")
		for _, g := range p.Guidelines {
			b.WriteString("- ")
			b.WriteString(g)
			b.WriteString("\n")
		}
	}

	return b.String()
}

// instructionFor picks the workflow instruction: a persona-defined prompt
// with the query substituted in, or the built-in default for the workflow.
func instructionFor(spec Spec, p *persona.Persona, query string, inputs map[string]string) string {
	if tmpl := p.Prompt(spec.Name, placeholderInitial); tmpl != "" {
		return substituteQuery(tmpl, query)
	}

	switch spec.Name {
	case "explain":
		return fmt.Sprintf(
			"Explain the concept of %q in your teaching voice. Structure the explanation with "+
				"markdown headings covering the conceptual definition, theoretical foundation, and "+
				"practical application. Ground every claim in the provided source materials.", query)

	case "review":
		submission := readSubmission(inputs["submission_path"])
		instr := fmt.Sprintf(
			"Review the student submission at %q against your standards. Structure the review with "+
				"sections for Strengths, Areas for Development, and Recommendations, and close with an "+
				"estimated grade.", query)
		if rubric := inputs["rubric_path"]; rubric != "" {
			instr += fmt.Sprintf(" Apply the rubric at %q.", rubric)
		}
		if submission != "" {
			instr += "\n\n## Submission\n\n" + submission
		}
		return instr

	case "guide":
		return fmt.Sprintf(
			"Provide guidance for the assignment %q without giving direct answers. "+
				"Open with 'The objective of this research is to' framing the task, cover the business "+
				"context, suggest an approach and relevant frameworks, and close with reflection "+
				"questions the student should ask themselves.", query)

	case "research":
		return fmt.Sprintf(
			"Carry out the research task %q. Produce a structured analysis with markdown headings, "+
				"grounded in the provided source materials, covering methodology, findings, and "+
				"implications.", query)

	default:
		return fmt.Sprintf("Address the following task in your persona's voice: %s", query)
	}
}

func substituteQuery(tmpl, query string) string {
	for _, key := range []string{"{topic}", "{task}", "{assignment}", "{query}", "{submission_path}"} {
		tmpl = strings.ReplaceAll(tmpl, key, query)
	}
	return tmpl
}

// readSubmission loads the submission file for review prompts. Missing or
// unreadable files degrade to an empty string; the reviewer persona still
// sees the path.
func readSubmission(path string) string {
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	text := string(raw)
	if len(text) > maxSubmissionChars {
		text = text[:maxSubmissionChars] + "\n...[truncated]..."
	}
	return text
}

// formatOutput appends the metadata footer to the final draft.
func formatOutput(r *run) string {
	footer := fmt.Sprintf(
		"\n\n---\n\n*Generated by Lectern | Workflow: %s*\n*Persona: %s | Quality Score: %.1f/10 | Iterations: %d*\n",
		r.spec.Name, r.persona.Name, r.finalScore, r.reasoningIter+r.validationIter)
	return r.draft + footer
}
