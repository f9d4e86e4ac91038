// Package models holds the shared data model for the Lectern research
// assistant: token accounting, shared memory entries, scoring and review
// results, reasoning patterns, and workflow run records.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ── Token accounting ─────────────────────────────────────────

// TokenStatus classifies cumulative token usage against the configured budget.
type TokenStatus string

const (
	TokenStatusGreen    TokenStatus = "green"    // below warning fraction
	TokenStatusYellow   TokenStatus = "yellow"   // warning..threshold
	TokenStatusRed      TokenStatus = "red"      // threshold..critical
	TokenStatusCritical TokenStatus = "critical" // at or above critical fraction
)

// TokenUsageRecord is one append-only entry in the guard's usage history.
type TokenUsageRecord struct {
	AgentID          string      `json:"agent_id"`
	Operation        string      `json:"operation"`
	TokensUsed       int         `json:"tokens_used"`
	CumulativeTokens int         `json:"cumulative_tokens"`
	MaxTokens        int         `json:"max_tokens"`
	Percentage       float64     `json:"percentage"`
	Status           TokenStatus `json:"status"`
	Timestamp        time.Time   `json:"timestamp"`
}

// AlertSeverity is the severity attached to a token budget alert.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "WARNING"
	AlertCritical AlertSeverity = "CRITICAL"
)

// Recommended actions carried on alerts.
const (
	ActionReconstruct          = "RECONSTRUCT_CONTEXT"
	ActionImmediateReconstruct = "IMMEDIATE_RECONSTRUCTION"
)

// Alert is fired when token usage transitions into the red or critical band.
type Alert struct {
	AgentID             string        `json:"agent_id"`
	CurrentPercentage   float64       `json:"current_percentage"`
	ThresholdPercentage float64       `json:"threshold_percentage"`
	Message             string        `json:"message"`
	Severity            AlertSeverity `json:"severity"`
	RecommendedAction   string        `json:"recommended_action"`
	Timestamp           time.Time     `json:"timestamp"`
}

// ImpactEstimate is a dry-run projection of a planned operation against the
// token budget. It never mutates guard state.
type ImpactEstimate struct {
	EstimatedTokens     int     `json:"estimated_tokens"`
	CurrentTokens       int     `json:"current_tokens"`
	ProjectedTotal      int     `json:"projected_total"`
	ProjectedPercentage float64 `json:"projected_percentage"`
	CurrentPercentage   float64 `json:"current_percentage"`
	WillBreachWarning   bool    `json:"will_breach_warning"`
	WillBreachThreshold bool    `json:"will_breach_threshold"`
	WillBreachCritical  bool    `json:"will_breach_critical"`
	Recommendation      string  `json:"recommendation"`
}

// EssentialContext is the compressed artifact produced by context
// reconstruction. The guard's cumulative counter is rebased to TokenCount.
type EssentialContext struct {
	Summary             string   `json:"summary"`
	KeyFacts            []string `json:"key_facts"`
	ActiveTask          string   `json:"active_task,omitempty"`
	ImportantReferences []string `json:"important_references"`
	TokenCount          int      `json:"token_count"`
	OriginalTokenCount  int      `json:"original_token_count"`
	CompressionRatio    float64  `json:"compression_ratio"`
}

// ContextSnapshot preserves raw context for potential recovery.
type ContextSnapshot struct {
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	AgentID    string    `json:"agent_id"`
	Operation  string    `json:"operation"`
	Timestamp  time.Time `json:"timestamp"`
}

// ── Shared memory ────────────────────────────────────────────

// MemoryType categorizes shared memory entries.
type MemoryType string

const (
	MemoryFact      MemoryType = "fact"
	MemoryContext   MemoryType = "context"
	MemoryDecision  MemoryType = "decision"
	MemoryFeedback  MemoryType = "feedback"
	MemoryLearning  MemoryType = "learning"
	MemoryReference MemoryType = "reference"
	MemoryTask      MemoryType = "task"
	MemoryPersona   MemoryType = "persona"
)

// MemoryTypes lists all entry types, in declaration order.
var MemoryTypes = []MemoryType{
	MemoryFact, MemoryContext, MemoryDecision, MemoryFeedback,
	MemoryLearning, MemoryReference, MemoryTask, MemoryPersona,
}

// MemoryEntry is a keyed, typed, importance-weighted fact shared between
// workflow stages. Entries are overwritten by key, never mutated in place.
type MemoryEntry struct {
	Key         string            `json:"key"`
	Value       string            `json:"value"`
	Type        MemoryType        `json:"type"`
	SourceAgent string            `json:"source_agent"`
	Importance  int               `json:"importance"` // 1..10
	Timestamp   time.Time         `json:"timestamp"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the entry's expiry has passed.
func (e *MemoryEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// ── Knowledge extraction ─────────────────────────────────────

// ExtractedContent is one piece of knowledge-base material relevant to a
// query, produced by the extraction collaborator.
type ExtractedContent struct {
	SourceFile     string  `json:"source_file"`
	ContentType    string  `json:"content_type"`
	Text           string  `json:"text"`
	RelevanceScore float64 `json:"relevance_score"`
}

// ── Scoring ──────────────────────────────────────────────────

// ReasoningScore is the rubric result for one generation attempt.
// Passed is true iff Overall >= 9.0.
type ReasoningScore struct {
	Overall           float64   `json:"overall"`
	Passed            bool      `json:"passed"`
	KBRelevance       float64   `json:"kb_relevance"`
	Coherence         float64   `json:"coherence"`
	AddressesQuestion float64   `json:"addresses_question"`
	Feedback          string    `json:"feedback"`
	Iteration         int       `json:"iteration"`
	Timestamp         time.Time `json:"timestamp"`
}

// ── Validation review ────────────────────────────────────────

// IssueSeverity grades review issues. A critical issue auto-fails the review.
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityMajor    IssueSeverity = "major"
	SeverityMinor    IssueSeverity = "minor"
)

// ReviewIssue is a single problem found during output validation.
type ReviewIssue struct {
	Type     string        `json:"type"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// ReviewResult is the outcome of the independent validation pass.
// MeetsStandards is true iff OverallScore >= 6.0 and no critical issue exists.
type ReviewResult struct {
	OverallScore   float64       `json:"overall_score"`
	MeetsStandards bool          `json:"meets_standards"`
	Issues         []ReviewIssue `json:"issues"`
	Suggestions    []string      `json:"suggestions"`
	Strengths      []string      `json:"strengths"`
}

// HasCritical reports whether any issue carries critical severity.
func (r *ReviewResult) HasCritical() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// ── Reasoning patterns ───────────────────────────────────────

// ReasoningPattern records a high-scoring past run for warm-start reuse.
// Only runs scoring >= 8.0 are persisted; patterns are immutable once stored.
type ReasoningPattern struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	Summary    string    `json:"summary"`
	Score      float64   `json:"score"`
	KeyTerms   []string  `json:"key_terms"`
	Strategies []string  `json:"strategies"`
	CreatedAt  time.Time `json:"created_at"`
}

// PatternMatch pairs a retrieved pattern with its Jaccard similarity to the
// query's term set.
type PatternMatch struct {
	Pattern    ReasoningPattern `json:"pattern"`
	Similarity float64          `json:"similarity"`
}

// ── LLM generation ───────────────────────────────────────────

// ChatMessage is a single provider-agnostic chat turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider describes one configured LLM backend.
type Provider struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"` // openai | anthropic | ollama
	Endpoint  string `json:"endpoint,omitempty"`
	APIKey    string `json:"-"`
	Model     string `json:"model"`
	IsDefault bool   `json:"is_default"`
}

// GenerateRequest is the only request shape the orchestration loop sends to
// the LLM collaborator.
type GenerateRequest struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Model        string `json:"model,omitempty"`
}

// GenerateResponse is the only response shape the loop consumes.
type GenerateResponse struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
	DurationMs int64  `json:"duration_ms"`
}

// ── Workflow runs ────────────────────────────────────────────

// Stage names the orchestration loop's states, in transition order.
type Stage string

const (
	StageExtracting Stage = "extracting"
	StageWarmStart  Stage = "warm_start"
	StageReasoning  Stage = "reasoning"
	StageValidating Stage = "validating"
	StagePersisting Stage = "persisting"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// RunStatus is the terminal disposition of a workflow invocation.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPaused    RunStatus = "paused" // projected token breach, caller must decide
)

// WorkflowResult is the single terminal value returned per invocation.
// A capped best-effort run is still Success=true with FinalScore below the
// pass threshold; callers inspect FinalScore to tell the two apart.
type WorkflowResult struct {
	Success              bool              `json:"success"`
	Status               RunStatus         `json:"status"`
	WorkflowName         string            `json:"workflow_name"`
	PersonaName          string            `json:"persona_name"`
	OutputPath           string            `json:"output_path,omitempty"`
	Error                string            `json:"error,omitempty"`
	PauseReason          string            `json:"pause_reason,omitempty"`
	ReasoningIterations  int               `json:"reasoning_iterations"`
	ValidationIterations int               `json:"validation_iterations"`
	FinalScore           float64           `json:"final_score"`
	ExecutionTimeMs      int64             `json:"execution_time_ms"`
	Artifacts            map[string]string `json:"artifacts,omitempty"`
}

// RunRecord is the JSON-lines execution-history entry appended per invocation.
type RunRecord struct {
	Timestamp            time.Time `json:"timestamp"`
	RunID                string    `json:"run_id"`
	Workflow             string    `json:"workflow"`
	Persona              string    `json:"persona"`
	Query                string    `json:"query"`
	OutputPath           string    `json:"output_path,omitempty"`
	Score                float64   `json:"score"`
	ReasoningIterations  int       `json:"reasoning_iterations"`
	ValidationIterations int       `json:"validation_iterations"`
	ExecutionTimeMs      int64     `json:"execution_time_ms"`
	Success              bool      `json:"success"`
}

// ── Error kinds ──────────────────────────────────────────────

// ErrGenerateTimeout marks a generation failure caused by the caller-supplied
// timeout, distinct from other collaborator failures.
var ErrGenerateTimeout = errors.New("generation timed out")

// ConfigError indicates invalid or missing configuration (unknown workflow,
// missing persona, absent required input). It fails fast before any loop
// iteration and is never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// NewConfigError builds a ConfigError with fmt-style formatting.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// CollaboratorError indicates a failure in an external collaborator
// (extraction, LLM call, file write). It aborts the current invocation.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// NewCollaboratorError wraps err as a failure of the named collaborator.
func NewCollaboratorError(collaborator string, err error) *CollaboratorError {
	return &CollaboratorError{Collaborator: collaborator, Err: err}
}
