// Package workflow implements the orchestration loop.
//
// A run moves through Extracting → WarmStart → Reasoning(i) → Validating(j)
// → Persisting → Done/Failed. The reasoning loop generates a draft, scores
// it, and feeds the scoring feedback into the next generation call until the
// draft passes or the iteration cap is hit. The validation loop is an
// independent finished-output check with its own, lower bar. A capped run
// that never passes is still a success; callers inspect FinalScore.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scholarlab/lectern/internal/extract"
	"github.com/scholarlab/lectern/internal/history"
	"github.com/scholarlab/lectern/internal/llm"
	"github.com/scholarlab/lectern/internal/memory"
	"github.com/scholarlab/lectern/internal/notify"
	"github.com/scholarlab/lectern/internal/patterns"
	"github.com/scholarlab/lectern/internal/persona"
	"github.com/scholarlab/lectern/internal/review"
	"github.com/scholarlab/lectern/internal/scoring"
	"github.com/scholarlab/lectern/internal/tokenguard"
	"github.com/scholarlab/lectern/pkg/models"
)

// Loop caps. The reasoning loop always exits after MaxReasoningIterations
// even when no iteration passes; the non-passing draft is carried forward.
const (
	MaxReasoningIterations  = 5
	MaxValidationIterations = 2
)

// scoringTokenCost is the flat charge recorded against the token guard for
// each scoring pass; scoring is local and cheap compared to generation.
const scoringTokenCost = 200

// Breach policies for a projected critical token breach before a
// generation call.
const (
	PolicyPause       = "pause"
	PolicyReconstruct = "reconstruct"
)

// PauseReasonContextThreshold is the PauseReason carried by a paused result.
const PauseReasonContextThreshold = "context_threshold"

// StageObserver receives stage transitions. The CLI installs a printer;
// the engine tolerates a nil observer.
type StageObserver interface {
	OnStage(stage models.Stage, detail string)
}

// RunRequest names one workflow invocation.
type RunRequest struct {
	Workflow string
	Persona  string
	Inputs   map[string]string
	Observer StageObserver
}

// Config carries the engine's tunables.
type Config struct {
	// MaxTokens is the per-run token budget. Default 100000.
	MaxTokens int
	// PerCallTokenEstimate is the projected cost of one generation call,
	// checked against the guard before each call. Default 1000.
	PerCallTokenEstimate int
	// BreachPolicy decides what happens when a projected generation call
	// would breach the critical band: PolicyPause (default) or
	// PolicyReconstruct.
	BreachPolicy string
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 100000
	}
	if c.PerCallTokenEstimate <= 0 {
		c.PerCallTokenEstimate = 1000
	}
	if c.BreachPolicy == "" {
		c.BreachPolicy = PolicyPause
	}
	return c
}

// Engine runs workflows. Collaborators are injected so tests can substitute
// deterministic fakes.
type Engine struct {
	registry  *Registry
	personas  *persona.Loader
	extractor *extract.Extractor
	generator llm.Generator
	patterns  patterns.Store
	notifier  *notify.Service
	history   *history.Log
	cfg       Config
	tracer    trace.Tracer

	mu         sync.Mutex
	lastReport *tokenguard.Report
}

// NewEngine creates a workflow engine. notifier and historyLog may be nil.
func NewEngine(
	registry *Registry,
	personas *persona.Loader,
	extractor *extract.Extractor,
	generator llm.Generator,
	patternStore patterns.Store,
	notifier *notify.Service,
	historyLog *history.Log,
	cfg Config,
) *Engine {
	return &Engine{
		registry:  registry,
		personas:  personas,
		extractor: extractor,
		generator: generator,
		patterns:  patternStore,
		notifier:  notifier,
		history:   historyLog,
		cfg:       cfg.withDefaults(),
		tracer:    otel.Tracer("lectern/workflow"),
	}
}

// Registry exposes the engine's workflow registry.
func (e *Engine) Registry() *Registry { return e.registry }

// LastTokenReport returns the token usage report of the most recent run,
// or nil when no run has completed yet.
func (e *Engine) LastTokenReport() *tokenguard.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// run bundles the per-invocation state threaded through the stages.
type run struct {
	id       string
	spec     Spec
	persona  *persona.Persona
	query    string
	inputs   map[string]string
	observer StageObserver

	guard  *tokenguard.Guard
	memory *memory.Memory
	scorer *scoring.Engine

	extracted []models.ExtractedContent
	warmStart string

	draft          string
	finalScore     float64
	reasoningIter  int
	validationIter int
}

// Run executes one workflow invocation. Configuration problems (unknown
// workflow, missing persona, missing inputs) return a non-nil error before
// any loop iteration; every failure after that point is reported inside the
// returned WorkflowResult.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*models.WorkflowResult, error) {
	start := time.Now()

	spec, ok := e.registry.Get(req.Workflow)
	if !ok {
		return nil, models.NewConfigError("unknown workflow: %s (available: %s)",
			req.Workflow, strings.Join(e.registry.Names(), ", "))
	}
	if err := spec.ValidateInputs(req.Inputs); err != nil {
		return nil, err
	}
	p, err := e.personas.Load(req.Persona)
	if err != nil {
		return nil, err
	}
	if err := p.MustDirs(); err != nil {
		return nil, models.NewCollaboratorError("persona", err)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow", req.Workflow),
			attribute.String("persona", req.Persona),
		))
	defer span.End()

	r := &run{
		id:       uuid.NewString(),
		spec:     spec,
		persona:  p,
		query:    spec.Query(req.Inputs),
		inputs:   req.Inputs,
		observer: req.Observer,
		guard:    tokenguard.New(tokenguard.Config{MaxTokens: e.cfg.MaxTokens}, nil),
		memory:   memory.New(),
		scorer:   scoring.NewEngine(),
	}
	r.memory.SetPersona(p.Name, p.SystemPrompt)
	r.guard.RegisterAlertListener(func(alert models.Alert) {
		log.Warn().
			Str("run", r.id).
			Str("severity", string(alert.Severity)).
			Str("action", alert.RecommendedAction).
			Msg(alert.Message)
		e.publish(ctx, notify.EventTokenAlert, r, map[string]any{
			"severity":   string(alert.Severity),
			"message":    alert.Message,
			"percentage": alert.CurrentPercentage,
		})
	})

	span.SetAttributes(attribute.String("run_id", r.id))
	log.Info().
		Str("run", r.id).
		Str("workflow", spec.Name).
		Str("persona", req.Persona).
		Str("query", r.query).
		Msg("Workflow run started")

	result := e.execute(ctx, r)
	result.ExecutionTimeMs = time.Since(start).Milliseconds()

	report := r.guard.StatusReport()
	e.mu.Lock()
	e.lastReport = &report
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.Float64("final_score", result.FinalScore),
		attribute.Int("reasoning_iterations", result.ReasoningIterations),
	)

	e.appendHistory(r, result)

	switch result.Status {
	case models.RunCompleted:
		e.publish(ctx, notify.EventRunCompleted, r, map[string]any{
			"score":       result.FinalScore,
			"output_path": result.OutputPath,
		})
	case models.RunFailed:
		e.publish(ctx, notify.EventRunFailed, r, map[string]any{"error": result.Error})
	}

	improvement := r.scorer.ImprovementSummary()
	log.Info().
		Str("run", r.id).
		Str("status", string(result.Status)).
		Float64("score", result.FinalScore).
		Float64("score_improvement", improvement.Improvement).
		Int("reasoning_iterations", result.ReasoningIterations).
		Int("validation_iterations", result.ValidationIterations).
		Int64("elapsed_ms", result.ExecutionTimeMs).
		Msg("Workflow run finished")

	return result, nil
}

// execute walks the state machine. All terminal outcomes come back as a
// WorkflowResult; the surrounding Run adds timing, history, and events.
func (e *Engine) execute(ctx context.Context, r *run) *models.WorkflowResult {
	e.enterStage(ctx, r, models.StageExtracting, r.query)
	r.extracted = e.extractor.Extract(r.query, r.persona.KnowledgeDir)
	extractedTexts := make([]string, len(r.extracted))
	totalExtracted := 0
	for i, c := range r.extracted {
		extractedTexts[i] = c.Text
		totalExtracted += r.guard.EstimateText(c.Text)
	}
	if totalExtracted > 0 {
		r.guard.RecordUsage("reader", "extract", totalExtracted)
	}
	r.memory.AddFact(fmt.Sprintf("Found %d relevant sources for: %s", len(r.extracted), r.query), "reader", 8)

	e.enterStage(ctx, r, models.StageWarmStart, "")
	if e.patterns != nil {
		matches, err := e.patterns.Retrieve(ctx, r.query, patterns.DefaultTopK)
		if err != nil {
			log.Warn().Err(err).Str("run", r.id).Msg("Pattern retrieval failed, cold start")
		} else {
			r.warmStart = patterns.BuildWarmStartPrompt(r.query, matches)
		}
	}
	if r.warmStart == "" {
		log.Debug().Str("run", r.id).Msg("No similar patterns found, cold start")
	}

	if result := e.reasoningLoop(ctx, r, extractedTexts); result != nil {
		return result
	}

	content := formatOutput(r)

	if result := e.validationLoop(ctx, r, &content); result != nil {
		return result
	}

	e.enterStage(ctx, r, models.StagePersisting, "")
	if e.patterns != nil {
		if _, err := e.patterns.Store(ctx, r.query, r.draft, r.finalScore, r.lastFeedback()); err != nil {
			log.Warn().Err(err).Str("run", r.id).Msg("Pattern store failed")
		}
	}

	outputPath := filepath.Join(r.persona.OutputDir,
		fmt.Sprintf("%s_%s.md", r.spec.Name, time.Now().Format("20060102_150405")))
	if err := os.WriteFile(outputPath, []byte(content), 0o644); err != nil {
		return e.failed(ctx, r, models.NewCollaboratorError("output", err))
	}

	e.enterStage(ctx, r, models.StageDone, outputPath)
	return &models.WorkflowResult{
		Success:              true,
		Status:               models.RunCompleted,
		WorkflowName:         r.spec.Name,
		PersonaName:          r.persona.Name,
		OutputPath:           outputPath,
		ReasoningIterations:  r.reasoningIter,
		ValidationIterations: r.validationIter,
		FinalScore:           r.finalScore,
		Artifacts: map[string]string{
			"query":           r.query,
			"extracted_files": fmt.Sprintf("%d", len(r.extracted)),
			"tokens_used":     fmt.Sprintf("%d", r.guard.CumulativeTokens()),
		},
	}
}

// reasoningLoop runs generate→score cycles until the draft passes or the
// cap is hit. A non-nil return is a terminal (failed or paused) result.
func (e *Engine) reasoningLoop(ctx context.Context, r *run, extractedTexts []string) *models.WorkflowResult {
	feedback := ""
	for i := 0; i < MaxReasoningIterations; i++ {
		r.reasoningIter = i + 1
		e.enterStage(ctx, r, models.StageReasoning, fmt.Sprintf("iteration %d/%d", i+1, MaxReasoningIterations))

		if result := e.beforeGenerate(ctx, r); result != nil {
			return result
		}

		resp, err := e.generate(ctx, r, feedback)
		if err != nil {
			return e.failed(ctx, r, err)
		}
		r.draft = resp.Content

		tokens := resp.TokensUsed
		if tokens <= 0 {
			tokens = r.guard.EstimateText(resp.Content)
		}
		r.guard.RecordUsage("generator", "generate", tokens)

		score := r.scorer.Score(r.query, r.draft, extractedTexts, i)
		r.finalScore = score.Overall
		r.guard.RecordUsage("analyst", "score", scoringTokenCost)

		verdict := "RETRY"
		if score.Passed {
			verdict = "PASS"
		}
		log.Info().
			Str("run", r.id).
			Int("iteration", i+1).
			Float64("score", score.Overall).
			Str("verdict", verdict).
			Msg("Reasoning iteration scored")

		if score.Passed {
			return nil
		}
		feedback = score.Feedback
	}
	// Cap exhausted: the best-effort draft is carried forward.
	return nil
}

// validationLoop reviews the formatted output and regenerates with reviewer
// feedback until it meets standards or the cap is hit. The regenerated
// draft is checked only against the validation rubric, never re-scored.
func (e *Engine) validationLoop(ctx context.Context, r *run, content *string) *models.WorkflowResult {
	reviewer := review.NewEngine()
	reviewer.SetStandards(r.persona.Guidelines)

	for j := 0; j < MaxValidationIterations; j++ {
		r.validationIter = j + 1
		e.enterStage(ctx, r, models.StageValidating, fmt.Sprintf("iteration %d/%d", j+1, MaxValidationIterations))

		result := reviewer.Review(*content, r.spec.Name, r.query)
		verdict := "NEEDS REVISION"
		if result.MeetsStandards {
			verdict = "PASS"
		}
		log.Info().
			Str("run", r.id).
			Int("iteration", j+1).
			Float64("review_score", result.OverallScore).
			Str("verdict", verdict).
			Msg("Validation iteration")

		if result.MeetsStandards || j+1 == MaxValidationIterations {
			return nil
		}

		if term := e.beforeGenerate(ctx, r); term != nil {
			return term
		}
		resp, err := e.generator.GenerateWithFeedback(ctx, e.baseRequest(r), r.draft, review.FormatFeedback(result))
		if err != nil {
			return e.failed(ctx, r, err)
		}
		r.draft = resp.Content
		tokens := resp.TokensUsed
		if tokens <= 0 {
			tokens = r.guard.EstimateText(resp.Content)
		}
		r.guard.RecordUsage("generator", "regenerate", tokens)
		r.memory.AddFeedback(review.FormatFeedback(result), "reviewer", r.spec.Name)
		*content = formatOutput(r)
	}
	return nil
}

// beforeGenerate enforces cancellation and the token budget ahead of a
// generation call. A non-nil return is terminal.
func (e *Engine) beforeGenerate(ctx context.Context, r *run) *models.WorkflowResult {
	if err := ctx.Err(); err != nil {
		return e.failed(ctx, r, err)
	}

	impact := r.guard.EstimateImpact(e.cfg.PerCallTokenEstimate)
	if !impact.WillBreachCritical {
		return nil
	}

	if e.cfg.BreachPolicy == PolicyReconstruct {
		ess := r.guard.Reconstruct(e.reconstructionContext(r), nil)
		log.Info().
			Str("run", r.id).
			Int("original_tokens", ess.OriginalTokenCount).
			Int("compressed_tokens", ess.TokenCount).
			Float64("ratio", ess.CompressionRatio).
			Msg("Context reconstructed under token pressure")
		return nil
	}

	log.Warn().
		Str("run", r.id).
		Float64("projected_pct", impact.ProjectedPercentage).
		Msg("Projected critical token breach, pausing run")
	return &models.WorkflowResult{
		Success:              false,
		Status:               models.RunPaused,
		WorkflowName:         r.spec.Name,
		PersonaName:          r.persona.Name,
		PauseReason:          PauseReasonContextThreshold,
		ReasoningIterations:  r.reasoningIter,
		ValidationIterations: r.validationIter,
		FinalScore:           r.finalScore,
	}
}

func (e *Engine) reconstructionContext(r *run) string {
	var b strings.Builder
	b.WriteString("Current task: ")
	b.WriteString(r.query)
	b.WriteString("\n\n")
	for _, entry := range r.memory.Compress(0).KeyMemories {
		b.WriteString("- ")
		b.WriteString(entry.Value)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(r.draft)
	return b.String()
}

// generate issues the initial or revision generation call for the
// reasoning loop.
func (e *Engine) generate(ctx context.Context, r *run, feedback string) (*models.GenerateResponse, error) {
	req := e.baseRequest(r)
	if feedback == "" || r.draft == "" {
		return e.generator.Generate(ctx, req)
	}
	return e.generator.GenerateWithFeedback(ctx, req, r.draft, feedback)
}

func (e *Engine) baseRequest(r *run) models.GenerateRequest {
	return models.GenerateRequest{
		Prompt:       buildPrompt(r.spec, r.persona, r.query, r.warmStart, r.extracted, r.inputs),
		SystemPrompt: r.persona.SystemPrompt,
	}
}

func (e *Engine) failed(ctx context.Context, r *run, err error) *models.WorkflowResult {
	msg := err.Error()
	var collabErr *models.CollaboratorError
	if errors.As(err, &collabErr) {
		msg = collabErr.Error()
	}
	e.enterStage(ctx, r, models.StageFailed, msg)
	if dump, exportErr := r.memory.ExportJSON(); exportErr == nil {
		log.Debug().Str("run", r.id).RawJSON("memory", []byte(dump)).Msg("Run memory at failure")
	}
	return &models.WorkflowResult{
		Success:              false,
		Status:               models.RunFailed,
		WorkflowName:         r.spec.Name,
		PersonaName:          r.persona.Name,
		Error:                msg,
		ReasoningIterations:  r.reasoningIter,
		ValidationIterations: r.validationIter,
		FinalScore:           r.finalScore,
	}
}

func (e *Engine) enterStage(ctx context.Context, r *run, stage models.Stage, detail string) {
	log.Debug().Str("run", r.id).Str("stage", string(stage)).Str("detail", detail).Msg("Stage entered")
	if r.observer != nil {
		r.observer.OnStage(stage, detail)
	}
	e.publish(ctx, notify.EventStageEntered, r, map[string]any{
		"stage":  string(stage),
		"detail": detail,
	})
}

func (e *Engine) publish(ctx context.Context, eventType notify.EventType, r *run, payload map[string]any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(ctx, notify.NewEvent(eventType, r.id, r.spec.Name, r.persona.Name, payload))
}

func (e *Engine) appendHistory(r *run, result *models.WorkflowResult) {
	if e.history == nil {
		return
	}
	rec := models.RunRecord{
		Timestamp:            time.Now().UTC(),
		RunID:                r.id,
		Workflow:             result.WorkflowName,
		Persona:              result.PersonaName,
		Query:                r.query,
		OutputPath:           result.OutputPath,
		Score:                result.FinalScore,
		ReasoningIterations:  result.ReasoningIterations,
		ValidationIterations: result.ValidationIterations,
		ExecutionTimeMs:      result.ExecutionTimeMs,
		Success:              result.Success,
	}
	if err := e.history.Append(rec); err != nil {
		log.Warn().Err(err).Str("run", r.id).Msg("History append failed")
	}
}

func (r *run) lastFeedback() string {
	if score, ok := r.scorer.Latest(); ok {
		return score.Feedback
	}
	return ""
}
