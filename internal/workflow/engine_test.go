package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scholarlab/lectern/internal/extract"
	"github.com/scholarlab/lectern/internal/history"
	"github.com/scholarlab/lectern/internal/patterns"
	"github.com/scholarlab/lectern/internal/persona"
	"github.com/scholarlab/lectern/pkg/models"
)

// fakeGenerator returns canned responses in order, clamping at the last.
type fakeGenerator struct {
	responses     []string
	idx           int
	err           error
	generateCalls int
	feedbackCalls int
	lastFeedback  string
}

func (f *fakeGenerator) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error) {
	f.generateCalls++
	return f.next()
}

func (f *fakeGenerator) GenerateWithFeedback(ctx context.Context, req models.GenerateRequest, previous, feedback string) (*models.GenerateResponse, error) {
	f.feedbackCalls++
	f.lastFeedback = feedback
	return f.next()
}

func (f *fakeGenerator) next() (*models.GenerateResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	i := min(f.idx, len(f.responses)-1)
	f.idx++
	content := f.responses[i]
	return &models.GenerateResponse{Content: content, Model: "fake", TokensUsed: 100}, nil
}

// passingDraft is constructed to clear the 9.0 bar for the query
// "mediation analysis" with a reference doc containing the terms
// mediation, analysis, framework, according, literature.
var passingDraft = `# Mediation Analysis

## Conceptual Definition

Mediation analysis is defined as a statistical framework for decomposing a total
effect into direct and indirect pathways. This refers to the mechanism through
which a variable influences an outcome via a mediator, according to the causal
inference literature and the classic model of Baron and Kenny.

## Theoretical Foundation

First, therefore, the framework specifies three estimation steps:

1. Estimate the total effect.
2. Estimate the effect on the mediator.
3. Estimate the direct effect controlling for the mediator.

- Bootstrapping yields confidence intervals for the indirect effect.

## Practical Application

In conclusion, mediation analysis connects theory to evidence.

` + strings.Repeat("The framework therefore grounds mediation analysis in the literature with careful use of the model across applied settings. ", 15)

const testPersonaYAML = `name: DR_STATS
domain: statistics
persona_identity:
  name: Dr. Stats
  role: Professor of Quantitative Methods
`

const testPromptsYAML = `system_prompt: You are Dr. Stats, a methods professor.
`

type testEnv struct {
	engine   *Engine
	gen      *fakeGenerator
	patterns patterns.Store
	history  *history.Log
	dir      string
}

func newTestEnv(t *testing.T, gen *fakeGenerator, cfg Config, knowledge map[string]string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	pdir := filepath.Join(dir, "personas", "DR_STATS")
	if err := os.MkdirAll(filepath.Join(pdir, "knowledge"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pdir, "persona.yaml"), []byte(testPersonaYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pdir, "prompts.yaml"), []byte(testPromptsYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	for name, content := range knowledge {
		if err := os.WriteFile(filepath.Join(pdir, "knowledge", name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	store := patterns.NewMemoryStore("")
	hist := history.NewLog(filepath.Join(dir, "history.jsonl"))
	engine := NewEngine(
		DefaultRegistry(),
		persona.NewLoader(filepath.Join(dir, "personas")),
		extract.New(0),
		gen,
		store,
		nil,
		hist,
		cfg,
	)
	return &testEnv{engine: engine, gen: gen, patterns: store, history: hist, dir: dir}
}

func TestRunPassesFirstIterationWhenGrounded(t *testing.T) {
	gen := &fakeGenerator{responses: []string{passingDraft}}
	env := newTestEnv(t, gen, Config{}, map[string]string{
		"mediation.md": "mediation analysis framework according to literature",
	})

	result, err := env.engine.Run(context.Background(), RunRequest{
		Workflow: "explain",
		Persona:  "DR_STATS",
		Inputs:   map[string]string{"topic": "mediation analysis"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Success || result.Status != models.RunCompleted {
		t.Fatalf("result = %+v, want completed success", result)
	}
	if result.ReasoningIterations != 1 {
		t.Errorf("reasoning iterations = %d, want 1", result.ReasoningIterations)
	}
	if result.FinalScore < 9.0 {
		t.Errorf("final score = %.1f, want >= 9.0", result.FinalScore)
	}
	if gen.generateCalls != 1 || gen.feedbackCalls != 0 {
		t.Errorf("calls = %d generate / %d feedback, want 1/0", gen.generateCalls, gen.feedbackCalls)
	}

	raw, err := os.ReadFile(result.OutputPath)
	if err != nil {
		t.Fatalf("output file: %v", err)
	}
	if !strings.Contains(string(raw), "Quality Score") {
		t.Error("output missing metadata footer")
	}

	count, err := env.patterns.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("pattern count = %d, want 1 for a passing run", count)
	}

	records, err := env.history.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || !records[0].Success {
		t.Errorf("history records = %v", records)
	}
}

func TestRunExhaustsCapAndStillSucceeds(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"Too short."}}
	env := newTestEnv(t, gen, Config{}, nil)

	result, err := env.engine.Run(context.Background(), RunRequest{
		Workflow: "explain",
		Persona:  "DR_STATS",
		Inputs:   map[string]string{"topic": "mediation analysis"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Success {
		t.Error("capped best-effort run must still be a success")
	}
	if result.ReasoningIterations != MaxReasoningIterations {
		t.Errorf("reasoning iterations = %d, want %d", result.ReasoningIterations, MaxReasoningIterations)
	}
	if result.FinalScore >= 9.0 {
		t.Errorf("final score = %.1f, want < 9.0", result.FinalScore)
	}
	if gen.generateCalls != 1 || gen.feedbackCalls != 4 {
		t.Errorf("calls = %d generate / %d feedback, want 1/4", gen.generateCalls, gen.feedbackCalls)
	}

	count, err := env.patterns.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("pattern count = %d, want 0 for a sub-threshold run", count)
	}
}

func TestRunUnknownWorkflowIsConfigError(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{responses: []string{"x"}}, Config{}, nil)
	_, err := env.engine.Run(context.Background(), RunRequest{
		Workflow: "summarize",
		Persona:  "DR_STATS",
		Inputs:   map[string]string{"topic": "x"},
	})
	var cfgErr *models.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %v, want ConfigError", err)
	}
}

func TestRunMissingRequiredInputIsConfigError(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{responses: []string{"x"}}, Config{}, nil)
	_, err := env.engine.Run(context.Background(), RunRequest{
		Workflow: "explain",
		Persona:  "DR_STATS",
		Inputs:   map[string]string{},
	})
	var cfgErr *models.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %v, want ConfigError", err)
	}
	if err != nil && !strings.Contains(err.Error(), "topic") {
		t.Errorf("error %q does not name the missing input", err)
	}
}

func TestRunGenerationFailureIsFailedResult(t *testing.T) {
	gen := &fakeGenerator{err: models.NewCollaboratorError("llm", errors.New("all providers failed"))}
	env := newTestEnv(t, gen, Config{}, nil)

	result, err := env.engine.Run(context.Background(), RunRequest{
		Workflow: "explain",
		Persona:  "DR_STATS",
		Inputs:   map[string]string{"topic": "mediation analysis"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success || result.Status != models.RunFailed {
		t.Fatalf("result = %+v, want failed", result)
	}
	if result.Error == "" {
		t.Error("failed result missing error message")
	}
	if result.ReasoningIterations != 1 {
		t.Errorf("partial reasoning iterations = %d, want 1", result.ReasoningIterations)
	}
}

func TestRunPausesOnProjectedCriticalBreach(t *testing.T) {
	gen := &fakeGenerator{responses: []string{passingDraft}}
	env := newTestEnv(t, gen, Config{MaxTokens: 1000, PerCallTokenEstimate: 1000}, nil)

	result, err := env.engine.Run(context.Background(), RunRequest{
		Workflow: "explain",
		Persona:  "DR_STATS",
		Inputs:   map[string]string{"topic": "mediation analysis"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunPaused {
		t.Fatalf("status = %s, want paused", result.Status)
	}
	if result.PauseReason != PauseReasonContextThreshold {
		t.Errorf("pause reason = %q", result.PauseReason)
	}
	if gen.generateCalls != 0 || gen.feedbackCalls != 0 {
		t.Error("generator must not be called once the run is paused")
	}
}

func TestRunReconstructPolicyProceeds(t *testing.T) {
	gen := &fakeGenerator{responses: []string{passingDraft}}
	env := newTestEnv(t, gen, Config{
		MaxTokens:            1000,
		PerCallTokenEstimate: 1000,
		BreachPolicy:         PolicyReconstruct,
	}, map[string]string{
		"mediation.md": "mediation analysis framework according to literature",
	})

	result, err := env.engine.Run(context.Background(), RunRequest{
		Workflow: "explain",
		Persona:  "DR_STATS",
		Inputs:   map[string]string{"topic": "mediation analysis"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunCompleted {
		t.Errorf("status = %s, want completed under reconstruct policy", result.Status)
	}
}

func TestRunCanceledContextFails(t *testing.T) {
	gen := &fakeGenerator{responses: []string{passingDraft}}
	env := newTestEnv(t, gen, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := env.engine.Run(ctx, RunRequest{
		Workflow: "explain",
		Persona:  "DR_STATS",
		Inputs:   map[string]string{"topic": "mediation analysis"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunFailed {
		t.Errorf("status = %s, want failed on canceled context", result.Status)
	}
	if gen.generateCalls != 0 {
		t.Error("generator must not be called after cancellation")
	}
}

func TestValidationRegeneratesWithReviewFeedback(t *testing.T) {
	ungrounded := passingDraft + "\n\nI don't have access to the underlying files."
	gen := &fakeGenerator{responses: []string{ungrounded, passingDraft}}
	env := newTestEnv(t, gen, Config{}, map[string]string{
		"mediation.md": "mediation analysis framework according to literature",
	})

	result, err := env.engine.Run(context.Background(), RunRequest{
		Workflow: "explain",
		Persona:  "DR_STATS",
		Inputs:   map[string]string{"topic": "mediation analysis"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Status != models.RunCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	if result.ReasoningIterations != 1 {
		t.Errorf("reasoning iterations = %d, want 1", result.ReasoningIterations)
	}
	if result.ValidationIterations != 2 {
		t.Errorf("validation iterations = %d, want 2", result.ValidationIterations)
	}
	if !strings.Contains(gen.lastFeedback, "Review Score") {
		t.Errorf("regeneration feedback = %q, want rendered review", gen.lastFeedback)
	}

	raw, err := os.ReadFile(result.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(strings.ToLower(string(raw)), "i don't have access to") {
		t.Error("ungrounded draft reached the output file")
	}
}

type recordingObserver struct {
	stages []models.Stage
}

func (o *recordingObserver) OnStage(stage models.Stage, detail string) {
	o.stages = append(o.stages, stage)
}

func TestStageObserverSeesTransitions(t *testing.T) {
	gen := &fakeGenerator{responses: []string{passingDraft}}
	env := newTestEnv(t, gen, Config{}, map[string]string{
		"mediation.md": "mediation analysis framework according to literature",
	})

	obs := &recordingObserver{}
	if _, err := env.engine.Run(context.Background(), RunRequest{
		Workflow: "explain",
		Persona:  "DR_STATS",
		Inputs:   map[string]string{"topic": "mediation analysis"},
		Observer: obs,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []models.Stage{
		models.StageExtracting,
		models.StageWarmStart,
		models.StageReasoning,
		models.StageValidating,
		models.StagePersisting,
		models.StageDone,
	}
	if len(obs.stages) != len(want) {
		t.Fatalf("stages = %v, want %v", obs.stages, want)
	}
	for i, s := range want {
		if obs.stages[i] != s {
			t.Errorf("stage[%d] = %s, want %s", i, obs.stages[i], s)
		}
	}
}

func TestRegistryValidation(t *testing.T) {
	r := DefaultRegistry()
	if got := r.Names(); len(got) != 4 {
		t.Fatalf("names = %v, want 4 workflows", got)
	}

	spec, ok := r.Get("guide")
	if !ok {
		t.Fatal("guide workflow missing")
	}
	if err := spec.ValidateInputs(map[string]string{"assignment": "case study"}); err != nil {
		t.Errorf("valid inputs rejected: %v", err)
	}
	if err := spec.ValidateInputs(nil); err == nil {
		t.Error("missing assignment not rejected")
	}
	if q := spec.Query(map[string]string{"assignment": "case study"}); q != "case study" {
		t.Errorf("query = %q", q)
	}
}
