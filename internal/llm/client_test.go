package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/scholarlab/lectern/pkg/models"
)

func openAIServer(t *testing.T, content string, tokens int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": content}},
			},
			"usage": map[string]int{"total_tokens": tokens},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestGenerateOpenAI(t *testing.T) {
	srv := openAIServer(t, "Mediation analysis decomposes effects.", 42)
	defer srv.Close()

	c := New([]models.Provider{{
		Name:     "test-openai",
		Kind:     "openai",
		Endpoint: srv.URL,
		APIKey:   "test-key",
		Model:    "gpt-4o-mini",
	}}, 5*time.Second, 0)

	resp, err := c.Generate(context.Background(), models.GenerateRequest{
		Prompt:       "Explain mediation analysis",
		SystemPrompt: "You are a methods tutor.",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "Mediation analysis decomposes effects." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TokensUsed != 42 {
		t.Errorf("tokens = %d, want 42", resp.TokensUsed)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", resp.Model)
	}
}

func TestGenerateAnthropic(t *testing.T) {
	var gotSystem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "anth-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotSystem = req.System
		resp := map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": "First part. "},
				{"type": "text", "text": "Second part."},
			},
			"usage": map[string]int{"input_tokens": 10, "output_tokens": 5},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New([]models.Provider{{
		Name:     "test-anthropic",
		Kind:     "anthropic",
		Endpoint: srv.URL,
		APIKey:   "anth-key",
		Model:    "claude-3-5-haiku-20241022",
	}}, 5*time.Second, 0)

	resp, err := c.Generate(context.Background(), models.GenerateRequest{
		Prompt:       "Explain regression",
		SystemPrompt: "Be concise.",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "First part. Second part." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TokensUsed != 15 {
		t.Errorf("tokens = %d, want 15", resp.TokensUsed)
	}
	if gotSystem != "Be concise." {
		t.Errorf("system prompt not hoisted, got %q", gotSystem)
	}
}

func TestGenerateFallsBackToNextProvider(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	good := openAIServer(t, "fallback answer", 7)
	defer good.Close()

	c := New([]models.Provider{
		{Name: "primary", Kind: "openai", Endpoint: broken.URL, APIKey: "k", Model: "gpt-4o"},
		{Name: "secondary", Kind: "ollama", Endpoint: good.URL, Model: "llama3.1"},
	}, 5*time.Second, 0)

	resp, err := c.Generate(context.Background(), models.GenerateRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "fallback answer" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestGenerateAllProvidersFailed(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()

	c := New([]models.Provider{
		{Name: "a", Kind: "openai", Endpoint: broken.URL, APIKey: "k", Model: "m"},
		{Name: "b", Kind: "ollama", Endpoint: broken.URL, Model: "m"},
	}, 5*time.Second, 0)

	_, err := c.Generate(context.Background(), models.GenerateRequest{Prompt: "hello"})
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
	var collabErr *models.CollaboratorError
	if !errors.As(err, &collabErr) {
		t.Errorf("error = %T, want *models.CollaboratorError", err)
	}
}

func TestGenerateNoProviders(t *testing.T) {
	c := New(nil, time.Second, 0)
	_, err := c.Generate(context.Background(), models.GenerateRequest{Prompt: "hello"})
	if err == nil {
		t.Fatal("expected error with no providers")
	}
}

func TestGenerateTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	c := New([]models.Provider{
		{Name: "slow", Kind: "openai", Endpoint: slow.URL, APIKey: "k", Model: "m"},
	}, 50*time.Millisecond, 0)

	_, err := c.Generate(context.Background(), models.GenerateRequest{Prompt: "hello"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, models.ErrGenerateTimeout) {
		t.Errorf("error chain missing ErrGenerateTimeout: %v", err)
	}
}

func TestGenerateWithFeedbackTruncatesPrevious(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		json.NewDecoder(r.Body).Decode(&req)
		for _, m := range req.Messages {
			if m.Role == "user" {
				gotPrompt = m.Content
			}
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "revised"}}},
			"usage":   map[string]int{"total_tokens": 3},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New([]models.Provider{{
		Name: "t", Kind: "openai", Endpoint: srv.URL, APIKey: "k", Model: "m",
	}}, 5*time.Second, 0)

	previous := strings.Repeat("x", 5000)
	resp, err := c.GenerateWithFeedback(context.Background(),
		models.GenerateRequest{Prompt: "original question"},
		previous, "GROUNDING: cite more sources")
	if err != nil {
		t.Fatalf("GenerateWithFeedback: %v", err)
	}
	if resp.Content != "revised" {
		t.Errorf("content = %q", resp.Content)
	}
	if !strings.Contains(gotPrompt, "original question") {
		t.Error("revision prompt missing original prompt")
	}
	if !strings.Contains(gotPrompt, "GROUNDING: cite more sources") {
		t.Error("revision prompt missing feedback")
	}
	if !strings.Contains(gotPrompt, "Previous Attempt") {
		t.Error("revision prompt missing previous attempt section")
	}
	if strings.Count(gotPrompt, "x") > 3000 {
		t.Errorf("previous output not truncated, %d x's", strings.Count(gotPrompt, "x"))
	}
}

func TestProvidersFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "a-key")
	t.Setenv("OPENAI_API_KEY", "o-key")
	t.Setenv("OLLAMA_HOST", "http://localhost:11434")

	providers := ProvidersFromEnv()
	if len(providers) != 3 {
		t.Fatalf("got %d providers, want 3", len(providers))
	}
	if providers[0].Kind != "anthropic" || !providers[0].IsDefault {
		t.Errorf("first provider = %+v, want default anthropic", providers[0])
	}
	if providers[1].Kind != "openai" || providers[2].Kind != "ollama" {
		t.Errorf("provider order = %s, %s", providers[1].Kind, providers[2].Kind)
	}
}
