// Package llm implements the generation collaborator.
//
// A Client holds an ordered list of providers (openai, anthropic, ollama)
// and tries each in turn until one answers. Every call runs under its own
// deadline; a deadline hit is surfaced as ErrGenerateTimeout so the
// orchestration loop can tell a slow model apart from a broken one.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scholarlab/lectern/pkg/models"
)

// Generator is the only generation surface the orchestration loop sees.
type Generator interface {
	Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error)
	GenerateWithFeedback(ctx context.Context, req models.GenerateRequest, previous, feedback string) (*models.GenerateResponse, error)
}

// Previous drafts embedded in a revision prompt are truncated so feedback
// rounds do not balloon the context.
const maxPreviousChars = 3000

const defaultTimeout = 120 * time.Second

// Client routes generation requests through configured providers with
// ordered fallback.
type Client struct {
	providers []models.Provider
	client    *http.Client
	timeout   time.Duration
	maxTokens int
}

var _ Generator = (*Client)(nil)

// New creates a client over the given providers. A zero timeout falls back
// to 120 seconds; maxTokens <= 0 falls back to 4096.
func New(providers []models.Provider, timeout time.Duration, maxTokens int) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		providers: providers,
		client:    &http.Client{Timeout: timeout},
		timeout:   timeout,
		maxTokens: maxTokens,
	}
}

// ProvidersFromEnv builds the provider list from environment variables, in
// fallback priority order: anthropic, openai, then a local ollama endpoint
// when OLLAMA_HOST is set.
func ProvidersFromEnv() []models.Provider {
	var providers []models.Provider

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers = append(providers, models.Provider{
			Name:      "anthropic",
			Kind:      "anthropic",
			APIKey:    key,
			Model:     "claude-3-5-haiku-20241022",
			IsDefault: len(providers) == 0,
		})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers = append(providers, models.Provider{
			Name:      "openai",
			Kind:      "openai",
			APIKey:    key,
			Model:     "gpt-4o-mini",
			IsDefault: len(providers) == 0,
		})
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		providers = append(providers, models.Provider{
			Name:      "ollama",
			Kind:      "ollama",
			Endpoint:  host,
			Model:     "llama3.1",
			IsDefault: len(providers) == 0,
		})
	}

	return providers
}

// Generate sends the request to each provider in order and returns the
// first successful response.
func (c *Client) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error) {
	if len(c.providers) == 0 {
		return nil, models.NewCollaboratorError("llm", errors.New("no providers configured"))
	}

	messages := buildMessages(req)

	var lastErr error
	for i := range c.providers {
		provider := &c.providers[i]

		model := req.Model
		if model == "" {
			model = provider.Model
		}

		resp, err := c.callProvider(ctx, provider, model, messages)
		if err != nil {
			if errors.Is(err, models.ErrGenerateTimeout) {
				return nil, models.NewCollaboratorError("llm", err)
			}
			log.Warn().
				Str("provider", provider.Name).
				Str("model", model).
				Err(err).
				Msg("Provider call failed, trying next")
			lastErr = err
			continue
		}
		return resp, nil
	}

	return nil, models.NewCollaboratorError("llm", fmt.Errorf("all providers failed, last error: %w", lastErr))
}

// GenerateWithFeedback asks for a revision of a previous draft. The
// previous draft is truncated and the reviewer feedback appended so the
// model sees both what it produced and what was wrong with it.
func (c *Client) GenerateWithFeedback(ctx context.Context, req models.GenerateRequest, previous, feedback string) (*models.GenerateResponse, error) {
	if len(previous) > maxPreviousChars {
		previous = previous[:maxPreviousChars]
	}

	var b strings.Builder
	b.WriteString(req.Prompt)
	b.WriteString("\n\n---\n\n**Previous Attempt:**\n")
	b.WriteString(previous)
	b.WriteString("\n\n**Feedback for Improvement:**\n")
	b.WriteString(feedback)
	b.WriteString("\n\n---\n\nPlease generate an IMPROVED version that addresses the feedback. Focus on:\n")
	b.WriteString("1. Better integration of knowledge base content\n")
	b.WriteString("2. Clearer structure and coherence\n")
	b.WriteString("3. More directly addressing the original question\n")

	revised := req
	revised.Prompt = b.String()
	return c.Generate(ctx, revised)
}

func buildMessages(req models.GenerateRequest) []models.ChatMessage {
	var messages []models.ChatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, models.ChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, models.ChatMessage{Role: "user", Content: req.Prompt})
	return messages
}

func (c *Client) callProvider(ctx context.Context, provider *models.Provider, model string, messages []models.ChatMessage) (*models.GenerateResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	var resp *models.GenerateResponse
	var err error

	switch provider.Kind {
	case "anthropic":
		resp, err = c.callAnthropic(callCtx, provider, model, messages)
	case "ollama":
		resp, err = c.callOllama(callCtx, provider, model, messages)
	default:
		// openai and any OpenAI-compatible endpoint
		resp, err = c.callOpenAI(callCtx, provider, model, messages)
	}

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%s: %w", provider.Name, models.ErrGenerateTimeout)
		}
		return nil, err
	}

	resp.DurationMs = time.Since(start).Milliseconds()
	return resp, nil
}

// ── OpenAI / OpenAI-compatible driver ────────────────────────

type openAIRequest struct {
	Model     string               `json:"model"`
	Messages  []models.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) callOpenAI(ctx context.Context, provider *models.Provider, model string, messages []models.ChatMessage) (*models.GenerateResponse, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("openai: api key not configured for provider %s", provider.Name)
	}

	body, _ := json.Marshal(openAIRequest{Model: model, Messages: messages, MaxTokens: c.maxTokens})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &models.GenerateResponse{
		Content:    content,
		Model:      model,
		TokensUsed: oaiResp.Usage.TotalTokens,
	}, nil
}

// ── Anthropic driver ─────────────────────────────────────────

type anthropicRequest struct {
	Model     string               `json:"model"`
	Messages  []models.ChatMessage `json:"messages"`
	System    string               `json:"system,omitempty"`
	MaxTokens int                  `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) callAnthropic(ctx context.Context, provider *models.Provider, model string, messages []models.ChatMessage) (*models.GenerateResponse, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key not configured for provider %s", provider.Name)
	}

	// The messages endpoint takes the system prompt as a top-level field.
	system := ""
	var userMessages []models.ChatMessage
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		userMessages = append(userMessages, m)
	}

	body, _ := json.Marshal(anthropicRequest{
		Model:     model,
		Messages:  userMessages,
		System:    system,
		MaxTokens: c.maxTokens,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", provider.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	content := ""
	for _, part := range anthResp.Content {
		if part.Type == "text" {
			content += part.Text
		}
	}

	return &models.GenerateResponse{
		Content:    content,
		Model:      model,
		TokensUsed: anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
	}, nil
}

// ── Ollama driver ────────────────────────────────────────────

func (c *Client) callOllama(ctx context.Context, provider *models.Provider, model string, messages []models.ChatMessage) (*models.GenerateResponse, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	body, _ := json.Marshal(openAIRequest{Model: model, Messages: messages})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("ollama: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &models.GenerateResponse{
		Content:    content,
		Model:      model,
		TokensUsed: oaiResp.Usage.TotalTokens,
	}, nil
}
