package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"

	"krakenbot/internal/config"
)

// LLMClient calls an OpenAI-compatible responses endpoint. It is
// best-effort by contract: the adapter downgrades every failure to HOLD,
// so this client only reports errors, it never retries.
type LLMClient struct {
	http   *resty.Client
	cfg    config.LLMConfig
	logger *slog.Logger
}

// NewLLMClient builds a client from LLM config.
func NewLLMClient(cfg config.LLMConfig, logger *slog.Logger) *LLMClient {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &LLMClient{
		http:   httpClient,
		cfg:    cfg,
		logger: logger.With("component", "llm"),
	}
}

type llmRequest struct {
	Model           string     `json:"model"`
	Input           string     `json:"input"`
	Reasoning       *llmEffort `json:"reasoning,omitempty"`
	Text            *llmText   `json:"text,omitempty"`
	MaxOutputTokens int        `json:"max_output_tokens,omitempty"`
}

type llmEffort struct {
	Effort string `json:"effort"`
}

type llmText struct {
	Verbosity string `json:"verbosity"`
}

type llmResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the prompt and returns the text of the first
// message-typed output item. Satisfies DecideFunc.
func (c *LLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	body := llmRequest{
		Model:           c.cfg.Model,
		Input:           prompt,
		MaxOutputTokens: c.cfg.MaxOutputTokens,
	}
	if c.cfg.ReasoningEffort != "" {
		body.Reasoning = &llmEffort{Effort: c.cfg.ReasoningEffort}
	}
	if c.cfg.Verbosity != "" {
		body.Text = &llmText{Verbosity: c.cfg.Verbosity}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/v1/responses")
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("llm status %d: %s", resp.StatusCode(), resp.String())
	}

	var out llmResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("llm response decode: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("llm error: %s", out.Error.Message)
	}

	for _, item := range out.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			if content.Type == "output_text" && content.Text != "" {
				return content.Text, nil
			}
		}
	}
	return "", fmt.Errorf("llm response contained no message output")
}
