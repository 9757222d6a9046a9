package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shirube/internal/telemetry"
)

// Client is a chat-completion model.
type Client interface {
	Complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config configures an OpenAI-compatible client.
type Config struct {
	APIKey  string
	BaseURL string // empty means api.openai.com
	Model   string
	Timeout time.Duration // per call; 0 disables
}

// New returns an OpenAI client, or a NoopClient when neither an API key nor a
// base URL is configured.
func New(cfg Config, logger *slog.Logger) Client {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		logger.Warn("llm: no API key or base URL configured, planner and judge will be unavailable")
		return NoopClient{}
	}
	return NewOpenAIClient(cfg)
}

// OpenAIClient calls the chat completions API.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	tracer  trace.Tracer
}

// NewOpenAIClient creates a client for cfg.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		tracer:  telemetry.Tracer("shirube/llm"),
	}
}

// Complete sends req, filling in the configured model when req.Model is empty.
func (c *OpenAIClient) Complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
		attribute.Int("llm.tools", len(req.Tools)),
	))
	defer span.End()

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return openai.ChatCompletionResponse{}, fmt.Errorf("llm: chat completion: %w", err)
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionResponse{}, fmt.Errorf("llm: chat completion returned no choices")
	}
	return resp, nil
}

// NoopClient is used when no model is configured.
type NoopClient struct{}

// Complete always fails with ErrUnavailable.
func (NoopClient) Complete(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, ErrUnavailable
}
