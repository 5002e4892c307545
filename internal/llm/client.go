// Package llm wraps the upstream chat-completion API. Every call records an
// api_costs row before returning to the caller.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/db"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/pricing"
	"github.com/arbiterhq/arbiter/internal/tracing"
)

// CostStore receives one row per paid upstream call.
type CostStore interface {
	InsertAPICost(ctx context.Context, c *db.APICost) error
}

// Completer is the narrow surface the answer, conflict, and override
// components depend on.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is one chat completion.
type Request struct {
	Purpose     string // metrics/cost label: answer, conflict, override
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Client is a thin wrapper over the chat-completion API.
type Client struct {
	api    openai.Client
	model  string
	costs  CostStore
	logger *zap.Logger
}

// New builds a client for the given model.
func New(apiKey, model string, costs CostStore, logger *zap.Logger) *Client {
	return &Client{
		api:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		costs:  costs,
		logger: logger,
	}
}

// Model returns the configured chat model name.
func (c *Client) Model() string {
	return c.model
}

// Complete performs one chat completion and returns the raw assistant text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "llm.complete",
		attribute.String("model", c.model),
		attribute.String("purpose", req.Purpose),
	)
	start := time.Now()

	if req.MaxTokens <= 0 {
		req.MaxTokens = 1000
	}

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Temperature: openai.Float(req.Temperature),
		MaxTokens:   openai.Int(int64(req.MaxTokens)),
	})
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordLLMMetrics(c.model, req.Purpose, "error", elapsed.Seconds(), 0)
		tracing.EndSpan(span, err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	tracing.EndSpan(span, nil)

	inTokens := int(resp.Usage.PromptTokens)
	outTokens := int(resp.Usage.CompletionTokens)
	cost := pricing.CostForSplit(c.model, inTokens, outTokens)
	metrics.RecordLLMMetrics(c.model, req.Purpose, "ok", elapsed.Seconds(), cost)

	c.recordCost(ctx, req.Purpose, inTokens, outTokens, cost)

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) recordCost(ctx context.Context, purpose string, inTokens, outTokens int, cost float64) {
	if c.costs == nil {
		return
	}
	err := c.costs.InsertAPICost(ctx, &db.APICost{
		RequestID:    uuid.NewString(),
		Endpoint:     purpose,
		Model:        c.model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		CostUSD:      cost,
	})
	if err != nil {
		// Cost logging never fails the caller.
		c.logger.Warn("Failed to record api cost", zap.Error(err))
	}
}
