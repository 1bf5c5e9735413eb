package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/bryanwahyu/automaton-review/internal/domain/ai"
	"github.com/bryanwahyu/automaton-review/internal/infra/ai/prompt"
)

const (
	maxTokens    = 2048
	defaultModel = "o3-2025-04-16"
	// progressEvery chunks a progress beat is emitted
	progressEvery = 8
)

type Client struct {
	*openai.Client
	Model string
}

func NewClient(apiKey, model string) *Client {
	return &Client{Client: openai.NewClient(apiKey), Model: model}
}

// NewClientWithBaseURL points the client at a compatible endpoint (proxies, tests).
func NewClientWithBaseURL(apiKey, model, baseURL string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{Client: openai.NewClientWithConfig(cfg), Model: model}
}

func (c *Client) request(req ai.Request) openai.ChatCompletionRequest {
	model := c.Model
	if model == "" {
		model = defaultModel
	}
	cr := openai.ChatCompletionRequest{
		Model:  model,
		Stream: true,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.GetSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: prompt.GetUserPrompt(req.Code, req.Language, req.Options)},
		},
	}
	// For reasoning models (o1/o3/o4/gpt-5*) use MaxCompletionTokens instead of MaxTokens
	if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") || strings.HasPrefix(model, "gpt-5") {
		cr.MaxCompletionTokens = maxTokens
	} else {
		cr.MaxTokens = maxTokens
	}
	return cr
}

// Analyze streams the completion. Every few chunks a progress beat is sent so the
// registry watchdog sees a live engine; ctx cancellation aborts the stream.
func (c *Client) Analyze(ctx context.Context, req ai.Request, progress ai.ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(any) {}
	}
	stream, err := c.CreateChatCompletionStream(ctx, c.request(req))
	if err != nil {
		return "", mapError(ctx, err)
	}
	defer stream.Close()

	var sb strings.Builder
	chunks := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", mapError(ctx, err)
		}
		for _, ch := range resp.Choices {
			sb.WriteString(ch.Delta.Content)
		}
		chunks++
		if chunks == 1 || chunks%progressEvery == 0 {
			progress(map[string]any{"stage": "inference", "chunks": chunks, "bytes": sb.Len()})
		}
	}
	return sb.String(), nil
}

// mapError turns provider rate/quota responses into ai.ErrQuotaExceeded and
// surfaces ctx errors unchanged.
func mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.Type == "insufficient_quota" {
			return fmt.Errorf("%w: %s", ai.ErrQuotaExceeded, apiErr.Message)
		}
		return fmt.Errorf("openai api error (status %d): %w", apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ai.ErrQuotaExceeded, err)
	}
	return fmt.Errorf("failed to stream chat completion: %w", err)
}
