package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-review/internal/domain/ai"
)

func streamServer(t *testing.T, chunks []string, seen *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for i, c := range chunks {
			payload, _ := json.Marshal(map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"created": 1,
				"model":   "gpt-4o-mini",
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": c}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			if f, ok := w.(http.Flusher); ok && i%2 == 0 {
				f.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnalyze_StreamsAndReportsProgress(t *testing.T) {
	chunks := make([]string, 0, 10)
	chunks = append(chunks, `{"engine":"openai",`)
	for i := 0; i < 8; i++ {
		chunks = append(chunks, " ")
	}
	chunks = append(chunks, `"findings":[]}`)

	var seen openai.ChatCompletionRequest
	srv := streamServer(t, chunks, &seen)
	c := NewClientWithBaseURL("test-key", "gpt-4o-mini", srv.URL+"/v1")

	var beats []any
	out, err := c.Analyze(context.Background(), ai.Request{Code: "print('hi')", Language: "python"}, func(p any) {
		beats = append(beats, p)
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"engine":"openai","findings":[]}`, out)
	// chunk 1 and chunk 8
	assert.Len(t, beats, 2)

	assert.True(t, seen.Stream)
	assert.Equal(t, "gpt-4o-mini", seen.Model)
	assert.Equal(t, maxTokens, seen.MaxTokens)
	require.Len(t, seen.Messages, 2)
	assert.Contains(t, seen.Messages[1].Content, "print('hi')")
	assert.Contains(t, seen.Messages[1].Content, "python")
}

func TestRequest_ReasoningModelUsesCompletionTokens(t *testing.T) {
	c := NewClient("k", "")
	cr := c.request(ai.Request{Code: "x"})
	assert.Equal(t, defaultModel, cr.Model)
	assert.Equal(t, maxTokens, cr.MaxCompletionTokens)
	assert.Zero(t, cr.MaxTokens)
}

func TestAnalyze_RateLimitIsQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", "gpt-4o-mini", srv.URL+"/v1")
	_, err := c.Analyze(context.Background(), ai.Request{Code: "x"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrQuotaExceeded)
}

func TestAnalyze_ServerErrorIsNotQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", "gpt-4o-mini", srv.URL+"/v1")
	_, err := c.Analyze(context.Background(), ai.Request{Code: "x"}, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ai.ErrQuotaExceeded)
	assert.True(t, strings.Contains(err.Error(), "500"))
}

func TestAnalyze_CancelledContext(t *testing.T) {
	srv := streamServer(t, []string{"{}"}, nil)
	c := NewClientWithBaseURL("k", "gpt-4o-mini", srv.URL+"/v1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Analyze(ctx, ai.Request{Code: "x"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
