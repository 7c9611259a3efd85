package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/model"
)

func TestModelComplete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "Paris"}],
			"stop_reason": "end_turn", "stop_sequence": null,
			"usage": {"input_tokens": 9, "output_tokens": 1}
		}`))
	}))
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL
	})
	resp, err := m.Complete(context.Background(), model.Request{System: "answer tersely", Prompt: "capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, "Paris", resp.Text)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, core.TokenUsage{PromptTokens: 9, CompletionTokens: 1, TotalTokens: 10}, resp.Usage)
	assert.NotNil(t, body["system"])
	assert.Equal(t, "anthropic", m.Info().Provider)
}

func TestModelCompleteRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type": "error", "error": {"type": "rate_limit_error", "message": "slow down"}}`))
	}))
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL
	})
	_, err := m.Complete(context.Background(), model.Request{Prompt: "x"})
	var pe *core.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	assert.True(t, pe.Transient)
}
