package model

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/NiccoloCase/cognitive-workflow/core"
)

func TestMockModel(t *testing.T) {
	m := NewMockModel("mock-1")
	m.AddResponse("say hi", "hi there")

	resp, err := m.Complete(context.Background(), Request{Prompt: "say hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Text)
	assert.Equal(t, core.TokenUsage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4}, resp.Usage)

	resp, err = m.Complete(context.Background(), Request{Prompt: "other"})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: other", resp.Text)
	assert.Len(t, m.Calls(), 2)
	assert.Equal(t, Info{Name: "mock-1", Provider: "mock"}, m.Info())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Complete(ctx, Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func cosine(a, b []float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(64)
	emb, err := e.Embed(context.Background(), []string{
		"refund my order please",
		"please refund the order",
		"weather forecast tomorrow",
		"",
	})
	require.NoError(t, err)
	require.Len(t, emb.Vectors, 4)
	for _, v := range emb.Vectors[:3] {
		var norm float64
		for _, x := range v {
			norm += x * x
		}
		assert.InDelta(t, 1, math.Sqrt(norm), 1e-9)
	}
	assert.Greater(t, cosine(emb.Vectors[0], emb.Vectors[1]), cosine(emb.Vectors[0], emb.Vectors[2]))
	assert.Equal(t, 11, emb.Usage.PromptTokens)

	again, _ := e.Embed(context.Background(), []string{"refund my order please"})
	assert.Equal(t, emb.Vectors[0], again.Vectors[0], "deterministic")
}

func TestProviderErrorClassification(t *testing.T) {
	var pe *core.ProviderError

	err := ProviderError("openai", 429, errors.New("slow down"))
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Transient)

	err = ProviderError("openai", 503, errors.New("unavailable"))
	assert.True(t, core.IsRetryable(err))

	err = ProviderError("anthropic", 400, errors.New("bad"))
	assert.False(t, core.IsRetryable(err))

	assert.ErrorIs(t, ProviderError("openai", 0, context.Canceled), context.Canceled)
	assert.NoError(t, ProviderError("openai", 0, nil))
}

func TestRateLimitedModel(t *testing.T) {
	m := NewMockModel("m")
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	rl := NewRateLimitedModel(m, limiter)

	_, err := rl.Complete(context.Background(), Request{Prompt: "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rl.Complete(ctx, Request{Prompt: "b"})
	assert.Error(t, err, "second call cannot get a token before the deadline")
	assert.Len(t, m.Calls(), 1)
	assert.Equal(t, "m", rl.Info().Name)
}

func TestRateLimitedEmbedderUnlimited(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 5))
	rl := NewRateLimitedEmbedder(NewHashEmbedder(8), nil)
	for i := 0; i < 10; i++ {
		_, err := rl.Embed(context.Background(), []string{"x"})
		require.NoError(t, err)
	}
}
