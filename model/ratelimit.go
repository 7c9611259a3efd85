package model

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedModel waits on a token bucket before every completion.
type RateLimitedModel struct {
	next    Model
	limiter *rate.Limiter
}

// NewRateLimitedModel wraps m. A nil limiter disables limiting.
func NewRateLimitedModel(m Model, limiter *rate.Limiter) *RateLimitedModel {
	return &RateLimitedModel{next: m, limiter: limiter}
}

// Complete implements Model.
func (r *RateLimitedModel) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := wait(ctx, r.limiter); err != nil {
		return nil, err
	}
	return r.next.Complete(ctx, req)
}

// Info implements Model.
func (r *RateLimitedModel) Info() Info { return r.next.Info() }

// RateLimitedEmbedder waits on a token bucket before every embedding batch.
type RateLimitedEmbedder struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder wraps e. A nil limiter disables limiting.
func NewRateLimitedEmbedder(e Embedder, limiter *rate.Limiter) *RateLimitedEmbedder {
	return &RateLimitedEmbedder{next: e, limiter: limiter}
}

// Embed implements Embedder.
func (r *RateLimitedEmbedder) Embed(ctx context.Context, texts []string) (*Embedding, error) {
	if err := wait(ctx, r.limiter); err != nil {
		return nil, err
	}
	return r.next.Embed(ctx, texts)
}

// NewLimiter builds a limiter allowing perSecond requests with the given burst.
// perSecond <= 0 returns nil (unlimited).
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
