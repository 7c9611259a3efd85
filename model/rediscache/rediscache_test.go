package rediscache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/model"
)

type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	mgetErr error
	ttls    map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mgetErr != nil {
		return redis.NewSliceResult(nil, f.mgetErr)
	}
	vals := make([]any, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			vals[i] = v
		}
	}
	return redis.NewSliceResult(vals, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

type countingEmbedder struct {
	inner model.Embedder
	seen  [][]string
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) (*model.Embedding, error) {
	c.seen = append(c.seen, texts)
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Embed(ctx, texts)
}

func TestEmbedCachesMisses(t *testing.T) {
	rdb := newFakeRedis()
	inner := &countingEmbedder{inner: model.NewHashEmbedder(16)}
	e := New(inner, rdb, func(o *Options) { o.TTL = time.Minute; o.Namespace = "hash16" })

	first, err := e.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, first.Vectors, 2)
	assert.Equal(t, 2, first.Usage.PromptTokens)
	assert.Len(t, rdb.data, 2)
	for _, ttl := range rdb.ttls {
		assert.Equal(t, time.Minute, ttl)
	}

	second, err := e.Embed(context.Background(), []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, first.Vectors[1], second.Vectors[0])
	assert.Equal(t, first.Vectors[0], second.Vectors[2])
	assert.Equal(t, [][]string{{"alpha", "beta"}, {"gamma"}}, inner.seen)
	assert.Equal(t, 1, second.Usage.PromptTokens, "only misses are billed")

	third, err := e.Embed(context.Background(), []string{"gamma"})
	require.NoError(t, err)
	assert.Equal(t, core.TokenUsage{}, third.Usage)
	assert.Len(t, inner.seen, 2)
}

func TestEmbedDegradesWhenRedisFails(t *testing.T) {
	rdb := newFakeRedis()
	rdb.mgetErr = errors.New("connection refused")
	inner := &countingEmbedder{inner: model.NewHashEmbedder(8)}
	e := New(inner, rdb)

	out, err := e.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, out.Vectors, 1)
	assert.Len(t, inner.seen, 1)
}

func TestEmbedPropagatesEmbedderError(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("provider down")}
	_, err := New(inner, newFakeRedis()).Embed(context.Background(), []string{"x"})
	assert.EqualError(t, err, "provider down")
}

func TestEmbedIgnoresCorruptEntries(t *testing.T) {
	rdb := newFakeRedis()
	inner := &countingEmbedder{inner: model.NewHashEmbedder(8)}
	e := New(inner, rdb)
	rdb.data[e.key("x")] = "not json"

	out, err := e.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, out.Vectors[0], 8)
	assert.Len(t, inner.seen, 1)
}
