// Package rediscache puts a shared Redis cache in front of a model.Embedder so
// intent catalog reloads and repeated requests do not re-embed known texts.
package rediscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NiccoloCase/cognitive-workflow/logging"
	"github.com/NiccoloCase/cognitive-workflow/model"
)

// Client is the subset of the go-redis API the cache needs. *redis.Client and
// *redis.ClusterClient satisfy it.
type Client interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Options configures the cache.
type Options struct {
	// Namespace separates vectors produced by different embedding models.
	Namespace string
	TTL       time.Duration
	Logger    logging.Logger
}

// Embedder serves cached vectors and embeds only the misses.
type Embedder struct {
	next   model.Embedder
	client Client
	opts   Options
}

// New wraps next with a Redis-backed cache.
func New(next model.Embedder, client Client, optFns ...func(o *Options)) *Embedder {
	opts := Options{Namespace: "default", TTL: 24 * time.Hour, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return &Embedder{next: next, client: client, opts: opts}
}

// NewClient creates a go-redis client for addr.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// Embed implements model.Embedder. Cache failures degrade to calling the
// wrapped embedder; they never fail the request. Usage only counts the misses.
func (e *Embedder) Embed(ctx context.Context, texts []string) (*model.Embedding, error) {
	if len(texts) == 0 {
		return &model.Embedding{}, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = e.key(t)
	}

	vectors := make([][]float64, len(texts))
	var missIdx []int
	vals, err := e.client.MGet(ctx, keys...).Result()
	if err != nil {
		e.opts.Logger.Warn("rediscache.mget.failed", "error", err)
		vals = nil
	}
	for i := range texts {
		if i < len(vals) {
			if vec, ok := decode(vals[i]); ok {
				vectors[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
	}

	out := &model.Embedding{Vectors: vectors}
	if len(missIdx) == 0 {
		return out, nil
	}

	missTexts := make([]string, len(missIdx))
	for j, i := range missIdx {
		missTexts[j] = texts[i]
	}
	fresh, err := e.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh.Vectors) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(fresh.Vectors), len(missTexts))
	}
	out.Usage = fresh.Usage

	for j, i := range missIdx {
		vectors[i] = fresh.Vectors[j]
		raw, err := json.Marshal(fresh.Vectors[j])
		if err != nil {
			continue
		}
		if err := e.client.Set(ctx, keys[i], raw, e.opts.TTL).Err(); err != nil {
			e.opts.Logger.Warn("rediscache.set.failed", "error", err)
		}
	}
	return out, nil
}

func (e *Embedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "cogflow:emb:" + e.opts.Namespace + ":" + hex.EncodeToString(sum[:])
}

func decode(v any) ([]float64, bool) {
	var raw []byte
	switch s := v.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal(raw, &vec); err != nil || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}
