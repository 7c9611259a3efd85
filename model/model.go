package model

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"unicode"

	"github.com/NiccoloCase/cognitive-workflow/core"
)

// Request captures the normalized completion input produced by AI-call nodes.
type Request struct {
	// Model overrides the adapter's configured model when non-empty.
	Model     string `json:"model,omitempty"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Response is a final completion.
type Response struct {
	Text         string          `json:"text"`
	FinishReason string          `json:"finish_reason"` // "stop", "length", etc.
	Usage        core.TokenUsage `json:"usage"`
}

// Embedding holds one vector per input text, in input order.
type Embedding struct {
	Vectors [][]float64     `json:"vectors"`
	Usage   core.TokenUsage `json:"usage"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Model is the completion collaborator used by AI-call nodes.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// Embedder maps texts to vectors for semantic matching.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*Embedding, error)
}

// ProviderError classifies an SDK failure. Rate limits, server errors and
// network failures are transient; everything else is permanent. Context
// cancellation is returned unchanged.
func ProviderError(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	transient := status == 429 || status >= 500
	if status == 0 {
		var netErr net.Error
		transient = errors.As(err, &netErr) || strings.Contains(err.Error(), "connection")
	}
	return &core.ProviderError{Provider: provider, StatusCode: status, Transient: transient, Err: err}
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	calls     []Request
	// CompleteFn, when set, replaces the canned-response behaviour.
	CompleteFn func(ctx context.Context, req Request) (*Response, error)
}

// NewMockModel constructs a MockModel.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: "mock"},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for a prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Calls returns the requests seen so far.
func (m *MockModel) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// Complete implements Model. Token usage counts whitespace separated words.
func (m *MockModel) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	full, ok := m.responses[req.Prompt]
	fn := m.CompleteFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		full = fmt.Sprintf("Mock response to: %s", req.Prompt)
	}
	prompt := len(strings.Fields(req.System)) + len(strings.Fields(req.Prompt))
	completion := len(strings.Fields(full))
	return &Response{
		Text:         full,
		FinishReason: "stop",
		Usage:        core.TokenUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}, nil
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// HashEmbedder is a deterministic offline Embedder. Each lower-cased word is
// hashed into one of Dimensions buckets, so texts sharing vocabulary land close
// together. It needs no network access and suits demos and tests.
type HashEmbedder struct {
	Dimensions int
}

// NewHashEmbedder returns a HashEmbedder with the given dimensionality (256 if <= 0).
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashEmbedder{Dimensions: dimensions}
}

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) (*Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &Embedding{Vectors: make([][]float64, len(texts))}
	for i, text := range texts {
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		vec := make([]float64, h.Dimensions)
		for _, w := range words {
			sum := sha256.Sum256([]byte(w))
			bucket := binary.BigEndian.Uint64(sum[:8]) % uint64(h.Dimensions)
			vec[bucket]++
		}
		out.Vectors[i] = normalize(vec)
		out.Usage.PromptTokens += len(words)
	}
	out.Usage.TotalTokens = out.Usage.PromptTokens
	return out, nil
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
	return v
}
