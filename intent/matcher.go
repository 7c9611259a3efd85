package intent

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/model"
)

// Match is one ranked candidate intent.
type Match struct {
	Intent core.IntentDefinition
	// Score is the best cosine similarity between the request and any of the
	// intent's references, clamped to [0, 1].
	Score float64
}

// Matcher ranks catalog intents by semantic similarity to a request.
type Matcher struct {
	catalog  *Catalog
	embedder model.Embedder
}

// NewMatcher creates a matcher over catalog. The request text is embedded
// with embedder, which must produce vectors comparable to the catalog's.
func NewMatcher(catalog *Catalog, embedder model.Embedder) *Matcher {
	return &Matcher{catalog: catalog, embedder: embedder}
}

// Match returns at most topK intents, best first. Equal scores keep catalog
// insertion order. A failing embedder yields *core.EmbeddingUnavailableError
// wrapping the cause, so provider errors keep their transient flag; the
// matcher never retries. Reference vectors of another dimension yield
// *core.InvalidDefinitionError.
func (m *Matcher) Match(ctx context.Context, text string, topK int) ([]Match, core.TokenUsage, error) {
	var usage core.TokenUsage

	snap := m.catalog.load()
	if topK <= 0 || len(snap.entries) == 0 {
		return []Match{}, usage, nil
	}

	emb, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		if ctx.Err() != nil {
			return nil, usage, ctx.Err()
		}
		return nil, usage, &core.EmbeddingUnavailableError{Err: err}
	}
	usage = emb.Usage
	if len(emb.Vectors) != 1 {
		return nil, usage, &core.EmbeddingUnavailableError{Err: fmt.Errorf("expected 1 vector, got %d", len(emb.Vectors))}
	}
	query := emb.Vectors[0]

	matches := make([]Match, 0, len(snap.entries))
	for _, e := range snap.entries {
		best := 0.0
		for _, ref := range e.vectors {
			if len(ref) != len(query) {
				return nil, usage, &core.InvalidDefinitionError{
					ID:     e.def.ID,
					Reason: fmt.Sprintf("embedding dimension %d does not match request dimension %d", len(ref), len(query)),
				}
			}
			if s := cosine(query, ref); s > best {
				best = s
			}
		}
		matches = append(matches, Match{Intent: e.def, Score: best})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, usage, nil
}

// cosine returns the cosine similarity of a and b clamped to [0, 1]. Zero
// vectors score 0.
func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
