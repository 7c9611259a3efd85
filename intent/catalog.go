package intent

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/logging"
	"github.com/NiccoloCase/cognitive-workflow/model"
)

// CatalogOptions configures a Catalog.
type CatalogOptions struct {
	// Concurrency caps parallel embedding calls during Reload.
	Concurrency int
	Logger      logging.Logger
}

// Catalog holds the known intents and their reference vectors. Reads see an
// immutable snapshot; Reload swaps in a new one atomically.
type Catalog struct {
	embedder    model.Embedder
	concurrency int
	logger      logging.Logger

	current atomic.Pointer[snapshot]
	// dim is the embedder's vector length once known, 0 before.
	dim atomic.Int64
}

type snapshot struct {
	entries []entry
	byID    map[string]int
}

type entry struct {
	def     core.IntentDefinition
	vectors [][]float64
}

// NewCatalog creates an empty catalog that embeds reference utterances with embedder.
func NewCatalog(embedder model.Embedder, optFns ...func(o *CatalogOptions)) *Catalog {
	opts := CatalogOptions{Concurrency: 4}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	c := &Catalog{
		embedder:    embedder,
		concurrency: opts.Concurrency,
		logger:      logging.OrNop(opts.Logger),
	}
	c.current.Store(&snapshot{byID: map[string]int{}})
	return c
}

// Reload validates defs, embeds the references of every intent that carries
// no precomputed embeddings, and replaces the catalog contents wholesale.
// Precomputed embeddings must have the embedder's dimension; a mismatch is an
// *core.InvalidDefinitionError. On any error the previous contents stay in place. The returned usage covers
// the embedding calls made.
func (c *Catalog) Reload(ctx context.Context, defs []core.IntentDefinition) (core.TokenUsage, error) {
	var usage core.TokenUsage

	next := &snapshot{entries: make([]entry, len(defs)), byID: make(map[string]int, len(defs))}
	for i, def := range defs {
		if err := validateIntent(def); err != nil {
			return usage, err
		}
		if _, dup := next.byID[def.ID]; dup {
			return usage, &core.InvalidDefinitionError{ID: def.ID, Reason: "duplicate intent id"}
		}
		next.byID[def.ID] = i
		next.entries[i] = entry{def: def, vectors: def.Embeddings}
	}

	usages := make([]core.TokenUsage, len(defs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range next.entries {
		e := &next.entries[i]
		if len(e.vectors) > 0 {
			continue
		}
		g.Go(func() error {
			refs := references(e.def)
			emb, err := c.embedder.Embed(gctx, refs)
			if err != nil {
				return &core.EmbeddingUnavailableError{Err: fmt.Errorf("intent %s: %w", e.def.ID, err)}
			}
			if len(emb.Vectors) != len(refs) {
				return &core.EmbeddingUnavailableError{Err: fmt.Errorf("intent %s: got %d vectors for %d references", e.def.ID, len(emb.Vectors), len(refs))}
			}
			e.vectors = emb.Vectors
			usages[i] = emb.Usage
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("intent.catalog.reload.failed", "intents", len(defs), "error", err.Error())
		return usage, err
	}

	for i := range next.entries {
		usage = usage.Add(usages[i])
	}

	dim, probeUsage, err := c.dimension(ctx, next)
	usage = usage.Add(probeUsage)
	if err != nil {
		c.logger.Warn("intent.catalog.reload.failed", "intents", len(defs), "error", err.Error())
		return usage, err
	}
	for i := range next.entries {
		e := &next.entries[i]
		for _, v := range e.vectors {
			if len(v) != dim {
				err := &core.InvalidDefinitionError{
					ID:     e.def.ID,
					Reason: fmt.Sprintf("embedding dimension %d does not match embedder dimension %d", len(v), dim),
				}
				c.logger.Warn("intent.catalog.reload.failed", "intents", len(defs), "error", err.Error())
				return usage, err
			}
		}
		e.def.Embeddings = e.vectors
	}
	c.current.Store(next)

	c.logger.Info("intent.catalog.reloaded", "intents", len(defs), "tokens", usage.TotalTokens)
	return usage, nil
}

// dimension returns the embedder's vector length. It is learned from the
// first vector embedded during this reload, or from an earlier reload, or
// else by embedding one probe text.
func (c *Catalog) dimension(ctx context.Context, next *snapshot) (int, core.TokenUsage, error) {
	var usage core.TokenUsage
	for _, e := range next.entries {
		if len(e.def.Embeddings) == 0 && len(e.vectors) > 0 {
			dim := len(e.vectors[0])
			c.dim.Store(int64(dim))
			return dim, usage, nil
		}
	}
	if dim := c.dim.Load(); dim > 0 || len(next.entries) == 0 {
		return int(dim), usage, nil
	}

	probe := next.entries[0].def.ID
	if refs := references(next.entries[0].def); len(refs) > 0 {
		probe = refs[0]
	}
	emb, err := c.embedder.Embed(ctx, []string{probe})
	if err != nil {
		return 0, usage, &core.EmbeddingUnavailableError{Err: fmt.Errorf("dimension probe: %w", err)}
	}
	usage = emb.Usage
	if len(emb.Vectors) != 1 || len(emb.Vectors[0]) == 0 {
		return 0, usage, &core.EmbeddingUnavailableError{Err: fmt.Errorf("dimension probe: got %d vectors", len(emb.Vectors))}
	}
	dim := len(emb.Vectors[0])
	c.dim.Store(int64(dim))
	return dim, usage, nil
}

// Intents returns the catalog's intents in insertion order, with embeddings filled in.
func (c *Catalog) Intents() []core.IntentDefinition {
	snap := c.current.Load()
	out := make([]core.IntentDefinition, len(snap.entries))
	for i, e := range snap.entries {
		out[i] = e.def
	}
	return out
}

// Get returns the intent with the given id.
func (c *Catalog) Get(id string) (core.IntentDefinition, bool) {
	snap := c.current.Load()
	i, ok := snap.byID[id]
	if !ok {
		return core.IntentDefinition{}, false
	}
	return snap.entries[i].def, true
}

// Len returns the number of intents.
func (c *Catalog) Len() int { return len(c.current.Load().entries) }

func (c *Catalog) load() *snapshot { return c.current.Load() }

func validateIntent(def core.IntentDefinition) error {
	switch {
	case def.ID == "":
		return &core.InvalidDefinitionError{Reason: "intent id is required"}
	case def.WorkflowID == "":
		return &core.InvalidDefinitionError{ID: def.ID, Reason: "workflow_id is required"}
	case len(def.Embeddings) == 0 && len(references(def)) == 0:
		return &core.InvalidDefinitionError{ID: def.ID, Reason: "intent needs utterances, a description, a label or embeddings"}
	}
	for _, v := range def.Embeddings {
		if len(v) == 0 {
			return &core.InvalidDefinitionError{ID: def.ID, Reason: "empty embedding vector"}
		}
	}
	return nil
}

// references are the texts that represent an intent: its utterances, or
// failing those its description or label.
func references(def core.IntentDefinition) []string {
	refs := slices.DeleteFunc(slices.Clone(def.Utterances), func(s string) bool { return s == "" })
	if len(refs) > 0 {
		return refs
	}
	if def.Description != "" {
		return []string{def.Description}
	}
	if def.Label != "" {
		return []string{def.Label}
	}
	return nil
}
