package evaluation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/intent"
	"github.com/NiccoloCase/cognitive-workflow/internal/testutil"
	"github.com/NiccoloCase/cognitive-workflow/model"
)

func newDetector(t *testing.T) *intent.Detector {
	t.Helper()
	emb := model.NewHashEmbedder(128)
	cat := intent.NewCatalog(emb)
	_, err := cat.Reload(context.Background(), []core.IntentDefinition{
		testutil.Intent("refund", "refund-flow", "refund my order"),
		testutil.Intent("track", "track-flow", "track my parcel"),
	})
	require.NoError(t, err)
	return intent.NewDetector(intent.NewMatcher(cat, emb), func(o *intent.DetectorOptions) { o.Threshold = 0.99 })
}

func TestRunDetectorSuite(t *testing.T) {
	cases := []Case{
		{Text: "refund my order", WantIntent: "refund"},
		{Text: "track my parcel", WantIntent: "track"},
		{Text: "track my parcel", WantIntent: "refund"},
		{Text: "refund my order", WantIntent: ""},
	}
	sum, err := Run(context.Background(), NewDetectorEvaluator(newDetector(t)), cases)
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.Correct)
	assert.Equal(t, 2, sum.FalseMatches)
	assert.Zero(t, sum.Missed)
	assert.InDelta(t, 0.5, sum.Accuracy(), 1e-9)
	assert.Equal(t, 12, sum.Usage.TotalTokens)
	assert.Equal(t, "track", sum.Results[2].GotIntent)
}

type stubEvaluator struct{ results map[string]*Result }

func (s stubEvaluator) Evaluate(_ context.Context, c Case) (*Result, error) {
	r, ok := s.results[c.Text]
	if !ok {
		return nil, errors.New("no verdict")
	}
	return r, nil
}

func TestRunCountsMissesAndErrors(t *testing.T) {
	ev := stubEvaluator{results: map[string]*Result{
		"a": {GotIntent: ""},
		"b": {GotIntent: "b", Correct: true},
	}}
	sum, err := Run(context.Background(), ev, []Case{{Text: "a", WantIntent: "x"}, {Text: "b", WantIntent: "b"}, {Text: "c"}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Missed)
	assert.Equal(t, 1, sum.Correct)
	assert.Equal(t, 1, sum.Errors)
	assert.EqualError(t, sum.Results[2].Err, "no verdict")
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := Run(ctx, stubEvaluator{}, []Case{{Text: "a"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sum.Total)
}

func TestAccuracyEmpty(t *testing.T) {
	assert.Zero(t, (&Summary{}).Accuracy())
}

func TestLoadCases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- text: refund please\n  want_intent: refund\n- text: hello\n"), 0o600))
	cases, err := LoadCases(path)
	require.NoError(t, err)
	assert.Equal(t, []Case{{Text: "refund please", WantIntent: "refund"}, {Text: "hello"}}, cases)
}
