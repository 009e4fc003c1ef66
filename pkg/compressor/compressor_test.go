package compressor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/synergize/pkg/phase"
)

// fakeSummarizer returns a fixed summary and tracks concurrency.
type fakeSummarizer struct {
	summary     string
	delay       time.Duration
	mu          sync.Mutex
	inFlight    int64
	maxInFlight int64
	calls       atomic.Int64
}

func (f *fakeSummarizer) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return f.summary, nil
}

func longContent() string {
	// Comfortably above the 200-token bypass threshold.
	return strings.Repeat("the quick brown fox jumps over the lazy dog and keeps going ", 40)
}

func TestCompress_ShortTurnBypasses(t *testing.T) {
	f := &fakeSummarizer{summary: "should not be used"}
	c, err := New(f, nil, nil)
	require.NoError(t, err)

	content := "short answer: 255"
	res, err := c.Compress(context.Background(), Request{Content: content, Phase: phase.Brainstorm})
	require.NoError(t, err)

	assert.Equal(t, content, res.Compressed)
	assert.Equal(t, 1.0, res.CompressionRatio)
	assert.Equal(t, int64(0), f.calls.Load(), "bypass must not call the curator")
}

func TestCompress_ExactThresholdBypasses(t *testing.T) {
	f := &fakeSummarizer{summary: "should not be used"}
	c, err := New(f, nil, nil)
	require.NoError(t, err)

	// With no counter, tokens are estimated as len/4: 800 characters
	// is exactly 200 tokens, which still bypasses.
	content := strings.Repeat("abcd", 200)
	res, err := c.Compress(context.Background(), Request{Content: content, Phase: phase.Revise})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.CompressionRatio)
	assert.Equal(t, 200, res.OriginalTokens)
	assert.Equal(t, int64(0), f.calls.Load())

	// One token over the threshold goes to the curator.
	over := strings.Repeat("abcd", 201)
	_, err = c.Compress(context.Background(), Request{Content: over, Phase: phase.Revise})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.calls.Load())
}

func TestCompress_LongTurnSummarized(t *testing.T) {
	f := &fakeSummarizer{summary: "fox jumps repeatedly; dog stays lazy"}
	c, err := New(f, nil, nil)
	require.NoError(t, err)

	res, err := c.Compress(context.Background(), Request{Content: longContent(), Phase: phase.Synthesize})
	require.NoError(t, err)

	assert.Equal(t, f.summary, res.Compressed)
	assert.Equal(t, longContent(), res.Original)
	assert.Less(t, res.CompressionRatio, 1.0)
	assert.Greater(t, res.CompressionRatio, 0.0)
	assert.Equal(t, int64(1), f.calls.Load())
}

func TestTargetRatio_PerPhase(t *testing.T) {
	assert.Equal(t, 0.6, TargetRatio(phase.Brainstorm))
	assert.Equal(t, 0.5, TargetRatio(phase.Critique))
	assert.Equal(t, 0.4, TargetRatio(phase.Revise))
	assert.Equal(t, 0.3, TargetRatio(phase.Synthesize))
	assert.Equal(t, 0.4, TargetRatio(phase.Consensus))
	assert.Equal(t, 0.3, TargetRatio(phase.Complete))
	assert.Equal(t, defaultRatio, TargetRatio(phase.Idle))
}

func TestExtractKeyPoints(t *testing.T) {
	content := strings.Join([]string{
		"Some intro prose.",
		"* first bullet",
		"- second bullet",
		"• third bullet",
		"1. first numbered",
		"2) second numbered",
		"Key insight: answers converge",
		"plain line",
	}, "\n")

	points := extractKeyPoints(content)
	require.Len(t, points, maxKeyPoints, "cap at five key points")
	assert.Equal(t, "first bullet", points[0])
	assert.Equal(t, "second numbered", points[4])

	assert.Empty(t, extractKeyPoints("no structure here"))
}

func TestCompress_PreservesKeyPoints(t *testing.T) {
	content := longContent() + "\n- lemma holds for n=1\n- inductive step verified\n"
	f := &fakeSummarizer{summary: "condensed"}
	c, err := New(f, nil, nil)
	require.NoError(t, err)

	res, err := c.Compress(context.Background(), Request{Content: content, Phase: phase.Revise})
	require.NoError(t, err)
	assert.Equal(t, []string{"lemma holds for n=1", "inductive step verified"}, res.PreservedKeyPoints)
}

func TestCompressBatch_ConcurrencyBounded(t *testing.T) {
	f := &fakeSummarizer{summary: "s", delay: 30 * time.Millisecond}
	c, err := New(f, nil, nil)
	require.NoError(t, err)

	reqs := make([]Request, 6)
	for i := range reqs {
		reqs[i] = Request{Content: longContent(), Phase: phase.Critique}
	}

	results, err := c.CompressBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 6)
	for _, r := range results {
		assert.Equal(t, "s", r.Compressed)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.LessOrEqual(t, f.maxInFlight, int64(batchConcurrency))
}
