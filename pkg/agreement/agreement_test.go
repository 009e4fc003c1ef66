package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/synergize/pkg/phase"
)

// fakeCurator scripts Complete and optionally disables embeddings.
type fakeCurator struct {
	completeResp string
	completeErr  error
	embedErr     error
	embeddings   map[string][]float32
	completions  atomic.Int64
}

func (c *fakeCurator) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	c.completions.Add(1)
	return c.completeResp, c.completeErr
}

func (c *fakeCurator) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embedErr != nil {
		return nil, c.embedErr
	}
	if v, ok := c.embeddings[text]; ok {
		return v, nil
	}
	vec := make([]float32, 8)
	for i, ch := range text {
		vec[i%8] += float32(ch%31) / 31.0
	}
	return vec, nil
}

func newTestEngine(t *testing.T, curator *fakeCurator) *Engine {
	t.Helper()
	e, err := NewEngine(curator, nil)
	require.NoError(t, err)
	return e
}

func TestExtract_ExplicitAnswer(t *testing.T) {
	ext := Extract("I worked through the carries. The answer is **255**.\nTherefore the product holds.")
	assert.True(t, ext.HasExplicitAnswer)
	assert.Equal(t, "255", ext.FinalAnswer)
	assert.GreaterOrEqual(t, ext.AnswerLocation, 0)
	assert.NotEmpty(t, ext.ReasoningSteps)
}

func TestExtract_ConfidenceKeywords(t *testing.T) {
	confident := Extract("The answer is 42. This is definitely correct, verified twice.")
	hedged := Extract("Maybe the answer is 42, but I am not sure, possibly 43.")

	assert.Greater(t, confident.ConfidenceScore, hedged.ConfidenceScore)
	assert.Contains(t, confident.ConfidenceKeywords, "definitely")
	assert.Contains(t, hedged.ConfidenceKeywords, "maybe")
}

func TestExtract_ErrorFlags(t *testing.T) {
	ext := Extract("There is a contradiction here; the previous step was incorrect.")
	assert.Contains(t, ext.ErrorFlags, "contradiction")
	assert.Contains(t, ext.ErrorFlags, "incorrect")
}

func TestExtract_NoAnswer(t *testing.T) {
	ext := Extract("Let us explore several directions without committing.")
	assert.False(t, ext.HasExplicitAnswer)
	assert.Equal(t, -1, ext.AnswerLocation)
}

func TestAnswersEqual_Normalization(t *testing.T) {
	assert.True(t, answersEqual("**255**", "255."))
	assert.True(t, answersEqual("Yes", "yes"))
	assert.False(t, answersEqual("255", "256"))
	assert.False(t, answersEqual("", ""))
}

func TestAnalyze_FastPathShortCircuits(t *testing.T) {
	curator := &fakeCurator{completeResp: "should never be called"}
	e := newTestEngine(t, curator)

	turnA := "Definitely solved. Verified precisely. The answer is 42."
	turnB := "Clearly correct, definitely verified. The answer is 42."

	res, err := e.Analyze(context.Background(), turnA, turnB, phase.Brainstorm)
	require.NoError(t, err)

	assert.Equal(t, PerfectConsensus, res.Level)
	assert.Equal(t, StageFastPath, res.Stage)
	assert.GreaterOrEqual(t, res.Confidence, fastPathConfidenceThreshold)
	assert.Equal(t, int64(0), curator.completions.Load(),
		"fast path must not invoke the arbiter")

	// High-confidence consensus jumps straight to CONSENSUS.
	assert.True(t, res.Recommendation.IsPhaseJump)
	assert.Equal(t, phase.Consensus, res.Recommendation.NextPhase)
}

func TestAnalyze_FastPathFromConsensusJumpsToComplete(t *testing.T) {
	e := newTestEngine(t, &fakeCurator{})

	turnA := "Definitely verified, exactly right. The answer is 42."
	turnB := "Clearly and definitely verified. The answer is 42."
	res, err := e.Analyze(context.Background(), turnA, turnB, phase.Consensus)
	require.NoError(t, err)
	assert.Equal(t, phase.Complete, res.Recommendation.NextPhase)
}

func TestAnalyze_IdenticalContentIsStrongAgreement(t *testing.T) {
	e := newTestEngine(t, &fakeCurator{})

	content := "We might try factoring the expression and checking small cases."
	res, err := e.Analyze(context.Background(), content, content, phase.Critique)
	require.NoError(t, err)

	assert.Equal(t, StrongAgreement, res.Level)
	assert.Equal(t, StageSemantic, res.Stage)
	assert.InDelta(t, 1.0, res.Similarity, 1e-6)
}

func TestAnalyze_EscalatesToArbiter(t *testing.T) {
	curator := &fakeCurator{
		// Embeddings force near-orthogonal vectors so similarity is low.
		embeddings: map[string][]float32{
			"alpha content": {1, 0, 0, 0, 0, 0, 0, 0},
			"omega body":    {0, 1, 0, 0, 0, 0, 0, 0},
		},
		completeResp: `{"answerAgreement":"DISAGREE","extractedAnswerA":"1","extractedAnswerB":"2",
			"confidenceA":0.8,"confidenceB":0.7,"verificationStatus":"INSUFFICIENT_INFO",
			"criticalErrors":[],"reasoning":"different results","recommendedPhase":"CRITIQUE",
			"isHighConfidenceJump":false}`,
	}
	e := newTestEngine(t, curator)

	res, err := e.Analyze(context.Background(), "alpha content", "omega body", phase.Brainstorm)
	require.NoError(t, err)

	assert.Equal(t, StageLLMArbiter, res.Stage)
	assert.Equal(t, Conflicted, res.Level)
	require.NotNil(t, res.Arbiter)
	assert.Equal(t, Disagree, res.Arbiter.AnswerAgreement)
	assert.Equal(t, int64(1), curator.completions.Load())

	// The arbiter recommended CRITIQUE, a plain forward step, so the
	// funnel honors it instead of repeating the phase.
	assert.False(t, res.Recommendation.IsPhaseJump)
	assert.Equal(t, phase.Critique, res.Recommendation.NextPhase)
}

func TestRecommend_ArbiterBackwardRecommendationIgnored(t *testing.T) {
	e := newTestEngine(t, &fakeCurator{})

	res := Result{
		Level:      Conflicted,
		Stage:      StageLLMArbiter,
		Confidence: 0.7,
		Arbiter:    &ArbiterResult{RecommendedPhase: phase.Brainstorm},
	}
	rec := e.recommend(res, phase.Revise)
	assert.Equal(t, phase.Revise, rec.NextPhase, "backward recommendations repeat the phase")
	assert.False(t, rec.IsPhaseJump)
}

func TestRecommend_ArbiterSkipNeedsEndorsement(t *testing.T) {
	e := newTestEngine(t, &fakeCurator{})

	res := Result{
		Level:      Conflicted,
		Stage:      StageLLMArbiter,
		Confidence: 0.7,
		Arbiter:    &ArbiterResult{RecommendedPhase: phase.Synthesize},
	}

	// Skipping CRITIQUE and REVISE without the arbiter's endorsement
	// falls back to repeating the phase.
	rec := e.recommend(res, phase.Brainstorm)
	assert.Equal(t, phase.Brainstorm, rec.NextPhase)
	assert.False(t, rec.IsPhaseJump)

	res.Arbiter.IsHighConfidenceJump = true
	rec = e.recommend(res, phase.Brainstorm)
	assert.Equal(t, phase.Synthesize, rec.NextPhase)
	assert.True(t, rec.IsPhaseJump)
	assert.NotEmpty(t, rec.JumpReason)
}

func TestRecommend_LowConfidenceArbiterRecommendationIgnored(t *testing.T) {
	e := newTestEngine(t, &fakeCurator{})

	res := Result{
		Level:      Conflicted,
		Stage:      StageLLMArbiter,
		Confidence: 0.3,
		Arbiter:    &ArbiterResult{RecommendedPhase: phase.Critique},
	}
	rec := e.recommend(res, phase.Brainstorm)
	assert.Equal(t, phase.Brainstorm, rec.NextPhase)
}

func TestAnalyze_ArbiterParseFailureIsInsufficientData(t *testing.T) {
	curator := &fakeCurator{
		embeddings: map[string][]float32{
			"alpha content": {1, 0, 0, 0, 0, 0, 0, 0},
			"omega body":    {0, 1, 0, 0, 0, 0, 0, 0},
		},
		completeResp: "I cannot compare these responses in JSON form.",
	}
	e := newTestEngine(t, curator)

	res, err := e.Analyze(context.Background(), "alpha content", "omega body", phase.Revise)
	require.NoError(t, err)
	assert.Equal(t, InsufficientData, res.Level)
	assert.Equal(t, float64(0), res.Confidence)
}

func TestAnalyze_ArbiterSchemaViolationRejected(t *testing.T) {
	curator := &fakeCurator{
		embeddings: map[string][]float32{
			"alpha content": {1, 0, 0, 0, 0, 0, 0, 0},
			"omega body":    {0, 1, 0, 0, 0, 0, 0, 0},
		},
		completeResp: `{"answerAgreement":"KINDA","confidenceA":0.5,"confidenceB":0.5,
			"verificationStatus":"BOTH_CORRECT"}`,
	}
	e := newTestEngine(t, curator)

	res, err := e.Analyze(context.Background(), "alpha content", "omega body", phase.Revise)
	require.NoError(t, err)
	assert.Equal(t, InsufficientData, res.Level)
}

func TestAnalyze_JaccardFallbackWithoutEmbeddings(t *testing.T) {
	curator := &fakeCurator{
		embedErr: errors.New("embedding endpoint disabled"),
		completeResp: `{"answerAgreement":"UNCLEAR","confidenceA":0.1,"confidenceB":0.1,
			"verificationStatus":"INSUFFICIENT_INFO","criticalErrors":[],"reasoning":"",
			"recommendedPhase":"BRAINSTORM","isHighConfidenceJump":false}`,
	}
	e := newTestEngine(t, curator)

	shared := "factor the quadratic and check discriminant values carefully today"
	res, err := e.Analyze(context.Background(), shared, shared, phase.Critique)
	require.NoError(t, err)

	// Identical texts give Jaccard 1.0 even without embeddings.
	assert.Equal(t, StrongAgreement, res.Level)
	assert.InDelta(t, 1.0, res.Similarity, 1e-6)
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, jaccard("alpha beta gamma", "alpha beta gamma"), 1e-9)
	assert.Equal(t, 0.0, jaccard("alpha beta", "delta epsilon"))
	mid := jaccard("alpha beta gamma", "alpha beta delta")
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}

func TestLevelFromAgreement(t *testing.T) {
	assert.Equal(t, PerfectConsensus, levelFromAgreement(ExactMatch))
	assert.Equal(t, StrongAgreement, levelFromAgreement(Equivalent))
	assert.Equal(t, PartialAgreement, levelFromAgreement(Partial))
	assert.Equal(t, Conflicted, levelFromAgreement(Disagree))
	assert.Equal(t, InsufficientData, levelFromAgreement(Unclear))
}

func TestResult_DisagreementSerializesAsConflicted(t *testing.T) {
	raw, err := json.Marshal(Result{Level: Conflicted, Stage: StageLLMArbiter})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"agreementLevel":"CONFLICTED"`)
}

func TestArbiterPromptNamesCurrentPhase(t *testing.T) {
	prompt := strings.TrimSpace(strings.Split(arbiterPromptFmt, "%s")[0])
	assert.NotEmpty(t, prompt)
	assert.Contains(t, arbiterPromptFmt, "Current phase:")
}
