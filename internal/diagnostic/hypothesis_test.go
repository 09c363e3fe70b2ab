package diagnostic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateHypotheses_DedupesAndCaps(t *testing.T) {
	fp := ErrorFingerprint{File: "main.go", Line: 10, ErrorType: "KeyError"}
	evidence := []Evidence{
		{Description: "log shows retry storm", Confidence: 0.8},
		{Description: "log shows retry storm", Confidence: 0.8},
	}
	kb := []PatternMatch{{Pattern: KnownPattern{Name: "key_error", Category: string(CategoryCodeError), CommonCauses: []string{"missing key"}, FixTemplates: []string{"add nil check"}}, Score: 0.6}}

	hyps := GenerateHypotheses(fp, evidence, kb)
	assert.LessOrEqual(t, len(hyps), maxHypotheses)

	seen := map[string]bool{}
	for _, h := range hyps {
		assert.False(t, seen[h.Description], "duplicate hypothesis: %s", h.Description)
		seen[h.Description] = true
	}
}

func TestGenerateHypotheses_ModuleNotFoundYieldsDependencyCategory(t *testing.T) {
	fp := Fingerprint("ModuleNotFoundError: No module named 'foo'", "")
	kb := MatchPatterns(fp.MessageTemplate)
	hyps := GenerateHypotheses(fp, nil, kb)
	require.NotEmpty(t, hyps)

	var sawDependency bool
	var fix string
	for _, h := range hyps {
		if h.Category == CategoryDependency {
			sawDependency = true
			if h.SuggestedFix != "" {
				fix = h.SuggestedFix
			}
		}
	}
	assert.True(t, sawDependency)
	assert.Contains(t, fix, "get")
}

func TestComputePosterior_EvidenceForIncreasesPosterior(t *testing.T) {
	base := ComputePosterior(0.3, nil, nil)
	boosted := ComputePosterior(0.3, []Evidence{{Confidence: 0.8}}, nil)
	assert.Greater(t, boosted, base)
}

func TestComputePosterior_EvidenceAgainstDecreasesPosterior(t *testing.T) {
	base := ComputePosterior(0.3, nil, nil)
	suppressed := ComputePosterior(0.3, nil, []Evidence{{Confidence: 0.8}})
	assert.Less(t, suppressed, base)
}

func TestComputePosterior_ClampedToRange(t *testing.T) {
	high := ComputePosterior(0.9, []Evidence{{Confidence: 1.0}, {Confidence: 1.0}, {Confidence: 1.0}}, nil)
	assert.LessOrEqual(t, high, 0.99)

	low := ComputePosterior(0.1, nil, []Evidence{{Confidence: 1.0}, {Confidence: 1.0}, {Confidence: 1.0}})
	assert.GreaterOrEqual(t, low, 0.01)
}

func TestRankHypotheses_SortsDescending(t *testing.T) {
	hyps := []ScoredHypothesis{
		{Description: "a", PosteriorProbability: 0.2},
		{Description: "b", PosteriorProbability: 0.8},
		{Description: "c", PosteriorProbability: 0.5},
	}
	ranked := RankHypotheses(hyps)
	require.Len(t, ranked, 3)
	assert.Equal(t, "b", ranked[0].Description)
	assert.Equal(t, "c", ranked[1].Description)
	assert.Equal(t, "a", ranked[2].Description)
}

func TestTopHypothesis_ReturnsHighest(t *testing.T) {
	hyps := []ScoredHypothesis{
		{Description: "a", PosteriorProbability: 0.2},
		{Description: "b", PosteriorProbability: 0.9},
	}
	top := TopHypothesis(hyps)
	require.NotNil(t, top)
	assert.Equal(t, "b", top.Description)
}

func TestTopHypothesis_EmptyReturnsNil(t *testing.T) {
	assert.Nil(t, TopHypothesis(nil))
}

type stubTester struct {
	validOK  bool
	success  bool
	runErr   error
}

func (s *stubTester) Validate(command string) (bool, string) {
	if command == "" {
		return false, "empty command"
	}
	return s.validOK, ""
}

func (s *stubTester) Run(command, dir string) (bool, error) {
	return s.success, s.runErr
}

func TestTestHypothesis_PassBoostsPosterior(t *testing.T) {
	h := ScoredHypothesis{TestCommand: "go build ./...", PosteriorProbability: 0.4}
	tester := &stubTester{validOK: true, success: true}
	result := TestHypothesis(h, tester, "/tmp")
	assert.Equal(t, "PASSED", result.TestResult)
	assert.InDelta(t, 0.6, result.PosteriorProbability, 1e-9)
}

func TestTestHypothesis_FailSuppressesPosterior(t *testing.T) {
	h := ScoredHypothesis{TestCommand: "go build ./...", PosteriorProbability: 0.4}
	tester := &stubTester{validOK: true, success: false}
	result := TestHypothesis(h, tester, "/tmp")
	assert.Equal(t, "FAILED", result.TestResult)
	assert.InDelta(t, 0.2, result.PosteriorProbability, 1e-9)
}

func TestTestHypothesis_ErrorRecordsMessage(t *testing.T) {
	h := ScoredHypothesis{TestCommand: "go build ./...", PosteriorProbability: 0.4}
	tester := &stubTester{validOK: true, runErr: errors.New("boom")}
	result := TestHypothesis(h, tester, "/tmp")
	assert.Equal(t, "ERROR: boom", result.TestResult)
	assert.Equal(t, 0.4, result.PosteriorProbability)
}

func TestTestHypothesis_UntestableLeftUnchanged(t *testing.T) {
	h := ScoredHypothesis{PosteriorProbability: 0.4}
	tester := &stubTester{validOK: false}
	result := TestHypothesis(h, tester, "/tmp")
	assert.Empty(t, result.TestResult)
	assert.Equal(t, 0.4, result.PosteriorProbability)
}

func TestChainHypotheses_SameCategoryBoosted(t *testing.T) {
	confirmed := ScoredHypothesis{Description: "a", Category: CategoryDependency, TestResult: "PASSED"}
	candidates := []ScoredHypothesis{
		confirmed,
		{Description: "b", Category: CategoryDependency, PosteriorProbability: 0.3},
		{Description: "c", Category: CategoryConfiguration, PosteriorProbability: 0.3},
	}
	chained := ChainHypotheses(confirmed, candidates)
	assert.InDelta(t, 0.36, chained[1].PosteriorProbability, 1e-9)
}

func TestChainHypotheses_ContradictoryCategorySuppressed(t *testing.T) {
	confirmed := ScoredHypothesis{Description: "a", Category: CategoryDependency, TestResult: "PASSED"}
	candidates := []ScoredHypothesis{
		confirmed,
		{Description: "c", Category: CategoryConfiguration, PosteriorProbability: 0.3},
	}
	chained := ChainHypotheses(confirmed, candidates)
	assert.InDelta(t, 0.21, chained[1].PosteriorProbability, 1e-9)
}

func TestChainHypotheses_NotPassedIsNoOp(t *testing.T) {
	confirmed := ScoredHypothesis{Description: "a", Category: CategoryDependency, TestResult: "FAILED"}
	candidates := []ScoredHypothesis{confirmed, {Description: "b", Category: CategoryDependency, PosteriorProbability: 0.3}}
	chained := ChainHypotheses(confirmed, candidates)
	assert.Equal(t, candidates, chained)
}

func TestAutoTest_TestsAndReranks(t *testing.T) {
	hyps := []ScoredHypothesis{
		{Description: "a", Category: CategoryDependency, TestCommand: "go build ./...", PosteriorProbability: 0.3},
		{Description: "b", Category: CategoryDependency, PosteriorProbability: 0.2},
	}
	tester := &stubTester{validOK: true, success: true}
	result := AutoTest(hyps, tester, "/tmp", 5)
	require.Len(t, result, 2)
	assert.Equal(t, "PASSED", result[0].TestResult)
}

func TestAnalyze_EndToEndModuleNotFound(t *testing.T) {
	fp := Fingerprint("ModuleNotFoundError: No module named 'foo'", "")
	hyps := Analyze(fp, nil)
	require.NotEmpty(t, hyps)
	assert.Equal(t, CategoryDependency, hyps[0].Category)
}
