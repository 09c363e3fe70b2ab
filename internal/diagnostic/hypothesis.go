package diagnostic

import (
	"fmt"
	"sort"
)

const maxHypotheses = 10

// contradictoryPairs names category pairs whose hypotheses undercut one
// another when one is confirmed (spec.md §4.12 "chain").
var contradictoryPairs = [][2]ErrorCategory{
	{CategoryCodeError, CategoryInfrastructure},
	{CategoryDependency, CategoryConfiguration},
}

// GenerateHypotheses builds candidate hypotheses from a fingerprint, raw
// evidence, and knowledge-base matches, in the three priority orders
// spec.md §4.12 names, capped at 10.
func GenerateHypotheses(fp ErrorFingerprint, evidence []Evidence, kbMatches []PatternMatch) []ScoredHypothesis {
	var out []ScoredHypothesis
	seen := make(map[string]bool)

	evidenceFor := func() []Evidence {
		var e []Evidence
		for _, ev := range evidence {
			if ev.Confidence >= 0.5 {
				e = append(e, ev)
			}
		}
		return e
	}()
	evidenceAgainst := func() []Evidence {
		var e []Evidence
		for _, ev := range evidence {
			if ev.Confidence < 0.3 {
				e = append(e, ev)
			}
		}
		return e
	}()

	if fp.File != "" && fp.Line > 0 {
		desc := fmt.Sprintf("Error at %s:%d (%s)", fp.File, fp.Line, fp.ErrorType)
		if !seen[desc] {
			seen[desc] = true
			out = append(out, ScoredHypothesis{
				Description:      desc,
				Category:         categoryFromErrorType(fp.ErrorType),
				PriorProbability: 0.3,
				EvidenceFor:      evidenceFor,
				EvidenceAgainst:  evidenceAgainst,
			})
		}
	}

	for _, m := range kbMatches {
		cause := "unknown cause"
		if len(m.Pattern.CommonCauses) > 0 {
			cause = m.Pattern.CommonCauses[0]
		}
		desc := fmt.Sprintf("Known pattern: %s - %s", m.Pattern.Name, cause)
		if seen[desc] {
			continue
		}
		seen[desc] = true
		fix := ""
		if len(m.Pattern.FixTemplates) > 0 {
			fix = m.Pattern.FixTemplates[0]
		}
		prior := m.Score
		if prior > 0.99 {
			prior = 0.99
		}
		out = append(out, ScoredHypothesis{
			Description:      desc,
			Category:         categoryFromPattern(m.Pattern.Category),
			PriorProbability: prior,
			EvidenceFor:      evidenceFor,
			SuggestedFix:     fix,
		})
	}

	for _, ev := range evidence {
		desc := "Evidence-based: " + ev.Description
		if seen[desc] {
			continue
		}
		seen[desc] = true
		h := ScoredHypothesis{Description: desc, Category: CategoryUnknown, PriorProbability: 0.1}
		if ev.Confidence >= 0.5 {
			h.EvidenceFor = []Evidence{ev}
		}
		if ev.Confidence < 0.3 {
			h.EvidenceAgainst = []Evidence{ev}
		}
		out = append(out, h)
	}

	if len(out) > maxHypotheses {
		out = out[:maxHypotheses]
	}
	return out
}

func categoryFromErrorType(errorType string) ErrorCategory {
	switch errorType {
	case "ImportError", "ModuleNotFoundError":
		return CategoryDependency
	case "SyntaxError", "TypeError", "ValueError", "KeyError", "AttributeError":
		return CategoryCodeError
	case "FileNotFoundError", "PermissionError", "ConnectionError", "TimeoutError", "OSError":
		return CategoryInfrastructure
	default:
		return CategoryUnknown
	}
}

func categoryFromPattern(category string) ErrorCategory {
	switch category {
	case string(CategoryCodeError), "python":
		return CategoryCodeError
	case string(CategoryWorkerFailure), string(CategoryTaskFailure), string(CategoryStateCorrupt),
		string(CategoryInfrastructure), string(CategoryDependency), string(CategoryMergeConflict),
		string(CategoryConfiguration):
		return ErrorCategory(category)
	default:
		return CategoryUnknown
	}
}

// ComputePosterior applies the Bayesian update of spec.md §4.12: start from
// prior, multiply by (1 + confidence·0.5) per supporting evidence and by
// (1 − confidence·0.5) per contradicting evidence, clamped to [0.01, 0.99].
func ComputePosterior(prior float64, evidenceFor, evidenceAgainst []Evidence) float64 {
	posterior := prior
	for _, e := range evidenceFor {
		posterior *= 1.0 + e.Confidence*0.5
	}
	for _, e := range evidenceAgainst {
		posterior *= 1.0 - e.Confidence*0.5
	}
	return clamp(posterior)
}

func clamp(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}

// RankHypotheses sorts by posterior probability descending.
func RankHypotheses(hypotheses []ScoredHypothesis) []ScoredHypothesis {
	sorted := make([]ScoredHypothesis, len(hypotheses))
	copy(sorted, hypotheses)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PosteriorProbability > sorted[j].PosteriorProbability
	})
	return sorted
}

// TopHypothesis returns the highest-posterior hypothesis, or nil.
func TopHypothesis(hypotheses []ScoredHypothesis) *ScoredHypothesis {
	if len(hypotheses) == 0 {
		return nil
	}
	best := hypotheses[0]
	for _, h := range hypotheses[1:] {
		if h.PosteriorProbability > best.PosteriorProbability {
			best = h
		}
	}
	return &best
}

// CommandTester runs a hypothesis's test command through the validated
// execution path (internal/cmdexec), returning success and whether the
// command was even runnable.
type CommandTester interface {
	Validate(command string) (bool, string)
	Run(command, dir string) (success bool, err error)
}

// CanTest reports whether a hypothesis has a non-empty command the tester
// accepts.
func CanTest(h ScoredHypothesis, tester CommandTester) bool {
	if h.TestCommand == "" {
		return false
	}
	ok, _ := tester.Validate(h.TestCommand)
	return ok
}

// TestHypothesis runs h's test command and updates its scoring per spec.md
// §4.12 "Auto-test": PASS ×1.5, FAIL ×0.5, always clamped.
func TestHypothesis(h ScoredHypothesis, tester CommandTester, dir string) ScoredHypothesis {
	if !CanTest(h, tester) {
		return h
	}
	success, err := tester.Run(h.TestCommand, dir)
	switch {
	case err != nil:
		h.TestResult = "ERROR: " + err.Error()
	case success:
		h.TestResult = "PASSED"
		h.PosteriorProbability = clamp(h.PosteriorProbability * 1.5)
	default:
		h.TestResult = "FAILED"
		h.PosteriorProbability = clamp(h.PosteriorProbability * 0.5)
	}
	return h
}

// ChainHypotheses propagates a confirmed hypothesis's result onto the other
// candidates: same-category hypotheses boosted ×1.2, contradictory-category
// hypotheses suppressed ×0.7 (spec.md §4.12).
func ChainHypotheses(confirmed ScoredHypothesis, candidates []ScoredHypothesis) []ScoredHypothesis {
	if confirmed.TestResult != "PASSED" {
		return candidates
	}
	contradictory := contradictoryCategories(confirmed.Category)

	out := make([]ScoredHypothesis, len(candidates))
	for i, h := range candidates {
		if h.Description == confirmed.Description {
			out[i] = h
			continue
		}
		switch {
		case h.Category == confirmed.Category:
			h.PosteriorProbability = clamp(h.PosteriorProbability * 1.2)
		case contradictory[h.Category]:
			h.PosteriorProbability = clamp(h.PosteriorProbability * 0.7)
		}
		out[i] = h
	}
	return out
}

func contradictoryCategories(category ErrorCategory) map[ErrorCategory]bool {
	result := make(map[ErrorCategory]bool)
	for _, pair := range contradictoryPairs {
		if category == pair[0] {
			result[pair[1]] = true
		} else if category == pair[1] {
			result[pair[0]] = true
		}
	}
	return result
}

// AutoTest tests the top maxTests testable hypotheses in rank order,
// chaining each PASS into the rest of the set, then re-ranks.
func AutoTest(hypotheses []ScoredHypothesis, tester CommandTester, dir string, maxTests int) []ScoredHypothesis {
	working := make([]ScoredHypothesis, len(hypotheses))
	copy(working, hypotheses)

	tested := 0
	for i := range working {
		if tested >= maxTests {
			break
		}
		if !CanTest(working[i], tester) {
			continue
		}
		working[i] = TestHypothesis(working[i], tester, dir)
		if working[i].TestResult == "PASSED" {
			working = ChainHypotheses(working[i], working)
		}
		tested++
	}
	return RankHypotheses(working)
}

// Analyze is the engine facade: generate, score, and rank hypotheses for a
// fingerprint + evidence set.
func Analyze(fp ErrorFingerprint, evidence []Evidence) []ScoredHypothesis {
	kbMatches := MatchPatterns(fp.MessageTemplate)
	hypotheses := GenerateHypotheses(fp, evidence, kbMatches)
	for i := range hypotheses {
		hypotheses[i].PosteriorProbability = ComputePosterior(
			hypotheses[i].PriorProbability, hypotheses[i].EvidenceFor, hypotheses[i].EvidenceAgainst)
	}
	return RankHypotheses(hypotheses)
}
