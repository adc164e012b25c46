// Package router implements the stateless rules-based message
// classifier (spec §4.4): a weighted sum over 14 signal dimensions,
// mapped to a tier with a sigmoid confidence, plus override paths and
// the reply-clamp.
package router

import (
	"math"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/borg/internal/envelope"
)

// The default score-to-tier cut points (spec §4.4).
const (
	boundarySimpleMedium  = 0.0
	boundaryMediumComplex = 0.15
)

// SigmoidSteepness controls how sharply confidence rises away from a
// tier boundary.
const SigmoidSteepness = 8.0

// ModelForTier maps a tier to the model name used in outgoing envelopes
// and the routing log (spec §8 S1: "model:\"haiku\"").
func ModelForTier(t envelope.Tier) string {
	switch t {
	case envelope.TierSimple:
		return "haiku"
	case envelope.TierComplex:
		return "opus"
	default:
		return "sonnet"
	}
}

// TierForModel is ModelForTier's inverse: it recovers the tier behind a
// model name read back off the wire (an incoming envelope's
// replyToModel, or a message-models.json entry — both spec §3 carry the
// model name, e.g. "opus", not the tier label). An unrecognized name
// clamps to MEDIUM, same as an unrecognized Tier value (see Tier.Rank).
func TierForModel(model string) envelope.Tier {
	switch model {
	case "haiku":
		return envelope.TierSimple
	case "opus":
		return envelope.TierComplex
	case "sonnet":
		return envelope.TierMedium
	default:
		return envelope.TierMedium
	}
}

type dimension struct {
	name   string
	weight float64
	score  func(text string) (float64, bool) // bool: whether this dimension contributed a nonzero signal
}

var reasoningMarkerRe = regexp.MustCompile(`(?i)\b(prove|derive|why does|explain why|root cause|trade-?off|reason about)\b`)
var codeRe = regexp.MustCompile("```|\\b(func|def|class|import|package|SELECT|const|var )\\b")
var simpleOpenerRe = regexp.MustCompile(`(?i)^(what is|who is|when is|where is|how many)\b`)
var multiStepRe = regexp.MustCompile(`(?i)\b(first,?|then,?|step \d|1\.|2\.)\b`)
var technicalTermRe = regexp.MustCompile(`(?i)\b(kubernetes|docker|api|latency|throughput|schema|mutex|concurrency|cluster|deployment)\b`)
var creativeRe = regexp.MustCompile(`(?i)\b(poem|story|brainstorm|imagine|write a tale)\b`)
var questionMarkRe = regexp.MustCompile(`\?`)
var constraintRe = regexp.MustCompile(`(?i)\b(at most|at least|O\(|budget|no more than)\b`)
var imperativeRe = regexp.MustCompile(`(?i)\b(build|create|implement|design|refactor)\b`)
var outputFormatRe = regexp.MustCompile(`(?i)\b(json|yaml|csv|table)\b`)
var referenceRe = regexp.MustCompile(`(?i)\b(above|previous|the docs|earlier)\b`)
var domainSpecificRe = regexp.MustCompile(`(?i)\b(idempotent|eventual consistency|CRDT|backpressure|quorum)\b`)
var negationRe = regexp.MustCompile(`(?i)\b(don't|do not|except|avoid|without)\b`)

func countMatches(re *regexp.Regexp, text string) int {
	return len(re.FindAllString(text, -1))
}

func clip(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func tokenEstimate(text string) int {
	return len(text) / 4
}

var dimensions = []dimension{
	{"reasoningMarkers", 0.18, func(t string) (float64, bool) {
		n := countMatches(reasoningMarkerRe, t)
		if n == 0 {
			return 0, false
		}
		return clip(float64(n) * 0.6), true
	}},
	{"codePresence", 0.15, func(t string) (float64, bool) {
		n := countMatches(codeRe, t)
		if n == 0 {
			return 0, false
		}
		return clip(float64(n) * 0.5), true
	}},
	{"simpleIndicators", 0.12, func(t string) (float64, bool) {
		if !simpleOpenerRe.MatchString(strings.TrimSpace(t)) {
			return 0, false
		}
		return -1, true // negative contribution per spec
	}},
	{"multiStepPatterns", 0.12, func(t string) (float64, bool) {
		n := countMatches(multiStepRe, t)
		if n == 0 {
			return 0, false
		}
		return clip(float64(n) * 0.5), true
	}},
	{"technicalTerms", 0.10, func(t string) (float64, bool) {
		n := countMatches(technicalTermRe, t)
		if n == 0 {
			return 0, false
		}
		return clip(float64(n) * 0.4), true
	}},
	{"tokenCount", 0.08, func(t string) (float64, bool) {
		n := tokenEstimate(t)
		switch {
		case n < 50:
			return -0.6, true
		case n > 500:
			return 1, true
		default:
			return 0, false
		}
	}},
	{"creativeMarkers", 0.05, func(t string) (float64, bool) {
		n := countMatches(creativeRe, t)
		if n == 0 {
			return 0, false
		}
		return clip(float64(n) * 0.5), true
	}},
	{"questionComplexity", 0.05, func(t string) (float64, bool) {
		n := countMatches(questionMarkRe, t)
		if n < 2 {
			return 0, false
		}
		return clip(float64(n) * 0.3), true
	}},
	{"constraintCount", 0.04, func(t string) (float64, bool) {
		n := countMatches(constraintRe, t)
		if n == 0 {
			return 0, false
		}
		return clip(float64(n) * 0.5), true
	}},
	{"imperativeVerbs", 0.03, func(t string) (float64, bool) {
		n := countMatches(imperativeRe, t)
		if n == 0 {
			return 0, false
		}
		return clip(float64(n) * 0.4), true
	}},
	{"outputFormat", 0.03, func(t string) (float64, bool) {
		n := countMatches(outputFormatRe, t)
		if n == 0 {
			return 0, false
		}
		return clip(float64(n) * 0.4), true
	}},
	{"referenceComplexity", 0.02, func(t string) (float64, bool) {
		n := countMatches(referenceRe, t)
		if n == 0 {
			return 0, false
		}
		return clip(float64(n) * 0.3), true
	}},
	{"domainSpecificity", 0.02, func(t string) (float64, bool) {
		n := countMatches(domainSpecificRe, t)
		if n == 0 {
			return 0, false
		}
		return clip(float64(n) * 0.5), true
	}},
	{"negationComplexity", 0.01, func(t string) (float64, bool) {
		n := countMatches(negationRe, t)
		if n == 0 {
			return 0, false
		}
		return clip(float64(n) * 0.3), true
	}},
}

// Classify is the pure rules-based classifier (spec §4.4). It never
// returns an error to the caller directly — any internal panic-worthy
// condition is guarded and falls back to MEDIUM at 0.5 confidence
// (spec §4.4 failure mode), surfaced as ok=false.
func Classify(text string, systemText string) (dec envelope.Decision, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			dec = fallback()
			ok = false
		}
	}()

	if strings.TrimSpace(text) == "" {
		return fallback(), false
	}

	var score float64
	var signals []string
	reasoningHits := countMatches(reasoningMarkerRe, text)

	for _, dim := range dimensions {
		contribution, matched := dim.score(text)
		if matched {
			score += dim.weight * contribution
			signals = append(signals, dim.name)
		}
	}
	score = clip(score)

	estimatedTokens := tokenEstimate(text)

	// Fast path: two or more reasoning markers force COMPLEX at high
	// confidence regardless of other dimensions.
	if reasoningHits >= 2 {
		return envelope.Decision{
			Tier: envelope.TierComplex, Model: ModelForTier(envelope.TierComplex),
			Confidence: 0.92, Signals: append(signals, "fastPathReasoning"),
			EstimatedTokens: estimatedTokens, Reasoning: "fast path: multiple reasoning markers",
		}, true
	}

	tier, confidence := classifyScore(score)

	// Token-budget override forces COMPLEX, strictly greater than the
	// configured threshold (spec §8 boundary: "exactly at the threshold
	// is not forced").
	const maxTokensForceComplex = 3000
	if estimatedTokens > maxTokensForceComplex {
		return envelope.Decision{
			Tier: envelope.TierComplex, Model: ModelForTier(envelope.TierComplex),
			Confidence: 0.95, Signals: append(signals, "tokenBudgetOverride"),
			EstimatedTokens: estimatedTokens, Reasoning: "forced complex: estimated tokens exceed budget",
		}, true
	}

	return envelope.Decision{
		Tier: tier, Model: ModelForTier(tier), Confidence: confidence,
		Signals: signals, EstimatedTokens: estimatedTokens,
		Reasoning: "weighted sum of matched signal dimensions",
	}, true
}

func classifyScore(score float64) (envelope.Tier, float64) {
	switch {
	case score < boundarySimpleMedium:
		return envelope.TierSimple, confidenceFor(score, boundarySimpleMedium)
	case score < boundaryMediumComplex:
		// Ambiguity tie-break: default MEDIUM at confidence 0.5 when the
		// score sits exactly on the SIMPLE/MEDIUM boundary.
		if score == boundarySimpleMedium {
			return envelope.TierMedium, 0.5
		}
		nearest := boundaryMediumComplex
		if score-boundarySimpleMedium < boundaryMediumComplex-score {
			nearest = boundarySimpleMedium
		}
		return envelope.TierMedium, confidenceFor(score, nearest)
	default:
		return envelope.TierComplex, confidenceFor(score, boundaryMediumComplex)
	}
}

func confidenceFor(score, nearestBoundary float64) float64 {
	distance := math.Abs(score - nearestBoundary)
	return 1 / (1 + math.Exp(-SigmoidSteepness*distance))
}

func fallback() envelope.Decision {
	return envelope.Decision{
		Tier: envelope.TierMedium, Model: ModelForTier(envelope.TierMedium),
		Confidence: 0.5, Reasoning: "router error: falling back to MEDIUM",
	}
}

// ReplyClamp enforces "effectiveTier = max(replyToTier, routedTier)"
// for replies; fresh messages pass through the routed tier unchanged
// (spec §4.4, §8 invariant 11).
func ReplyClamp(routed envelope.Tier, isReply bool, replyToTier envelope.Tier) envelope.Tier {
	if !isReply || replyToTier == "" {
		return routed
	}
	return envelope.Max(replyToTier, routed)
}
