package router

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/borg/internal/envelope"
)

func TestClassifySimpleQuestionIsLowTier(t *testing.T) {
	dec, ok := Classify("What is the capital of France?", "")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if dec.Tier != envelope.TierSimple {
		t.Fatalf("expected SIMPLE, got %s (signals=%v)", dec.Tier, dec.Signals)
	}
	if dec.Model != "haiku" {
		t.Fatalf("expected haiku model, got %s", dec.Model)
	}
}

func TestClassifyReasoningFastPathForcesComplex(t *testing.T) {
	dec, ok := Classify("Can you explain why this deadlocks and derive the root cause?", "")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if dec.Tier != envelope.TierComplex {
		t.Fatalf("expected COMPLEX via fast path, got %s", dec.Tier)
	}
	found := false
	for _, s := range dec.Signals {
		if s == "fastPathReasoning" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fastPathReasoning signal, got %v", dec.Signals)
	}
}

func TestClassifyTokenBudgetOverrideIsStrictGreaterThan(t *testing.T) {
	// Build text estimated at exactly 3000 tokens (12000 chars): must NOT force complex.
	exact := strings.Repeat("a", 12000)
	dec, ok := Classify(exact, "")
	if !ok {
		t.Fatal("expected ok=true")
	}
	for _, s := range dec.Signals {
		if s == "tokenBudgetOverride" {
			t.Fatalf("exactly-at-threshold text must not trigger the override, signals=%v", dec.Signals)
		}
	}

	over := strings.Repeat("a", 12004)
	dec2, ok := Classify(over, "")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if dec2.Tier != envelope.TierComplex {
		t.Fatalf("expected COMPLEX once strictly over budget, got %s", dec2.Tier)
	}
}

func TestClassifyEmptyTextFallsBackToMedium(t *testing.T) {
	dec, ok := Classify("   ", "")
	if ok {
		t.Fatal("expected ok=false for empty text")
	}
	if dec.Tier != envelope.TierMedium || dec.Confidence != 0.5 {
		t.Fatalf("expected MEDIUM@0.5 fallback, got %s@%v", dec.Tier, dec.Confidence)
	}
}

func TestReplyClampTakesMaxOfReplyToAndRouted(t *testing.T) {
	cases := []struct {
		routed, replyTo envelope.Tier
		isReply         bool
		want            envelope.Tier
	}{
		{envelope.TierSimple, envelope.TierComplex, true, envelope.TierComplex},
		{envelope.TierComplex, envelope.TierSimple, true, envelope.TierComplex},
		{envelope.TierSimple, envelope.TierComplex, false, envelope.TierSimple},
		{envelope.TierMedium, "", true, envelope.TierMedium},
	}
	for _, c := range cases {
		got := ReplyClamp(c.routed, c.isReply, c.replyTo)
		if got != c.want {
			t.Fatalf("ReplyClamp(%s, %v, %s) = %s, want %s", c.routed, c.isReply, c.replyTo, got, c.want)
		}
	}
}

func TestModelForTierAndTierForModelRoundTrip(t *testing.T) {
	for _, tier := range []envelope.Tier{envelope.TierSimple, envelope.TierMedium, envelope.TierComplex} {
		model := ModelForTier(tier)
		if got := TierForModel(model); got != tier {
			t.Fatalf("TierForModel(ModelForTier(%s)=%s) = %s, want %s", tier, model, got, tier)
		}
	}
	if got := TierForModel("unknown"); got != envelope.TierMedium {
		t.Fatalf("expected unrecognized model name to clamp to MEDIUM, got %s", got)
	}
}

func TestClassifyCodeBlockPushesTowardComplex(t *testing.T) {
	dec, ok := Classify("Refactor this:\n```go\nfunc main() {}\n```\nfirst check imports, then run tests", "")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if dec.Tier == envelope.TierSimple {
		t.Fatalf("expected at least MEDIUM for code+multi-step text, got %s", dec.Tier)
	}
}
