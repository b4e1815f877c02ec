package phonetic_test

import (
	"testing"

	"github.com/virelia/sonoflux/internal/transcript/phonetic"
)

func TestMatcher_SingleWordMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	// "kooberneties" is how recognizers tend to hear "Kubernetes".
	terms := []string{"Kubernetes", "Terraform", "Priya Raghunathan"}

	corrected, conf, matched := m.Match("kooberneties", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "kooberneties")
	}
	if corrected != "Kubernetes" {
		t.Errorf("Match(%q): corrected=%q, want %q", "kooberneties", corrected, "Kubernetes")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "kooberneties", conf)
	}
}

func TestMatcher_MultiWordTermMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	terms := []string{"Priya Raghunathan", "Kubernetes", "Terraform"}

	corrected, conf, matched := m.Match("pria ragunatan", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "pria ragunatan")
	}
	if corrected != "Priya Raghunathan" {
		t.Errorf("Match(%q): corrected=%q, want %q", "pria ragunatan", corrected, "Priya Raghunathan")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "pria ragunatan", conf)
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"Kubernetes", "Terraform"}

	corrected, conf, matched := m.Match("hello", terms)
	if matched {
		t.Fatalf("Match(%q, terms): matched=true, want false", "hello")
	}
	if corrected != "hello" {
		t.Errorf("Match(%q): corrected=%q, want the input unchanged", "hello", corrected)
	}
	if conf != 0 {
		t.Errorf("Match(%q): confidence=%f, want 0", "hello", conf)
	}
}

func TestMatcher_EmptyInputs(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	if _, _, matched := m.Match("anything", nil); matched {
		t.Error("Match with no terms reported a match")
	}
	if _, _, matched := m.Match("   ", []string{"Kubernetes"}); matched {
		t.Error("Match with blank input reported a match")
	}
}

func TestMatcher_ThresholdOptions(t *testing.T) {
	t.Parallel()

	// A threshold of 1.0 only accepts exact strings; the usual near-miss
	// must now be rejected.
	strict := phonetic.New(phonetic.WithPhoneticThreshold(1.0), phonetic.WithFuzzyThreshold(1.0))
	if _, _, matched := strict.Match("kooberneties", []string{"Kubernetes"}); matched {
		t.Error("strict matcher accepted a non-exact match")
	}
	if corrected, _, matched := strict.Match("kubernetes", []string{"Kubernetes"}); !matched || corrected != "Kubernetes" {
		t.Errorf("strict matcher rejected the exact match: %q, %v", corrected, matched)
	}
}

func TestMatcher_BestOfSeveralCandidates(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"Grafana", "Gradle", "GraphQL"}

	corrected, _, matched := m.Match("grafanna", terms)
	if !matched || corrected != "Grafana" {
		t.Errorf("Match(%q) = %q, %v; want Grafana", "grafanna", corrected, matched)
	}
}
