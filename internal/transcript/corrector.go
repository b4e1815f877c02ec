package transcript

import (
	"strings"
	"sync"

	"github.com/virelia/sonoflux/internal/transcript/phonetic"
)

// Correction records one glossary substitution made in a segment's text.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Corrector rewrites recognition text against a configured glossary of
// domain terms and participant names using phonetic matching. The term list
// can be swapped at runtime on a config reload; all methods are safe for
// concurrent use.
type Corrector struct {
	matcher *phonetic.Matcher

	mu           sync.RWMutex
	terms        []string
	maxTermWords int
}

// NewCorrector builds a Corrector over the initial glossary. An empty
// glossary is valid; Correct is then the identity until SetTerms installs one.
func NewCorrector(terms []string, opts ...phonetic.Option) *Corrector {
	c := &Corrector{matcher: phonetic.New(opts...)}
	c.SetTerms(terms)
	return c
}

// SetTerms replaces the glossary. Blank entries are dropped.
func (c *Corrector) SetTerms(terms []string) {
	cleaned := make([]string, 0, len(terms))
	maxWords := 0
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		cleaned = append(cleaned, t)
		if n := len(strings.Fields(t)); n > maxWords {
			maxWords = n
		}
	}

	c.mu.Lock()
	c.terms = cleaned
	c.maxTermWords = maxWords
	c.mu.Unlock()
}

// Terms returns a copy of the current glossary.
func (c *Corrector) Terms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.terms))
	copy(out, c.terms)
	return out
}

// Correct rewrites text against the glossary and returns the corrected text
// with the substitutions that were applied. With an empty glossary or empty
// text, the input comes back unchanged.
//
// The text is tokenised into whitespace-separated words and scanned left to
// right. At each position, n-gram windows from the longest glossary term down
// to a single word are tested, so multi-word terms take precedence over
// partial single-word matches; the cursor advances by the number of tokens a
// match consumed.
func (c *Corrector) Correct(text string) (string, []Correction) {
	c.mu.RLock()
	terms := c.terms
	maxWords := c.maxTermWords
	c.mu.RUnlock()

	if len(terms) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		output      []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		maxN := maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, conf, ok := c.matcher.Match(window, terms)
			if !ok || equalFold(window, term) {
				continue
			}

			output = append(output, strings.Fields(term)...)
			corrections = append(corrections, Correction{
				Original:   window,
				Corrected:  term,
				Confidence: conf,
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(output, " "), corrections
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
