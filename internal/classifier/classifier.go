package classifier

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mtzanidakis/orkestra/internal/models"
)

// Score is the result of evaluating one rule against a description.
type Score struct {
	Capability string
	Hits       int
	Score      int
}

// Classifier maps task descriptions to capability sets. It holds no mutable
// state and is safe for concurrent use.
type Classifier struct {
	rules     []Rule
	threshold int
	fallback  string
	known     map[string]bool
}

func New(rules []Rule, threshold int, fallback string) *Classifier {
	if fallback == "" {
		fallback = DefaultFallback
	}
	known := make(map[string]bool, len(rules)+1)
	for _, r := range rules {
		known[r.Capability] = true
	}
	known[fallback] = true
	return &Classifier{
		rules:     rules,
		threshold: threshold,
		fallback:  fallback,
		known:     known,
	}
}

func Default() *Classifier {
	return New(DefaultRules, DefaultThreshold, DefaultFallback)
}

// Classify returns the capabilities whose score exceeds the threshold,
// highest score first and by name on equal scores. A description with no
// qualifying capability gets the fallback. A leading "@capability" forces
// that capability.
func (c *Classifier) Classify(description string) ([]string, error) {
	if !utf8.ValidString(description) {
		return nil, fmt.Errorf("%w: description is not valid text", models.ErrClassification)
	}
	text := strings.TrimSpace(description)
	if text == "" {
		return nil, fmt.Errorf("%w: empty description", models.ErrClassification)
	}

	// A bare "@capability" is scored like any other text.
	if capability, rest, ok := c.parseOverride(text); ok && strings.TrimSpace(rest) != "" {
		return []string{capability}, nil
	}

	var selected []Score
	for _, s := range c.Scores(text) {
		if s.Score > c.threshold {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		return []string{c.fallback}, nil
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Score != selected[j].Score {
			return selected[i].Score > selected[j].Score
		}
		return selected[i].Capability < selected[j].Capability
	})

	out := make([]string, len(selected))
	for i, s := range selected {
		out[i] = s.Capability
	}
	return out, nil
}

// Scores evaluates every rule in table order. Rules sharing a capability
// are summed into the first occurrence.
func (c *Classifier) Scores(description string) []Score {
	tokens := tokenize(description)
	joined := " " + strings.Join(tokens, " ") + " "
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}

	var scores []Score
	index := make(map[string]int)
	for _, r := range c.rules {
		hits := 0
		for _, kw := range r.Keywords {
			hits += keywordHits(strings.ToLower(kw), counts, joined)
		}
		if i, ok := index[r.Capability]; ok {
			scores[i].Hits += hits
			scores[i].Score += hits * r.Weight
			continue
		}
		index[r.Capability] = len(scores)
		scores = append(scores, Score{Capability: r.Capability, Hits: hits, Score: hits * r.Weight})
	}
	return scores
}

// Known reports whether capability appears in the rule table or is the
// fallback.
func (c *Classifier) Known(capability string) bool {
	return c.known[capability]
}

func (c *Classifier) Fallback() string {
	return c.fallback
}

func (c *Classifier) parseOverride(text string) (string, string, bool) {
	if !strings.HasPrefix(text, "@") {
		return "", "", false
	}
	rest := text[1:]
	idx := strings.IndexAny(rest, " \t\n")
	name := rest
	remaining := ""
	if idx != -1 {
		name = rest[:idx]
		remaining = rest[idx+1:]
	}
	name = strings.ToLower(name)
	if !c.known[name] {
		return "", "", false
	}
	return name, remaining, true
}

func keywordHits(kw string, counts map[string]int, joined string) int {
	if strings.Contains(kw, " ") {
		phrase := " " + strings.Join(tokenize(kw), " ") + " "
		return strings.Count(joined, phrase)
	}
	return counts[kw]
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
