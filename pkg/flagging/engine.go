// Package flagging classifies free text (course material, reviews, support
// messages) against keyword rules for likely legal or policy violations.
package flagging

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/microcosm-cc/bluemonday"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityMultiplier = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 5,
}

// Keywords of at least this many runes also match tokens one edit away.
const fuzzyMinRunes = 7

type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Category string   `yaml:"category" json:"category"`
	Severity Severity `yaml:"severity" json:"severity"`
	Weight   int      `yaml:"weight" json:"weight"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

type Ruleset struct {
	Threshold int    `yaml:"threshold" json:"threshold"`
	Rules     []Rule `yaml:"rules" json:"rules"`
}

type Violation struct {
	Rule     string   `json:"rule"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Matches  []string `json:"matches"`
	Score    int      `json:"score"`
}

type Evaluation struct {
	Flagged    bool        `json:"flagged"`
	Score      int         `json:"score"`
	Severity   Severity    `json:"severity,omitempty"`
	Violations []Violation `json:"violations"`
}

var sanitizer = bluemonday.StrictPolicy()

// Evaluate scores text against every rule. A text is flagged when the total
// score reaches the ruleset threshold or any critical rule matches.
func Evaluate(text string, rules *Ruleset) *Evaluation {
	eval := &Evaluation{Violations: []Violation{}}
	if rules == nil {
		return eval
	}

	doc := newDocument(text)
	for _, rule := range rules.Rules {
		matches := doc.match(rule.Keywords)
		if len(matches) == 0 {
			continue
		}
		score := rule.Weight * severityMultiplier[rule.Severity] * len(matches)
		eval.Violations = append(eval.Violations, Violation{
			Rule:     rule.Name,
			Category: rule.Category,
			Severity: rule.Severity,
			Matches:  matches,
			Score:    score,
		})
		eval.Score += score
		if severityRank(rule.Severity) > severityRank(eval.Severity) {
			eval.Severity = rule.Severity
		}
	}

	sort.SliceStable(eval.Violations, func(i, j int) bool {
		return eval.Violations[i].Score > eval.Violations[j].Score
	})
	eval.Flagged = len(eval.Violations) > 0 &&
		(eval.Score >= rules.Threshold || eval.Severity == SeverityCritical)
	return eval
}

func (e *Evaluation) String() string {
	if !e.Flagged {
		return fmt.Sprintf("clean (score %d)", e.Score)
	}
	names := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		names = append(names, v.Rule)
	}
	return fmt.Sprintf("flagged %s (score %d): %s", e.Severity, e.Score, strings.Join(names, ", "))
}

func severityRank(s Severity) int {
	return severityMultiplier[s]
}

type document struct {
	tokens []string
	joined string
}

func newDocument(text string) document {
	plain := html.UnescapeString(sanitizer.Sanitize(text))
	tokens := tokenize(plain)
	return document{tokens: tokens, joined: " " + strings.Join(tokens, " ") + " "}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// match returns the distinct keywords present in the document, in rule order.
func (d document) match(keywords []string) []string {
	var out []string
	seen := make(map[string]bool, len(keywords))
	for _, raw := range keywords {
		kwTokens := tokenize(raw)
		if len(kwTokens) == 0 {
			continue
		}
		kw := strings.Join(kwTokens, " ")
		if seen[kw] {
			continue
		}
		var hit bool
		if len(kwTokens) > 1 {
			hit = strings.Contains(d.joined, " "+kw+" ")
		} else {
			hit = d.hasWord(kw)
		}
		if hit {
			seen[kw] = true
			out = append(out, kw)
		}
	}
	return out
}

func (d document) hasWord(kw string) bool {
	kwLen := utf8.RuneCountInString(kw)
	for _, tok := range d.tokens {
		if tok == kw {
			return true
		}
		if kwLen < fuzzyMinRunes {
			continue
		}
		diff := utf8.RuneCountInString(tok) - kwLen
		if diff < -1 || diff > 1 {
			continue
		}
		if levenshtein.ComputeDistance(tok, kw) <= 1 {
			return true
		}
	}
	return false
}
