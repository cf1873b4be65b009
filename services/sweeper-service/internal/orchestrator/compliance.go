package orchestrator

import (
	"regexp"
	"strings"
)

// Violation is a destination rule an outgoing text would break.
type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

type complianceRule struct {
	name      string
	forbidden []string
	matches   func(text string) (string, bool)
}

var (
	linkPattern    = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\b[a-z0-9-]+\.(com|net|org|io|me|ru)(/\S*)?\b)`)
	mentionPattern = regexp.MustCompile(`(^|\s)@[A-Za-z0-9_]{3,}`)
	promoWords     = []string{"buy", "discount", "sale", "promo", "subscribe", "free", "% off", "cheap", "offer", "giveaway"}
)

var complianceRules = []complianceRule{
	{
		name:      "links",
		forbidden: []string{"no links", "no link", "links are not allowed", "links are forbidden", "no urls", "without links"},
		matches: func(text string) (string, bool) {
			m := linkPattern.FindString(text)
			return m, m != ""
		},
	},
	{
		name:      "mentions",
		forbidden: []string{"no mentions", "no tagging", "no tags", "do not tag", "don't tag", "no @"},
		matches: func(text string) (string, bool) {
			m := strings.TrimSpace(mentionPattern.FindString(text))
			return m, m != ""
		},
	},
	{
		name:      "promotion",
		forbidden: []string{"no ads", "no advertising", "no promotion", "no self-promo", "no self promotion", "no spam", "no selling"},
		matches: func(text string) (string, bool) {
			lower := strings.ToLower(text)
			for _, w := range promoWords {
				if strings.Contains(lower, w) {
					return w, true
				}
			}
			return "", false
		},
	},
}

// CheckCompliance returns the rules of a destination that text would break. Rules are inferred
// from keywords in the destination's descriptive text; an empty rules text allows everything.
func CheckCompliance(rulesText, text string) []Violation {
	rules := strings.ToLower(rulesText)
	if strings.TrimSpace(rules) == "" {
		return nil
	}

	var out []Violation
	for _, rule := range complianceRules {
		if !containsAny(rules, rule.forbidden) {
			continue
		}
		if detail, ok := rule.matches(text); ok {
			out = append(out, Violation{Rule: rule.name, Detail: detail})
		}
	}
	return out
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
