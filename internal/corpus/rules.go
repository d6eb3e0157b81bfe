package corpus

import (
	"sort"
	"strings"

	"salescoach/api/internal/content"
)

type RuleKind string

const (
	RuleThreshold RuleKind = "threshold"
	RuleCombo     RuleKind = "combo"
)

// Rule is a danger pattern evaluated against a session's detected set.
type Rule struct {
	ID          string
	Kind        RuleKind
	MinDistinct int
	Categories  []string
	Message     string
	Script      string
	Priority    int
}

// DefaultRules apply when the team has not synced any pattern records.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "default-threshold",
			Kind:        RuleThreshold,
			MinDistinct: 3,
			Message:     "Three or more objections raised. Requalify before pitching further.",
			Script:      "It sounds like there are a few concerns. Can we step back and make sure this is the right fit before going further?",
		},
		{
			ID:         "default-combo",
			Kind:       RuleCombo,
			Categories: []string{"price", "authority"},
			Message:    "Price and authority objections together. Bring the decision maker in.",
			Script:     "Would it help to set up a quick call with everyone involved in the budget decision so we can look at the numbers together?",
		},
	}
}

func buildRules(patterns []content.Record) []Rule {
	rules := make([]Rule, 0, len(patterns))
	for _, record := range patterns {
		var payload content.PatternPayload
		if err := record.Decode(&payload); err != nil {
			continue
		}
		rule := Rule{
			ID:       record.ID,
			Kind:     RuleKind(strings.ToLower(strings.TrimSpace(payload.Rule))),
			Message:  firstNonBlank(payload.Message, payload.Name),
			Script:   payload.Script,
			Priority: payload.Priority,
		}
		switch rule.Kind {
		case RuleThreshold:
			rule.MinDistinct = payload.MinDistinct
			if rule.MinDistinct <= 0 {
				rule.MinDistinct = 3
			}
		case RuleCombo:
			for _, category := range payload.Categories {
				if category = strings.TrimSpace(category); category != "" {
					rule.Categories = append(rule.Categories, category)
				}
			}
			if len(rule.Categories) < 2 {
				continue
			}
		default:
			continue
		}
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		return DefaultRules()
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules
}

// Satisfied reports whether the detected objections meet the rule.
func (r Rule) Satisfied(detected []Entry) bool {
	switch r.Kind {
	case RuleThreshold:
		return len(detected) >= r.MinDistinct
	case RuleCombo:
		for _, category := range r.Categories {
			present := false
			for _, entry := range detected {
				if CategoryMatches(entry.Category, category) {
					present = true
					break
				}
			}
			if !present {
				return false
			}
		}
		return len(r.Categories) > 0
	}
	return false
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
