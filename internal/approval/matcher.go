package approval

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// SelectRule picks the rule governing amount from candidates. Overlapping bands are
// resolved deterministically: the narrowest band wins, bounded before unbounded,
// then the highest lower bound, then the lowest rule id. The boolean is false when
// no active rule applies, which means no approval is required.
func SelectRule(candidates []Rule, entityType string, category Category, amount decimal.Decimal) (Rule, bool) {
	matches := make([]Rule, 0, len(candidates))
	for _, r := range candidates {
		if !r.IsActive || r.EntityType != entityType || r.Category != category {
			continue
		}
		if !r.Contains(amount) {
			continue
		}
		matches = append(matches, r)
	}
	if len(matches) == 0 {
		return Rule{}, false
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return narrower(matches[i], matches[j])
	})
	return matches[0], true
}

func narrower(a, b Rule) bool {
	switch {
	case a.MaxAmount != nil && b.MaxAmount == nil:
		return true
	case a.MaxAmount == nil && b.MaxAmount != nil:
		return false
	case a.MaxAmount != nil && b.MaxAmount != nil:
		wa := a.MaxAmount.Sub(a.MinAmount)
		wb := b.MaxAmount.Sub(b.MinAmount)
		if !wa.Equal(wb) {
			return wa.LessThan(wb)
		}
	}
	if !a.MinAmount.Equal(b.MinAmount) {
		return a.MinAmount.GreaterThan(b.MinAmount)
	}
	return a.ID < b.ID
}

// RuleSource lists candidate rules for an entity type and category.
type RuleSource interface {
	ListActiveRules(ctx context.Context, entityType string, category Category) ([]Rule, error)
}

// Matcher resolves the applicable rule against stored rules.
type Matcher struct {
	rules RuleSource
}

// NewMatcher constructs a Matcher.
func NewMatcher(rules RuleSource) *Matcher {
	return &Matcher{rules: rules}
}

// FindApplicableRule returns the rule governing amount, or false when none applies.
func (m *Matcher) FindApplicableRule(ctx context.Context, entityType string, category Category, amount decimal.Decimal) (Rule, bool, error) {
	rules, err := m.rules.ListActiveRules(ctx, entityType, category)
	if err != nil {
		return Rule{}, false, err
	}
	rule, ok := SelectRule(rules, entityType, category, amount)
	return rule, ok, nil
}
