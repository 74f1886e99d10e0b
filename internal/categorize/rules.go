// Package categorize assigns categories to transactions with an ordered
// list of pure rules. The first matching rule wins; transactions no rule
// matches stay uncategorized.
package categorize

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/pysugar/ledgersync/internal/fingerprint"
	"github.com/pysugar/ledgersync/internal/ledger"
)

// Rule kinds in a rule file.
const (
	KindMerchant    = "merchant"
	KindAmountSign  = "amount_sign"
	KindUserHistory = "user_history"
)

// Input is what a rule may look at.
type Input struct {
	Description  string
	MerchantName string
	Amount       int64
	AccountType  string
}

// Rule maps a transaction to a category, or declines.
type Rule interface {
	Name() string
	Match(in Input) (categoryID string, ok bool)
}

// MerchantRule matches when any pattern is a substring of the normalized
// description or merchant name.
type MerchantRule struct {
	RuleName string
	Category string
	Patterns []string
}

func (r MerchantRule) Name() string { return r.RuleName }

func (r MerchantRule) Match(in Input) (string, bool) {
	desc := fingerprint.NormalizeDescription(in.Description)
	merchant := fingerprint.NormalizeDescription(in.MerchantName)
	for _, p := range r.Patterns {
		p = fingerprint.NormalizeDescription(p)
		if p == "" {
			continue
		}
		if strings.Contains(desc, p) || (merchant != "" && strings.Contains(merchant, p)) {
			return r.Category, true
		}
	}
	return "", false
}

// AmountSignRule matches inflows or outflows, optionally only for some
// account types.
type AmountSignRule struct {
	RuleName     string
	Category     string
	Positive     bool
	AccountTypes []string
}

func (r AmountSignRule) Name() string { return r.RuleName }

func (r AmountSignRule) Match(in Input) (string, bool) {
	if in.Amount == 0 || (in.Amount > 0) != r.Positive {
		return "", false
	}
	if len(r.AccountTypes) > 0 {
		found := false
		for _, t := range r.AccountTypes {
			if strings.EqualFold(t, in.AccountType) {
				found = true
				break
			}
		}
		if !found {
			return "", false
		}
	}
	return r.Category, true
}

// UserHistoryRule reuses the category a user chose for an identical or
// similar description. Similarity is the levenshtein distance over the
// longer normalized description, at most Threshold.
type UserHistoryRule struct {
	RuleName  string
	Threshold float64
	hints     []ledger.CategoryHint
}

// WithHints returns a copy of the rule bound to one user's history, latest
// choice first. When a description was categorized more than once the
// earliest hint in the list wins.
func (r UserHistoryRule) WithHints(hints []ledger.CategoryHint) UserHistoryRule {
	norm := make([]ledger.CategoryHint, 0, len(hints))
	for _, h := range hints {
		if h.CategoryID == "" {
			continue
		}
		norm = append(norm, ledger.CategoryHint{Description: fingerprint.NormalizeDescription(h.Description), CategoryID: h.CategoryID})
	}
	r.hints = norm
	return r
}

func (r UserHistoryRule) Name() string { return r.RuleName }

func (r UserHistoryRule) Match(in Input) (string, bool) {
	desc := fingerprint.NormalizeDescription(in.Description)
	if desc == "" {
		return "", false
	}
	best, bestScore := "", 2.0
	for _, h := range r.hints {
		if h.Description == desc {
			return h.CategoryID, true
		}
		longest := max(len(desc), len(h.Description))
		score := float64(levenshtein.ComputeDistance(desc, h.Description)) / float64(longest)
		if score <= r.Threshold && score < bestScore {
			best, bestScore = h.CategoryID, score
		}
	}
	return best, best != ""
}

// RuleSpec is one rule in a rule file.
type RuleSpec struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	Category     string   `yaml:"category"`
	Priority     int      `yaml:"priority"`
	Patterns     []string `yaml:"patterns"`
	Sign         string   `yaml:"sign"`
	AccountTypes []string `yaml:"account_types"`
	Threshold    *float64 `yaml:"threshold"`
}

// RuleFile is the top-level YAML structure.
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

func (s RuleSpec) build(defaultThreshold float64) (Rule, error) {
	switch s.Kind {
	case KindMerchant:
		if s.Category == "" {
			return nil, fmt.Errorf("merchant rule needs a category")
		}
		if len(s.Patterns) == 0 {
			return nil, fmt.Errorf("merchant rule needs at least one pattern")
		}
		for _, p := range s.Patterns {
			if strings.TrimSpace(p) == "" {
				return nil, fmt.Errorf("pattern cannot be empty")
			}
		}
		return MerchantRule{RuleName: s.Name, Category: s.Category, Patterns: s.Patterns}, nil
	case KindAmountSign:
		if s.Category == "" {
			return nil, fmt.Errorf("amount_sign rule needs a category")
		}
		switch s.Sign {
		case "positive", "negative":
		default:
			return nil, fmt.Errorf("sign must be positive or negative, got %q", s.Sign)
		}
		return AmountSignRule{RuleName: s.Name, Category: s.Category, Positive: s.Sign == "positive", AccountTypes: s.AccountTypes}, nil
	case KindUserHistory:
		threshold := defaultThreshold
		if s.Threshold != nil {
			threshold = *s.Threshold
		}
		if threshold < 0 || threshold > 1 {
			return nil, fmt.Errorf("threshold must be in [0,1], got %v", threshold)
		}
		return UserHistoryRule{RuleName: s.Name, Threshold: threshold}, nil
	default:
		return nil, fmt.Errorf("unknown rule kind %q", s.Kind)
	}
}
