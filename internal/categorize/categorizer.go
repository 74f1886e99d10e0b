package categorize

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/pysugar/ledgersync/internal/ledger"
	"github.com/pysugar/ledgersync/internal/logging"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var embeddedRules []byte

// RuleSet is an ordered, validated list of rules.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet orders rules as given.
func NewRuleSet(rules ...Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

// Parse reads a YAML rule file. similarity is the default user_history
// threshold for rules that do not set their own.
func Parse(data []byte, similarity float64) (*RuleSet, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML rules: %w", err)
	}

	names := make(map[string]bool, len(file.Rules))
	for i, spec := range file.Rules {
		if spec.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if names[spec.Name] {
			return nil, fmt.Errorf("rule %d (%s): duplicate name", i, spec.Name)
		}
		names[spec.Name] = true
		if spec.Priority < 0 || spec.Priority > 999 {
			return nil, fmt.Errorf("rule %d (%s): priority must be in [0,999], got %d", i, spec.Name, spec.Priority)
		}
	}

	// Highest priority first; equal priorities keep file order.
	specs := make([]RuleSpec, len(file.Rules))
	copy(specs, file.Rules)
	sort.SliceStable(specs, func(i, j int) bool {
		return specs[i].Priority > specs[j].Priority
	})

	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		r, err := spec.build(similarity)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", spec.Name, err)
		}
		rules = append(rules, r)
	}
	return &RuleSet{rules: rules}, nil
}

// Load reads rules from path, or the built-in rules when path is empty.
func Load(path string, similarity float64) (*RuleSet, error) {
	if path == "" {
		return Parse(embeddedRules, similarity)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rs, err := Parse(data, similarity)
	if err != nil {
		return nil, err
	}
	log.Printf("📦 Loaded %d categorization rules from %s", len(rs.rules), path)
	return rs, nil
}

// Rules returns the rules in evaluation order.
func (rs *RuleSet) Rules() []Rule {
	return append([]Rule(nil), rs.rules...)
}

// ForUser binds user_history rules to the user's past choices.
func (rs *RuleSet) ForUser(hints []ledger.CategoryHint) []Rule {
	bound := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		if uh, ok := r.(UserHistoryRule); ok {
			r = uh.WithHints(hints)
		}
		bound[i] = r
	}
	return bound
}

// First returns the category and rule name of the first rule that matches.
func First(rules []Rule, in Input) (categoryID, ruleName string, ok bool) {
	for _, r := range rules {
		if cat, ok := r.Match(in); ok {
			return cat, r.Name(), true
		}
	}
	return "", "", false
}

// Store is the slice of the ledger the categorizer uses.
type Store interface {
	ListUncategorized(ctx context.Context, connectionID string) ([]ledger.Uncategorized, error)
	AssignCategory(ctx context.Context, transactionID, categoryID, rule string) (bool, error)
	UserCategoryHistory(ctx context.Context, userID string) ([]ledger.CategoryHint, error)
}

// Result counts one CategorizeNew pass.
type Result struct {
	Evaluated   int
	Categorized int
	Unmatched   int
}

// Categorizer applies a rule set to stored transactions.
type Categorizer struct {
	store Store
	rules *RuleSet
}

// NewCategorizer creates a categorizer.
func NewCategorizer(store Store, rules *RuleSet) *Categorizer {
	return &Categorizer{store: store, rules: rules}
}

// CategorizeNew categorizes every live, uncategorized transaction of the
// connection. Assignments never overwrite a category set in the meantime,
// so re-running it is idempotent.
func (c *Categorizer) CategorizeNew(ctx context.Context, connectionID string) (Result, error) {
	var res Result
	pending, err := c.store.ListUncategorized(ctx, connectionID)
	if err != nil {
		return res, fmt.Errorf("list uncategorized: %w", err)
	}

	perUser := map[string][]Rule{}
	for _, tx := range pending {
		rules, ok := perUser[tx.UserID]
		if !ok {
			hints, err := c.store.UserCategoryHistory(ctx, tx.UserID)
			if err != nil {
				return res, fmt.Errorf("load category history: %w", err)
			}
			rules = c.rules.ForUser(hints)
			perUser[tx.UserID] = rules
		}

		res.Evaluated++
		cat, rule, ok := First(rules, Input{
			Description:  tx.Description,
			MerchantName: tx.MerchantName,
			Amount:       tx.Amount,
			AccountType:  tx.AccountType,
		})
		if !ok {
			res.Unmatched++
			continue
		}
		assigned, err := c.store.AssignCategory(ctx, tx.ID, cat, rule)
		if err != nil {
			return res, fmt.Errorf("assign category to %s: %w", tx.ID, err)
		}
		if assigned {
			res.Categorized++
		}
	}

	if res.Evaluated > 0 {
		log.Printf("🏷️ [%s] Categorized %d of %d transactions for connection %s", logging.Tag(ctx), res.Categorized, res.Evaluated, connectionID)
	}
	return res, nil
}
