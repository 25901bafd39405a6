package engine

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"
)

// =============================================================================
// GROUPING RULES - Claim to GroupingKey
// =============================================================================

type GroupingStrategy string

const (
	GroupByPayerPayee        GroupingStrategy = "payer_payee"
	GroupByPayerPayeeRouting GroupingStrategy = "payer_payee_routing"
	GroupByCustom            GroupingStrategy = "custom"
)

// GroupingRule decides which claims it admits and how their key is built.
// A rule with no PayerIDs admits claims from every payer.
type GroupingRule struct {
	ID         RuleID
	Name       string
	Strategy   GroupingStrategy
	Expression string // text/template over Claim, custom strategy only
	PayerIDs   []PayerID
	Priority   int // lower is tried first
	Active     bool
	CreatedAt  time.Time

	tmpl *template.Template
}

// Compile validates the rule and prepares its custom expression.
func (r *GroupingRule) Compile() error {
	switch r.Strategy {
	case GroupByPayerPayee, GroupByPayerPayeeRouting:
		return nil
	case GroupByCustom:
		if strings.TrimSpace(r.Expression) == "" {
			return fmt.Errorf("rule %s: custom strategy requires an expression", r.ID)
		}
		tmpl, err := template.New(string(r.ID)).Option("missingkey=zero").Parse(r.Expression)
		if err != nil {
			return fmt.Errorf("rule %s: parse expression: %w", r.ID, err)
		}
		r.tmpl = tmpl
		return nil
	default:
		return fmt.Errorf("rule %s: unknown grouping strategy %q", r.ID, r.Strategy)
	}
}

// Admits reports whether the rule's payer scope includes the claim.
func (r GroupingRule) Admits(c Claim) bool {
	if !r.Active {
		return false
	}
	if len(r.PayerIDs) == 0 {
		return true
	}
	for _, p := range r.PayerIDs {
		if p == c.PayerID {
			return true
		}
	}
	return false
}

// KeyFor derives the grouping key. Keys are prefixed with the rule ID so two
// rules never share a bucket.
func (r GroupingRule) KeyFor(c Claim) (GroupingKey, error) {
	parts := []string{string(r.ID)}
	switch r.Strategy {
	case GroupByPayerPayee:
		parts = append(parts, string(c.PayerID), string(c.PayeeID))
	case GroupByPayerPayeeRouting:
		network, route := "", ""
		if c.Routing != nil {
			network, route = c.Routing.Network, c.Routing.Route
		}
		parts = append(parts, string(c.PayerID), string(c.PayeeID), network, route)
	case GroupByCustom:
		tmpl := r.tmpl
		if tmpl == nil {
			compiled := r
			if err := compiled.Compile(); err != nil {
				return "", err
			}
			tmpl = compiled.tmpl
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, c); err != nil {
			return "", fmt.Errorf("rule %s: evaluate expression: %w", r.ID, err)
		}
		value := strings.TrimSpace(buf.String())
		if value == "" {
			return "", fmt.Errorf("%w: rule %s produced an empty key", ErrInvalidClaim, r.ID)
		}
		parts = append(parts, value)
	default:
		return "", fmt.Errorf("rule %s: unknown grouping strategy %q", r.ID, r.Strategy)
	}
	return GroupingKey(strings.Join(parts, "|")), nil
}

// ResolveRule picks the first active rule, by (priority, created, id), that
// admits the claim.
func ResolveRule(rules []GroupingRule, c Claim) (GroupingRule, error) {
	candidates := make([]GroupingRule, 0, len(rules))
	for _, r := range rules {
		if r.Admits(c) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return GroupingRule{}, fmt.Errorf("%w: payer %s payee %s", ErrNoActiveGroupingRule, c.PayerID, c.PayeeID)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return candidates[0], nil
}

// ValidateClaim checks the fields every strategy depends on.
func ValidateClaim(c Claim) error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidClaim)
	case c.PayerID == "":
		return fmt.Errorf("%w: claim %s missing payer", ErrInvalidClaim, c.ID)
	case c.PayeeID == "":
		return fmt.Errorf("%w: claim %s missing payee", ErrInvalidClaim, c.ID)
	case c.Amount.IsNegative():
		return fmt.Errorf("%w: claim %s has negative amount", ErrInvalidClaim, c.ID)
	}
	return nil
}
