/*
Package factory provides YAML to Go catalog conversion.

PURPOSE:
  Converts a YAML catalog document into grouping rules, threshold
  definitions, commit policies and the payment workflow, and installs them
  into an engine.StaticCatalog. Operators change bucketing behaviour by
  editing the document; the engine never writes it.

YAML SCHEMA:
  workflow:
    payment_required: true
    acknowledgment_required: false
    auto_assign_on_approval: true
    reservation_strategy: shared      # or independent

  grouping_rules:
    - id: by-route
      name: Payer, payee and route
      strategy: payer_payee_routing   # payer_payee | payer_payee_routing | custom
      expression: ""                  # text/template, custom only
      payer_ids: [acme]               # empty admits every payer
      priority: 10                    # lower is tried first
      created_at: 2024-01-01T00:00:00Z

  thresholds:
    - id: big-or-many
      rule_id: by-route               # omit for a global threshold
      type: hybrid                    # count | amount | time | hybrid
      count: 50
      amount: "10000.00"
      time: 24h
      idle: 2h

  commit_policies:
    - id: review-unless-large
      rule_id: by-route
      mode: HYBRID                    # AUTO | MANUAL | HYBRID
      hard_conditions: [amount]

  Every record is active unless `active: false` is given.

USAGE:
  f := factory.NewCatalogFactory()
  catalog, err := f.LoadFile("catalog.yaml")

  // Hot reload into a running engine
  err = f.Reload(catalog, newBytes)

SEE ALSO:
  - engine/catalog.go: Catalog and StaticCatalog
  - engine/grouping.go, engine/threshold.go, engine/commit.go: Record types
*/
package factory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/claim-bucketing/engine"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// CatalogYAML is the document root.
type CatalogYAML struct {
	Workflow       WorkflowYAML    `yaml:"workflow"`
	GroupingRules  []RuleYAML      `yaml:"grouping_rules"`
	Thresholds     []ThresholdYAML `yaml:"thresholds,omitempty"`
	CommitPolicies []PolicyYAML    `yaml:"commit_policies,omitempty"`
}

type WorkflowYAML struct {
	PaymentRequired        bool   `yaml:"payment_required"`
	AcknowledgmentRequired bool   `yaml:"acknowledgment_required"`
	AutoAssignOnApproval   bool   `yaml:"auto_assign_on_approval"`
	ReservationStrategy    string `yaml:"reservation_strategy,omitempty"`
}

type RuleYAML struct {
	ID         string    `yaml:"id"`
	Name       string    `yaml:"name,omitempty"`
	Strategy   string    `yaml:"strategy"`
	Expression string    `yaml:"expression,omitempty"`
	PayerIDs   []string  `yaml:"payer_ids,omitempty"`
	Priority   int       `yaml:"priority,omitempty"`
	Active     *bool     `yaml:"active,omitempty"`
	CreatedAt  time.Time `yaml:"created_at,omitempty"`
}

type ThresholdYAML struct {
	ID        string    `yaml:"id"`
	RuleID    string    `yaml:"rule_id,omitempty"`
	Type      string    `yaml:"type"`
	Count     int       `yaml:"count,omitempty"`
	Amount    string    `yaml:"amount,omitempty"`
	Time      string    `yaml:"time,omitempty"`
	Idle      string    `yaml:"idle,omitempty"`
	Active    *bool     `yaml:"active,omitempty"`
	CreatedAt time.Time `yaml:"created_at,omitempty"`
}

type PolicyYAML struct {
	ID             string    `yaml:"id"`
	RuleID         string    `yaml:"rule_id,omitempty"`
	Mode           string    `yaml:"mode"`
	HardConditions []string  `yaml:"hard_conditions,omitempty"`
	Active         *bool     `yaml:"active,omitempty"`
	CreatedAt      time.Time `yaml:"created_at,omitempty"`
}

// Catalog is the converted document, ready for engine.NewStaticCatalog.
type Catalog struct {
	Rules      []engine.GroupingRule
	Thresholds []engine.ThresholdDefinition
	Policies   []engine.CommitPolicy
	Workflow   engine.Workflow
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts YAML catalogs to engine records.
type CatalogFactory struct{}

func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// LoadFile reads path and returns a ready StaticCatalog.
func (f *CatalogFactory) LoadFile(path string) (*engine.StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	c, err := f.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return engine.NewStaticCatalog(c.Rules, c.Thresholds, c.Policies, c.Workflow)
}

// Reload parses data and swaps it into target. On error target is unchanged.
func (f *CatalogFactory) Reload(target *engine.StaticCatalog, data []byte) error {
	c, err := f.Parse(data)
	if err != nil {
		return err
	}
	return target.Replace(c.Rules, c.Thresholds, c.Policies, c.Workflow)
}

// Parse decodes a YAML document. Unknown keys are rejected.
func (f *CatalogFactory) Parse(data []byte) (*Catalog, error) {
	var doc CatalogYAML
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	return f.FromYAML(doc)
}

// FromYAML converts and validates a decoded document.
func (f *CatalogFactory) FromYAML(doc CatalogYAML) (*Catalog, error) {
	c := &Catalog{
		Workflow: engine.Workflow{
			PaymentRequired:        doc.Workflow.PaymentRequired,
			AcknowledgmentRequired: doc.Workflow.AcknowledgmentRequired,
			AutoAssignOnApproval:   doc.Workflow.AutoAssignOnApproval,
			ReservationStrategy:    engine.ReservationMode(strings.ToLower(doc.Workflow.ReservationStrategy)),
		},
	}

	seen := make(map[string]bool)
	for _, rj := range doc.GroupingRules {
		if rj.ID == "" {
			return nil, fmt.Errorf("grouping rule without id")
		}
		if seen[rj.ID] {
			return nil, fmt.Errorf("duplicate grouping rule id %q", rj.ID)
		}
		seen[rj.ID] = true
		c.Rules = append(c.Rules, parseRule(rj))
	}

	for _, tj := range doc.Thresholds {
		def, err := parseThreshold(tj)
		if err != nil {
			return nil, fmt.Errorf("threshold %q: %w", tj.ID, err)
		}
		if def.RuleID != "" && !seen[string(def.RuleID)] {
			return nil, fmt.Errorf("threshold %q: unknown rule %q", tj.ID, def.RuleID)
		}
		c.Thresholds = append(c.Thresholds, def)
	}

	for _, pj := range doc.CommitPolicies {
		p, err := parsePolicy(pj)
		if err != nil {
			return nil, fmt.Errorf("commit policy %q: %w", pj.ID, err)
		}
		if p.RuleID != "" && !seen[string(p.RuleID)] {
			return nil, fmt.Errorf("commit policy %q: unknown rule %q", pj.ID, p.RuleID)
		}
		c.Policies = append(c.Policies, p)
	}

	return c, nil
}

// ToYAML converts engine records back to the document form.
func (f *CatalogFactory) ToYAML(c Catalog) CatalogYAML {
	doc := CatalogYAML{
		Workflow: WorkflowYAML{
			PaymentRequired:        c.Workflow.PaymentRequired,
			AcknowledgmentRequired: c.Workflow.AcknowledgmentRequired,
			AutoAssignOnApproval:   c.Workflow.AutoAssignOnApproval,
			ReservationStrategy:    string(c.Workflow.ReservationStrategy),
		},
	}
	for _, r := range c.Rules {
		rj := RuleYAML{
			ID:         string(r.ID),
			Name:       r.Name,
			Strategy:   string(r.Strategy),
			Expression: r.Expression,
			Priority:   r.Priority,
			Active:     boolPtr(r.Active),
			CreatedAt:  r.CreatedAt,
		}
		for _, p := range r.PayerIDs {
			rj.PayerIDs = append(rj.PayerIDs, string(p))
		}
		doc.GroupingRules = append(doc.GroupingRules, rj)
	}
	for _, t := range c.Thresholds {
		tj := ThresholdYAML{
			ID:        t.ID,
			RuleID:    string(t.RuleID),
			Type:      string(t.Type),
			Count:     t.CountLimit,
			Active:    boolPtr(t.Active),
			CreatedAt: t.CreatedAt,
		}
		if t.AmountLimit.IsPositive() {
			tj.Amount = t.AmountLimit.StringFixed(2)
		}
		if t.TimeLimit > 0 {
			tj.Time = t.TimeLimit.String()
		}
		if t.IdleLimit > 0 {
			tj.Idle = t.IdleLimit.String()
		}
		doc.Thresholds = append(doc.Thresholds, tj)
	}
	for _, p := range c.Policies {
		pj := PolicyYAML{
			ID:        p.ID,
			RuleID:    string(p.RuleID),
			Mode:      string(p.Mode),
			Active:    boolPtr(p.Active),
			CreatedAt: p.CreatedAt,
		}
		for _, h := range p.HardConditions {
			pj.HardConditions = append(pj.HardConditions, string(h))
		}
		doc.CommitPolicies = append(doc.CommitPolicies, pj)
	}
	return doc
}

// Marshal renders c as YAML.
func (f *CatalogFactory) Marshal(c Catalog) ([]byte, error) {
	return yaml.Marshal(f.ToYAML(c))
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseRule(rj RuleYAML) engine.GroupingRule {
	r := engine.GroupingRule{
		ID:         engine.RuleID(rj.ID),
		Name:       rj.Name,
		Strategy:   engine.GroupingStrategy(strings.ToLower(rj.Strategy)),
		Expression: rj.Expression,
		Priority:   rj.Priority,
		Active:     isActive(rj.Active),
		CreatedAt:  rj.CreatedAt,
	}
	for _, p := range rj.PayerIDs {
		r.PayerIDs = append(r.PayerIDs, engine.PayerID(p))
	}
	return r
}

func parseThreshold(tj ThresholdYAML) (engine.ThresholdDefinition, error) {
	def := engine.ThresholdDefinition{
		ID:         tj.ID,
		RuleID:     engine.RuleID(tj.RuleID),
		Type:       engine.ThresholdType(strings.ToLower(tj.Type)),
		CountLimit: tj.Count,
		Active:     isActive(tj.Active),
		CreatedAt:  tj.CreatedAt,
	}
	if tj.ID == "" {
		return def, fmt.Errorf("missing id")
	}
	if tj.Count < 0 {
		return def, fmt.Errorf("count must not be negative")
	}
	if tj.Amount != "" {
		amt, err := decimal.NewFromString(tj.Amount)
		if err != nil {
			return def, fmt.Errorf("invalid amount %q: %w", tj.Amount, err)
		}
		if amt.IsNegative() {
			return def, fmt.Errorf("amount must not be negative")
		}
		def.AmountLimit = amt
	}
	var err error
	if def.TimeLimit, err = parseDuration(tj.Time); err != nil {
		return def, fmt.Errorf("invalid time: %w", err)
	}
	if def.IdleLimit, err = parseDuration(tj.Idle); err != nil {
		return def, fmt.Errorf("invalid idle: %w", err)
	}

	hasCount := def.CountLimit > 0
	hasAmount := def.AmountLimit.IsPositive()
	hasTime := def.TimeLimit > 0 || def.IdleLimit > 0
	switch def.Type {
	case engine.ThresholdCount:
		if !hasCount {
			return def, fmt.Errorf("count threshold needs count")
		}
	case engine.ThresholdAmount:
		if !hasAmount {
			return def, fmt.Errorf("amount threshold needs amount")
		}
	case engine.ThresholdTime:
		if !hasTime {
			return def, fmt.Errorf("time threshold needs time or idle")
		}
	case engine.ThresholdHybrid:
		if !hasCount && !hasAmount && !hasTime {
			return def, fmt.Errorf("hybrid threshold needs at least one limit")
		}
	default:
		return def, fmt.Errorf("unknown threshold type %q", tj.Type)
	}
	return def, nil
}

func parsePolicy(pj PolicyYAML) (engine.CommitPolicy, error) {
	p := engine.CommitPolicy{
		ID:        pj.ID,
		RuleID:    engine.RuleID(pj.RuleID),
		Mode:      engine.CommitMode(strings.ToUpper(pj.Mode)),
		Active:    isActive(pj.Active),
		CreatedAt: pj.CreatedAt,
	}
	if pj.ID == "" {
		return p, fmt.Errorf("missing id")
	}
	switch p.Mode {
	case engine.CommitAuto, engine.CommitManual:
		if len(pj.HardConditions) > 0 {
			return p, fmt.Errorf("hard_conditions only apply to HYBRID")
		}
	case engine.CommitHybrid:
	default:
		return p, fmt.Errorf("unknown commit mode %q", pj.Mode)
	}
	for _, h := range pj.HardConditions {
		c, err := parseCondition(h)
		if err != nil {
			return p, err
		}
		p.HardConditions = append(p.HardConditions, c)
	}
	return p, nil
}

func parseCondition(s string) (engine.Condition, error) {
	switch c := engine.Condition(strings.ToLower(s)); c {
	case engine.ConditionCount, engine.ConditionAmount, engine.ConditionTime, engine.ConditionIdle:
		return c, nil
	default:
		return "", fmt.Errorf("unknown condition %q", s)
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return d, nil
}

func isActive(b *bool) bool {
	return b == nil || *b
}

func boolPtr(b bool) *bool {
	return &b
}
