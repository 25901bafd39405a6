package engine

import (
	"fmt"
	"sync"
)

// =============================================================================
// CATALOG - Read-only configuration source
// =============================================================================

// ReservationMode selects how instrument reservation joins the assignment
// transaction.
type ReservationMode string

const (
	// ReservationIndependent commits each reservation on its own and
	// compensates on failure. Needs a store that runs concurrent transactions.
	ReservationIndependent ReservationMode = "independent"

	// ReservationShared reserves inside the assignment transaction.
	ReservationShared ReservationMode = "shared"
)

// Workflow holds the payment requirements applied to every bucket.
type Workflow struct {
	PaymentRequired        bool
	AcknowledgmentRequired bool
	AutoAssignOnApproval   bool
	ReservationStrategy    ReservationMode
}

// Catalog serves grouping rules, thresholds, commit policies and the
// workflow. Implementations must be safe for concurrent use.
type Catalog interface {
	Rules() []GroupingRule
	Thresholds() []ThresholdDefinition
	Policies() []CommitPolicy
	Workflow() Workflow
}

// StaticCatalog is an in-memory Catalog that can be swapped atomically.
type StaticCatalog struct {
	mu         sync.RWMutex
	rules      []GroupingRule
	thresholds []ThresholdDefinition
	policies   []CommitPolicy
	workflow   Workflow
}

// NewStaticCatalog compiles every rule and returns the catalog.
func NewStaticCatalog(rules []GroupingRule, thresholds []ThresholdDefinition, policies []CommitPolicy, wf Workflow) (*StaticCatalog, error) {
	c := &StaticCatalog{}
	if err := c.Replace(rules, thresholds, policies, wf); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace installs a new configuration. On error the old one is kept.
func (c *StaticCatalog) Replace(rules []GroupingRule, thresholds []ThresholdDefinition, policies []CommitPolicy, wf Workflow) error {
	compiled := make([]GroupingRule, len(rules))
	for i, r := range rules {
		if err := r.Compile(); err != nil {
			return err
		}
		compiled[i] = r
	}
	switch wf.ReservationStrategy {
	case "":
		wf.ReservationStrategy = ReservationShared
	case ReservationIndependent, ReservationShared:
	default:
		return fmt.Errorf("unknown reservation strategy %q", wf.ReservationStrategy)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = compiled
	c.thresholds = append([]ThresholdDefinition(nil), thresholds...)
	c.policies = append([]CommitPolicy(nil), policies...)
	c.workflow = wf
	return nil
}

func (c *StaticCatalog) Rules() []GroupingRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]GroupingRule(nil), c.rules...)
}

func (c *StaticCatalog) Thresholds() []ThresholdDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ThresholdDefinition(nil), c.thresholds...)
}

func (c *StaticCatalog) Policies() []CommitPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CommitPolicy(nil), c.policies...)
}

func (c *StaticCatalog) Workflow() Workflow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workflow
}
