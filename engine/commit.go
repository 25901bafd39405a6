/*
commit.go - Commit policy resolution and routing of triggered buckets

PURPOSE:
  Once a threshold fires, the commit policy decides whether the bucket goes
  straight to generation or waits for a human.

MODES:
  AUTO:   generate
  MANUAL: await approval
  HYBRID: generate if any hard condition is among the met conditions,
          otherwise await approval

CONFIGURATION ANOMALIES:
  Zero or several active definitions for one rule are tolerated. The
  resolver logs a warning, prefers rule-scoped records over global ones and
  picks the earliest created (ties broken by ID). With nothing configured it
  falls back to the default threshold and AUTO, so a misconfigured rule
  keeps generating instead of stalling.
*/
package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
)

type CommitMode string

const (
	CommitAuto   CommitMode = "AUTO"
	CommitManual CommitMode = "MANUAL"
	CommitHybrid CommitMode = "HYBRID"
)

type CommitPolicy struct {
	ID             string
	RuleID         RuleID // empty applies to every rule
	Mode           CommitMode
	HardConditions []Condition // HYBRID only, the rest are soft
	Active         bool
	CreatedAt      time.Time
}

// DefaultPolicy is used when no policy applies.
func DefaultPolicy() CommitPolicy {
	return CommitPolicy{ID: "default", Mode: CommitAuto, Active: true}
}

// Action is what the resolver wants done with a triggered bucket.
type Action string

const (
	ActionGenerate      Action = "generate"
	ActionAwaitApproval Action = "await_approval"
)

// =============================================================================
// RESOLVER
// =============================================================================

type CommitResolver struct {
	catalog Catalog
	logger  *slog.Logger
}

func NewCommitResolver(catalog Catalog, logger *slog.Logger) *CommitResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommitResolver{catalog: catalog, logger: logger}
}

// Threshold returns the definition governing rule.
func (r *CommitResolver) Threshold(rule RuleID) ThresholdDefinition {
	defs := r.catalog.Thresholds()
	idx := selectScoped(r.logger, "threshold definition", rule, len(defs), func(i int) scopedRecord {
		d := defs[i]
		return scopedRecord{id: d.ID, rule: d.RuleID, active: d.Active, createdAt: d.CreatedAt}
	})
	if idx < 0 {
		return DefaultThreshold()
	}
	return defs[idx]
}

// Policy returns the commit policy governing rule.
func (r *CommitResolver) Policy(rule RuleID) CommitPolicy {
	policies := r.catalog.Policies()
	idx := selectScoped(r.logger, "commit policy", rule, len(policies), func(i int) scopedRecord {
		p := policies[i]
		return scopedRecord{id: p.ID, rule: p.RuleID, active: p.Active, createdAt: p.CreatedAt}
	})
	if idx < 0 {
		return DefaultPolicy()
	}
	return policies[idx]
}

// Resolve maps a triggered evaluation to an action.
func (r *CommitResolver) Resolve(rule RuleID, ev Evaluation) Action {
	return Decide(r.Policy(rule), ev)
}

// Decide applies one policy to one evaluation.
func Decide(p CommitPolicy, ev Evaluation) Action {
	switch p.Mode {
	case CommitManual:
		return ActionAwaitApproval
	case CommitHybrid:
		for _, c := range p.HardConditions {
			if ev.Has(c) {
				return ActionGenerate
			}
		}
		return ActionAwaitApproval
	default:
		return ActionGenerate
	}
}

type scopedRecord struct {
	id        string
	rule      RuleID
	active    bool
	createdAt time.Time
}

// selectScoped returns the index of the record to use for rule, or -1.
func selectScoped(logger *slog.Logger, kind string, rule RuleID, n int, at func(int) scopedRecord) int {
	var scoped, global []int
	for i := 0; i < n; i++ {
		rec := at(i)
		if !rec.active {
			continue
		}
		switch rec.rule {
		case rule:
			scoped = append(scoped, i)
		case "":
			global = append(global, i)
		}
	}

	candidates := scoped
	if len(candidates) == 0 {
		candidates = global
	}
	if len(candidates) == 0 {
		logger.Warn("no active "+kind+" applies, using default", "rule_id", rule)
		return -1
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		ra, rb := at(candidates[a]), at(candidates[b])
		if !ra.createdAt.Equal(rb.createdAt) {
			return ra.createdAt.Before(rb.createdAt)
		}
		return ra.id < rb.id
	})
	if len(candidates) > 1 {
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = at(c).id
		}
		logger.Warn("ambiguous "+kind+" configuration, using earliest created",
			"rule_id", rule, "candidates", strings.Join(ids, ","), "selected", ids[0])
	}
	return candidates[0]
}

// =============================================================================
// ROUTER - Applies an action to a triggered bucket
// =============================================================================

type Router struct {
	lifecycle *Lifecycle
}

func NewRouter(l *Lifecycle) *Router {
	return &Router{lifecycle: l}
}

// Route moves a triggered ACCUMULATING bucket out of accumulation. A
// generate action on a bucket whose payment is not ready parks it in
// AWAITING_APPROVAL with approval already satisfied, where instrument
// assignment completes it.
func (r *Router) Route(ctx context.Context, s Store, out *outbox, b *Bucket, ev Evaluation, action Action) error {
	b.TriggeredBy = append([]Condition(nil), ev.MetBy...)
	info := transitionInfo{Actor: systemActor, Reason: "threshold " + ev.ThresholdID + " met by " + joinConditions(ev.MetBy)}

	if action == ActionAwaitApproval {
		b.RequiresApproval = true
		return r.lifecycle.transition(ctx, s, out, b, StatusAwaitingApproval, info)
	}

	b.RequiresApproval = false
	ready, err := r.lifecycle.ready(ctx, s, b)
	if err != nil {
		return err
	}
	if ready {
		return r.lifecycle.transition(ctx, s, out, b, StatusGenerating, info)
	}

	info.Reason += ", awaiting payment instrument"
	if err := r.lifecycle.transition(ctx, s, out, b, StatusAwaitingApproval, info); err != nil {
		return err
	}
	if r.lifecycle.catalog.Workflow().AutoAssignOnApproval {
		out.assign = append(out.assign, b.ID)
	}
	return nil
}

func joinConditions(cs []Condition) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, "+")
}
