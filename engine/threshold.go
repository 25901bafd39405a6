/*
threshold.go - Deciding when a bucket is done

PURPOSE:
  Evaluate is a pure function of (bucket snapshot, threshold definition,
  evaluation time). It never touches the store and never logs, so the
  aggregator can call it under the per-key lock and the sweeper can call it
  for every open bucket.

THRESHOLD TYPES:
  count:  ClaimCount >= CountLimit
  amount: TotalAmount >= AmountLimit
  time:   age >= TimeLimit, or idle >= IdleLimit when set
  hybrid: OR across whichever of the above limits are configured

  A limit of zero is "not configured" and never fires.

EXAMPLE (hybrid, count 5, amount 1000):
  5 claims, 200.00   -> triggered by count
  2 claims, 1200.00  -> triggered by amount
  3 claims, 500.00   -> not triggered
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Condition names one satisfied threshold sub-condition.
type Condition string

const (
	ConditionCount  Condition = "count"
	ConditionAmount Condition = "amount"
	ConditionTime   Condition = "time"
	ConditionIdle   Condition = "idle"

	// ConditionDefault is reported when no threshold definition applies.
	ConditionDefault Condition = "default"
)

type ThresholdType string

const (
	ThresholdCount  ThresholdType = "count"
	ThresholdAmount ThresholdType = "amount"
	ThresholdTime   ThresholdType = "time"
	ThresholdHybrid ThresholdType = "hybrid"

	// thresholdAlways stands in when no definition is configured.
	thresholdAlways ThresholdType = "always"
)

type ThresholdDefinition struct {
	ID          string
	RuleID      RuleID // empty applies to every rule
	Type        ThresholdType
	CountLimit  int
	AmountLimit decimal.Decimal
	TimeLimit   time.Duration // measured from CreatedAt
	IdleLimit   time.Duration // measured from LastActivityAt
	Active      bool
	CreatedAt   time.Time
}

// DefaultThreshold fires on every evaluation.
func DefaultThreshold() ThresholdDefinition {
	return ThresholdDefinition{ID: "default", Type: thresholdAlways, Active: true}
}

// Evaluation is the result of checking one bucket against one definition.
type Evaluation struct {
	Triggered   bool
	MetBy       []Condition
	ThresholdID string
}

// Has reports whether c is among the satisfied conditions.
func (e Evaluation) Has(c Condition) bool {
	for _, m := range e.MetBy {
		if m == c {
			return true
		}
	}
	return false
}

// Elapsed keeps only the clock-driven conditions (time and idle). Count
// and amount were already checked when the last claim was admitted, so a
// bucket an operator sent back to ACCUMULATING waits for a new claim or
// for the clock.
func (e Evaluation) Elapsed() Evaluation {
	out := Evaluation{ThresholdID: e.ThresholdID}
	for _, c := range e.MetBy {
		if c == ConditionTime || c == ConditionIdle {
			out.MetBy = append(out.MetBy, c)
		}
	}
	out.Triggered = len(out.MetBy) > 0
	return out
}

// Evaluate checks b against def at now.
func Evaluate(b Bucket, def ThresholdDefinition, now time.Time) Evaluation {
	ev := Evaluation{ThresholdID: def.ID}

	checkCount := def.Type == ThresholdCount || def.Type == ThresholdHybrid
	checkAmount := def.Type == ThresholdAmount || def.Type == ThresholdHybrid
	checkTime := def.Type == ThresholdTime || def.Type == ThresholdHybrid

	if def.Type == thresholdAlways {
		ev.MetBy = append(ev.MetBy, ConditionDefault)
	}
	if checkCount && def.CountLimit > 0 && b.ClaimCount >= def.CountLimit {
		ev.MetBy = append(ev.MetBy, ConditionCount)
	}
	if checkAmount && def.AmountLimit.IsPositive() && b.TotalAmount.GreaterThanOrEqual(def.AmountLimit) {
		ev.MetBy = append(ev.MetBy, ConditionAmount)
	}
	if checkTime {
		if def.TimeLimit > 0 && !b.CreatedAt.IsZero() && now.Sub(b.CreatedAt) >= def.TimeLimit {
			ev.MetBy = append(ev.MetBy, ConditionTime)
		}
		if def.IdleLimit > 0 && !b.LastActivityAt.IsZero() && now.Sub(b.LastActivityAt) >= def.IdleLimit {
			ev.MetBy = append(ev.MetBy, ConditionIdle)
		}
	}

	ev.Triggered = len(ev.MetBy) > 0
	return ev
}
