package engine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/claim-bucketing/engine"
)

func bucketWith(count int, total string, created, lastActivity time.Time) engine.Bucket {
	return engine.Bucket{
		ID:             "b-1",
		Status:         engine.StatusAccumulating,
		ClaimCount:     count,
		TotalAmount:    decimal.RequireFromString(total),
		CreatedAt:      created,
		LastActivityAt: lastActivity,
	}
}

// =============================================================================
// HYBRID OR SEMANTICS
// =============================================================================

func TestEvaluate_Hybrid_CountOrAmount(t *testing.T) {
	// GIVEN: Hybrid threshold with count limit 5 and amount limit 1000
	// WHEN: Evaluating buckets of different shapes
	// THEN: Either limit alone triggers, neither means no trigger

	def := engine.ThresholdDefinition{
		ID:          "hybrid",
		Type:        engine.ThresholdHybrid,
		CountLimit:  5,
		AmountLimit: decimal.NewFromInt(1000),
		Active:      true,
	}

	tests := []struct {
		name      string
		count     int
		total     string
		triggered bool
		metBy     []engine.Condition
	}{
		{"5 claims totalling 200", 5, "200.00", true, []engine.Condition{engine.ConditionCount}},
		{"2 claims totalling 1200", 2, "1200.00", true, []engine.Condition{engine.ConditionAmount}},
		{"3 claims totalling 500", 3, "500.00", false, nil},
		{"both limits reached", 6, "1000.00", true, []engine.Condition{engine.ConditionCount, engine.ConditionAmount}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := engine.Evaluate(bucketWith(tt.count, tt.total, t0, t0), def, t0)
			assert.Equal(t, tt.triggered, ev.Triggered)
			assert.ElementsMatch(t, tt.metBy, ev.MetBy)
			assert.Equal(t, "hybrid", ev.ThresholdID)
		})
	}
}

func TestEvaluate_Hybrid_TimeLimit(t *testing.T) {
	// GIVEN: Hybrid threshold with a 24h age limit and a count limit of 100
	// WHEN: A small bucket is older than 24h
	// THEN: It triggers on time

	def := engine.ThresholdDefinition{ID: "h", Type: engine.ThresholdHybrid, CountLimit: 100, TimeLimit: 24 * time.Hour, Active: true}
	b := bucketWith(1, "10.00", t0, t0)

	assert.False(t, engine.Evaluate(b, def, t0.Add(23*time.Hour)).Triggered)

	ev := engine.Evaluate(b, def, t0.Add(24*time.Hour))
	assert.True(t, ev.Triggered)
	assert.Equal(t, []engine.Condition{engine.ConditionTime}, ev.MetBy)
}

// =============================================================================
// SINGLE-TYPE THRESHOLDS
// =============================================================================

func TestEvaluate_CountOnly_IgnoresAmount(t *testing.T) {
	def := engine.ThresholdDefinition{ID: "c", Type: engine.ThresholdCount, CountLimit: 3, AmountLimit: decimal.NewFromInt(10)}

	assert.False(t, engine.Evaluate(bucketWith(2, "5000.00", t0, t0), def, t0).Triggered)
	assert.True(t, engine.Evaluate(bucketWith(3, "1.00", t0, t0), def, t0).Triggered)
}

func TestEvaluate_AmountOnly_ExactLimitTriggers(t *testing.T) {
	def := engine.ThresholdDefinition{ID: "a", Type: engine.ThresholdAmount, AmountLimit: decimal.RequireFromString("500.00")}

	assert.False(t, engine.Evaluate(bucketWith(9, "499.99", t0, t0), def, t0).Triggered)
	assert.True(t, engine.Evaluate(bucketWith(1, "500.00", t0, t0), def, t0).Triggered)
}

func TestEvaluate_Time_IdleMeasuredFromLastActivity(t *testing.T) {
	// GIVEN: Time threshold with only an idle limit of 2h
	// WHEN: The bucket is old but saw a claim 1h ago
	// THEN: No trigger until 2h after that claim

	def := engine.ThresholdDefinition{ID: "idle", Type: engine.ThresholdTime, IdleLimit: 2 * time.Hour}
	lastActivity := t0.Add(48 * time.Hour)
	b := bucketWith(4, "80.00", t0, lastActivity)

	assert.False(t, engine.Evaluate(b, def, lastActivity.Add(time.Hour)).Triggered)

	ev := engine.Evaluate(b, def, lastActivity.Add(2*time.Hour))
	assert.True(t, ev.Triggered)
	assert.True(t, ev.Has(engine.ConditionIdle))
	assert.False(t, ev.Has(engine.ConditionTime))
}

func TestEvaluate_ZeroLimitsNeverFire(t *testing.T) {
	def := engine.ThresholdDefinition{ID: "empty", Type: engine.ThresholdHybrid}

	ev := engine.Evaluate(bucketWith(10000, "999999.00", t0, t0), def, t0.Add(365*24*time.Hour))
	assert.False(t, ev.Triggered)
	assert.Empty(t, ev.MetBy)
}

func TestEvaluate_DefaultThresholdAlwaysFires(t *testing.T) {
	ev := engine.Evaluate(bucketWith(1, "0.01", t0, t0), engine.DefaultThreshold(), t0)
	assert.True(t, ev.Triggered)
	assert.Equal(t, []engine.Condition{engine.ConditionDefault}, ev.MetBy)
}

func TestEvaluation_Elapsed_KeepsClockConditions(t *testing.T) {
	def := engine.ThresholdDefinition{
		ID: "hybrid", Type: engine.ThresholdHybrid,
		CountLimit: 2, AmountLimit: decimal.NewFromInt(50), TimeLimit: time.Hour, IdleLimit: time.Hour,
	}
	b := bucketWith(5, "80.00", t0, t0)

	fresh := engine.Evaluate(b, def, t0).Elapsed()
	assert.False(t, fresh.Triggered)
	assert.Empty(t, fresh.MetBy)
	assert.Equal(t, "hybrid", fresh.ThresholdID)

	old := engine.Evaluate(b, def, t0.Add(time.Hour)).Elapsed()
	assert.True(t, old.Triggered)
	assert.Equal(t, []engine.Condition{engine.ConditionTime, engine.ConditionIdle}, old.MetBy)

	assert.False(t, engine.Evaluate(b, engine.DefaultThreshold(), t0).Elapsed().Triggered)
}
