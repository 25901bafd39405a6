package engine

import "time"

// Metrics receives engine measurements. The metrics package provides a
// Prometheus implementation.
type Metrics interface {
	ClaimAdmitted(rule RuleID, duplicate bool)
	BucketTransition(from, to BucketStatus)
	InstrumentReserved(mode ReservationMode)
	InstrumentReleased(mode ReservationMode)
	CompensationFailed()
	GenerationFinished(outcome string, elapsed time.Duration)
	QueueDepth(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ClaimAdmitted(RuleID, bool) {}
func (NopMetrics) BucketTransition(BucketStatus, BucketStatus) {}
func (NopMetrics) InstrumentReserved(ReservationMode) {}
func (NopMetrics) InstrumentReleased(ReservationMode) {}
func (NopMetrics) CompensationFailed() {}
func (NopMetrics) GenerationFinished(string, time.Duration) {}
func (NopMetrics) QueueDepth(int) {}
