package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Options wires an Engine. Store and Catalog are required.
type Options struct {
	Store   TxStore
	Catalog Catalog
	Encoder Encoder
	Metrics Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	Workers   int // generation worker pool size
	QueueSize int
	LockShard int
}

// Engine bundles the components behind one handle.
type Engine struct {
	Aggregator *Aggregator
	Approvals  *ApprovalService
	Payments   *PaymentService
	Pool       *ReservationPool
	Lifecycle  *Lifecycle
	Resolver   *CommitResolver
	Dispatcher *Dispatcher

	store   TxStore
	catalog Catalog
	logger  *slog.Logger
	now     func() time.Time
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("engine: catalog is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	dispatcher := NewDispatcher(opts.Store, opts.Encoder, opts.Workers, opts.QueueSize, metrics, logger.With("component", "dispatcher"))
	lifecycle := NewLifecycle(opts.Store, opts.Catalog, dispatcher, metrics, logger, now)
	dispatcher.lifecycle = lifecycle

	pool := NewReservationPool(opts.Store, logger.With("component", "reservation"), now)
	strategy := NewReservationStrategy(opts.Catalog.Workflow().ReservationStrategy, opts.Store, pool, metrics, logger.With("component", "reservation"))
	payments := NewPaymentService(lifecycle, strategy)
	resolver := NewCommitResolver(opts.Catalog, logger.With("component", "resolver"))
	router := NewRouter(lifecycle)

	e := &Engine{
		Aggregator: NewAggregator(opts.Catalog, NewKeyLocker(opts.LockShard), lifecycle, resolver, router, payments),
		Approvals:  NewApprovalService(lifecycle, router, payments),
		Payments:   payments,
		Pool:       pool,
		Lifecycle:  lifecycle,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		store:      opts.Store,
		catalog:    opts.Catalog,
		logger:     logger,
		now:        lifecycle.now,
	}
	logger.Info("engine ready", "reservation_strategy", strategy.Mode(), "workers", dispatcher.workers)
	return e, nil
}

// Start launches the dispatcher and re-enqueues stranded generation work.
func (e *Engine) Start(ctx context.Context) error {
	e.Dispatcher.Start(ctx)
	_, err := e.Dispatcher.Recover(ctx)
	return err
}

func (e *Engine) Stop() {
	e.Dispatcher.Stop()
}

// Tick runs one sweep of time-based thresholds plus generation recovery.
func (e *Engine) Tick(ctx context.Context) (routed, recovered int, err error) {
	routed, err = e.Aggregator.Sweep(ctx, e.now())
	if err != nil {
		return routed, 0, err
	}
	recovered, err = e.Dispatcher.Recover(ctx)
	return routed, recovered, err
}

func (e *Engine) Workflow() Workflow {
	return e.catalog.Workflow()
}

// =============================================================================
// READ SIDE
// =============================================================================

// Bucket returns the bucket with its claims and payment.
func (e *Engine) Bucket(ctx context.Context, id BucketID) (*BucketSnapshot, error) {
	b, err := e.store.GetBucket(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := Snapshot(ctx, e.store, b)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (e *Engine) Buckets(ctx context.Context, filter BucketFilter) ([]Bucket, error) {
	return e.store.ListBuckets(ctx, filter)
}

func (e *Engine) Payment(ctx context.Context, id PaymentID) (*Payment, error) {
	return e.store.GetPayment(ctx, id)
}

func (e *Engine) Audit(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error) {
	return e.store.QueryAudit(ctx, filter)
}
