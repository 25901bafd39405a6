/*
dispatcher.go - Generation dispatcher

PURPOSE:
  Consumes GenerationRequested work items on a bounded worker pool and
  reconciles the encoder's result into the bucket state.

FLOW (per item):
  1. Re-read the bucket. Not GENERATING, or GENERATING for a different
     attempt: drop silently. A bucket that cannot be read is left for
     Recover.
  2. Build a BucketSnapshot (bucket, claims, payment).
  3. Call the Encoder. A panic counts as an error.
  4. Success -> COMPLETED with artifact metadata, payment ISSUED.
     Error in 2 or 3 -> FAILED with the error recorded.

QUEUE:
  Publish never blocks. Work is tracked per (bucket, attempt): an attempt
  already queued or in flight is not queued twice, while the next attempt
  of a bucket (RetryFailed) is queued even if the previous attempt is
  still being recorded. When the buffer is full the item is dropped with a
  warning; Recover re-enqueues every GENERATING bucket that is not in
  flight, so dropped or pre-restart work is picked up by the next sweep.

No retries here: a FAILED bucket waits for RetryFailed.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ArtifactMetadata describes what an Encoder produced.
type ArtifactMetadata struct {
	Location    string
	Checksum    string
	ContentType string
	Size        int64
	GeneratedAt time.Time
}

// Encoder serializes a bucket. It must be safe for concurrent use on
// different buckets and must not mutate the snapshot.
type Encoder interface {
	Encode(ctx context.Context, snap BucketSnapshot) (ArtifactMetadata, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(ctx context.Context, snap BucketSnapshot) (ArtifactMetadata, error)

func (f EncoderFunc) Encode(ctx context.Context, snap BucketSnapshot) (ArtifactMetadata, error) {
	return f(ctx, snap)
}

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

type Dispatcher struct {
	store     Store
	lifecycle *Lifecycle
	encoder   Encoder
	metrics   Metrics
	logger    *slog.Logger
	workers   int

	queue   chan GenerationRequested
	mu      sync.Mutex
	pending map[BucketID]int // latest queued or in-flight attempt

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewDispatcher(store Store, encoder Encoder, workers, queueSize int, metrics Metrics, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		encoder: encoder,
		metrics: metrics,
		logger:  logger,
		workers: workers,
		queue:   make(chan GenerationRequested, queueSize),
		pending: make(map[BucketID]int),
	}
}

// Publish enqueues ev without blocking.
func (d *Dispatcher) Publish(_ context.Context, ev GenerationRequested) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if attempt, ok := d.pending[ev.BucketID]; ok && attempt >= ev.Attempt {
		d.logger.Debug("generation already queued", "bucket_id", ev.BucketID, "attempt", ev.Attempt)
		return
	}
	select {
	case d.queue <- ev:
		d.pending[ev.BucketID] = ev.Attempt
		d.metrics.QueueDepth(len(d.queue))
	default:
		d.logger.Warn("generation queue full, request dropped until recovery", "bucket_id", ev.BucketID)
	}
}

// Start launches the workers. Later calls are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.run(ctx)
		}
		d.logger.Info("generation dispatcher started", "workers", d.workers)
	})
}

// Stop cancels the workers and waits for in-flight items. Buckets cut off
// mid-encode stay GENERATING and are recovered on the next start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		d.logger.Info("generation dispatcher stopped")
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.metrics.QueueDepth(len(d.queue))
			d.handle(ctx, ev)
		}
	}
}

// Recover enqueues GENERATING buckets that are neither queued nor in flight.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	buckets, err := d.store.ListBuckets(ctx, BucketFilter{Statuses: []BucketStatus{StatusGenerating}})
	if err != nil {
		return 0, fmt.Errorf("list generating buckets: %w", err)
	}
	n := 0
	for _, b := range buckets {
		if d.isPending(b.ID) {
			continue
		}
		d.Publish(ctx, GenerationRequested{BucketID: b.ID, Attempt: b.Attempts, RequestedAt: time.Now().UTC()})
		if d.isPending(b.ID) {
			n++
		}
	}
	if n > 0 {
		d.logger.Info("recovered generating buckets", "count", n)
	}
	return n, nil
}

func (d *Dispatcher) isPending(id BucketID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

// done clears ev unless a later attempt of the same bucket was queued
// meanwhile.
func (d *Dispatcher) done(ev GenerationRequested) {
	d.mu.Lock()
	if d.pending[ev.BucketID] == ev.Attempt {
		delete(d.pending, ev.BucketID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) handle(ctx context.Context, ev GenerationRequested) {
	defer d.done(ev)
	start := time.Now()
	log := d.logger.With("bucket_id", ev.BucketID, "attempt", ev.Attempt)

	b, err := d.store.GetBucket(ctx, ev.BucketID)
	if err != nil {
		log.Error("load bucket for generation, left for recovery", "error", err)
		return
	}
	if b.Status != StatusGenerating || b.Attempts != ev.Attempt {
		log.Debug("stale generation request, skipping", "status", b.Status, "current_attempt", b.Attempts)
		return
	}

	snap, err := Snapshot(ctx, d.store, b)
	if err != nil && ctx.Err() != nil {
		log.Warn("generation interrupted by shutdown", "error", err)
		return
	}
	if err != nil {
		d.fail(ctx, log, b.ID, err, start)
		return
	}

	meta, err := d.encode(ctx, snap)
	if err != nil && ctx.Err() != nil {
		log.Warn("generation interrupted by shutdown", "error", err)
		return
	}
	if err != nil {
		d.fail(ctx, log, b.ID, err, start)
		return
	}

	d.metrics.GenerationFinished("completed", time.Since(start))
	if cerr := d.lifecycle.CompleteGeneration(ctx, b.ID, meta); cerr != nil {
		log.Error("record generation result", "error", cerr)
		return
	}
	log.Info("artifact generated", "location", meta.Location, "checksum", meta.Checksum, "elapsed", time.Since(start))
}

func (d *Dispatcher) fail(ctx context.Context, log *slog.Logger, id BucketID, cause error, start time.Time) {
	d.metrics.GenerationFinished("failed", time.Since(start))
	log.Error("artifact generation failed", "error", cause)
	if ferr := d.lifecycle.FailGeneration(ctx, id, cause); ferr != nil {
		log.Error("record generation failure", "error", ferr)
	}
}

func (d *Dispatcher) encode(ctx context.Context, snap BucketSnapshot) (meta ArtifactMetadata, err error) {
	if d.encoder == nil {
		return ArtifactMetadata{}, errors.New("no artifact encoder configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encoder panic: %v", r)
		}
	}()
	return d.encoder.Encode(ctx, snap)
}

// Snapshot assembles the read-only view of b.
func Snapshot(ctx context.Context, s Store, b *Bucket) (BucketSnapshot, error) {
	claims, err := s.ListClaims(ctx, b.ID)
	if err != nil {
		return BucketSnapshot{}, fmt.Errorf("list claims of bucket %s: %w", b.ID, err)
	}
	var pay *Payment
	if b.PaymentID != nil {
		pay, err = s.GetPayment(ctx, *b.PaymentID)
		if err != nil {
			return BucketSnapshot{}, fmt.Errorf("load payment of bucket %s: %w", b.ID, err)
		}
	}
	return BucketSnapshot{Bucket: *b.Clone(), Claims: claims, Payment: pay, TakenAt: time.Now().UTC()}, nil
}
