package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"PoolLedger/internal/observability"
)

// Output mirrors core.Output to avoid an import cycle. The orchestrator
// (cmd/poolledger) bridges between the two.
type Output struct {
	Event     EventRow
	Request   *RequestRow
	Reconcile *ReconcileRow
}

// Worker drains the persist channel and batch-writes to Postgres. The
// persist channel uses BLOCKING sends from the core, so if this worker
// falls behind, the core stalls — guaranteeing no event is lost.
type Worker struct {
	writer       *EventLogWriter
	inputChan    <-chan Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db, batchSize, flushTimeout),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *Worker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	requestBatch := make([]RequestRow, 0, pw.batchSize)
	reconcileBatch := make([]ReconcileRow, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flushAll := func(ctx context.Context) error {
		if len(eventBatch) == 0 && len(requestBatch) == 0 && len(reconcileBatch) == 0 {
			return nil
		}
		err := pw.flushWithRetry(ctx, eventBatch, requestBatch, reconcileBatch)
		eventBatch = eventBatch[:0]
		requestBatch = requestBatch[:0]
		reconcileBatch = reconcileBatch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if err := pw.flush(context.Background(), eventBatch, requestBatch, reconcileBatch); err != nil {
				log.Printf("ERROR: final flush failed: %v", err)
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if err := pw.flush(context.Background(), eventBatch, requestBatch, reconcileBatch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
				return nil
			}

			eventBatch = append(eventBatch, output.Event)
			if output.Request != nil {
				requestBatch = append(requestBatch, *output.Request)
			}
			if output.Reconcile != nil {
				reconcileBatch = append(reconcileBatch, *output.Reconcile)
			}

			if len(eventBatch) >= pw.batchSize {
				if err := flushAll(ctx); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if err := flushAll(ctx); err != nil {
				log.Printf("ERROR: timeout flush failed after retries: %v", err)
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// NEVER drops outputs — it retries until the write succeeds or the context
// is cancelled, in which case one final flush runs with a fresh context.
func (pw *Worker) flushWithRetry(ctx context.Context, events []EventRow, requests []RequestRow, reconciles []ReconcileRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(events))
			select {
			case <-ctx.Done():
				finalErr := pw.flush(context.Background(), events, requests, reconciles)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, requests, reconciles)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	}
}

func (pw *Worker) flush(ctx context.Context, events []EventRow, requests []RequestRow, reconciles []ReconcileRow) error {
	if len(events) == 0 && len(requests) == 0 && len(reconciles) == 0 {
		return nil
	}

	start := time.Now()

	// All three tables commit atomically.
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := pw.writer.WriteRequestBatch(ctx, tx, requests); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_requests").Inc()
		}
		return err
	}

	if err := pw.writer.WriteReconcileBatch(ctx, tx, reconciles); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_reconciles").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}

// GetWriter returns the underlying writer for schema setup and queries.
func (pw *Worker) GetWriter() *EventLogWriter {
	return pw.writer
}
