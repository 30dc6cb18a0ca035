package ingestion

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/queue"
	"PoolLedger/internal/venue"
)

// Worker drains the RawEvent channel, parses each message, and routes it:
// venue responses go to the core for reconciliation, price updates go to
// the price cache.
type Worker struct {
	events      <-chan RawEvent
	dispatcher  *core.Dispatcher
	prices      *venue.PriceCache
	operatorKey string
	metrics     *observability.Metrics
	log         zerolog.Logger
}

func NewWorker(events <-chan RawEvent, dispatcher *core.Dispatcher, prices *venue.PriceCache, operatorKey string, metrics *observability.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		events:      events,
		dispatcher:  dispatcher,
		prices:      prices,
		operatorKey: operatorKey,
		metrics:     metrics,
		log:         log,
	}
}

// Run processes messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-w.events:
			w.handle(ctx, raw)
		}
	}
}

func (w *Worker) handle(ctx context.Context, raw RawEvent) {
	kind := kindForSubject(raw.Subject)
	if w.metrics != nil {
		w.metrics.IngestMessages.WithLabelValues(raw.Subject).Inc()
	}

	msg, err := ParseRawEvent(raw, kind)
	if err != nil {
		// Malformed payloads never parse better on redelivery.
		w.log.Error().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable message")
		if w.metrics != nil {
			w.metrics.ParseErrors.WithLabelValues(raw.Subject).Inc()
		}
		raw.AckFunc()
		return
	}

	switch m := msg.(type) {
	case *VenueResponse:
		err := w.dispatcher.Do(ctx, func(e *core.Engine) error {
			return e.Reconcile(ctx, w.operatorKey, m.Sequence, m.ResponseID, m.Result)
		})
		switch {
		case err == nil:
			raw.AckFunc()
		case errors.Is(err, queue.ErrOutOfOrder):
			// Ahead of the queue head; redeliver until its turn comes.
			w.log.Debug().Uint64("sequence", m.Sequence).Msg("response ahead of queue, requeueing")
			raw.NakFunc()
		default:
			w.log.Error().Err(err).Uint64("sequence", m.Sequence).Str("response_id", m.ResponseID).Msg("reconcile failed")
			raw.AckFunc()
		}

	case *PriceUpdate:
		if w.prices.Update(m.Token, m.PriceX18, m.Sequence) {
			if w.metrics != nil {
				w.metrics.PriceUpdates.WithLabelValues(m.Token.Hex()).Inc()
			}
		} else {
			w.log.Debug().Uint64("sequence", m.Sequence).Str("token", m.Token.Hex()).Msg("stale price update dropped")
			if w.metrics != nil {
				w.metrics.PriceStale.Inc()
			}
		}
		raw.AckFunc()

	default:
		raw.AckFunc()
	}
}

func kindForSubject(subject string) string {
	switch {
	case strings.HasPrefix(subject, "venue.responses."):
		return "VenueResponse"
	case strings.HasPrefix(subject, "venue.prices."):
		return "PriceUpdate"
	default:
		return subject
	}
}
