package outbox

import (
	"context"
	"strconv"
	"time"

	"github.com/DioGolang/GoStore/pkg/logger"
	"github.com/DioGolang/GoStore/pkg/metrics"
	carrier "github.com/DioGolang/GoStore/pkg/otel"
	"github.com/DioGolang/GoStore/uow"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// Relay moves pending outbox rows to the broker. A single claim statement
// flips a batch to processing, publishing fans out over a bounded worker
// pool behind a circuit breaker, and each event is marked published or
// failed on its own.
type Relay struct {
	unit       *uow.UnitOfWork
	dispatcher Dispatcher
	log        logger.Logger
	met        metrics.Metrics
	breaker    *gobreaker.CircuitBreaker
	dispatch   DispatchFunc

	batchSize  int
	workers    int
	interval   time.Duration
	maxRetries int
	baseWait   time.Duration
	stuckAfter time.Duration
	retention  time.Duration
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) { r.batchSize = n }
}

func WithWorkers(n int) RelayOption {
	return func(r *Relay) { r.workers = n }
}

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) { r.interval = d }
}

func WithRetry(maxRetries int, baseWait time.Duration) RelayOption {
	return func(r *Relay) {
		r.maxRetries = maxRetries
		r.baseWait = baseWait
	}
}

func NewRelay(unit *uow.UnitOfWork, disp Dispatcher, log logger.Logger, m metrics.Metrics, opts ...RelayOption) *Relay {
	r := &Relay{
		unit:       unit,
		dispatcher: disp,
		log:        log,
		met:        m,
		batchSize:  100,
		workers:    10,
		interval:   100 * time.Millisecond,
		maxRetries: 3,
		baseWait:   100 * time.Millisecond,
		stuckAfter: 5 * time.Minute,
		retention:  7 * 24 * time.Hour,
	}
	for _, o := range opts {
		o(r)
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "outbox-dispatch",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	r.dispatch = WithExponentialBackoff(log, r.maxRetries, r.baseWait, r.publish)
	return r
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims one batch of pending events and publishes it.
func (r *Relay) ProcessBatch(ctx context.Context) {
	// FASE 1: Fetch & Claim (short statement, no open transaction held)
	events, err := r.claim(ctx)
	if err != nil {
		r.log.Error(ctx, "Failed to claim batch", logger.WithError(err))
		return
	}
	if len(events) == 0 {
		return
	}

	// FASE 2: Dispatch (network I/O, outside any transaction)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, evt := range events {
		g.Go(func() error {
			return r.processSingleEvent(gCtx, evt)
		})
	}

	if err := g.Wait(); err != nil {
		r.log.Error(ctx, "Batch processing had errors", logger.WithError(err))
	}
}

const claimQuery = `UPDATE outbox_events SET status = $1, modified_time = $2
WHERE id IN (SELECT id FROM outbox_events WHERE status = $3 ORDER BY created LIMIT $4)
RETURNING id, aggregate_id, topic, payload, trace_context, event_version, status, error_msg, created, modified_time`

func (r *Relay) claim(ctx context.Context) ([]*Event, error) {
	var out []*Event
	for evt, err := range uow.QueryAs[Event](ctx, r.unit, claimQuery,
		StatusProcessing, time.Now().UTC(), StatusPending, r.batchSize) {
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func (r *Relay) processSingleEvent(ctx context.Context, evt *Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ctx = carrier.InjectContextFromJSON(ctx, evt.TraceContext)

	err := r.dispatch(ctx, evt)

	// FASE 3: state update; marking runs even when the batch ctx is gone
	if err != nil {
		r.log.Warn(ctx, "Failed to publish event",
			logger.String("id", evt.ID.String()),
			logger.WithError(err))
		r.met.IncOutboxEventsProcessed(StatusFailed)

		_, merr := r.unit.ExecCommand(context.Background(),
			`UPDATE outbox_events SET status = $1, error_msg = $2, modified_time = $3 WHERE id = $4`,
			StatusFailed, err.Error(), time.Now().UTC(), evt.ID)
		return merr
	}

	r.met.IncOutboxEventsProcessed(StatusPublished)
	_, merr := r.unit.ExecCommand(context.Background(),
		`UPDATE outbox_events SET status = $1, modified_time = $2 WHERE id = $3`,
		StatusPublished, time.Now().UTC(), evt.ID)
	return merr
}

func (r *Relay) publish(ctx context.Context, evt *Event) error {
	headers := map[string]string{
		"x-event-version": strconv.FormatInt(int64(evt.EventVersion), 10),
		"x-event-id":      evt.ID.String(),
		"x-aggregate-id":  evt.AggregateID,
	}
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.dispatcher.DispatchRaw(ctx, evt.Topic, evt.Payload, headers)
	})
	return err
}

// RunRescuer periodically requeues events stuck in processing and prunes
// old published rows.
func (r *Relay) RunRescuer(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Rescue(ctx); err != nil {
				r.log.Error(ctx, "Failed to reset stuck events", logger.WithError(err))
			}
			if err := r.Prune(ctx); err != nil {
				r.log.Error(ctx, "Cleanup failed", logger.WithError(err))
			}
		}
	}
}

// Rescue flips events stuck in processing back to pending.
func (r *Relay) Rescue(ctx context.Context) error {
	_, err := r.unit.ExecCommand(ctx,
		`UPDATE outbox_events SET status = $1, modified_time = $2 WHERE status = $3 AND modified_time < $4`,
		StatusPending, time.Now().UTC(), StatusProcessing, time.Now().UTC().Add(-r.stuckAfter))
	return err
}

// Prune deletes published events older than the retention window.
func (r *Relay) Prune(ctx context.Context) error {
	_, err := r.unit.ExecCommand(ctx,
		`DELETE FROM outbox_events WHERE status = $1 AND modified_time < $2`,
		StatusPublished, time.Now().UTC().Add(-r.retention))
	return err
}
