package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	carrier "github.com/DioGolang/GoStore/pkg/otel"
	"github.com/DioGolang/GoStore/store"
	"github.com/DioGolang/GoStore/uow"
	"github.com/google/uuid"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusPublished  = "published"
	StatusFailed     = "failed"
)

var ErrTopicRequired = errors.New("topic is required")

// Event is one row of the transactional outbox. It travels through the
// ordinary repository path, so it commits in the same transaction
// boundary as the business rows it describes.
type Event struct {
	ID           uuid.UUID `db:"id,pk"`
	AggregateID  string    `db:"aggregate_id"`
	Topic        string    `db:"topic"`
	Payload      []byte    `db:"payload"`
	TraceContext []byte    `db:"trace_context"`
	EventVersion int32     `db:"event_version"`
	Status       string    `db:"status"`
	ErrorMsg     string    `db:"error_msg"`
	Created      time.Time `db:"created"`
	ModifiedTime time.Time `db:"modified_time"`
}

// Events is the shared descriptor for the outbox table.
var Events = store.MustDescribe[Event]("outbox_events")

// Stage marshals the payload and stages an outbox event on the unit of
// work. The active trace context is captured so the relay can link its
// publish span back to this call.
func Stage(ctx context.Context, u *uow.UnitOfWork, topic, aggregateID string, payload any) (*Event, error) {
	if topic == "" {
		return nil, ErrTopicRequired
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	evt := &Event{
		ID:           uuid.New(),
		AggregateID:  aggregateID,
		Topic:        topic,
		Payload:      body,
		TraceContext: carrier.ExtractContextToJSON(ctx),
		EventVersion: 1,
		Status:       StatusPending,
	}
	if err := uow.RepositoryFor(u, Events).Insert(evt); err != nil {
		return nil, err
	}
	return evt, nil
}
