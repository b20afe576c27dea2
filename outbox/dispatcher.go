package outbox

import (
	"context"
	"time"

	carrier "github.com/DioGolang/GoStore/pkg/otel"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// Dispatcher publishes a claimed outbox event to the broker.
type Dispatcher interface {
	DispatchRaw(ctx context.Context, topic string, payload []byte, headers map[string]string) error
}

// AMQPDispatcher publishes on the amq.direct exchange, with the trace
// context propagated in the message headers.
type AMQPDispatcher struct {
	RabbitMQChannel *amqp.Channel
}

func NewAMQPDispatcher(ch *amqp.Channel) *AMQPDispatcher {
	return &AMQPDispatcher{RabbitMQChannel: ch}
}

func (d *AMQPDispatcher) DispatchRaw(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	table := make(amqp.Table, len(headers)+2)
	for k, v := range headers {
		table[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier.AMQPHeadersCarrier(table))

	return d.RabbitMQChannel.PublishWithContext(
		ctx,
		"amq.direct",
		topic,
		false,
		false,
		amqp.Publishing{
			Headers:     table,
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        payload,
		})
}
