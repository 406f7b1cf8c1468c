package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobqueue/internal/queue/notify"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// WakeSource delivers wake signals published by producers
type WakeSource interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// setupConsumer sets QoS and starts consuming wake signals
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := w.wakes.Qos(w.prefetchCount); err != nil {
		return nil, err
	}

	deliveries, err := w.wakes.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Wake signal consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)
	return deliveries, nil
}

// listen turns deliveries into scheduler wake-ups. A signal carries no work,
// so malformed ones are dropped and valid ones acked right away.
func (w *Worker) listen(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Wake signal consumer stopped")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed, falling back to polling")
				return nil
			}
			w.handleDelivery(delivery)
		}
	}
}

func (w *Worker) handleDelivery(delivery amqp.Delivery) {
	sig, err := notify.Decode(delivery.Body)
	if err == nil {
		if _, parseErr := uuid.Parse(sig.JobID); parseErr != nil {
			err = fmt.Errorf("invalid job_id %q: %w", sig.JobID, parseErr)
		}
	}

	if err != nil {
		w.logger.Error("Dropping malformed wake signal",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	w.scheduler.Wake()

	if ackErr := delivery.Ack(false); ackErr != nil {
		w.logger.Error("Failed to ACK wake signal",
			slog.String("job_id", sig.JobID),
			slog.String("error", ackErr.Error()),
		)
		return
	}

	w.logger.Debug("Wake signal received",
		slog.String("job_id", sig.JobID),
		slog.String("queue", sig.Queue),
	)
}
