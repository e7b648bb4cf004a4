// Package outbox relays durably committed ledger events to RabbitMQ. The
// outbox row is written in the same transaction as the ledger entry, so the
// broker sees exactly the changes that actually committed, at least once.
package outbox

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/eventloom/ticket-admission/internal/adapters/crdb"
	"github.com/eventloom/ticket-admission/internal/adapters/rabbit"
	"github.com/eventloom/ticket-admission/internal/observability"
)

const batchSize = 64

type Publisher struct {
	store     *crdb.Store
	rabbitPub *rabbit.Publisher
	logger    observability.Logger
	interval  time.Duration
}

func NewPublisher(store *crdb.Store, rabbitPub *rabbit.Publisher, logger observability.Logger, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Publisher{store: store, rabbitPub: rabbitPub, logger: logger, interval: interval}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	if age, err := p.store.OldestUnpublishedAge(ctx, time.Now()); err == nil {
		observability.OutboxLag.Set(age.Seconds())
	}

	records, err := p.store.GetUnpublishedOutbox(ctx, batchSize)
	if err != nil {
		p.logger.Error("outbox poll failed: ", err)
		return
	}
	for _, rec := range records {
		msg := amqp.Publishing{
			MessageId:   rec.DedupeKey,
			ContentType: "application/json",
			Body:        rec.Payload,
		}
		if err := p.rabbitPub.Publish(ctx, rec.EventType, msg); err != nil {
			p.logger.WithField("outbox_id", rec.ID).Error("outbox publish failed: ", err)
			continue
		}
		if err := p.store.MarkPublished(ctx, rec.ID, time.Now()); err != nil {
			p.logger.WithField("outbox_id", rec.ID).Error("outbox mark failed: ", err)
		}
	}
}
