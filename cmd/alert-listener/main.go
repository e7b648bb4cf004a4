// alert-listener tails the admission exchange and surfaces operator-facing
// events: reset alerts at error level, everything else at info. It is the
// simplest downstream of the outbox pipeline and doubles as a smoke check
// that events are flowing.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/eventloom/ticket-admission/internal/adapters/rabbit"
	"github.com/eventloom/ticket-admission/internal/config"
	"github.com/eventloom/ticket-admission/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.NewLogger()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()

	consumer, err := rabbit.NewConsumer(conn, "admission.alerts.q", "admission.#")
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to start consuming: %v", err)
	}

	go func() {
		for d := range deliveries {
			var payload map[string]interface{}
			if err := json.Unmarshal(d.Body, &payload); err != nil {
				logger.Warn("undecodable event: ", err)
				d.Nack(false, false)
				continue
			}
			entry := logger.WithFields(map[string]interface{}{
				"routing_key": d.RoutingKey,
				"message_id":  d.MessageId,
			})
			if d.RoutingKey == "admission.reset.alert" {
				entry.Error("tier counters were reset: ", payload)
			} else {
				entry.Info("admission event: ", payload)
			}
			d.Ack(false)
		}
	}()
	logger.Info("Alert listener started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown alert listener")
}
