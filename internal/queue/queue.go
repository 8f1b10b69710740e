// Package queue carries cycle triggers and cycle reports over AMQP. One
// durable work queue holds trigger messages; failed triggers bounce
// through a TTL retry queue and land in a dead-letter queue after too
// many attempts.
package queue

import (
	"fmt"
	"time"

	"github.com/commonsmap/pulse/internal/util"
	"github.com/commonsmap/pulse/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	CycleQueue  = "cycle_queue"
	ReportTopic = "reports.cycle"

	maxRetries = 3
	retryTTLMs = 30000
)

// CycleRequest is the trigger message. An empty body is also accepted by
// the consumer and treated as a manual trigger.
type CycleRequest struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

func Init() *amqp091.Connection {
	user := util.GetEnv("RABBITMQ_USER")
	pass := util.GetEnv("RABBITMQ_PASSWORD")
	host := util.GetEnv("RABBITMQ_HOST")
	port := util.GetEnv("RABBITMQ_PORT")

	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		user,
		pass,
		host,
		port,
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("[Queue] Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

// SetupQueues declares the trigger queue with its retry and dead-letter
// companions. The retry queue dead-letters back into the trigger queue
// after its TTL, so a failed cycle is re-attempted without a consumer
// holding the message.
func SetupQueues(ch *amqp091.Channel) error {
	_, err := ch.QueueDeclare(
		CycleQueue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("declare %s: %w", CycleQueue, err)
	}

	_, err = ch.QueueDeclare(
		CycleQueue+"_dlq",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare %s_dlq: %w", CycleQueue, err)
	}

	_, err = ch.QueueDeclare(
		CycleQueue+"_retry",
		true,
		false,
		false,
		false,
		amqp091.Table{
			"x-message-ttl":             int32(retryTTLMs),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": CycleQueue,
		},
	)
	if err != nil {
		return fmt.Errorf("declare %s_retry: %w", CycleQueue, err)
	}

	return nil
}

func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		"",
		queueName,
		false,
		false,
		publishing,
	)
}

// PublishReport fans a cycle report out on the pubsub exchange for
// whoever is listening; nothing in the worker depends on a subscriber
// existing.
func PublishReport(ch *amqp091.Channel, data []byte) error {
	err := ch.ExchangeDeclare(
		"pubsub_exchange",
		"topic",
		false,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		"pubsub_exchange",
		ReportTopic,
		false,
		true,
		publishing,
	)
}

// HandleProcessingError routes a failed trigger to the retry queue,
// or to the dead-letter queue once it has exhausted its retries.
func HandleProcessingError(ch *amqp091.Channel, msg amqp091.Delivery) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	if retries >= maxRetries {
		dlqName := CycleQueue + "_dlq"
		logger.Info("[Queue] Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp091.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	headers := msg.Headers
	if headers == nil {
		headers = amqp091.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	retryName := CycleQueue + "_retry"
	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
