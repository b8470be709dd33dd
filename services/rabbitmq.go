package services

import (
	"encoding/json"
	"fmt"
	"time"

	"rangepulse/config"
	"rangepulse/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// HistoryPublisher fans finalized session records out to the analytics
// exchange. Downstream aggregation is a separate concern; this is its
// boundary.
type HistoryPublisher struct {
	config    *config.Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *zap.Logger
	isClosing bool
}

func NewHistoryPublisher(cfg *config.Config, logger *zap.Logger) (*HistoryPublisher, error) {
	p := &HistoryPublisher{
		config: cfg,
		logger: logger,
	}

	if err := p.connect(); err != nil {
		return nil, err
	}

	return p, nil
}

// connect establishes connection to RabbitMQ and declares exchange and queue
func (p *HistoryPublisher) connect() error {
	var err error

	p.logger.Info("Connecting to RabbitMQ", zap.String("url", p.config.RabbitMQURL))

	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		p.conn, err = amqp.Dial(p.config.RabbitMQURL)
		if err == nil {
			break
		}

		p.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = p.channel.ExchangeDeclare(
		p.config.RabbitMQExchange, // name
		"direct",                  // type
		true,                      // durable
		false,                     // auto-deleted
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := p.channel.QueueDeclare(
		p.config.RabbitMQQueue, // name
		true,                   // durable
		false,                  // delete when unused
		false,                  // exclusive
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = p.channel.QueueBind(
		queue.Name,
		p.config.RabbitMQQueue, // routing key (same as queue name)
		p.config.RabbitMQExchange,
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	p.logger.Info("History queue bound",
		zap.String("queue", queue.Name),
		zap.String("exchange", p.config.RabbitMQExchange))

	go p.handleReconnect()

	return nil
}

// handleReconnect handles automatic reconnection when connection is lost
func (p *HistoryPublisher) handleReconnect() {
	closeErr := <-p.conn.NotifyClose(make(chan *amqp.Error))
	if p.isClosing {
		p.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	p.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for {
		p.logger.Info("Attempting to reconnect to RabbitMQ...")
		err := p.connect()
		if err == nil {
			p.logger.Info("Successfully reconnected to RabbitMQ")
			return
		}

		p.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(5 * time.Second)
	}
}

// PublishHistory publishes a finalized session record as a persistent message.
func (p *HistoryPublisher) PublishHistory(record *models.SessionHistoryRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session history: %w", err)
	}

	err = p.channel.Publish(
		p.config.RabbitMQExchange, // exchange
		p.config.RabbitMQQueue,    // routing key
		false,                     // mandatory
		false,                     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    record.SessionID,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish session history: %w", err)
	}

	p.logger.Debug("Published session history",
		zap.String("session_id", record.SessionID))

	return nil
}

// Close gracefully closes RabbitMQ connection
func (p *HistoryPublisher) Close() error {
	p.isClosing = true

	p.logger.Info("Closing RabbitMQ connection")

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	p.logger.Info("RabbitMQ connection closed")
	return nil
}
