// Package notify publishes link-saved events to other consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"smartrack/internal/domain"
)

// Event sources.
const (
	SourceExtension = "extension"
	SourceDashboard = "dashboard"
	SourceBot       = "bot"
)

// Publisher announces saved links.
type Publisher interface {
	PublishLinkSaved(ctx context.Context, link domain.SavedLink, source string) error
	Close() error
}

// LinkSavedEvent is the body of a published event.
type LinkSavedEvent struct {
	Source    string           `json:"source"`
	Link      domain.SavedLink `json:"link"`
	Timestamp time.Time        `json:"timestamp"`
}

func newEvent(link domain.SavedLink, source string) LinkSavedEvent {
	return LinkSavedEvent{Source: source, Link: link, Timestamp: time.Now().UTC()}
}

// Config locates the broker.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	conn       *amqp.Connection
	channel    amqpChannel
	exchange   string
	routingKey string
	log        logrus.FieldLogger
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg Config, logger logrus.FieldLogger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	log := logger.WithField("component", "amqp_publisher")
	log.WithFields(logrus.Fields{
		"exchange":    cfg.Exchange,
		"routing_key": cfg.RoutingKey,
	}).Info("Connected to RabbitMQ")

	return &AMQPPublisher{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		log:        log,
	}, nil
}

// PublishLinkSaved publishes a persistent JSON event.
func (p *AMQPPublisher) PublishLinkSaved(ctx context.Context, link domain.SavedLink, source string) error {
	body, err := json.Marshal(newEvent(link, source))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    link.ID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	p.log.WithFields(logrus.Fields{"id": link.ID, "source": source}).Debug("Published link saved event")
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// LogPublisher writes events to the log. It is used when no broker is configured.
type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(logger logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: logger.WithField("component", "log_publisher")}
}

func (p *LogPublisher) PublishLinkSaved(_ context.Context, link domain.SavedLink, source string) error {
	p.log.WithFields(logrus.Fields{
		"id":     link.ID,
		"url":    link.URL,
		"label":  link.Label,
		"source": source,
	}).Info("Link saved")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// New connects to cfg.URL, or returns a LogPublisher when it is empty or the
// broker cannot be reached.
func New(cfg Config, logger logrus.FieldLogger) Publisher {
	if cfg.URL == "" {
		return NewLogPublisher(logger)
	}
	p, err := NewAMQPPublisher(cfg, logger)
	if err != nil {
		logger.WithField("component", "notify").WithError(err).Warn("RabbitMQ unavailable, logging events instead")
		return NewLogPublisher(logger)
	}
	return p
}
