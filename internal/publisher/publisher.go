// Package publisher streams settled trades to Kafka as the trade log.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
	"github.com/xtrntr/clearinghouse/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher wraps a Kafka writer
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher writing to topic. Messages are keyed
// by trade id so redeliveries land on the same partition.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: -1,
	})
	return &KafkaPublisher{writer: w}
}

// Insert publishes trade and waits for the brokers to acknowledge it
func (p *KafkaPublisher) Insert(ctx context.Context, trade models.Trade) error {
	val, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("%w: failed to encode trade %s: %v", models.ErrPermanent, trade.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(trade.ID),
		Value: val,
		Headers: []kafka.Header{
			{Key: "voided", Value: []byte(strconv.FormatBool(trade.Voided))},
		},
		Time: trade.ExecutedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish trade %s: %w", trade.ID, classify(err))
	}
	return nil
}

// Close shuts down the Kafka writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// classify tags err as transient or permanent. The writer reports broker
// failures per message in kafka.WriteErrors; the first one decides.
func classify(err error) error {
	cause := err
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil {
				cause = e
				break
			}
		}
	}
	if isTransient(cause) {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", models.ErrPermanent, err)
}

func isTransient(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}
