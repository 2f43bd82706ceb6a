package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/scanguard/internal/logging"
	"github.com/mbd888/scanguard/internal/metrics"
	"github.com/mbd888/scanguard/internal/scans"
)

// MessageReader abstracts kafka.Reader for testability.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester is what the consumer feeds.
type Ingester interface {
	Ingest(ctx context.Context, req ScanRequest) (*Result, error)
}

// Consumer reads scan messages from Kafka and ingests them in order.
// A message is committed once it is stored or permanently rejected; while
// the store is unavailable the same message is retried and the partition
// does not advance.
type Consumer struct {
	reader     MessageReader
	svc        Ingester
	backoff    time.Duration
	maxBackoff time.Duration
}

// NewConsumer creates a consumer-group reader for topic.
func NewConsumer(brokers []string, topic, groupID string, svc Ingester) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // synchronous commits
	})
	return NewConsumerWithReader(reader, svc)
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r MessageReader, svc Ingester) *Consumer {
	return &Consumer{
		reader:     r,
		svc:        svc,
		backoff:    500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// WithBackoff overrides the redelivery backoff bounds.
func (c *Consumer) WithBackoff(base, maxDelay time.Duration) *Consumer {
	c.backoff = base
	c.maxBackoff = maxDelay
	return c
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	log := logging.L(ctx).With("component", "scan_consumer")
	log.Info("scan consumer started")
	defer log.Info("scan consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle ingests msg until it is stored or rejected, then commits it.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := logging.L(ctx).With("partition", msg.Partition, "offset", msg.Offset)

	var req ScanRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		metrics.ConsumerMessagesTotal.WithLabelValues("malformed").Inc()
		log.Warn("dropping malformed scan message", "error", err)
		return c.commit(ctx, msg)
	}

	delay := c.backoff
	for {
		_, err := c.svc.Ingest(ctx, req)
		switch {
		case err == nil:
			metrics.ConsumerMessagesTotal.WithLabelValues("ingested").Inc()
			return c.commit(ctx, msg)
		case errors.Is(err, ErrInvalidScan), errors.Is(err, scans.ErrUnknownCode):
			metrics.ConsumerMessagesTotal.WithLabelValues("rejected").Inc()
			log.Warn("scan rejected", "qr_key", req.QRKey, "error", err)
			return c.commit(ctx, msg)
		case ctx.Err() != nil:
			return ctx.Err()
		}

		metrics.ConsumerMessagesTotal.WithLabelValues("redelivered").Inc()
		log.Warn("scan not stored, backing off", "qr_key", req.QRKey, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
