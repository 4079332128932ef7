// Package kafkasignals consumes relayed transport webhook events from Kafka
// and forwards them to the engagement tracker.
package kafkasignals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hylla/outreach/internal/adapters/signals"
	"github.com/hylla/outreach/internal/app"
	"github.com/segmentio/kafka-go"
)

// Recorder applies decoded signals.
type Recorder interface {
	RecordSignals(context.Context, []app.SignalInput) (app.SignalBatchResult, error)
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the consumer group.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// RecordTimeout bounds how long one message may spend in the tracker.
	RecordTimeout time.Duration
}

// Consumer reads one message at a time and commits it after processing.
// Signal application is idempotent, so redelivery after a crash is harmless.
type Consumer struct {
	reader        messageReader
	recorder      Recorder
	logger        app.Logger
	recordTimeout time.Duration
}

// New builds a consumer-group reader.
func New(cfg Config, recorder Recorder, logger app.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka signal topic and group id are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newConsumer(reader, recorder, logger, cfg.RecordTimeout), nil
}

func newConsumer(reader messageReader, recorder Recorder, logger app.Logger, timeout time.Duration) *Consumer {
	if logger == nil {
		logger = app.NopLogger{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Consumer{reader: reader, recorder: recorder, logger: logger, recordTimeout: timeout}
}

// Run consumes until ctx is cancelled, then closes the reader. Undecodable
// messages are logged and committed so they never block the partition.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("close signal reader", "err", err)
		}
	}()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch signal message: %w", err)
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			return fmt.Errorf("commit signal message: %w", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	events, err := signals.Decode(msg.Value)
	if err != nil {
		c.logger.Debug("skip undecodable signal message", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.recordTimeout)
	defer cancel()
	result, err := c.recorder.RecordSignals(recordCtx, events)
	if err != nil {
		c.logger.Warn("signal batch had errors", "offset", msg.Offset, "errors", result.Errors, "err", err)
	}
	c.logger.Debug("signal message processed",
		"offset", msg.Offset,
		"received", result.Received,
		"applied", result.Applied,
		"ignored", result.Ignored,
		"alerts", result.Alerts,
	)
}
