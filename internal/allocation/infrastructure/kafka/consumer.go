package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/lot-allocation/internal/allocation/application"
	"github.com/dmehra2102/lot-allocation/internal/allocation/domain"
	"github.com/dmehra2102/lot-allocation/pkg/idempotency"
	"github.com/dmehra2102/lot-allocation/pkg/tracing"
)

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Allocator interface {
	AutoAllocate(ctx context.Context, demands []domain.Demand, policy domain.Policy) (application.Summary, error)
	DefaultPolicy() domain.Policy
}

// Claimer is the dedupe side of idempotency.Store.
type Claimer interface {
	idempotency.Claimer
	Key(topic string, partition int, offset int64) string
}

// Consumer turns AutoAllocateRequested messages into auto-allocation runs.
type Consumer struct {
	log     *slog.Logger
	reader  MessageReader
	svc     Allocator
	idem    Claimer
	tracer  trace.Tracer
	retries int
	backoff time.Duration
}

type ConsumerOption func(*Consumer)

// WithRetry sets how often a batch is resumed after a storage failure
// before the consumer gives up.
func WithRetry(attempts int, backoff time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retries = attempts
		c.backoff = backoff
	}
}

func NewConsumer(log *slog.Logger, reader MessageReader, svc Allocator, idem Claimer, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		log:     log,
		reader:  reader,
		svc:     svc,
		idem:    idem,
		tracer:  otel.Tracer("allocation-consumer"),
		retries: 3,
		backoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled. It returns an error when a batch
// keeps failing on storage; that message is left uncommitted so it is
// redelivered after restart.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeAutoAllocateRequested")
	defer span.End()

	batchID, demands, policy, err := decodeRequest(msg.Value, c.svc.DefaultPolicy())
	if err != nil {
		c.log.Error("dropping undecodable request", "offset", msg.Offset, "err", err)
		span.RecordError(err)
		return nil
	}
	span.SetAttributes(attribute.String("batch.id", batchID), attribute.Int("batch.lines", len(demands)))

	key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
	if batchID != "" {
		key = "idem:batch:" + batchID
	}
	seen, err := c.idem.Seen(msgCtx, key)
	if err != nil {
		// processing twice is worse than stalling on redis
		span.SetStatus(codes.Error, "idempotency check failed")
		return fmt.Errorf("idempotency check: %w", err)
	}
	if seen {
		c.log.Info("duplicate batch skipped", "key", key)
		return nil
	}

	if err := c.allocate(msgCtx, batchID, demands, policy); err != nil {
		if ferr := c.idem.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			c.log.Error("releasing idempotency key failed", "key", key, "err", ferr)
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// allocate runs the batch, resuming from the failed line after a storage
// failure so committed lines are never allocated twice.
func (c *Consumer) allocate(ctx context.Context, batchID string, demands []domain.Demand, policy domain.Policy) error {
	remaining := demands
	for attempt := 0; ; attempt++ {
		sum, err := c.svc.AutoAllocate(ctx, remaining, policy)
		c.log.Info("auto allocation finished",
			"batch_id", batchID,
			"processed", sum.ProcessedLines,
			"allocated", sum.AllocatedLines,
			"shortfalls", len(sum.Shortfalls),
			"failed", len(sum.Failed()),
		)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStorageFailure) || attempt >= c.retries {
			return fmt.Errorf("batch %s: %w", batchID, err)
		}
		if n := len(sum.Lines); n > 0 {
			remaining = remaining[n-1:]
		}
		c.log.Warn("storage failure, resuming batch", "batch_id", batchID, "remaining", len(remaining), "attempt", attempt+1, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}
