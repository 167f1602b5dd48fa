// Package events consumes multi forwarder payouts observed by the chain
// indexer and hands them to the transfer confirmer.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/service"
)

type Confirmer interface {
	Confirm(ctx context.Context, ev domain.ForwardEvent) (service.ConfirmResult, error)
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

type Consumer struct {
	reader     reader
	confirmer  Confirmer
	logger     *zap.Logger
	maxBackoff time.Duration
}

func NewConsumer(cfg Config, confirmer Confirmer, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return &Consumer{reader: r, confirmer: confirmer, logger: logger, maxBackoff: 30 * time.Second}
}

// Decode parses one forward event payload.
func Decode(value []byte) (domain.ForwardEvent, error) {
	var ev domain.ForwardEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return domain.ForwardEvent{}, domain.Invalid("undecodable forward event", err)
	}
	if ev.ID == "" || ev.TxHash == "" {
		return domain.ForwardEvent{}, domain.Invalid("forward event lacks id or transaction hash", nil)
	}
	return ev, nil
}

// Run consumes until ctx is cancelled. A message is committed once it has
// been applied or rejected as malformed; transient failures are retried.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch forward event: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit forward event: %w", err)
		}
	}
}

// Serve keeps Run going until ctx is cancelled, restarting it with capped
// exponential backoff after fetch or commit failures.
func (c *Consumer) Serve(ctx context.Context) {
	backoff := min(time.Second, c.maxBackoff)
	for {
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Error("forward event consumer stopped, restarting", zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.logger.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))
	ev, err := Decode(msg.Value)
	if err != nil {
		log.Warn("dropping malformed forward event", zap.Error(err))
		return nil
	}

	backoff := min(500*time.Millisecond, c.maxBackoff)
	for {
		res, err := c.confirmer.Confirm(ctx, ev)
		if err == nil {
			log.Info("forward event applied", zap.String("ref", ev.ID), zap.Bool("noop", res.Noop), zap.Int("updated", res.Updated))
			return nil
		}
		if errors.Is(err, domain.ErrValidation) {
			log.Warn("dropping invalid forward event", zap.String("ref", ev.ID), zap.Error(err))
			return nil
		}
		log.Warn("forward event not applied, retrying", zap.String("ref", ev.ID), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
