// Package notify hands outbound notifications (receiver emails, operator
// alerts) to the delivery pipeline. Templating and delivery live elsewhere.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	KindTransferPaid     = "transfer_paid"
	KindTransferFailed   = "transfer_failed"
	KindSettlementFailed = "settlement_failed"
	KindUnmatchedPayment = "unmatched_payment"
)

type Message struct {
	Kind      string            `json:"kind"`
	To        []string          `json:"to"`
	Subject   string            `json:"subject"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// KafkaNotifier publishes messages as JSON keyed by kind.
type KafkaNotifier struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafka(brokers []string, topic string, logger *zap.Logger) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), zap.String("component", "notify"))
		}),
	}
	return &KafkaNotifier{writer: w, logger: logger}
}

func (n *KafkaNotifier) Notify(ctx context.Context, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	if err := n.writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.Kind), Value: body}); err != nil {
		return fmt.Errorf("notify: publish %s: %w", msg.Kind, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier only logs. Used when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info("notification",
		zap.String("kind", msg.Kind),
		zap.Int("recipients", len(msg.To)),
		zap.String("subject", msg.Subject),
		zap.Any("data", msg.Data))
	return nil
}
