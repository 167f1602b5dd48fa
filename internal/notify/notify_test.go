package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLog(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), Message{
		Kind:    KindTransferPaid,
		To:      []string{"a@example.com", "b@example.com"},
		Subject: "Your payment was sent",
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, KindTransferPaid, fields["kind"])
	assert.EqualValues(t, 2, fields["recipients"])
	assert.NotContains(t, fields, "to", "addresses are not logged")
}

func TestMessageWireFormat(t *testing.T) {
	msg := Message{
		Kind:      KindSettlementFailed,
		To:        []string{"ops@example.com"},
		Data:      map[string]string{"tx_hash": "0x1"},
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"settlement_failed","to":["ops@example.com"],"subject":"",
		"data":{"tx_hash":"0x1"},"created_at":"2024-01-02T03:04:05Z"}`, string(raw))
}

func TestNewKafkaTargetsTopic(t *testing.T) {
	n := NewKafka([]string{"localhost:9092"}, "ledger-notifications", zap.NewNop())
	assert.Equal(t, "ledger-notifications", n.writer.Topic)
	assert.NoError(t, n.Close())
}
