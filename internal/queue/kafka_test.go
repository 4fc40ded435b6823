package queue

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTopic_NoBrokers(t *testing.T) {
	err := EnsureTopic(context.Background(), nil, "events", 1, 1)
	assert.Error(t, err)
}

func TestProducer_PublishRoundTrip(t *testing.T) {
	raw := os.Getenv("INGEST_TEST_KAFKA_BROKERS")
	if raw == "" {
		t.Skip("INGEST_TEST_KAFKA_BROKERS not set")
	}
	brokers := strings.Split(raw, ",")
	topic := "pellet-ingest-test-" + uuid.NewString()[:8]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, EnsureTopic(ctx, brokers, topic, 1, 1))
	require.NoError(t, EnsureTopic(ctx, brokers, topic, 1, 1))

	p := NewProducer(brokers, topic)
	defer p.Close()
	require.NoError(t, p.Publish(ctx, "touch_20251101.csv", []byte(`{"type":"file.ingested"}`)))

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, Partition: 0})
	defer r.Close()
	msg, err := r.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "touch_20251101.csv", string(msg.Key))
}
