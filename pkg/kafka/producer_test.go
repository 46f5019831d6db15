package kafka

import (
	"context"
	"testing"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Creating a producer does not contact the broker, so these run without one.

func TestNewProducer_ValidConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer, err := NewProducer(ctx, &cKafka.ConfigMap{"bootstrap.servers": "localhost:9092"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.NotNil(t, producer)
	producer.Close(time.Second)
}

func TestNewProducer_InvalidConfig(t *testing.T) {
	_, err := NewProducer(context.Background(), &cKafka.ConfigMap{"not.a.real.setting": "x"}, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
}

func TestProducer_CloseIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer, err := NewProducer(ctx, ProducerConfig{BootstrapServers: "localhost:9092", ClientID: "test"}.ConfigMap(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	start := time.Now()
	producer.Close(time.Second)
	producer.Close(time.Second)
	assert.Less(t, time.Since(start), 5*time.Second)

	_, ok := <-producer.Errors()
	assert.False(t, ok, "errors channel should be closed")
}

func TestProducer_ProduceHonorsCancelledContext(t *testing.T) {
	producer, err := NewProducer(context.Background(), &cKafka.ConfigMap{"bootstrap.servers": "localhost:9092"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer producer.Close(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = producer.Produce(ctx, Msg{Topic: "t", Value: []byte("v")})
	require.ErrorIs(t, err, context.Canceled)
}

func TestToHeaders(t *testing.T) {
	assert.Nil(t, toHeaders(nil))

	h := toHeaders(map[string]string{"event": "job_created"})
	require.Len(t, h, 1)
	assert.Equal(t, "event", h[0].Key)
	assert.Equal(t, []byte("job_created"), h[0].Value)
}

func TestProduceError(t *testing.T) {
	err := produceError(cKafka.NewError(cKafka.ErrUnknownTopicOrPart, "nope", false))
	require.ErrorContains(t, err, "unknown topic or partition")

	err = produceError(cKafka.NewError(cKafka.ErrMsgSizeTooLarge, "big", false))
	require.ErrorContains(t, err, "invalid message size")
}
