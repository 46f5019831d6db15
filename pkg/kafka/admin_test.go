package kafka

import (
	"context"
	"errors"
	"testing"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockAdmin struct {
	mock.Mock
}

func (m *mockAdmin) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*cKafka.Metadata, error) {
	args := m.Called(*topic, allTopics)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cKafka.Metadata), args.Error(1)
}

func (m *mockAdmin) CreateTopics(ctx context.Context, topics []cKafka.TopicSpecification, _ ...cKafka.CreateTopicsAdminOption) ([]cKafka.TopicResult, error) {
	args := m.Called(topics)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]cKafka.TopicResult), args.Error(1)
}

func (m *mockAdmin) CreatePartitions(ctx context.Context, partitions []cKafka.PartitionsSpecification, _ ...cKafka.CreatePartitionsAdminOption) ([]cKafka.TopicResult, error) {
	args := m.Called(partitions)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]cKafka.TopicResult), args.Error(1)
}

func metadata(topic string, partitions, replicas int) *cKafka.Metadata {
	tm := cKafka.TopicMetadata{Topic: topic}
	for i := 0; i < partitions; i++ {
		pm := cKafka.PartitionMetadata{ID: int32(i)}
		for r := 0; r < replicas; r++ {
			pm.Replicas = append(pm.Replicas, int32(r))
		}
		tm.Partitions = append(tm.Partitions, pm)
	}
	return &cKafka.Metadata{Topics: map[string]cKafka.TopicMetadata{topic: tm}}
}

func missing(topic string) *cKafka.Metadata {
	return &cKafka.Metadata{Topics: map[string]cKafka.TopicMetadata{
		topic: {Topic: topic, Error: cKafka.NewError(cKafka.ErrUnknownTopicOrPart, "unknown", false)},
	}}
}

var jobsTopic = TopicConfig{Name: "jobs", NumPartitions: 3, ReplicationFactor: 1}

func TestEnsureTopic_CreatesMissing(t *testing.T) {
	admin := &mockAdmin{}
	admin.On("GetMetadata", "jobs", false).Return(missing("jobs"), nil)
	admin.On("CreateTopics", []cKafka.TopicSpecification{{Topic: "jobs", NumPartitions: 3, ReplicationFactor: 1}}).
		Return([]cKafka.TopicResult{{Topic: "jobs"}}, nil)

	require.NoError(t, EnsureTopic(context.Background(), admin, jobsTopic, zaptest.NewLogger(t).Sugar()))
	admin.AssertExpectations(t)
}

func TestEnsureTopic_CreateRaceIsNotAnError(t *testing.T) {
	admin := &mockAdmin{}
	admin.On("GetMetadata", "jobs", false).Return(&cKafka.Metadata{Topics: map[string]cKafka.TopicMetadata{}}, nil)
	admin.On("CreateTopics", mock.Anything).Return([]cKafka.TopicResult{{
		Topic: "jobs",
		Error: cKafka.NewError(cKafka.ErrTopicAlreadyExists, "exists", false),
	}}, nil)

	require.NoError(t, EnsureTopic(context.Background(), admin, jobsTopic, zaptest.NewLogger(t).Sugar()))
}

func TestEnsureTopic_GrowsPartitions(t *testing.T) {
	admin := &mockAdmin{}
	admin.On("GetMetadata", "jobs", false).Return(metadata("jobs", 1, 1), nil)
	admin.On("CreatePartitions", []cKafka.PartitionsSpecification{{Topic: "jobs", IncreaseTo: 3}}).
		Return([]cKafka.TopicResult{{Topic: "jobs"}}, nil)

	require.NoError(t, EnsureTopic(context.Background(), admin, jobsTopic, zaptest.NewLogger(t).Sugar()))
	admin.AssertExpectations(t)
}

func TestEnsureTopic_UpToDate(t *testing.T) {
	admin := &mockAdmin{}
	admin.On("GetMetadata", "jobs", false).Return(metadata("jobs", 3, 2), nil)

	require.NoError(t, EnsureTopic(context.Background(), admin, jobsTopic, zaptest.NewLogger(t).Sugar()))
	admin.AssertNotCalled(t, "CreateTopics", mock.Anything)
	admin.AssertNotCalled(t, "CreatePartitions", mock.Anything)
}

func TestEnsureTopic_Errors(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()

	admin := &mockAdmin{}
	admin.On("GetMetadata", "jobs", false).Return(metadata("jobs", 5, 1), nil)
	require.ErrorIs(t, EnsureTopic(context.Background(), admin, jobsTopic, log), ErrTooManyPartitions)

	admin = &mockAdmin{}
	admin.On("GetMetadata", "jobs", false).Return(nil, errors.New("timed out"))
	require.ErrorContains(t, EnsureTopic(context.Background(), admin, jobsTopic, log), "timed out")

	admin = &mockAdmin{}
	admin.On("GetMetadata", "jobs", false).Return(missing("jobs"), nil)
	admin.On("CreateTopics", mock.Anything).Return([]cKafka.TopicResult{{
		Topic: "jobs",
		Error: cKafka.NewError(cKafka.ErrTopicAuthorizationFailed, "denied", false),
	}}, nil)
	require.ErrorContains(t, EnsureTopic(context.Background(), admin, jobsTopic, log), "failed to create topic")

	require.ErrorContains(t, EnsureTopic(context.Background(), &mockAdmin{}, TopicConfig{}, log), "invalid topic config")
}
