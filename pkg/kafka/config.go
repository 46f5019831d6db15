package kafka

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const (
	DefaultFlushTimeout = 15 * time.Second
	DefaultSinkBuffer   = 1024
)

// ProducerConfig holds the settings for publishing job events.
type ProducerConfig struct {
	Enabled           bool          `env:"KAFKA_ENABLED"            envDefault:"false"`             // Publish job events to Kafka
	BootstrapServers  string        `env:"KAFKA_BOOTSTRAP_SERVERS"  envDefault:"localhost:9092"`    // Kafka broker addresses
	Topic             string        `env:"KAFKA_JOB_EVENTS_TOPIC"   envDefault:"wallet-job-events"` // Topic job events are written to
	ClientID          string        `env:"KAFKA_CLIENT_ID"          envDefault:"wallet-indexer"`
	Partitions        int           `env:"KAFKA_TOPIC_PARTITIONS"   envDefault:"1"`
	ReplicationFactor int           `env:"KAFKA_REPLICATION_FACTOR" envDefault:"1"`
	EnsureTopic       bool          `env:"KAFKA_ENSURE_TOPIC"       envDefault:"true"` // Create or grow the topic on startup
	FlushTimeout      time.Duration `env:"KAFKA_FLUSH_TIMEOUT"      envDefault:"15s"`
	SinkBuffer        int           `env:"KAFKA_SINK_BUFFER"        envDefault:"1024"` // Events held while the producer catches up
	EnableLogs        bool          `env:"KAFKA_ENABLE_LOGS"        envDefault:"false"` // Enable librdkafka client logs
}

// LoadProducerConfig reads KAFKA_* environment variables.
func LoadProducerConfig() (ProducerConfig, error) {
	var cfg ProducerConfig
	if err := env.Parse(&cfg); err != nil {
		return ProducerConfig{}, fmt.Errorf("failed to parse kafka config: %w", err)
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return ProducerConfig{}, err
	}
	return cfg, nil
}

func (c ProducerConfig) Validate() error {
	if c.BootstrapServers == "" {
		return errors.New("kafka: bootstrap servers are required")
	}
	if c.SinkBuffer <= 0 {
		return fmt.Errorf("kafka: sink buffer must be > 0, got %d", c.SinkBuffer)
	}
	return c.TopicConfig().Validate()
}

// TopicConfig returns the desired shape of the job events topic.
func (c ProducerConfig) TopicConfig() TopicConfig {
	return TopicConfig{
		Name:              c.Topic,
		NumPartitions:     c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
	}
}

// ConfigMap builds the librdkafka settings for the producer and admin client.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":      c.BootstrapServers,
		"client.id":              c.ClientID,
		"enable.idempotence":     true,
		"acks":                   "all",
		"go.logs.channel.enable": c.EnableLogs,
	}
}
